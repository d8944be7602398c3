package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/task"
)

const upsertTaskSQL = `INSERT INTO task_records
    (id, type, status, payload, result, error, error_code, retries, max_retries, cancel_requested, created_at, updated_at, started_at, completed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    status = VALUES(status), result = VALUES(result), error = VALUES(error), error_code = VALUES(error_code),
    retries = VALUES(retries), cancel_requested = VALUES(cancel_requested), updated_at = VALUES(updated_at),
    started_at = VALUES(started_at), completed_at = VALUES(completed_at)`

const selectTaskSQL = `SELECT id, type, status, payload, result, error, error_code, retries, max_retries, cancel_requested, created_at, updated_at, started_at, completed_at
    FROM task_records WHERE id = ?`

// TaskRecorder upserts every task snapshot into the task_records table.
type TaskRecorder struct {
	db *sql.DB
}

// NewTaskRecorder connects to MySQL and applies pending migrations.
func NewTaskRecorder(ctx context.Context, cfg Config) (*TaskRecorder, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect task recorder")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate task recorder")
	}
	return &TaskRecorder{db: db}, nil
}

// Record implements task.Recorder.
func (r *TaskRecorder) Record(ctx context.Context, t task.Task) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode task payload", xerrors.WithRetryable(false))
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode task result", xerrors.WithRetryable(false))
	}
	if _, err := r.db.ExecContext(ctx, upsertTaskSQL,
		t.ID,
		t.Type,
		string(t.Status),
		payload,
		result,
		nullString(t.Error),
		t.ErrorCode,
		t.Retries,
		t.MaxRetries,
		t.CancelRequested,
		t.CreatedAt.UnixMilli(),
		t.UpdatedAt.UnixMilli(),
		nullMillis(t.StartedAt),
		nullMillis(t.CompletedAt),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert task record",
			xerrors.WithMetadata("task_id", t.ID))
	}
	return nil
}

// Get reads a recorded snapshot back. Payload and result are decoded into
// generic JSON values.
func (r *TaskRecorder) Get(ctx context.Context, id string) (*task.Task, error) {
	var (
		t                  task.Task
		status             string
		payload, result    sql.NullString
		errText            sql.NullString
		created, updated   int64
		started, completed sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, selectTaskSQL, id).Scan(
		&t.ID, &t.Type, &status, &payload, &result, &errText, &t.ErrorCode,
		&t.Retries, &t.MaxRetries, &t.CancelRequested, &created, &updated, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "task record not found", xerrors.WithMetadata("task_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query task record")
	}
	t.Status = task.Status(status)
	t.Error = errText.String
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	if started.Valid {
		t.StartedAt = time.UnixMilli(started.Int64).UTC()
	}
	if completed.Valid {
		t.CompletedAt = time.UnixMilli(completed.Int64).UTC()
	}
	if t.Payload, err = decodeJSON(payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode task payload")
	}
	if t.Result, err = decodeJSON(result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode task result")
	}
	return &t, nil
}

// Close releases the connection pool.
func (r *TaskRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(raw sql.NullString) (any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(ts time.Time) sql.NullInt64 {
	if ts.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixMilli(), Valid: true}
}
