package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AppRuntime/internal/errors"
	"AppRuntime/internal/task"
)

const maxBodyBytes = 1 << 20

type enqueueRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type enqueueResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

type cancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

type taskTypesResponse struct {
	Types []string `json:"types"`
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

type publishResponse struct {
	Topic    string   `json:"topic"`
	Failures []string `json:"failures,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed request body")
	}
	return nil
}

func unavailable(what string) error {
	return xerrors.New(xerrors.CodeUnavailable, what+" not configured")
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("task queue"))
		return
	}
	var req enqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.tasks.Enqueue(r.Context(), req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{TaskID: id, Status: task.StatusPending})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("task queue"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.List(opts...))
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := []task.ListOption{task.WithLimit(20)}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a positive integer")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset must be a non-negative integer")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("type"); raw != "" {
		opts = append(opts, task.WithType(raw))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "updated_since must be RFC3339")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	switch query.Get("order") {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
	}
	return opts, nil
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("task queue"))
		return
	}
	t, err := s.tasks.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("task queue"))
		return
	}
	id := r.PathValue("id")
	cancelled, err := s.tasks.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{TaskID: id, Cancelled: cancelled})
}

func (s *Server) handleTaskTypes(w http.ResponseWriter, _ *http.Request) {
	if s.tasks == nil {
		writeError(w, unavailable("task queue"))
		return
	}
	types := s.tasks.Handlers()
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, taskTypesResponse{Types: types})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.plugins == nil {
		writeError(w, unavailable("plugin manager"))
		return
	}
	writeJSON(w, http.StatusOK, s.plugins.List())
}

func (s *Server) handleActivatePlugin(w http.ResponseWriter, r *http.Request) {
	if s.plugins == nil {
		writeError(w, unavailable("plugin manager"))
		return
	}
	s.pluginResult(w, r.PathValue("name"), s.plugins.Activate(r.Context(), r.PathValue("name")))
}

func (s *Server) handleDeactivatePlugin(w http.ResponseWriter, r *http.Request) {
	if s.plugins == nil {
		writeError(w, unavailable("plugin manager"))
		return
	}
	s.pluginResult(w, r.PathValue("name"), s.plugins.Deactivate(r.Context(), r.PathValue("name")))
}

func (s *Server) handleUnregisterPlugin(w http.ResponseWriter, r *http.Request) {
	if s.plugins == nil {
		writeError(w, unavailable("plugin manager"))
		return
	}
	name := r.PathValue("name")
	if err := s.plugins.Unregister(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pluginResult(w http.ResponseWriter, name string, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	for _, desc := range s.plugins.List() {
		if desc.Name == name {
			writeJSON(w, http.StatusOK, desc)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, unavailable("event bus"))
		return
	}
	var req publishRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	failures, err := s.events.Publish(r.Context(), req.Topic, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := publishResponse{Topic: req.Topic}
	for _, f := range failures {
		resp.Failures = append(resp.Failures, f.Err.Error())
	}
	if len(failures) > 0 {
		s.log.Warn("published event had handler failures",
			slog.String("topic", req.Topic),
			slog.Int("failures", len(failures)))
	}
	writeJSON(w, http.StatusOK, resp)
}
