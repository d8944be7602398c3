package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AppRuntime/internal/eventbus"
	"AppRuntime/internal/task"
	"AppRuntime/pkg/plugin"
)

type noopPlugin struct{}

func (noopPlugin) Init(*plugin.Host) error                        { return nil }
func (noopPlugin) Activate(context.Context, *plugin.Host) error   { return nil }
func (noopPlugin) Deactivate(context.Context, *plugin.Host) error { return nil }

type stubTasks struct {
	enqueueErr error
	closed     bool
}

func (s *stubTasks) Enqueue(context.Context, string, any) (string, error) {
	return "", s.enqueueErr
}
func (s *stubTasks) Status(string) (*task.Task, error)            { return nil, task.ErrNotFound }
func (s *stubTasks) Cancel(context.Context, string) (bool, error) { return false, task.ErrNotFound }
func (s *stubTasks) List(...task.ListOption) []*task.Task         { return nil }
func (s *stubTasks) Handlers() []string                           { return nil }
func (s *stubTasks) Closed() bool                                 { return s.closed }

type fixture struct {
	server  *httptest.Server
	queue   *task.Queue
	manager *plugin.Manager
	bus     *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	q, err := task.NewQueue(task.WithPublisher(bus), task.WithShutdownGrace(100*time.Millisecond))
	require.NoError(t, err)
	manager := plugin.NewManager(bus, q)
	srv := httptest.NewServer(NewServer(":0", q, manager, bus).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.DrainAndStop(ctx)
	})
	return &fixture{server: srv, queue: q, manager: manager, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	detail, _ := body["error"].(map[string]any)
	code, _ := detail["code"].(string)
	return code
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.RegisterHandler("email", func(ctx context.Context, tk *task.Task) (any, error) {
		<-ctx.Done()
		return nil, task.Checkpoint(ctx)
	}))

	resp, body := f.do(t, http.MethodPost, "/api/v1/tasks", `{"type":"email","payload":{"to":"a@b.com"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)

	resp, body = f.do(t, http.MethodGet, "/api/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "email", body["type"])

	resp, body = f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cancelled"])

	final, err := f.queue.WaitUntilTerminal(context.Background(), id, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, final.Status)

	resp, body = f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cancelled"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/tasks/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestTaskTypesEndpoint(t *testing.T) {
	f := newFixture(t)
	noop := func(context.Context, *task.Task) (any, error) { return nil, nil }
	require.NoError(t, f.queue.RegisterHandler("sms", noop))
	require.NoError(t, f.queue.RegisterHandler("email", noop))

	resp, body := f.do(t, http.MethodGet, "/api/v1/task-types", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"email", "sms"}, body["types"])

	empty := httptest.NewServer(NewServer(":0", &stubTasks{}, nil, nil).Handler())
	defer empty.Close()
	resp2, err := empty.Client().Get(empty.URL + "/api/v1/task-types")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var out taskTypesResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.NotNil(t, out.Types)
	assert.Empty(t, out.Types)
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t)
	id, err := f.queue.Enqueue(context.Background(), "email", nil)
	require.NoError(t, err)
	_, err = f.queue.WaitUntilTerminal(context.Background(), id, 5*time.Millisecond)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/tasks?status=failed&type=email&order=asc", nil)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "HANDLER_NOT_FOUND", list[0].ErrorCode)
	assert.Equal(t, 0, list[0].Retries)

	bad, body := f.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(body))
}

func TestErrorStatusMapping(t *testing.T) {
	stub := &stubTasks{enqueueErr: task.ErrQueueFull}
	srv := httptest.NewServer(NewServer(":0", stub, nil, nil).Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(`{"type":"email"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/api/v1/plugins")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPluginEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Register("metrics", "1.0.0", func() plugin.Plugin { return noopPlugin{} }))

	resp, body := f.do(t, http.MethodPost, "/api/v1/plugins/metrics/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["state"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/plugins/metrics/activate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/plugins/metrics", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/plugins/metrics/deactivate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/plugins/metrics", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/v1/plugins/ghost/activate", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestPublishEndpoint(t *testing.T) {
	f := newFixture(t)
	var got eventbus.Event
	_, err := f.bus.Subscribe("request.*", func(_ context.Context, evt eventbus.Event) error {
		got = evt
		return nil
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/v1/events", `{"topic":"request.completed","payload":{"latency":12}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "request.completed", body["topic"])
	assert.Equal(t, map[string]any{"latency": float64(12)}, got.Payload)

	resp, body = f.do(t, http.MethodPost, "/api/v1/events", `{"topic":"bad..topic"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PATTERN", errorCode(body))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/live", "/ready", "/metrics"} {
		resp, err := f.server.Client().Get(f.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	draining := httptest.NewServer(NewServer(":0", &stubTasks{closed: true}, nil, nil).Handler())
	defer draining.Close()
	resp, err := draining.Client().Get(draining.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
