package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObservePublishCounts(t *testing.T) {
	before := testutil.ToFloat64(handlerFailures)
	ObservePublish(3, 1)
	if got := testutil.ToFloat64(handlerFailures) - before; got != 1 {
		t.Fatalf("expected one handler failure recorded, got %v", got)
	}
}

func TestHandlerExposesTaskMetrics(t *testing.T) {
	ObserveEnqueue("email")
	ObserveFinished("email", "failed")
	ObserveAttempt("email", 15*time.Millisecond)
	ObserveHTTPRequest("tasks", "POST", 202, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`appruntime_tasks_enqueued_total{type="email"}`,
		`appruntime_tasks_finished_total{status="failed",type="email"}`,
		`appruntime_http_requests_total{code="202",handler="tasks",method="POST"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
