package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected scrape status: %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestDetectionMetricsRecordsMessageOutcomes(t *testing.T) {
	m := NewDetectionMetrics("detector-worker")

	m.StartMessage()
	m.FinishMessage(120*time.Millisecond, nil)
	m.StartMessage()
	m.FinishMessage(10*time.Millisecond, domain.WrapError(domain.ErrClassification, "classify", errors.New("boom")))
	m.ObserveObject("matched")
	m.ObserveAlertFailure()
	m.ObserveQueueLag(2 * time.Second)
	m.ObserveQueueLag(-time.Second)
	m.ObserveRetry("vision", "detect_labels")
	m.ObserveBreakerState("vision", "detect_labels", "open")

	out := scrape(t, m.Handler())
	for _, want := range []string{
		`detector_worker_messages_total{kind="none",service="detector-worker",status="success"} 1`,
		`detector_worker_messages_total{kind="classification",service="detector-worker",status="error"} 1`,
		`detector_worker_messages_in_flight{service="detector-worker"} 0`,
		`detector_worker_objects_total{outcome="matched",service="detector-worker"} 1`,
		`detector_alerts_publish_failures_total{service="detector-worker"} 1`,
		`detector_worker_queue_lag_seconds_count{service="detector-worker"} 1`,
		`detector_dependency_retries_total{dependency="vision",operation="detect_labels",service="detector-worker"} 1`,
		`detector_dependency_circuit_state{dependency="vision",operation="detect_labels",service="detector-worker"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in scrape output:\n%s", want, out)
		}
	}
}

func TestHTTPServerMetricsMiddlewareNormalizesPath(t *testing.T) {
	m := NewHTTPServerMetrics("detector-api")
	handler := m.Middleware("detector-api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/detections?bucket=b&key=k%d", i), nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/path", nil))

	out := scrape(t, Handler(m.Registry()))
	if !strings.Contains(out, `detector_http_requests_total{method="GET",path="/v1/detections",service="detector-api",status="404"} 2`) {
		t.Fatalf("expected normalized detections path, got:\n%s", out)
	}
	if !strings.Contains(out, `path="other"`) {
		t.Fatalf("expected unknown paths to collapse, got:\n%s", out)
	}
}
