package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

type batchFake struct {
	correlationID string
	received      []domain.QueueMessage
	fail          map[string]bool
}

func (f *batchFake) ProcessBatch(_ context.Context, correlationID string, messages []domain.QueueMessage) domain.BatchOutcome {
	f.correlationID = correlationID
	f.received = messages
	outcome := domain.BatchOutcome{}
	for _, m := range messages {
		if f.fail[m.ID] {
			outcome.FailedMessageIDs = append(outcome.FailedMessageIDs, m.ID)
		}
	}
	return outcome
}

type readerFake struct {
	records []domain.DetectionRecord
	err     error
}

func (f readerFake) ListByObject(context.Context, domain.ObjectRef) ([]domain.DetectionRecord, error) {
	return f.records, f.err
}

type enqueuerFake struct {
	bodies [][]byte
	err    error
}

func (f *enqueuerFake) Enqueue(_ context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func newTestRouter(batch *batchFake, reader readerFake, enqueuer *enqueuerFake) http.Handler {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if enqueuer == nil {
		return NewRouter(batch, reader, nil, logger).Handler()
	}
	return NewRouter(batch, reader, enqueuer, logger).Handler()
}

func TestHealthz(t *testing.T) {
	res := httptest.NewRecorder()
	newTestRouter(&batchFake{}, readerFake{}, nil).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id header")
	}
}

func TestProcessBatchReturnsFailedMessageIDs(t *testing.T) {
	batch := &batchFake{fail: map[string]bool{"m2": true}}
	handler := newTestRouter(batch, readerFake{}, nil)

	body := `{"messages":[{"messageId":"m1","body":"{}"},{"messageId":"m2","body":"bad"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body))
	req.Header.Set(requestIDHeader, "req-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var got domain.BatchOutcome
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.FailedMessageIDs) != 1 || got.FailedMessageIDs[0] != "m2" {
		t.Fatalf("unexpected outcome: %#v", got)
	}
	if batch.correlationID != "req-42" {
		t.Fatalf("expected request id as correlation id, got %q", batch.correlationID)
	}
	if len(batch.received) != 2 || batch.received[1].Body != "bad" {
		t.Fatalf("unexpected messages: %#v", batch.received)
	}
}

func TestProcessBatchEncodesEmptyFailureListAsArray(t *testing.T) {
	handler := newTestRouter(&batchFake{}, readerFake{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"messages":[{"messageId":"m1","body":"{}"}]}`))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if !strings.Contains(res.Body.String(), `"failedMessageIds":[]`) {
		t.Fatalf("expected empty array, got %s", res.Body.String())
	}
}

func TestProcessBatchRejectsInvalidRequests(t *testing.T) {
	handler := newTestRouter(&batchFake{}, readerFake{}, nil)

	for _, body := range []string{`not json`, `{"messages":[]}`} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body)))
		if res.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, res.Code)
		}
	}
}

func TestListDetections(t *testing.T) {
	records := []domain.DetectionRecord{{
		Bucket:      "photos",
		Key:         "a.jpg",
		Version:     domain.LatestVersion,
		Matched:     true,
		ProcessedAt: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}}
	handler := newTestRouter(&batchFake{}, readerFake{records: records}, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/detections?bucket=photos&key=a.jpg", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"version":"latest"`) {
		t.Fatalf("unexpected body: %s", res.Body.String())
	}
}

func TestListDetectionsErrors(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		reader readerFake
		want   int
	}{
		{name: "missing key", url: "/v1/detections?bucket=photos", want: http.StatusBadRequest},
		{
			name:   "not found",
			url:    "/v1/detections?bucket=photos&key=a.jpg",
			reader: readerFake{err: domain.WrapError(domain.ErrDetectionNotFound, "list", errors.New("photos/a.jpg"))},
			want:   http.StatusNotFound,
		},
		{
			name:   "store failure",
			url:    "/v1/detections?bucket=photos&key=a.jpg",
			reader: readerFake{err: domain.WrapError(domain.ErrPersistence, "list", errors.New("db down"))},
			want:   http.StatusBadGateway,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := httptest.NewRecorder()
			newTestRouter(&batchFake{}, tc.reader, nil).ServeHTTP(res, httptest.NewRequest(http.MethodGet, tc.url, nil))
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
		})
	}
}

func TestEnqueueNotification(t *testing.T) {
	enqueuer := &enqueuerFake{}
	handler := newTestRouter(&batchFake{}, readerFake{}, enqueuer)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(`{"Records":[]}`)))
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if len(enqueuer.bodies) != 1 {
		t.Fatalf("expected one enqueued body, got %d", len(enqueuer.bodies))
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(`{broken`)))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", res.Code)
	}

	enqueuer.err = domain.WrapError(domain.ErrTemporary, "enqueue", errors.New("no responders"))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(`{}`)))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestEnqueueNotificationWithoutQueue(t *testing.T) {
	res := httptest.NewRecorder()
	newTestRouter(&batchFake{}, readerFake{}, nil).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(`{}`)))
	if res.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", res.Code)
	}
}

type panickingBatch struct{}

func (panickingBatch) ProcessBatch(context.Context, string, []domain.QueueMessage) domain.BatchOutcome {
	panic("boom")
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	handler := NewRouter(panickingBatch{}, readerFake{}, nil, slog.New(slog.NewJSONHandler(io.Discard, nil))).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"messages":[{"messageId":"m1","body":"{}"}]}`)))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
}

func TestRequestIDMiddlewareReplacesUnsafeIDs(t *testing.T) {
	batch := &batchFake{}
	handler := newTestRouter(batch, readerFake{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"messages":[{"messageId":"m1","body":"{}"}]}`))
	req.Header.Set(requestIDHeader, "bad id\nwith newline")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	got := res.Header().Get(requestIDHeader)
	if got == "" || strings.Contains(got, " ") {
		t.Fatalf("expected generated request id, got %q", got)
	}
	if batch.correlationID != got {
		t.Fatalf("expected correlation id %q, got %q", got, batch.correlationID)
	}
}
