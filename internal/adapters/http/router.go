package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

const maxRequestBodyBytes = 1 << 20

type Router struct {
	batch      ports.BatchProcessor
	detections ports.DetectionReader
	enqueuer   ports.NotificationEnqueuer
	logger     *slog.Logger
}

// NewRouter builds the admin API. enqueuer may be nil, which disables POST /v1/notifications.
func NewRouter(
	batch ports.BatchProcessor,
	detections ports.DetectionReader,
	enqueuer ports.NotificationEnqueuer,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		batch:      batch,
		detections: detections,
		enqueuer:   enqueuer,
		logger:     logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/batches", rt.processBatch)
	mux.HandleFunc("GET /v1/detections", rt.listDetections)
	mux.HandleFunc("POST /v1/notifications", rt.enqueueNotification)
	return requestIDMiddleware(accessLogMiddleware(rt.logger, recoverMiddleware(rt.logger, mux)))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchRequest struct {
	Messages []domain.QueueMessage `json:"messages"`
}

// processBatch runs a batch synchronously and answers with the partial batch failure report.
func (rt *Router) processBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode batch", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode batch", errors.New("messages are required")))
		return
	}

	outcome := rt.batch.ProcessBatch(r.Context(), requestIDFromContext(r.Context()), req.Messages)
	if outcome.FailedMessageIDs == nil {
		outcome.FailedMessageIDs = []string{}
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (rt *Router) listDetections(w http.ResponseWriter, r *http.Request) {
	ref := domain.ObjectRef{
		Bucket: strings.TrimSpace(r.URL.Query().Get("bucket")),
		Key:    strings.TrimSpace(r.URL.Query().Get("key")),
	}
	if ref.Bucket == "" || ref.Key == "" {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "list detections", errors.New("bucket and key query parameters are required")))
		return
	}

	records, err := rt.detections.ListByObject(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": records})
}

func (rt *Router) enqueueNotification(w http.ResponseWriter, r *http.Request) {
	if rt.enqueuer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "notification queue is not configured"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "read notification", err))
		return
	}
	if !json.Valid(body) {
		writeError(w, domain.WrapError(domain.ErrMalformedPayload, "read notification", errors.New("body is not valid json")))
		return
	}
	if err := rt.enqueuer.Enqueue(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  domain.Kind(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
