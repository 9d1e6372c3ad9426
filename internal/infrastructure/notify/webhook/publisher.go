package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("webhook status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Publisher POSTs alerts as JSON to an HTTP endpoint.
type Publisher struct {
	url      string
	headers  map[string]string
	client   *http.Client
	executor *resilience.Executor
}

// New builds a publisher. executor may be nil, in which case every alert is a single attempt.
func New(url string, headers map[string]string, timeout time.Duration, executor *resilience.Executor) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hdr := make(map[string]string, len(headers))
	for k, v := range headers {
		hdr[k] = v
	}
	return &Publisher{
		url:      url,
		headers:  hdr,
		client:   &http.Client{Timeout: timeout},
		executor: executor,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject, message string) error {
	payload, err := json.Marshal(map[string]string{"subject": subject, "message": message})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	call := func(callCtx context.Context) error {
		return p.post(callCtx, payload)
	}
	if p.executor != nil {
		return p.executor.Execute(ctx, "webhook.alert", call, classifyWebhookError)
	}
	return call(ctx)
}

func (p *Publisher) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// classifyWebhookError retries throttling and server-side failures. Other 4xx answers mean the
// receiver rejected the alert and count neither as retry nor as breaker failure.
func classifyWebhookError(err error) resilience.ErrorClassification {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= 500:
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ClassifyTransportError(err)
}
