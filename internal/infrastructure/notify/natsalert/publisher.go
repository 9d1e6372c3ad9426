package natsalert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Publisher fans detection alerts out on a NATS subject.
type Publisher struct {
	conn     Conn
	subject  string
	executor *resilience.Executor
}

type alert struct {
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

func New(conn Conn, subject string, executor *resilience.Executor) *Publisher {
	return &Publisher{conn: conn, subject: subject, executor: executor}
}

func (p *Publisher) Publish(ctx context.Context, subject, message string) error {
	payload, err := json.Marshal(alert{Subject: subject, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	call := func(callCtx context.Context) error {
		if err := p.conn.Publish(p.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		if err := p.conn.FlushWithContext(callCtx); err != nil {
			return fmt.Errorf("nats flush: %w", err)
		}
		return nil
	}
	if p.executor != nil {
		return p.executor.Execute(ctx, "nats.alert", call, classifyNATSError)
	}
	return call(ctx)
}

func classifyNATSError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if isConnectionError(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ClassifyTransportError(err)
}

func isConnectionError(err error) bool {
	for _, target := range []error{nats.ErrNoServers, nats.ErrTimeout, nats.ErrConnectionClosed, nats.ErrDisconnected, nats.ErrConnectionReconnecting} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
