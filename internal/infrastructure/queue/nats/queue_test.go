package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

type msgFake struct {
	jetstream.Msg
	seq     uint64
	data    string
	acked   bool
	nakked  bool
	ackErr  error
	noMeta  bool
	publish time.Time
}

func (m *msgFake) Data() []byte { return []byte(m.data) }

func (m *msgFake) Metadata() (*jetstream.MsgMetadata, error) {
	if m.noMeta {
		return nil, errors.New("not a jetstream message")
	}
	return &jetstream.MsgMetadata{
		Sequence:  jetstream.SequencePair{Stream: m.seq},
		Timestamp: m.publish,
	}, nil
}

func (m *msgFake) Ack() error {
	m.acked = true
	return m.ackErr
}

func (m *msgFake) Nak() error {
	m.nakked = true
	return nil
}

type processorFake struct {
	correlationID string
	received      []domain.QueueMessage
	fail          map[string]bool
}

func (p *processorFake) ProcessBatch(_ context.Context, correlationID string, messages []domain.QueueMessage) domain.BatchOutcome {
	p.correlationID = correlationID
	p.received = messages
	outcome := domain.BatchOutcome{}
	for _, msg := range messages {
		if p.fail[msg.Body] {
			outcome.FailedMessageIDs = append(outcome.FailedMessageIDs, msg.ID)
		}
	}
	return outcome
}

func testQueue(onLag func(time.Duration)) *Queue {
	return newQueue(nil, nil, Options{LagObserver: onLag}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessBatchAcksSuccessesAndNaksFailures(t *testing.T) {
	var lags []time.Duration
	q := testQueue(func(d time.Duration) { lags = append(lags, d) })
	ok := &msgFake{seq: 7, data: "good", publish: time.Now().Add(-time.Second)}
	bad := &msgFake{seq: 8, data: "bad", publish: time.Now().Add(-time.Second)}
	processor := &processorFake{fail: map[string]bool{"bad": true}}

	q.processBatch(context.Background(), "corr-1", []jetstream.Msg{ok, bad}, processor)

	want := []domain.QueueMessage{{ID: "7", Body: "good"}, {ID: "8", Body: "bad"}}
	if !reflect.DeepEqual(processor.received, want) {
		t.Fatalf("unexpected messages: %+v", processor.received)
	}
	if processor.correlationID != "corr-1" {
		t.Fatalf("unexpected correlation id %q", processor.correlationID)
	}
	if !ok.acked || ok.nakked {
		t.Fatalf("expected success acked: %+v", ok)
	}
	if !bad.nakked || bad.acked {
		t.Fatalf("expected failure nak'ed: %+v", bad)
	}
	if len(lags) != 2 || lags[0] < time.Second {
		t.Fatalf("expected queue lag observations, got %v", lags)
	}
}

func TestProcessBatchFallsBackToIndexWithoutMetadata(t *testing.T) {
	q := testQueue(nil)
	msg := &msgFake{data: "x", noMeta: true}
	processor := &processorFake{}

	q.processBatch(context.Background(), "c", []jetstream.Msg{msg}, processor)
	if processor.received[0].ID != "batch-0" {
		t.Fatalf("unexpected fallback id %q", processor.received[0].ID)
	}
	if !msg.acked {
		t.Fatalf("expected ack")
	}
}

func TestProcessBatchToleratesSettleErrors(t *testing.T) {
	q := testQueue(nil)
	msg := &msgFake{seq: 1, data: "x", ackErr: errors.New("connection closed")}
	q.processBatch(context.Background(), "c", []jetstream.Msg{msg}, &processorFake{})
	if !msg.acked {
		t.Fatalf("expected ack attempt")
	}
}

func TestNewQueueDefaults(t *testing.T) {
	q := testQueue(nil)
	if q.stream != "STORAGE_EVENTS" || q.subject != "storage.events" || q.batchSize != 10 || q.maxDeliver != 5 {
		t.Fatalf("unexpected defaults: %+v", q)
	}
}
