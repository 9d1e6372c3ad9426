package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

func TestEnqueueProducesToSourceTopic(t *testing.T) {
	client := &clientFake{}
	producer := NewProducerWithClient(client, "storage-events")

	if err := producer.Enqueue(context.Background(), []byte(`{"Records":[]}`)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if len(client.produced) != 1 || client.produced[0].Topic != "storage-events" {
		t.Fatalf("unexpected produced records: %#v", client.produced)
	}
	if len(client.committed) != 0 {
		t.Fatalf("producer must not commit offsets")
	}

	client.produceErr = errors.New("broker down")
	err := producer.Enqueue(context.Background(), []byte(`{}`))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestNewProducerRequiresTopic(t *testing.T) {
	if _, err := NewProducer(Options{Brokers: []string{"localhost:9092"}}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
