package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// ProducerClient is the subset of *kgo.Client used by the producer.
type ProducerClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer writes storage notifications onto the source topic. It never joins the consumer
// group, so processes that only enqueue do not take partitions away from workers.
type Producer struct {
	client ProducerClient
	topic  string
}

func NewProducer(options Options) (*Producer, error) {
	if options.Topic == "" {
		return nil, fmt.Errorf("%w: kafka source topic is not configured", domain.ErrInvalidInput)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(options.Brokers...),
		kgo.DefaultProduceTopic(options.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerWithClient(client, options.Topic), nil
}

func NewProducerWithClient(client ProducerClient, topic string) *Producer {
	return &Producer{client: client, topic: topic}
}

// Enqueue produces a raw notification body onto the source topic.
func (p *Producer) Enqueue(ctx context.Context, body []byte) error {
	if err := p.client.ProduceSync(ctx, &kgo.Record{Topic: p.topic, Value: body}).FirstErr(); err != nil {
		return domain.WrapError(domain.ErrTemporary, "kafka enqueue", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
