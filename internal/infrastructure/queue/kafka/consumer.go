package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

const (
	retryCountHeader = "x-detection-retry"

	defaultSettleBackoff = 500 * time.Millisecond
	maxSettleBackoff     = 10 * time.Second
)

// Client is the subset of *kgo.Client used by the consumer.
type Client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type Options struct {
	Brokers         []string
	Topic           string
	Group           string
	RetryTopic      string
	DeadLetterTopic string
	MaxRetries      int
	BatchSize       int

	// SettleBackoff is the first wait between attempts to requeue failed records and commit a
	// batch. It doubles up to ten seconds.
	SettleBackoff time.Duration
	LagObserver   func(time.Duration)
	Logger        *slog.Logger
}

// Consumer polls storage notifications from Kafka. Kafka cannot redeliver a single record, so
// failed records are re-produced to the retry topic (the source topic by default) before the
// batch offsets are committed. No further batch is polled until that has succeeded.
type Consumer struct {
	client          Client
	topic           string
	retryTopic      string
	deadLetterTopic string
	maxRetries      int
	batchSize       int
	settleBackoff   time.Duration
	onLag           func(time.Duration)
	logger          *slog.Logger
}

func New(options Options) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(options.Brokers...),
		kgo.ConsumerGroup(options.Group),
		kgo.ConsumeTopics(consumeTopics(options)...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return NewWithClient(client, options), nil
}

func NewWithClient(client Client, options Options) *Consumer {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	if options.RetryTopic == "" {
		options.RetryTopic = options.Topic
	}
	maxRetries := options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	settleBackoff := options.SettleBackoff
	if settleBackoff <= 0 {
		settleBackoff = defaultSettleBackoff
	}
	return &Consumer{
		client:          client,
		topic:           options.Topic,
		retryTopic:      options.RetryTopic,
		deadLetterTopic: options.DeadLetterTopic,
		maxRetries:      maxRetries,
		batchSize:       batchSize,
		settleBackoff:   settleBackoff,
		onLag:           options.LagObserver,
		logger:          logger,
	}
}

// consumeTopics lists the source topic plus the retry topic when requeued records go elsewhere.
func consumeTopics(options Options) []string {
	topics := []string{options.Topic}
	if options.RetryTopic != "" && options.RetryTopic != options.Topic {
		topics = append(topics, options.RetryTopic)
	}
	return topics
}

func (c *Consumer) Close() {
	c.client.Close()
}

// Consume polls until ctx is cancelled or the client is closed. It returns an error when a batch
// could not be settled before ctx ended; its offsets then stay uncommitted and the batch is
// replayed from the last committed offset.
func (c *Consumer) Consume(ctx context.Context, processor ports.BatchProcessor) error {
	for {
		fetches := c.client.PollRecords(ctx, c.batchSize)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("kafka_fetch_error", "topic", topic, "partition", partition, "error", err)
		})
		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		if err := c.processBatch(ctx, uuid.NewString(), records, processor); err != nil {
			c.logger.Error("kafka_batch_not_committed", "records", len(records), "error", err)
			return err
		}
	}
}

func (c *Consumer) processBatch(ctx context.Context, correlationID string, records []*kgo.Record, processor ports.BatchProcessor) error {
	messages := make([]domain.QueueMessage, len(records))
	for i, rec := range records {
		messages[i] = domain.QueueMessage{ID: recordID(rec), Body: string(rec.Value)}
		if c.onLag != nil && !rec.Timestamp.IsZero() {
			c.onLag(time.Since(rec.Timestamp))
		}
	}

	outcome := processor.ProcessBatch(ctx, correlationID, messages)

	var requeue []*kgo.Record
	for i, rec := range records {
		if !outcome.Failed(messages[i].ID) {
			continue
		}
		if next := c.redeliveryRecord(rec); next != nil {
			requeue = append(requeue, next)
		}
	}
	return c.settle(ctx, records, requeue)
}

// settle requeues failed records and then commits the batch, retrying each step with backoff
// until it succeeds or ctx ends. Records already acknowledged by the broker are not produced again.
func (c *Consumer) settle(ctx context.Context, records, requeue []*kgo.Record) error {
	wait := c.settleBackoff
	pause := func(step string, err error) error {
		c.logger.Warn("kafka_settle_retry", "step", step, "backoff_ms", wait.Milliseconds(), "error", err)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", step, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
		if wait *= 2; wait > maxSettleBackoff {
			wait = maxSettleBackoff
		}
		return nil
	}

	for len(requeue) > 0 {
		var pending []*kgo.Record
		var firstErr error
		for _, result := range c.client.ProduceSync(ctx, requeue...) {
			if result.Err != nil {
				pending = append(pending, result.Record)
				if firstErr == nil {
					firstErr = result.Err
				}
			}
		}
		if len(pending) == 0 {
			break
		}
		requeue = pending
		if err := pause(fmt.Sprintf("produce %d failed records for redelivery", len(pending)), firstErr); err != nil {
			return err
		}
	}

	for {
		err := c.client.CommitRecords(ctx, records...)
		if err == nil {
			return nil
		}
		if err := pause("commit offsets", err); err != nil {
			return err
		}
	}
}

// redeliveryRecord copies rec with an incremented retry header, routing it to the dead-letter
// topic once retries are exhausted. It returns nil when the record is dropped.
func (c *Consumer) redeliveryRecord(rec *kgo.Record) *kgo.Record {
	attempt := retryCount(rec) + 1
	topic := c.retryTopic
	if attempt > c.maxRetries {
		if c.deadLetterTopic == "" {
			c.logger.Error("kafka_record_dropped", "message_id", recordID(rec), "attempts", attempt)
			return nil
		}
		topic = c.deadLetterTopic
	}

	headers := make([]kgo.RecordHeader, 0, len(rec.Headers)+1)
	for _, h := range rec.Headers {
		if h.Key != retryCountHeader {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kgo.RecordHeader{Key: retryCountHeader, Value: []byte(strconv.Itoa(attempt))})

	return &kgo.Record{
		Topic:   topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	}
}

func retryCount(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key == retryCountHeader {
			n, err := strconv.Atoi(string(h.Value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func recordID(rec *kgo.Record) string {
	return rec.Topic + "/" + strconv.Itoa(int(rec.Partition)) + "/" + strconv.FormatInt(rec.Offset, 10)
}
