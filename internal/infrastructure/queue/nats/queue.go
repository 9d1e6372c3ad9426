package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

// Queue consumes storage notifications from a JetStream stream in batches and settles each
// message individually: successes are acked, failures are nak'ed for redelivery.
type Queue struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	stream     string
	subject    string
	consumer   string
	batchSize  int
	maxWait    time.Duration
	maxDeliver int
	ackWait    time.Duration
	onLag      func(time.Duration)
	logger     *slog.Logger
}

type Options struct {
	Stream     string
	Subject    string
	Consumer   string
	BatchSize  int
	MaxWait    time.Duration
	MaxDeliver int
	AckWait    time.Duration

	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool

	// LagObserver receives the delay between publish and fetch for every message.
	LagObserver func(time.Duration)
	Logger      *slog.Logger
}

func New(ctx context.Context, url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("image-detection-worker"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	q := newQueue(conn, js, options, logger)
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     q.stream,
		Subjects: []string{q.subject},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", q.stream, err)
	}
	return q, nil
}

func newQueue(conn *nats.Conn, js jetstream.JetStream, options Options, logger *slog.Logger) *Queue {
	q := &Queue{
		conn:       conn,
		js:         js,
		stream:     options.Stream,
		subject:    options.Subject,
		consumer:   options.Consumer,
		batchSize:  options.BatchSize,
		maxWait:    options.MaxWait,
		maxDeliver: options.MaxDeliver,
		ackWait:    options.AckWait,
		onLag:      options.LagObserver,
		logger:     logger,
	}
	if q.stream == "" {
		q.stream = "STORAGE_EVENTS"
	}
	if q.subject == "" {
		q.subject = "storage.events"
	}
	if q.consumer == "" {
		q.consumer = "image-detection-worker"
	}
	if q.batchSize <= 0 {
		q.batchSize = 10
	}
	if q.maxWait <= 0 {
		q.maxWait = 5 * time.Second
	}
	if q.maxDeliver <= 0 {
		q.maxDeliver = 5
	}
	if q.ackWait <= 0 {
		q.ackWait = 5 * time.Minute
	}
	return q
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Enqueue publishes a raw notification body onto the stream subject.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if _, err := q.js.Publish(ctx, q.subject, body); err != nil {
		return domain.WrapError(domain.ErrTemporary, "jetstream publish", err)
	}
	return nil
}

// Consume fetches batches until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, processor ports.BatchProcessor) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       q.consumer,
		FilterSubject: q.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.consumer, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := consumer.Fetch(q.batchSize, jetstream.FetchMaxWait(q.maxWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("jetstream_fetch_failed", "error", err)
			continue
		}

		msgs := make([]jetstream.Msg, 0, q.batchSize)
		for msg := range batch.Messages() {
			msgs = append(msgs, msg)
		}
		if err := batch.Error(); err != nil && !isEmptyFetch(err) {
			q.logger.Warn("jetstream_batch_error", "error", err)
		}
		if len(msgs) == 0 {
			continue
		}
		q.processBatch(ctx, uuid.NewString(), msgs, processor)
	}
}

func (q *Queue) processBatch(ctx context.Context, correlationID string, msgs []jetstream.Msg, processor ports.BatchProcessor) {
	messages := make([]domain.QueueMessage, len(msgs))
	for i, msg := range msgs {
		messages[i] = domain.QueueMessage{ID: q.messageID(i, msg), Body: string(msg.Data())}
	}

	outcome := processor.ProcessBatch(ctx, correlationID, messages)

	for i, msg := range msgs {
		var err error
		if outcome.Failed(messages[i].ID) {
			err = msg.Nak()
		} else {
			err = msg.Ack()
		}
		if err != nil {
			// Unsettled messages come back after AckWait.
			q.logger.Warn("jetstream_settle_failed", "message_id", messages[i].ID, "error", err)
		}
	}
}

func (q *Queue) messageID(index int, msg jetstream.Msg) string {
	meta, err := msg.Metadata()
	if err != nil || meta == nil {
		return "batch-" + strconv.Itoa(index)
	}
	if q.onLag != nil && !meta.Timestamp.IsZero() {
		q.onLag(time.Since(meta.Timestamp))
	}
	return strconv.FormatUint(meta.Sequence.Stream, 10)
}

func isEmptyFetch(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, context.DeadlineExceeded)
}
