package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

// BatchCoordinator processes a batch of queue messages and reports which ones must be redelivered.
type BatchCoordinator struct {
	objects     *ObjectProcessor
	concurrency int
	metrics     ports.DetectionMetrics
	logger      *slog.Logger
}

// NewBatchCoordinator builds a coordinator. concurrency <= 1 processes messages sequentially.
func NewBatchCoordinator(objects *ObjectProcessor, concurrency int, metrics ports.DetectionMetrics, logger *slog.Logger) *BatchCoordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchCoordinator{
		objects:     objects,
		concurrency: concurrency,
		metrics:     metricsOrNoop(metrics),
		logger:      logger,
	}
}

// ProcessBatch never fails as a whole: every per-message error ends up in FailedMessageIDs.
func (c *BatchCoordinator) ProcessBatch(ctx context.Context, correlationID string, messages []domain.QueueMessage) domain.BatchOutcome {
	failed := make([]bool, len(messages))

	var group errgroup.Group
	group.SetLimit(c.concurrency)
	for i := range messages {
		group.Go(func() error {
			failed[i] = c.processMessage(ctx, correlationID, messages[i]) != nil
			return nil
		})
	}
	_ = group.Wait()

	outcome := domain.BatchOutcome{FailedMessageIDs: make([]string, 0)}
	for i, msg := range messages {
		if !failed[i] {
			continue
		}
		if msg.ID == "" {
			c.logger.Error("failed_message_without_id", "correlation_id", correlationID, "index", i)
			continue
		}
		outcome.FailedMessageIDs = append(outcome.FailedMessageIDs, msg.ID)
	}

	c.logger.Info("batch_processed",
		"correlation_id", correlationID,
		"messages", len(messages),
		"failed", len(outcome.FailedMessageIDs),
	)
	return outcome
}

func (c *BatchCoordinator) processMessage(ctx context.Context, correlationID string, msg domain.QueueMessage) (err error) {
	logger := c.logger.With("message_id", msg.ID, "correlation_id", correlationID)
	started := time.Now()
	c.metrics.StartMessage()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("unexpected panic: %v", recovered)
		}
		c.metrics.FinishMessage(time.Since(started), err)
		if err != nil {
			logger.Error("message_failed", "kind", domain.Kind(err), "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch cancelled before message: %w", err)
	}

	refs, err := ExtractObjectRefs(msg.Body)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return domain.WrapError(domain.ErrMalformedPayload, "extract object references", errors.New("no storage records in message body"))
	}

	for _, ref := range refs {
		if _, err := c.objects.Process(ctx, ref, correlationID); err != nil {
			return err
		}
	}
	logger.Debug("message_processed", "objects", len(refs))
	return nil
}
