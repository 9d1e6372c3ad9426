package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

// AlertPolicy selects which outcomes produce an alert.
type AlertPolicy string

const (
	AlertOnMatch AlertPolicy = "match"
	AlertOnAll   AlertPolicy = "all"
)

// DetectionPolicy is the immutable matching and persistence configuration of a deployment.
type DetectionPolicy struct {
	Mode          domain.DetectionMode
	Targets       TargetSet
	MinConfidence float64
	KeyMode       domain.KeyMode
	SourceBucket  string
	AlertOn       AlertPolicy
	CallTimeout   time.Duration
}

// ObjectProcessor runs classify -> match -> persist -> alert for a single object reference.
type ObjectProcessor struct {
	classifier ports.Classifier
	store      ports.ResultStore
	alerts     ports.AlertPublisher
	cache      ports.PredictionCache
	policy     DetectionPolicy
	metrics    ports.DetectionMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewObjectProcessor wires the per-object pipeline. alerts and cache may be nil.
func NewObjectProcessor(
	classifier ports.Classifier,
	store ports.ResultStore,
	alerts ports.AlertPublisher,
	cache ports.PredictionCache,
	policy DetectionPolicy,
	metrics ports.DetectionMetrics,
	logger *slog.Logger,
) *ObjectProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.AlertOn == "" {
		policy.AlertOn = AlertOnMatch
	}
	if policy.KeyMode == "" {
		policy.KeyMode = domain.KeyModeTimestamped
	}
	return &ObjectProcessor{
		classifier: classifier,
		store:      store,
		alerts:     alerts,
		cache:      cache,
		policy:     policy,
		metrics:    metricsOrNoop(metrics),
		logger:     logger,
		now:        time.Now,
	}
}

func (p *ObjectProcessor) Process(ctx context.Context, ref domain.ObjectRef, correlationID string) (domain.DetectionRecord, error) {
	record, err := p.process(ctx, ref, correlationID)
	switch {
	case err != nil:
		p.metrics.ObserveObject(outcomeFailed)
	case record.Matched:
		p.metrics.ObserveObject(outcomeMatched)
	default:
		p.metrics.ObserveObject(outcomeUnmatched)
	}
	return record, err
}

func (p *ObjectProcessor) process(ctx context.Context, ref domain.ObjectRef, correlationID string) (domain.DetectionRecord, error) {
	if err := validateObjectRef(ref); err != nil {
		return domain.DetectionRecord{}, err
	}
	logger := p.logger.With("bucket", ref.Bucket, "key", ref.Key, "correlation_id", correlationID)

	if p.policy.SourceBucket != "" && ref.Bucket != p.policy.SourceBucket {
		logger.Warn("unexpected_source_bucket", "expected_bucket", p.policy.SourceBucket)
	}

	predictions, err := p.classify(ctx, logger, ref)
	if err != nil {
		return domain.DetectionRecord{}, err
	}

	match := EvaluateMatch(predictions, p.policy.Targets, p.policy.MinConfidence)
	record := p.buildRecord(ref, correlationID, predictions, match)

	if err := p.persist(ctx, record); err != nil {
		return domain.DetectionRecord{}, err
	}

	summary := formatSummary(record)
	logger.Info("detection_result", "matched", record.Matched, "summary", summary)
	p.notify(ctx, logger, record, summary)

	return record, nil
}

func (p *ObjectProcessor) classify(ctx context.Context, logger *slog.Logger, ref domain.ObjectRef) ([]domain.Prediction, error) {
	cacheKey := p.cacheKey(ref)
	if p.cache != nil {
		cached, ok, err := p.cache.Get(ctx, cacheKey)
		if err != nil {
			logger.Warn("prediction_cache_get_failed", "error", err)
		} else if ok {
			logger.Debug("prediction_cache_hit", "predictions", len(cached))
			return cached, nil
		}
	}

	callCtx, cancel := p.withCallTimeout(ctx)
	defer cancel()
	predictions, err := p.classifier.Classify(callCtx, ref, p.policy.Mode, p.policy.MinConfidence)
	if err != nil {
		if domain.IsKind(err, domain.ErrClassification) {
			return nil, fmt.Errorf("classify %s: %w", ref, err)
		}
		return nil, domain.WrapError(domain.ErrClassification, "classify "+ref.String(), err)
	}
	if predictions == nil {
		predictions = []domain.Prediction{}
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, cacheKey, predictions); err != nil {
			logger.Warn("prediction_cache_set_failed", "error", err)
		}
	}
	return predictions, nil
}

func (p *ObjectProcessor) buildRecord(ref domain.ObjectRef, correlationID string, predictions []domain.Prediction, match domain.MatchResult) domain.DetectionRecord {
	processedAt := p.now().UTC()
	return domain.DetectionRecord{
		Bucket:             ref.Bucket,
		Key:                ref.Key,
		Version:            domain.RecordVersion(p.policy.KeyMode, processedAt),
		Mode:               p.policy.Mode,
		Matched:            match.IsMatch,
		TargetLabels:       p.policy.Targets.Labels(),
		MinConfidence:      p.policy.MinConfidence,
		MatchedPredictions: match.MatchedPredictions,
		AllPredictions:     predictions,
		CorrelationID:      correlationID,
		ProcessedAt:        processedAt,
	}
}

func (p *ObjectProcessor) persist(ctx context.Context, record domain.DetectionRecord) error {
	callCtx, cancel := p.withCallTimeout(ctx)
	defer cancel()
	if err := p.store.Upsert(callCtx, record); err != nil {
		if domain.IsKind(err, domain.ErrPersistence) {
			return fmt.Errorf("persist %s: %w", record.ImageKey(), err)
		}
		return domain.WrapError(domain.ErrPersistence, "persist "+record.ImageKey(), err)
	}
	return nil
}

func (p *ObjectProcessor) notify(ctx context.Context, logger *slog.Logger, record domain.DetectionRecord, summary string) {
	if p.alerts == nil {
		return
	}
	if !record.Matched && p.policy.AlertOn != AlertOnAll {
		return
	}

	callCtx, cancel := p.withCallTimeout(ctx)
	defer cancel()
	if err := p.alerts.Publish(callCtx, alertSubject(record.Mode), summary); err != nil {
		p.metrics.ObserveAlertFailure()
		logger.Warn("alert_publish_failed", "error", domain.WrapError(domain.ErrNotification, "publish alert", err))
	}
}

func (p *ObjectProcessor) cacheKey(ref domain.ObjectRef) string {
	return string(p.policy.Mode) + ":" + strconv.FormatFloat(p.policy.MinConfidence, 'f', -1, 64) + ":" + ref.ImageKey()
}

func (p *ObjectProcessor) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.policy.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.policy.CallTimeout)
}
