package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// DetectionStore is an in-process result store for local runs and tests.
type DetectionStore struct {
	mu      sync.RWMutex
	records map[string]map[string]domain.DetectionRecord
}

func NewDetectionStore() *DetectionStore {
	return &DetectionStore{records: make(map[string]map[string]domain.DetectionRecord)}
}

func (s *DetectionStore) Upsert(ctx context.Context, record domain.DetectionRecord) error {
	if err := ctx.Err(); err != nil {
		return domain.WrapError(domain.ErrPersistence, "memory upsert", err)
	}
	stored := cloneRecord(record)

	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.records[record.ImageKey()]
	if !ok {
		versions = make(map[string]domain.DetectionRecord)
		s.records[record.ImageKey()] = versions
	}
	versions[record.Version] = stored
	return nil
}

func (s *DetectionStore) ListByObject(_ context.Context, ref domain.ObjectRef) ([]domain.DetectionRecord, error) {
	s.mu.RLock()
	versions := s.records[ref.ImageKey()]
	out := make([]domain.DetectionRecord, 0, len(versions))
	for _, rec := range versions {
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrDetectionNotFound, "list detections", fmt.Errorf("no records for %s", ref))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.After(out[j].ProcessedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func cloneRecord(rec domain.DetectionRecord) domain.DetectionRecord {
	out := rec
	out.TargetLabels = append([]string(nil), rec.TargetLabels...)
	out.MatchedPredictions = append([]domain.Prediction(nil), rec.MatchedPredictions...)
	out.AllPredictions = append([]domain.Prediction(nil), rec.AllPredictions...)
	return out
}
