package usecase

import (
	"strings"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// TargetSet is the deduplicated set of labels a prediction must hit to count as a match.
type TargetSet struct {
	labels map[string]struct{}
	order  []string
}

// NewTargetSet trims labels, drops empties and keeps the first occurrence of duplicates.
func NewTargetSet(labels []string) TargetSet {
	set := TargetSet{labels: make(map[string]struct{}, len(labels))}
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if _, ok := set.labels[label]; ok {
			continue
		}
		set.labels[label] = struct{}{}
		set.order = append(set.order, label)
	}
	return set
}

func (s TargetSet) Contains(label string) bool {
	_, ok := s.labels[label]
	return ok
}

func (s TargetSet) Len() int {
	return len(s.order)
}

// Labels returns the targets in configuration order.
func (s TargetSet) Labels() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// EvaluateMatch keeps the predictions whose label is targeted and whose confidence reaches
// minConfidence, in input order. An empty target set never matches.
func EvaluateMatch(predictions []domain.Prediction, targets TargetSet, minConfidence float64) domain.MatchResult {
	matched := make([]domain.Prediction, 0)
	if targets.Len() == 0 {
		return domain.MatchResult{IsMatch: false, MatchedPredictions: matched}
	}
	for _, p := range predictions {
		if targets.Contains(p.Label) && p.Confidence >= minConfidence {
			matched = append(matched, p)
		}
	}
	return domain.MatchResult{
		IsMatch:            len(matched) > 0,
		MatchedPredictions: matched,
	}
}
