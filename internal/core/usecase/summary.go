package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

const (
	subjectDetectionResult = "Detection result"
	subjectCelebrity       = "Celebrity detected"
)

func alertSubject(mode domain.DetectionMode) string {
	if mode == domain.ModeCelebrities {
		return subjectCelebrity
	}
	return subjectDetectionResult
}

// formatSummary renders the one-line outcome that is logged and published as the alert body.
func formatSummary(record domain.DetectionRecord) string {
	status := "NO MATCH"
	if record.Matched {
		status = "MATCH"
	}
	if record.Mode == domain.ModeCelebrities && record.Matched {
		return fmt.Sprintf("[%s] celebrity %s detected in %s",
			status, joinLabels(record.MatchedPredictions), record.ImageKey())
	}
	return fmt.Sprintf("[%s] %s | targets=[%s] | matches=%s",
		status, record.ImageKey(), strings.Join(record.TargetLabels, ", "), formatPredictions(record.MatchedPredictions))
}

func formatPredictions(predictions []domain.Prediction) string {
	if len(predictions) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(predictions))
	for _, p := range predictions {
		parts = append(parts, fmt.Sprintf("%s (%.1f%%)", p.Label, p.Confidence))
	}
	return strings.Join(parts, ", ")
}

func joinLabels(predictions []domain.Prediction) string {
	names := make([]string, 0, len(predictions))
	for _, p := range predictions {
		names = append(names, p.Label)
	}
	return strings.Join(names, ", ")
}
