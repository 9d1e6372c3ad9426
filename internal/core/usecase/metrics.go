package usecase

import (
	"time"

	"github.com/kirillkom/image-detection-worker/internal/core/ports"
)

const (
	outcomeMatched   = "matched"
	outcomeUnmatched = "unmatched"
	outcomeFailed    = "failed"
)

type noopMetrics struct{}

func (noopMetrics) StartMessage() {}
func (noopMetrics) FinishMessage(time.Duration, error) {}
func (noopMetrics) ObserveObject(string) {}
func (noopMetrics) ObserveAlertFailure() {}

func metricsOrNoop(m ports.DetectionMetrics) ports.DetectionMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
