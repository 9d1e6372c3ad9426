package domain

import (
	"fmt"
	"strings"
	"time"
)

type DetectionMode string

const (
	ModeLabels      DetectionMode = "labels"
	ModeCelebrities DetectionMode = "celebrities"
)

func ParseDetectionMode(raw string) (DetectionMode, error) {
	switch DetectionMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLabels, "":
		return ModeLabels, nil
	case ModeCelebrities, "celebrity":
		return ModeCelebrities, nil
	default:
		return "", fmt.Errorf("%w: unknown detection mode %q", ErrInvalidInput, raw)
	}
}

// KeyMode selects how detection records are identified in the result store.
type KeyMode string

const (
	// KeyModeTimestamped appends one record per processing attempt (audit trail).
	KeyModeTimestamped KeyMode = "timestamped"
	// KeyModeObject keeps a single record per object, overwritten on reprocessing.
	KeyModeObject KeyMode = "object"
)

// LatestVersion is the fixed record version used by KeyModeObject.
const LatestVersion = "latest"

func ParseKeyMode(raw string) (KeyMode, error) {
	switch KeyMode(strings.ToLower(strings.TrimSpace(raw))) {
	case KeyModeTimestamped, "":
		return KeyModeTimestamped, nil
	case KeyModeObject:
		return KeyModeObject, nil
	default:
		return "", fmt.Errorf("%w: unknown key mode %q", ErrInvalidInput, raw)
	}
}

// ObjectRef identifies a stored object without transferring its bytes.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ImageKey is the partition identity used by the result store.
func (r ObjectRef) ImageKey() string {
	return r.Bucket + "/" + r.Key
}

func (r ObjectRef) String() string {
	return r.ImageKey()
}

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type MatchResult struct {
	IsMatch            bool         `json:"is_match"`
	MatchedPredictions []Prediction `json:"matched_predictions"`
}

// DetectionRecord is the persisted outcome of classifying one object.
type DetectionRecord struct {
	Bucket             string        `json:"bucket"`
	Key                string        `json:"key"`
	Version            string        `json:"version"`
	Mode               DetectionMode `json:"mode"`
	Matched            bool          `json:"matched"`
	TargetLabels       []string      `json:"target_labels"`
	MinConfidence      float64       `json:"min_confidence"`
	MatchedPredictions []Prediction  `json:"matched_predictions"`
	AllPredictions     []Prediction  `json:"all_predictions"`
	CorrelationID      string        `json:"correlation_id"`
	ProcessedAt        time.Time     `json:"processed_at"`
}

func (r DetectionRecord) ImageKey() string {
	return ObjectRef{Bucket: r.Bucket, Key: r.Key}.ImageKey()
}

// RecordVersion derives the secondary identity for a record processed at ts.
func RecordVersion(mode KeyMode, ts time.Time) string {
	if mode == KeyModeObject {
		return LatestVersion
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// QueueMessage is one inbound notification as delivered by the queue subsystem.
type QueueMessage struct {
	ID   string `json:"messageId"`
	Body string `json:"body"`
}

// BatchOutcome lists the messages the queue must redeliver. Omission means success.
type BatchOutcome struct {
	FailedMessageIDs []string `json:"failedMessageIds"`
}

func (o BatchOutcome) Failed(id string) bool {
	for _, failed := range o.FailedMessageIDs {
		if failed == id {
			return true
		}
	}
	return false
}
