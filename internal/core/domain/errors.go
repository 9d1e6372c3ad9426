package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload       = errors.New("malformed payload")
	ErrMissingObjectReference = errors.New("missing object reference")
	ErrClassification         = errors.New("classification service error")
	ErrPersistence            = errors.New("persistence error")
	ErrNotification           = errors.New("notification error")
	ErrDetectionNotFound      = errors.New("detection not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrTemporary              = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Kind reports the first matching pipeline error kind, used as a metrics/log label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrMissingObjectReference):
		return "missing_object_reference"
	case errors.Is(err, ErrClassification):
		return "classification"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrNotification):
		return "notification"
	case errors.Is(err, ErrDetectionNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "unexpected"
	}
}
