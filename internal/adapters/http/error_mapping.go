package httpadapter

import (
	"net/http"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput),
		domain.IsKind(err, domain.ErrMalformedPayload),
		domain.IsKind(err, domain.ErrMissingObjectReference):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDetectionNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrClassification),
		domain.IsKind(err, domain.ErrPersistence),
		domain.IsKind(err, domain.ErrNotification):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
