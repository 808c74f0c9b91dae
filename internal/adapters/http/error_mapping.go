package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// Item-level kinds are reported inside a job result. They only reach this
// mapping when a request used a single collaborator directly.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrDownload),
		domain.IsKind(err, domain.ErrExtraction),
		domain.IsKind(err, domain.ErrNormalization):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrBatch):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internals of unexpected failures from clients.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusBadGateway:
		return "upstream service failed"
	case http.StatusGatewayTimeout:
		return "upstream service timed out"
	default:
		return err.Error()
	}
}
