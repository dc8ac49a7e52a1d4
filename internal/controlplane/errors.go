package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/ainews/internal/process"
	"github.com/fentz26/ainews/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrBadRequest      = errors.New("bad request")
	ErrProcessDisabled = errors.New("process manager not configured")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrArticleNotFound), errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrArticleExists),
		errors.Is(err, process.ErrInvalidState),
		errors.Is(err, process.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, process.ErrCircuitOpen), errors.Is(err, ErrProcessDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, process.ErrNoCommand):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
