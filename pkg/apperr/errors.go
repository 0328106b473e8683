package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can pick the right fallback
type Kind string

const (
	RateLimited       Kind = "RATE_LIMITED"
	CacheUnavailable  Kind = "CACHE_UNAVAILABLE"
	UpstreamTimeout   Kind = "UPSTREAM_TIMEOUT"
	UpstreamError     Kind = "UPSTREAM_ERROR"
	Validation        Kind = "VALIDATION"
	NotFound          Kind = "NOT_FOUND"
	QueueFull         Kind = "QUEUE_FULL"
	SessionNotFound   Kind = "SESSION_NOT_FOUND"
	TicketNotFound    Kind = "TICKET_NOT_FOUND"
	InvalidTransition Kind = "INVALID_TRANSITION"
	Internal          Kind = "INTERNAL"
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status used by the operator and admin endpoints
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound, TicketNotFound, SessionNotFound:
		return http.StatusNotFound
	case InvalidTransition:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case QueueFull, CacheUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
