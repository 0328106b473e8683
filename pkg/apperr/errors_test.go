package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedError(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("orders: fetch: %w", New(UpstreamError, "order_lookup", base))

	assert.Equal(t, UpstreamError, KindOf(err))
	assert.True(t, Is(err, UpstreamError))
	assert.ErrorIs(t, err, base)
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, Internal))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "QUEUE_FULL (max_queue_size)", New(QueueFull, "max_queue_size", nil).Error())
	assert.Equal(t, "NOT_FOUND (order): missing", New(NotFound, "order", errors.New("missing")).Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{TicketNotFound, http.StatusNotFound},
		{InvalidTransition, http.StatusConflict},
		{QueueFull, http.StatusServiceUnavailable},
		{UpstreamTimeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), string(tt.kind))
	}
}
