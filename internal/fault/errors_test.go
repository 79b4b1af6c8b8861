package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCodeWalksChain(t *testing.T) {
	inner := New(CodeNotFound, "device dev-1 not found")
	wrapped := fmt.Errorf("lookup: %w", inner)

	assert.Equal(t, CodeNotFound, GetCode(inner))
	assert.Equal(t, CodeNotFound, GetCode(wrapped))
	assert.Equal(t, CodeUnknown, GetCode(errors.New("plain")))
	assert.Equal(t, CodeUnknown, GetCode(nil))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "nothing"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "nothing %d", 1))
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeUpstream, "push delivery failed")

	assert.Equal(t, "upstream_failure: push delivery failed: connection refused", err.Error())
	assert.Equal(t, "validation_failure: bad battery", New(CodeValidation, "bad battery").Error())
	require.ErrorIs(t, err, cause)
}

func TestWithFieldsAndRetryAfter(t *testing.T) {
	err := New(CodeValidation, "invalid heartbeat").
		WithFields(FieldError{Field: "battery_pct", Reason: "out of range"})
	require.Len(t, err.Fields, 1)
	assert.Equal(t, "battery_pct", err.Fields[0].Field)

	limited := New(CodeRateLimited, "slow down").WithRetryAfter(2 * time.Second)
	require.NotNil(t, limited.RetryAfter)
	assert.Equal(t, 2*time.Second, *limited.RetryAfter)
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeAuthFailure, http.StatusUnauthorized},
		{CodeTokenRevoked, http.StatusGone},
		{CodeValidation, http.StatusUnprocessableEntity},
		{CodePayloadTooBig, http.StatusRequestEntityTooLarge},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeBackpressure, http.StatusServiceUnavailable},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUpstream, http.StatusBadGateway},
		{CodeDataIntegrity, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.code), string(tt.code))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeBackpressure, "pool saturated")))
	assert.True(t, IsRetryable(New(CodeUpstream, "push 502")))
	assert.True(t, IsRetryable(New(CodeRateLimited, "429")))

	assert.False(t, IsRetryable(New(CodeValidation, "bad input")))
	assert.False(t, IsRetryable(New(CodeNotFound, "gone")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
