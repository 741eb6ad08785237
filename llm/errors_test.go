package llm

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		want      ErrorCode
		retryable bool
	}{
		{http.StatusBadRequest, "bad field", ErrInvalidRequest, false},
		{http.StatusBadRequest, "Insufficient credit balance", ErrQuotaExceeded, false},
		{http.StatusUnauthorized, "", ErrUnauthorized, false},
		{http.StatusForbidden, "", ErrForbidden, false},
		{http.StatusRequestTimeout, "", ErrUpstreamTimeout, true},
		{http.StatusTooManyRequests, "slow down", ErrRateLimited, true},
		{http.StatusTooManyRequests, "You exceeded your current quota", ErrQuotaExceeded, false},
		{http.StatusInternalServerError, "", ErrUpstreamError, true},
		{http.StatusBadGateway, "", ErrUpstreamError, true},
		{http.StatusGatewayTimeout, "", ErrUpstreamTimeout, true},
		{529, "overloaded", ErrModelOverloaded, true},
		{http.StatusNotFound, "no such model", ErrUpstreamError, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status)+"/"+tt.msg, func(t *testing.T) {
			e := ErrorFromStatus("p", tt.status, tt.msg)
			assert.Equal(t, tt.want, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "p", e.Provider)
		})
	}
}

func TestError_Format(t *testing.T) {
	cause := errors.New("reset")
	e := &Error{Code: ErrUpstreamError, Message: "boom", Provider: "openai", Cause: cause}
	assert.Equal(t, "openai: LLM_UPSTREAM_ERROR: boom", e.Error())
	assert.ErrorIs(t, e, cause)

	e.Provider = ""
	assert.Equal(t, "LLM_UPSTREAM_ERROR: boom", e.Error())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	header := func(v string) http.Header {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return h
	}

	assert.Equal(t, 7*time.Second, ParseRetryAfter(header("7"), now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(header(now.Add(90*time.Second).Format(http.TimeFormat)), now))
	assert.Zero(t, ParseRetryAfter(header(now.Add(-time.Minute).Format(http.TimeFormat)), now))
	assert.Zero(t, ParseRetryAfter(header("0"), now))
	assert.Zero(t, ParseRetryAfter(header("-3"), now))
	assert.Zero(t, ParseRetryAfter(header("soon"), now))
	assert.Zero(t, ParseRetryAfter(header(""), now))
}

func TestChatResponse_Truncated(t *testing.T) {
	assert.True(t, (&ChatResponse{FinishReason: "length"}).Truncated())
	assert.False(t, (&ChatResponse{FinishReason: "stop"}).Truncated())
}
