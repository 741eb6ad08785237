package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorCode 与服务商无关的错误分类
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"
	ErrForbidden       ErrorCode = "LLM_FORBIDDEN"
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"
	ErrQuotaExceeded   ErrorCode = "LLM_QUOTA_EXCEEDED"
	ErrModelOverloaded ErrorCode = "LLM_MODEL_OVERLOADED"
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"
	ErrEmptyResponse   ErrorCode = "LLM_EMPTY_RESPONSE"
)

// Error Provider 返回的结构化错误
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider,omitempty"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

type statusClass struct {
	code      ErrorCode
	retryable bool
}

var statusClasses = map[int]statusClass{
	http.StatusBadRequest:      {ErrInvalidRequest, false},
	http.StatusUnauthorized:    {ErrUnauthorized, false},
	http.StatusForbidden:       {ErrForbidden, false},
	http.StatusRequestTimeout:  {ErrUpstreamTimeout, true},
	http.StatusTooManyRequests: {ErrRateLimited, true},
	http.StatusGatewayTimeout:  {ErrUpstreamTimeout, true},
	529:                        {ErrModelOverloaded, true},
}

// ErrorFromStatus 按 HTTP 状态分类上游错误。消息里提到 quota/credit 的
// 400 与 429 视为额度用尽，重试无意义
func ErrorFromStatus(provider string, status int, msg string) *Error {
	e := &Error{Provider: provider, HTTPStatus: status, Message: msg, Code: ErrUpstreamError, Retryable: status >= 500}
	if c, ok := statusClasses[status]; ok {
		e.Code, e.Retryable = c.code, c.retryable
	}
	if status == http.StatusBadRequest || status == http.StatusTooManyRequests {
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			e.Code, e.Retryable = ErrQuotaExceeded, false
		}
	}
	return e
}

// ParseRetryAfter 解析 Retry-After 头（秒数或 HTTP 日期），无效或已过期时返回 0
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
