package generation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/agentcanvas/llm"
	"github.com/BaSui01/agentcanvas/types"
)

// MapHTTPError 将生成端点返回的非 2xx 状态码映射为 types.Error。
// 与 llm.ErrorFromStatus 一致，提到 quota/credit 的 400、429 视为额度用尽
func MapHTTPError(status int, msg string) *types.Error {
	if msg == "" {
		msg = fmt.Sprintf("generation endpoint returned %d %s", status, http.StatusText(status))
	}
	e := types.NewError(types.ErrGenerationFailed, msg).WithHTTPStatus(status)
	switch {
	case status == http.StatusUnauthorized:
		e.Code = types.ErrUnauthorized
	case status == http.StatusForbidden:
		e.Code = types.ErrForbidden
	case status == http.StatusTooManyRequests:
		e.Code = types.ErrRateLimited
		e.Retryable = true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Code = types.ErrUpstreamTimeout
		e.Retryable = true
	case status == 529:
		e.Code = types.ErrModelOverloaded
		e.Retryable = true
	case status >= 500:
		e.Code = types.ErrUpstreamError
		e.Retryable = true
	}
	if (status == http.StatusBadRequest || status == http.StatusTooManyRequests) && mentionsQuota(msg) {
		e.Code = types.ErrQuotaExceeded
		e.Retryable = false
	}
	return e
}

func mentionsQuota(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "credit")
}

// readBodyMessage 读取错误响应体，截断过长的内容
func readBodyMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4<<10))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// fromLLMError 将 llm.Error 转换为 types.Error，其余错误包装为 GENERATION_FAILED
func fromLLMError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	var llmErr *llm.Error
	if !errors.As(err, &llmErr) {
		return types.NewError(types.ErrGenerationFailed, "generation call failed").WithCause(err)
	}

	code := types.ErrGenerationFailed
	switch llmErr.Code {
	case llm.ErrUnauthorized:
		code = types.ErrUnauthorized
	case llm.ErrForbidden:
		code = types.ErrForbidden
	case llm.ErrRateLimited:
		code = types.ErrRateLimited
	case llm.ErrQuotaExceeded:
		code = types.ErrQuotaExceeded
	case llm.ErrModelOverloaded:
		code = types.ErrModelOverloaded
	case llm.ErrUpstreamTimeout:
		code = types.ErrUpstreamTimeout
	case llm.ErrUpstreamError, llm.ErrEmptyResponse:
		code = types.ErrUpstreamError
	case llm.ErrInvalidRequest:
		code = types.ErrInvalidRequest
	}
	return types.NewError(code, llmErr.Message).
		WithHTTPStatus(llmErr.HTTPStatus).
		WithRetryable(llmErr.Retryable).
		WithProvider(llmErr.Provider).
		WithRetryAfter(llmErr.RetryAfter).
		WithCause(err)
}
