package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentcanvas/internal/ctxkeys"
	"github.com/BaSui01/agentcanvas/types"
	"github.com/BaSui01/agentcanvas/workflow"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体大小上限（1 MB）
const maxBodyBytes = 1 << 20

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string               `json:"code"`
	Message    string               `json:"message"`
	Retryable  bool                 `json:"retryable,omitempty"`
	RetryAfter int                  `json:"retry_after_seconds,omitempty"`
	Violations []workflow.Violation `json:"violations,omitempty"`
}

func envelope(w http.ResponseWriter, data any, info *ErrorInfo) Response {
	return Response{
		Success:   info == nil,
		Data:      data,
		Error:     info,
		Timestamp: time.Now().UTC(),
		RequestID: w.Header().Get("X-Request-ID"),
	}
}

// WriteJSON 先完整编码再写出，编码失败时返回 500 而不是半截响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}` + "\n")
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 以指定状态码写入成功响应
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, envelope(w, data, nil))
}

// WriteError 写入 types.Error。上游给出等待时间时附带 Retry-After
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	writeError(w, err, nil, logger)
}

// WriteErr 写入任意错误。校验错误带上全部违规项，未知错误按内部错误处理
func WriteErr(w http.ResponseWriter, err error, logger *zap.Logger) {
	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		writeError(w, types.NewError(types.ErrValidation, "workflow validation failed").WithCause(err), verr.Violations, logger)
		return
	}
	if typed, ok := types.AsError(err); ok {
		writeError(w, typed, nil, logger)
		return
	}
	writeError(w, types.NewError(types.ErrInternalError, "internal error").WithCause(err), nil, logger)
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	writeError(w, types.NewError(code, message).WithHTTPStatus(status), nil, logger)
}

func writeError(w http.ResponseWriter, err *types.Error, violations []workflow.Violation, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = types.HTTPStatusFor(err.Code)
	}
	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		Violations: violations,
	}
	if err.RetryAfter > 0 {
		secs := int(math.Ceil(err.RetryAfter.Seconds()))
		info.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if logger != nil {
		level := zap.WarnLevel
		if status >= http.StatusInternalServerError {
			level = zap.ErrorLevel
		}
		logger.Log(level, "API error",
			zap.String("code", info.Code),
			zap.String("message", info.Message),
			zap.Int("status", status),
			zap.Bool("retryable", info.Retryable),
			zap.Int("violations", len(violations)),
			zap.Error(err.Cause))
	}

	WriteJSON(w, status, envelope(w, nil, info))
}

// bodyError 把读取请求体时的错误转为 API 错误
func bodyError(err error, message string) *types.Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.NewError(types.ErrInvalidRequest, "request body exceeds 1 MB").
			WithCause(err).
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return types.NewError(types.ErrInvalidRequest, message).
		WithCause(err).
		WithHTTPStatus(http.StatusBadRequest)
}

func emptyBody(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
}

// DecodeJSONBody 严格解码 JSON 请求体：拒绝未知字段与尾随数据，限制 1 MB。
// 带 Content-Type 时必须是 JSON
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if emptyBody(r) {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && mediaType(ct) != formatJSON {
		err := types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType)
		WriteError(w, err, logger)
		return err
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("unexpected data after JSON value")
	}
	if err != nil {
		apiErr := bodyError(err, "invalid JSON body")
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// DecodeOptionalJSONBody 与 DecodeJSONBody 相同，但空请求体保留 dst 的零值
func DecodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if emptyBody(r) {
		return nil
	}
	return DecodeJSONBody(w, r, dst, logger)
}

// ReadBody 读取原始请求体（1 MB 限制）
func ReadBody(w http.ResponseWriter, r *http.Request, logger *zap.Logger) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "request body is empty"), logger)
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, bodyError(err, "failed to read request body"), logger)
		return nil, false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "request body is empty"), logger)
		return nil, false
	}
	return data, true
}

// 请求体格式
const (
	formatJSON    = "json"
	formatYAML    = "yaml"
	formatUnknown = ""
)

// mediaType 将 Content-Type 归为 json、yaml 或未知。+json/+yaml 后缀同样识别
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return formatUnknown
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return formatJSON
	case mt == "application/yaml" || mt == "application/x-yaml" || mt == "text/yaml" ||
		mt == "text/x-yaml" || strings.HasSuffix(mt, "+yaml"):
		return formatYAML
	}
	return formatUnknown
}

// ValidateContentType 要求 JSON Content-Type，不符合时写入 415
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	if mediaType(r.Header.Get("Content-Type")) == formatJSON {
		return true
	}
	WriteError(w, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
		WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
	return false
}

// requestLogger 为日志附加请求 ID
func requestLogger(logger *zap.Logger, r *http.Request) *zap.Logger {
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		return logger.With(zap.String("request_id", id))
	}
	return logger
}

// ResponseWriter 记录状态码与写出字节数，供日志和指标中间件使用
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int
}

// NewResponseWriter 包装 w，未显式写头时状态码视为 200
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只记录第一次写入的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += n
	return n, err
}

// Flush 透传 http.Flusher
func (rw *ResponseWriter) Flush() {
	rw.WriteHeader(http.StatusOK)
	_ = http.NewResponseController(rw.ResponseWriter).Flush()
}

// Hijack 透传 http.Hijacker，WebSocket 升级需要
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(rw.ResponseWriter).Hijack()
	if err == nil && !rw.Written {
		rw.StatusCode = http.StatusSwitchingProtocols
		rw.Written = true
	}
	return conn, brw, err
}

// Unwrap 供 http.ResponseController 访问底层 Writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
