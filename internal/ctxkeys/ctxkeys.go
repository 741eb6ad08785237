// Package ctxkeys carries request, run and node identifiers through
// context and onto outgoing calls and log lines.
package ctxkeys

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// 跨服务透传的请求头
const (
	RequestIDHeader = "X-Request-ID"
	RunIDHeader     = "X-Run-ID"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	runIDKey
	nodeIDKey
)

// WithRequestID 设置 RequestID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取 RequestID，空值视为不存在
func RequestID(ctx context.Context) (string, bool) { return lookup(ctx, requestIDKey) }

// WithRunID 设置 RunID
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) { return lookup(ctx, runIDKey) }

// WithNodeID 设置当前执行的节点 ID
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// NodeID 获取当前执行的节点 ID
func NodeID(ctx context.Context) (string, bool) { return lookup(ctx, nodeIDKey) }

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, _ := ctx.Value(key).(string)
	return v, v != ""
}

// Propagate 把 ctx 中的请求 ID 与运行 ID 写入出站请求头
func Propagate(ctx context.Context, h http.Header) {
	if id, ok := RequestID(ctx); ok {
		h.Set(RequestIDHeader, id)
	}
	if id, ok := RunID(ctx); ok {
		h.Set(RunIDHeader, id)
	}
}

// LogFields 返回 ctx 中已有标识对应的日志字段
func LogFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if id, ok := RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := RunID(ctx); ok {
		fields = append(fields, zap.String("run_id", id))
	}
	if id, ok := NodeID(ctx); ok {
		fields = append(fields, zap.String("node_id", id))
	}
	return fields
}
