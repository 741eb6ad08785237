package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// streamWriteTimeout 单条事件写超时，慢客户端超时后断开
const streamWriteTimeout = 10 * time.Second

// HandleStream 将工作流的节点状态、日志与运行事件推送到 WebSocket。
// 连接期间持续推送，跨越多次运行；客户端关闭或服务端退出时结束
// @Summary 执行事件流
// @Tags 运行
// @Param id path string true "工作流 ID"
// @Success 101 {string} string "WebSocket 升级"
// @Router /api/v1/workflows/{id}/stream [get]
func (h *WorkflowHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}

	// 握手前订阅，客户端连上后不会漏掉事件
	events, unsubscribe := e.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只推送不接收；CloseRead 在客户端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())
	logger := requestLogger(h.logger, r).With(zap.String("workflow_id", e.ID()))
	logger.Debug("stream subscriber connected")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream subscriber disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// WithOriginPatterns 设置 WebSocket 允许的 Origin（与 CORS 配置一致）
func (h *WorkflowHandler) WithOriginPatterns(patterns []string) *WorkflowHandler {
	h.origins = append([]string(nil), patterns...)
	return h
}

func (h *WorkflowHandler) originPatterns() []string {
	if len(h.origins) == 0 {
		return nil
	}
	out := make([]string, 0, len(h.origins))
	for _, o := range h.origins {
		out = append(out, stripScheme(o))
	}
	return out
}

// stripScheme coder/websocket 的 OriginPatterns 按 host 匹配
func stripScheme(origin string) string {
	return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
}
