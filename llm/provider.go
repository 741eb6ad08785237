package llm

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 一次非流式对话请求。Model 为空时由 Provider 选择默认模型
type ChatRequest struct {
	Model       string            `json:"model,omitempty"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse 已选定的一条回复
type ChatResponse struct {
	ID           string    `json:"id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Text         string    `json:"text"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        Usage     `json:"usage"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

// Truncated 回复因长度上限被截断
func (r *ChatResponse) Truncated() bool {
	return r.FinishReason == "length"
}

// Provider 对话模型服务。实现需可并发调用，失败时返回 *Error
type Provider interface {
	Name() string
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
