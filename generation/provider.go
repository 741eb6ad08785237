package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/agentcanvas/llm"
	"go.uber.org/zap"
)

// ProviderClient adapts an llm.Provider to Client. Files are listed in the
// user message by name, type and URL since chat completions carry text only.
// Grounding flags have no chat-completions equivalent and travel as request
// metadata.
type ProviderClient struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewProviderClient wraps provider.
func NewProviderClient(provider llm.Provider, logger *zap.Logger) *ProviderClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderClient{
		provider: provider,
		logger:   logger.With(zap.String("component", "generation_provider"), zap.String("provider", provider.Name())),
	}
}

var _ Client = (*ProviderClient)(nil)

// Generate sends req as a system + user chat and returns the reply text.
// A reply cut off by the token limit is logged and kept.
func (c *ProviderClient) Generate(ctx context.Context, req *Request) (string, error) {
	resp, err := c.provider.Completion(ctx, chatRequest(req))
	if err != nil {
		return "", fromLLMError(err)
	}
	if resp.Truncated() {
		c.logger.Warn("reply truncated by max tokens",
			zap.String("node_id", req.NodeID),
			zap.String("model", resp.Model))
	}

	c.logger.Debug("provider completion",
		zap.String("node_id", req.NodeID),
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp.Text, nil
}

func chatRequest(req *Request) *llm.ChatRequest {
	chat := &llm.ChatRequest{
		Model:    req.Model,
		Messages: make([]llm.Message, 0, 2),
		Metadata: map[string]string{"node_id": req.NodeID},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		chat.Messages = append(chat.Messages, llm.Message{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	chat.Messages = append(chat.Messages, llm.Message{Role: llm.RoleUser, Content: userContent(req)})
	if req.SearchGrounding {
		chat.Metadata["search_grounding"] = "true"
	}
	if req.MapsGrounding {
		chat.Metadata["maps_grounding"] = "true"
	}
	return chat
}

func userContent(req *Request) string {
	if len(req.Files) == 0 {
		return req.UserPrompt
	}
	var b strings.Builder
	b.WriteString(req.UserPrompt)
	b.WriteString("\n\nAttached files:")
	for _, f := range req.Files {
		fmt.Fprintf(&b, "\n- %s (%s): %s", f.Name, f.MimeType, f.URL)
	}
	return b.String()
}
