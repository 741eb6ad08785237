package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentcanvas/llm"
	"github.com/BaSui01/agentcanvas/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockProvider records the last request and returns a canned response.
type mockProvider struct {
	lastReq *llm.ChatRequest
	resp    *llm.ChatResponse
	err     error
}

func (m *mockProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.lastReq = req
	return m.resp, m.err
}

func (m *mockProvider) Name() string { return "mock" }

func TestProviderClient_Generate(t *testing.T) {
	t.Parallel()

	p := &mockProvider{resp: &llm.ChatResponse{Model: "m1", Text: "answer", FinishReason: "stop"}}
	c := NewProviderClient(p, nil)

	text, err := c.Generate(context.Background(), &Request{
		SystemPrompt:  "sys",
		UserPrompt:    "question",
		Model:         "m1",
		NodeID:        "n1",
		MapsGrounding: true,
		Files:         []File{{URL: "https://f/x.png", Name: "x.png", MimeType: "image/png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", text)

	require.NotNil(t, p.lastReq)
	assert.Equal(t, "m1", p.lastReq.Model)
	require.Len(t, p.lastReq.Messages, 2)
	assert.Equal(t, llm.RoleSystem, p.lastReq.Messages[0].Role)
	assert.Equal(t, "question\n\nAttached files:\n- x.png (image/png): https://f/x.png", p.lastReq.Messages[1].Content)
	assert.Equal(t, map[string]string{"node_id": "n1", "maps_grounding": "true"}, p.lastReq.Metadata)
}

func TestProviderClient_Generate_NoSystemPrompt(t *testing.T) {
	t.Parallel()

	p := &mockProvider{resp: &llm.ChatResponse{Text: "ok"}}
	_, err := NewProviderClient(p, nil).Generate(context.Background(), &Request{UserPrompt: "u", SystemPrompt: "  "})
	require.NoError(t, err)
	require.Len(t, p.lastReq.Messages, 1)
	assert.Equal(t, llm.RoleUser, p.lastReq.Messages[0].Role)
	assert.Equal(t, "u", p.lastReq.Messages[0].Content)
}

func TestProviderClient_Generate_EmptyReplyIsAResult(t *testing.T) {
	t.Parallel()

	text, err := NewProviderClient(&mockProvider{resp: &llm.ChatResponse{}}, nil).
		Generate(context.Background(), &Request{UserPrompt: "u"})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestProviderClient_Generate_LogsTruncation(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	p := &mockProvider{resp: &llm.ChatResponse{Text: "half", FinishReason: "length"}}
	text, err := NewProviderClient(p, zap.New(core)).Generate(context.Background(), &Request{NodeID: "n1", UserPrompt: "u"})
	require.NoError(t, err)
	assert.Equal(t, "half", text)
	assert.Equal(t, 1, logs.FilterMessage("reply truncated by max tokens").Len())
}

func TestProviderClient_Generate_MapsLLMErrors(t *testing.T) {
	t.Parallel()

	p := &mockProvider{err: &llm.Error{
		Code: llm.ErrRateLimited, Message: "slow", HTTPStatus: 429,
		Retryable: true, Provider: "mock", RetryAfter: 4 * time.Second,
	}}
	_, err := NewProviderClient(p, nil).Generate(context.Background(), &Request{UserPrompt: "u"})

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrRateLimited, e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, 429, e.HTTPStatus)
	assert.Equal(t, "mock", e.Provider)
	assert.Equal(t, 4*time.Second, types.RetryAfterOf(err))

	var llmErr *llm.Error
	assert.True(t, errors.As(err, &llmErr))
}

func TestFromLLMError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code llm.ErrorCode
		want types.ErrorCode
	}{
		{llm.ErrUnauthorized, types.ErrUnauthorized},
		{llm.ErrQuotaExceeded, types.ErrQuotaExceeded},
		{llm.ErrModelOverloaded, types.ErrModelOverloaded},
		{llm.ErrUpstreamTimeout, types.ErrUpstreamTimeout},
		{llm.ErrEmptyResponse, types.ErrUpstreamError},
		{llm.ErrInvalidRequest, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, types.GetErrorCode(fromLLMError(&llm.Error{Code: tt.code})), string(tt.code))
	}

	assert.Equal(t, types.ErrGenerationFailed, types.GetErrorCode(fromLLMError(errors.New("socket closed"))))
	assert.Nil(t, fromLLMError(nil))

	already := types.NewError(types.ErrCircuitOpen, "open")
	assert.Same(t, already, fromLLMError(already))
}
