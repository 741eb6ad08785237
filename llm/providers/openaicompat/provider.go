package openaicompat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentcanvas/internal/ctxkeys"
	"github.com/BaSui01/agentcanvas/internal/tlsutil"
	"github.com/BaSui01/agentcanvas/llm"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultPath     = "/v1/chat/completions"
	maxErrorBody    = 64 << 10
	maxResponseBody = 16 << 20
)

// Config configures a Provider. Only BaseURL is required.
type Config struct {
	ProviderName  string
	APIKey        string
	BaseURL       string
	DefaultModel  string
	FallbackModel string
	// Timeout bounds one call, 60s when zero.
	Timeout time.Duration
	// Path of the completions endpoint below BaseURL.
	Path string
	// Headers are added to every request, after Authorization.
	Headers map[string]string
	TLS     *tls.Config
}

// Provider is an llm.Provider over the Chat Completions API.
type Provider struct {
	cfg    Config
	url    string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

var _ llm.Provider = (*Provider)(nil)

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compatible"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		client: tlsutil.HTTPClient(cfg.Timeout, cfg.TLS),
		logger: logger.With(zap.String("component", "openaicompat"), zap.String("provider", cfg.ProviderName)),
		now:    time.Now,
	}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

// model picks the request model, then the default, then the fallback.
func (p *Provider) model(req *llm.ChatRequest) string {
	for _, m := range []string{req.Model, p.cfg.DefaultModel, p.cfg.FallbackModel} {
		if m != "" {
			return m
		}
	}
	return ""
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		FinishReason string      `json:"finish_reason"`
		Message      wireMessage `json:"message"`
	} `json:"choices"`
	Usage llm.Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Completion sends a non-streaming request and returns the first choice.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: "no messages", Provider: p.Name()}
	}
	body := wireRequest{
		Model:       p.model(req),
		Messages:    make([]wireMessage, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for i, m := range req.Messages {
		body.Messages[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	p.setHeaders(ctx, httpReq)

	start := p.now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		e := llm.ErrorFromStatus(p.Name(), resp.StatusCode, readErrorMessage(resp.Body))
		e.RetryAfter = llm.ParseRetryAfter(resp.Header, p.now())
		p.logger.Warn("completion rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("code", string(e.Code)),
			zap.Duration("retry_after", e.RetryAfter))
		return nil, e
	}

	var wire wireResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&wire); err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: "decode response: " + err.Error(),
			Provider: p.Name(), HTTPStatus: http.StatusBadGateway, Retryable: true, Cause: err}
	}
	if len(wire.Choices) == 0 {
		return nil, &llm.Error{Code: llm.ErrEmptyResponse, Message: "response contains no choices",
			Provider: p.Name(), HTTPStatus: http.StatusBadGateway}
	}

	choice := wire.Choices[0]
	out := &llm.ChatResponse{
		ID:           wire.ID,
		Provider:     p.Name(),
		Model:        wire.Model,
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        wire.Usage,
	}
	if out.Model == "" {
		out.Model = body.Model
	}
	if wire.Created > 0 {
		out.CreatedAt = time.Unix(wire.Created, 0)
	}

	p.logger.Debug("completion finished",
		zap.String("model", out.Model),
		zap.String("finish_reason", out.FinishReason),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("duration", p.now().Sub(start)))
	return out, nil
}

func (p *Provider) setHeaders(ctx context.Context, r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.Headers {
		r.Header.Set(k, v)
	}
	ctxkeys.Propagate(ctx, r.Header)
}

// transportError classifies a failed round trip. Caller cancellation is
// returned as is so retries stop.
func (p *Provider) transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := llm.ErrUpstreamError
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		code, status = llm.ErrUpstreamTimeout, http.StatusGatewayTimeout
	}
	return &llm.Error{Code: code, Message: err.Error(), Provider: p.Name(),
		HTTPStatus: status, Retryable: true, Cause: err}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// readErrorMessage prefers the OpenAI error envelope and falls back to the
// trimmed body text.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}
	var we wireError
	if json.Unmarshal(data, &we) == nil && we.Error.Message != "" {
		if we.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", we.Error.Message, we.Error.Type)
		}
		return we.Error.Message
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return "empty error response"
}
