package generation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/agentcanvas/internal/ctxkeys"
	"github.com/BaSui01/agentcanvas/internal/tlsutil"
	"github.com/BaSui01/agentcanvas/llm"
	"github.com/BaSui01/agentcanvas/types"
	"go.uber.org/zap"
)

// maxResponseBytes bounds the plain-text body read from the endpoint.
const maxResponseBytes = 8 << 20

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	// Endpoint is the full URL the request is POSTed to.
	Endpoint string
	// APIKey, if set, is sent as a bearer token.
	APIKey string
	// Timeout bounds one call. Defaults to 120s.
	Timeout time.Duration
	// Headers are added to every request.
	Headers map[string]string
	// TLS overrides the hardened default client TLS settings.
	TLS *tls.Config
}

// HTTPClient calls a generation endpoint that accepts a JSON Request and
// answers with the generated text as a plain body.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates an HTTP generation client.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		cfg:    cfg,
		client: tlsutil.HTTPClient(cfg.Timeout, cfg.TLS),
		logger: logger.With(zap.String("component", "generation_http")),
	}
}

var _ Client = (*HTTPClient)(nil)

// Generate posts req and returns the response body. Non-2xx statuses become
// a *types.Error built by MapHTTPError.
func (c *HTTPClient) Generate(ctx context.Context, req *Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	ctxkeys.Propagate(ctx, httpReq.Header)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", types.NewError(types.ErrUpstreamError, "generation endpoint unreachable").
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readBodyMessage(resp.Body)
		c.logger.Warn("generation call rejected", append(ctxkeys.LogFields(ctx),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))...)
		return "", MapHTTPError(resp.StatusCode, msg).
			WithRetryAfter(llm.ParseRetryAfter(resp.Header, time.Now()))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", types.NewError(types.ErrUpstreamError, "failed to read generation response").
			WithRetryable(true).
			WithCause(err)
	}

	c.logger.Debug("generation call finished",
		zap.String("node_id", req.NodeID),
		zap.String("model", req.Model),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return string(body), nil
}
