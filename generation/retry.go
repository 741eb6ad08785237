package generation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/agentcanvas/internal/ctxkeys"
	"github.com/BaSui01/agentcanvas/types"
	"go.uber.org/zap"
)

// RetryConfig controls RetryClient. MaxRetries counts retries, not attempts.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig allows three attempts over roughly three seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  time.Second,
		MaxDelay:      15 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryClient retries calls that fail with a retryable *types.Error.
type RetryClient struct {
	inner  Client
	config RetryConfig
	logger *zap.Logger
}

// NewRetryClient wraps inner with exponential-backoff retries.
func NewRetryClient(inner Client, config RetryConfig, logger *zap.Logger) *RetryClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 2.0
	}
	return &RetryClient{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "generation_retry")),
	}
}

var _ Client = (*RetryClient)(nil)

// Generate calls the inner client, retrying retryable failures. A Retry-After
// hint longer than the computed backoff replaces it; one longer than MaxDelay
// ends the retries early.
func (c *RetryClient) Generate(ctx context.Context, req *Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay, ok := c.nextDelay(attempt, lastErr)
			if !ok {
				c.logger.Warn("upstream retry-after exceeds max delay, giving up",
					zap.String("node_id", req.NodeID),
					zap.Duration("retry_after", types.RetryAfterOf(lastErr)),
					zap.Duration("max_delay", c.config.MaxDelay))
				return "", lastErr
			}
			c.logger.Debug("retrying generation",
				zap.String("node_id", req.NodeID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		text, err := c.inner.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return "", err
		}
		if attempt == c.config.MaxRetries {
			break
		}
		c.logger.Warn("generation failed, will retry", append(ctxkeys.LogFields(ctx),
			zap.Int("attempt", attempt),
			zap.Error(err))...)
	}

	if c.config.MaxRetries == 0 {
		return "", lastErr
	}
	return "", fmt.Errorf("generation failed after %d retries: %w", c.config.MaxRetries, lastErr)
}

// nextDelay returns the wait before attempt, or false when the upstream
// asked for more than MaxDelay.
func (c *RetryClient) nextDelay(attempt int, lastErr error) (time.Duration, bool) {
	delay := c.calculateDelay(attempt)
	if hint := types.RetryAfterOf(lastErr); hint > delay {
		if c.config.MaxDelay > 0 && hint > c.config.MaxDelay {
			return 0, false
		}
		delay = hint
	}
	return delay, true
}

func (c *RetryClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.config.InitialDelay) * math.Pow(c.config.BackoffFactor, float64(attempt-1))
	if c.config.MaxDelay > 0 && delay > float64(c.config.MaxDelay) {
		delay = float64(c.config.MaxDelay)
	}
	return time.Duration(delay)
}
