package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentcanvas/types"
	"go.uber.org/zap"
)

// BreakerState is the state of a BreakerClient.
type BreakerState int

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a BreakerClient.
type BreakerConfig struct {
	// Threshold is the number of consecutive upstream failures that opens the breaker.
	Threshold int `json:"threshold" yaml:"threshold"`
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	// HalfOpenMaxCalls bounds concurrent trial calls while half open.
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`
	// OnStateChange, if set, is called synchronously on every transition.
	OnStateChange func(from, to BreakerState) `json:"-" yaml:"-"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// BreakerClient stops calling a failing upstream for a while. Only upstream
// failures count: retryable errors, timeouts and overload. Caller mistakes
// such as an invalid request or exhausted quota pass through without
// tripping the breaker, and so does the caller's own cancellation.
type BreakerClient struct {
	inner  Client
	config BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	halfOpenRun int
}

// NewBreakerClient wraps inner with a circuit breaker.
func NewBreakerClient(inner Client, config BreakerConfig, logger *zap.Logger) *BreakerClient {
	def := DefaultBreakerConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerClient{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "generation_breaker")),
		now:    time.Now,
	}
}

var _ Client = (*BreakerClient)(nil)

// Generate calls inner unless the breaker is open.
func (c *BreakerClient) Generate(ctx context.Context, req *Request) (string, error) {
	trial, err := c.before()
	if err != nil {
		return "", err
	}
	text, err := c.inner.Generate(ctx, req)
	c.after(ctx, trial, err)
	return text, err
}

// State returns the current breaker state.
func (c *BreakerClient) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset closes the breaker and clears the failure count.
func (c *BreakerClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.halfOpenRun = 0
	c.setState(BreakerClosed)
}

// before admits a call. trial is true when the call was admitted half open.
func (c *BreakerClient) before() (trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		if c.now().Sub(c.openedAt) < c.config.ResetTimeout {
			return false, c.openError()
		}
		c.setState(BreakerHalfOpen)
		c.halfOpenRun = 0
		fallthrough
	case BreakerHalfOpen:
		if c.halfOpenRun >= c.config.HalfOpenMaxCalls {
			return false, c.openError()
		}
		c.halfOpenRun++
		return true, nil
	}
	return false, nil
}

func (c *BreakerClient) after(ctx context.Context, trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if trial && c.state == BreakerHalfOpen && c.halfOpenRun > 0 {
		c.halfOpenRun--
	}
	if !countsAsFailure(ctx, err) {
		if trial && c.state == BreakerHalfOpen && err == nil {
			c.logger.Info("generation upstream recovered")
			c.setState(BreakerClosed)
		}
		if err == nil {
			c.failures = 0
		}
		return
	}

	c.failures++
	switch c.state {
	case BreakerClosed:
		if c.failures >= c.config.Threshold {
			c.logger.Warn("generation breaker opened",
				zap.Int("failures", c.failures),
				zap.Error(err),
			)
			c.open()
		}
	case BreakerHalfOpen:
		c.logger.Warn("generation trial call failed, breaker reopened", zap.Error(err))
		c.open()
	}
}

func (c *BreakerClient) open() {
	c.openedAt = c.now()
	c.halfOpenRun = 0
	c.setState(BreakerOpen)
}

func (c *BreakerClient) setState(to BreakerState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(from, to)
	}
}

func (c *BreakerClient) openError() error {
	return types.NewError(types.ErrCircuitOpen, "generation upstream unavailable, circuit breaker open").
		WithHTTPStatus(types.HTTPStatusFor(types.ErrCircuitOpen))
}

func countsAsFailure(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return false
	}
	switch types.GetErrorCode(err) {
	case types.ErrUpstreamError, types.ErrUpstreamTimeout, types.ErrModelOverloaded:
		return true
	}
	return types.IsRetryable(err)
}
