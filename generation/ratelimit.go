package generation

import (
	"context"

	"github.com/BaSui01/agentcanvas/types"
	"golang.org/x/time/rate"
)

// RateLimitedClient waits on a token bucket before every call.
type RateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimitedClient allows rps calls per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimitedClient(inner Client, rps float64, burst int) *RateLimitedClient {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

var _ Client = (*RateLimitedClient)(nil)

// Generate blocks until a token is available or ctx ends.
func (c *RateLimitedClient) Generate(ctx context.Context, req *Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", types.NewError(types.ErrRateLimited, "generation rate limit wait aborted").WithCause(err)
	}
	return c.inner.Generate(ctx, req)
}
