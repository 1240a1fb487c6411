package backend

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimitedClient paces every backend call through one token bucket.
type rateLimitedClient struct {
	base    Client
	limiter *rate.Limiter
}

// WithRateLimit wraps client so that calls wait for a token before reaching the
// backend. A non-positive limit returns client unchanged; burst is coerced to at least 1.
func WithRateLimit(client Client, limit rate.Limit, burst int) Client {
	if limit <= 0 {
		return client
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedClient{
		base:    client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *rateLimitedClient) Family() string {
	return c.base.Family()
}

func (c *rateLimitedClient) CreateSession(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.base.CreateSession(ctx)
}

func (c *rateLimitedClient) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.base.DeleteSession(ctx, sessionID)
}

func (c *rateLimitedClient) AppendTurn(ctx context.Context, sessionID, content string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.base.AppendTurn(ctx, sessionID, content)
}

func (c *rateLimitedClient) StartRun(ctx context.Context, sessionID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.base.StartRun(ctx, sessionID)
}

func (c *rateLimitedClient) PollRun(ctx context.Context, sessionID, runID string) (RunStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.base.PollRun(ctx, sessionID, runID)
}

func (c *rateLimitedClient) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.base.ListMessages(ctx, sessionID)
}
