// Package aiclient wraps pkg/anthropic.Client with rate limiting, retry, and
// a circuit breaker so the sticker generator, context worker, and keyword
// retrieval all share one throttled, fault-tolerant path to the model.
package aiclient

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/pdfreader/sticker-engine/internal/resilience"
	"github.com/pdfreader/sticker-engine/pkg/anthropic"
)

// Config controls the wrapper's rate limit, retry, and circuit breaker behavior.
type Config struct {
	// RequestsPerSecond throttles outbound calls. Default: 5.
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
	Circuit           resilience.CircuitBreakerConfig
}

// DefaultConfig returns sensible defaults for the Anthropic messages endpoint.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Retry:             resilience.DefaultRetryConfig(),
		Circuit:           resilience.DefaultCircuitBreakerConfig(),
	}
}

// Client throttles and guards calls to the underlying Anthropic client.
type Client struct {
	inner   anthropic.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// New wraps inner with the behavior described by cfg.
func New(inner anthropic.Client, cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), max(int(rps), 1)),
		retry:   cfg.Retry,
		breaker: resilience.NewCircuitBreaker(cfg.Circuit),
	}
}

// CreateMessage waits for a rate limit token, then executes the call through
// the circuit breaker with retry on transient failures.
func (c *Client) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "aiclient: rate limit wait")
	}

	resp, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return c.inner.CreateMessage(ctx, req)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "aiclient: create message")
	}
	return resp, nil
}

// State reports the circuit breaker's current state for health checks.
func (c *Client) State() resilience.CircuitState {
	return c.breaker.State()
}
