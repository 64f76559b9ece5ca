// Package client implements the resilient client of spec.md §4.2: one
// instance per downstream MCP service, owning a circuit breaker and a
// connection pool, wrapping every call in a retry loop with exponential
// backoff and jitter. The retry/jitter shape follows
// Mindburn-Labs-helm's core/pkg/util/resiliency.EnhancedClient, generalized
// from a single http.Client into the breaker+pool+transport combination
// our registry builds per descriptor endpoint.
package client

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/breaker"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/pool"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/transport"
)

// RetryConfig controls the exponential-backoff-with-jitter retry loop.
type RetryConfig struct {
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64
	MaxRetries   int
}

// Config bundles everything needed to construct a ResilientClient for one
// downstream service.
type Config struct {
	ServiceName string
	Pool        pool.Config
	Breaker     breaker.Config
	Retry       RetryConfig
	CallTimeout time.Duration
}

// ResilientClient is the per-downstream-service facade the workflow
// engine's step executor calls through. It never sees a raw transport.Conn.
type ResilientClient struct {
	name    string
	pool    *pool.Pool
	breaker *breaker.Breaker
	retry   RetryConfig
	timeout time.Duration
	log     *zap.Logger
}

// New constructs a ResilientClient. factory builds a fresh transport.Conn
// wrapped as a pool.Conn; onBreakerChange, if non-nil, is forwarded every
// circuit breaker state transition (spec §6 circuit_breaker_state_change).
func New(cfg Config, factory pool.Factory, onBreakerChange breaker.OnStateChange, log *zap.Logger) *ResilientClient {
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &ResilientClient{
		name:    cfg.ServiceName,
		pool:    pool.New(cfg.Pool, factory),
		breaker: breaker.New(cfg.ServiceName, cfg.Breaker, onBreakerChange),
		retry:   cfg.Retry,
		timeout: cfg.CallTimeout,
		log:     log,
	}
}

// CallTool invokes a tool on the downstream service, retrying retryable
// failures with exponential backoff + jitter and routing every attempt
// through the circuit breaker.
func (c *ResilientClient) CallTool(ctx context.Context, tool string, args map[string]interface{}) (transport.Envelope, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return transport.Envelope{}, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		env, err := c.attempt(callCtx, tool, args)
		cancel()

		if err == nil {
			return env, nil
		}
		lastErr = err

		if !orcherr.Retryable(err) {
			return transport.Envelope{}, err
		}
		if c.log != nil {
			c.log.Debug("retrying tool call",
				zap.String("service", c.name),
				zap.String("tool", tool),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}

	return transport.Envelope{}, lastErr
}

// attempt acquires a connection, runs it through the breaker exactly once,
// and returns the connection to the pool (or discards it on a connection-
// level failure).
func (c *ResilientClient) attempt(ctx context.Context, tool string, args map[string]interface{}) (transport.Envelope, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return transport.Envelope{}, err
	}

	tconn, ok := conn.(transport.Conn)
	if !ok {
		c.pool.Discard(conn)
		return transport.Envelope{}, orcherr.New(orcherr.Validation, "pool connection does not implement transport.Conn")
	}

	var result transport.Envelope
	breakerErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
		env, err := transport.NewToolCallEnvelope(0, tool, args)
		if err != nil {
			return orcherr.Wrap(orcherr.Validation, err, "build tool call envelope")
		}
		result, err = tconn.Send(ctx, env)
		return err
	})

	if breakerErr != nil {
		if orcherr.KindOf(breakerErr) == orcherr.ConnectionClosed {
			c.pool.Discard(conn)
		} else {
			c.pool.Release(conn)
		}
		return transport.Envelope{}, breakerErr
	}

	c.pool.Release(conn)
	return result, nil
}

// backoffDelay computes base * multiplier^attempt, capped at max_delay,
// with up to jitter_factor of additional randomized delay layered on top —
// the same shape as resiliency.EnhancedClient's backoff, generalized to
// configurable base/multiplier/cap instead of hardcoded constants.
func (c *ResilientClient) backoffDelay(attempt int) time.Duration {
	base := float64(c.retry.BaseDelay) * math.Pow(c.retry.Multiplier, float64(attempt))
	if cap := float64(c.retry.MaxDelay); base > cap {
		base = cap
	}

	jitterFactor := c.retry.JitterFactor
	if jitterFactor <= 0 {
		return time.Duration(base)
	}

	maxJitterNanos := int64(base * jitterFactor)
	if maxJitterNanos <= 0 {
		return time.Duration(base)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitterNanos))
	if err != nil {
		return time.Duration(base)
	}
	return time.Duration(base) + time.Duration(n.Int64())
}

// BreakerStatus reports the current circuit breaker state for metrics and
// health reporting.
func (c *ResilientClient) BreakerStatus() breaker.State {
	return c.breaker.Status()
}

// Close shuts down the underlying pool and breaker monitor.
func (c *ResilientClient) Close() {
	c.pool.Shutdown()
	c.breaker.Close()
}
