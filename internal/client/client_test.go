package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/breaker"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/pool"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/transport"
)

// fakeConn lets tests script a sequence of per-call outcomes.
type fakeConn struct {
	calls   int32
	outcome func(call int32) (transport.Envelope, error)
}

func (f *fakeConn) Send(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.outcome(n)
}

func (f *fakeConn) Destroy() error { return nil }

func newClientWithFactory(factory pool.Factory) *ResilientClient {
	return New(Config{
		ServiceName: "test",
		Pool:        pool.Config{MaxSize: 2, AcquireTimeout: time.Second, IdleTimeout: time.Minute},
		Breaker:     breaker.Config{FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond, MonitoringPeriod: time.Minute},
		Retry:       RetryConfig{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond, JitterFactor: 0.1, MaxRetries: 3},
		CallTimeout: time.Second,
	}, factory, nil, nil)
}

func TestResilientClient_SucceedsOnFirstAttempt(t *testing.T) {
	conn := &fakeConn{outcome: func(call int32) (transport.Envelope, error) {
		return transport.Envelope{Result: []byte(`{"ok":true}`)}, nil
	}}
	c := newClientWithFactory(func(ctx context.Context) (pool.Conn, error) { return conn, nil })
	defer c.Close()

	_, err := c.CallTool(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if conn.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", conn.calls)
	}
}

func TestResilientClient_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	conn := &fakeConn{outcome: func(call int32) (transport.Envelope, error) {
		if call < 3 {
			return transport.Envelope{}, orcherr.New(orcherr.NetworkUnavailable, "dial refused")
		}
		return transport.Envelope{Result: []byte(`{"ok":true}`)}, nil
	}}
	c := newClientWithFactory(func(ctx context.Context) (pool.Conn, error) { return conn, nil })
	defer c.Close()

	_, err := c.CallTool(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if conn.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", conn.calls)
	}
}

func TestResilientClient_DoesNotRetryRemoteError(t *testing.T) {
	conn := &fakeConn{outcome: func(call int32) (transport.Envelope, error) {
		return transport.Envelope{}, orcherr.New(orcherr.Remote, "application-level failure")
	}}
	c := newClientWithFactory(func(ctx context.Context) (pool.Conn, error) { return conn, nil })
	defer c.Close()

	_, err := c.CallTool(context.Background(), "ping", nil)
	if orcherr.KindOf(err) != orcherr.Remote {
		t.Fatalf("expected Remote error surfaced immediately, got %v", err)
	}
	if conn.calls != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", conn.calls)
	}
}

func TestResilientClient_CircuitOpensAfterThresholdAndFailsFast(t *testing.T) {
	conn := &fakeConn{outcome: func(call int32) (transport.Envelope, error) {
		return transport.Envelope{}, orcherr.New(orcherr.Http5xx, "downstream 503")
	}}
	c := newClientWithFactory(func(ctx context.Context) (pool.Conn, error) { return conn, nil })
	defer c.Close()

	// First CallTool burns through all retries against a failing downstream.
	_, err := c.CallTool(context.Background(), "ping", nil)
	if err == nil {
		t.Fatal("expected failure")
	}

	if c.BreakerStatus() != breaker.Open {
		t.Fatalf("expected breaker to be open after repeated failures, got %v", c.BreakerStatus())
	}

	callsBeforeSecondAttempt := conn.calls
	_, err = c.CallTool(context.Background(), "ping", nil)
	if orcherr.KindOf(err) != orcherr.CircuitOpen {
		t.Fatalf("expected CircuitOpen once tripped, got %v", err)
	}
	if conn.calls != callsBeforeSecondAttempt {
		t.Fatalf("expected no further downstream calls while circuit is open")
	}
}
