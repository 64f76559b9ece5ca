// Package breaker implements the per-service circuit breaker state
// machine of spec.md §4.1. Grounded on the threshold-counter shape of
// Mindburn-Labs-helm's resiliency.CircuitBreaker, generalized with an
// explicit HALF_OPEN state, a monitoring-period reset tick, and
// state-change events.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config carries the per-service thresholds from the descriptor.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
}

// OnStateChange is invoked synchronously whenever the breaker transitions.
type OnStateChange func(name string, from, to State)

// Breaker is a single service's circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	onChange OnStateChange

	mu          sync.Mutex
	state       State
	failures    int
	nextAttempt time.Time

	stopTick chan struct{}
}

// New creates a Breaker starting CLOSED and begins its monitoring-period
// reset tick (spec §4.1: "a background tick of period monitoring_period
// resets the rolling success/failure counters").
func New(name string, cfg Config, onChange OnStateChange) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = 60 * time.Second
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		onChange: onChange,
		state:    Closed,
		stopTick: make(chan struct{}),
	}
	go b.monitorLoop()
	return b
}

func (b *Breaker) monitorLoop() {
	ticker := time.NewTicker(b.cfg.MonitoringPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopTick:
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.state == Closed {
				b.failures = 0
			}
			b.mu.Unlock()
		}
	}
}

// Close stops the breaker's background tick. Call when the descriptor
// backing this breaker is removed from the registry.
func (b *Breaker) Close() {
	close(b.stopTick)
}

// Status returns the current state, for observation/get_metrics.
func (b *Breaker) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's rules. It fails fast with
// orcherr.CircuitOpen if the breaker is OPEN and the reset_timeout has
// not yet elapsed; otherwise it invokes fn and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return orcherr.New(orcherr.CircuitOpen, "circuit breaker open for "+b.name)
	}

	err := fn(ctx)
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// allow decides whether a call may proceed, transitioning OPEN->HALF_OPEN
// when the first post-reset_timeout probe is attempted.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Now().Before(b.nextAttempt) {
			return false
		}
		b.transition(HalfOpen)
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.failures = 0
		b.transition(Closed)
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		// Probe failed: back to OPEN with a fresh deadline (spec §4.1:
		// "treated by the same rule as any failure with threshold=1
		// while in half-open").
		b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
		b.transition(Open)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
			b.transition(Open)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Trip forces the breaker OPEN (manual operation, spec §4.1 "trip()").
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAttempt = time.Now().Add(b.cfg.ResetTimeout)
	b.transition(Open)
}

// Reset forces the breaker CLOSED (manual operation, spec §4.1 "reset()").
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transition(Closed)
}
