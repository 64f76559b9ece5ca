// Package pool implements the bounded connection pool of spec.md §4.2:
// min/max sizing, FIFO waiters with an acquire timeout, idle sweeping,
// and a shutdown path that tears down every connection and rejects
// outstanding waiters. No teacher file pools connections directly (the
// MCP hub holds exactly one connection per server); this is built from
// spec.md directly, in the mutex+map idiom of
// core/internal/mcp/hub.go's connection bookkeeping.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// Conn is anything the pool can hand out and eventually tear down.
type Conn interface {
	Destroy() error
}

// Factory constructs a new connection on demand.
type Factory func(ctx context.Context) (Conn, error)

// Config controls pool sizing and timeouts.
type Config struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

type idleConn struct {
	conn     Conn
	lastUsed time.Time
}

type waiter struct {
	ch chan Conn
}

// Pool is a bounded pool of Conn for one downstream service endpoint.
type Pool struct {
	cfg     Config
	factory Factory

	mu       sync.Mutex
	idle     []idleConn
	inUse    int
	waiters  []*waiter
	closed   bool
	sweepStop chan struct{}
}

// New creates a Pool and starts its idle-sweep goroutine.
func New(cfg Config, factory Factory) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		sweepStop: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

func (p *Pool) sweepLoop() {
	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	now := time.Now()
	kept := p.idle[:0]
	var stale []Conn
	for _, ic := range p.idle {
		if now.Sub(ic.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, ic.conn)
		} else {
			kept = append(kept, ic)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.Destroy()
	}
}

// Acquire returns an idle connection if one is available, constructs a
// fresh one if the pool has headroom, or enqueues a FIFO waiter bounded
// by acquire_timeout.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, orcherr.New(orcherr.PoolShutdown, "pool is shut down")
	}

	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return ic.conn, nil
	}

	if p.inUse < p.cfg.MaxSize {
		p.inUse++
		p.mu.Unlock()
		conn, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
			return nil, err
		}
		return conn, nil
	}

	w := &waiter{ch: make(chan Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		if conn == nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil, orcherr.New(orcherr.PoolShutdown, "pool shut down while waiting for a connection")
			}
			return nil, orcherr.New(orcherr.NetworkUnavailable, "waiter's replacement connection failed to construct")
		}
		return conn, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, orcherr.New(orcherr.Timeout, "acquire timed out waiting for a connection")
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Release returns conn to the pool: handed directly to the oldest waiter
// if any are queued, else marked idle.
func (p *Pool) Release(conn Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Destroy()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- conn
		return
	}

	p.inUse--
	p.idle = append(p.idle, idleConn{conn: conn, lastUsed: time.Now()})
	p.mu.Unlock()
}

// Discard returns a broken connection to the pool's accounting without
// making it available for reuse (e.g. ConnectionClosed). A fresh
// connection is constructed lazily on the next Acquire.
func (p *Pool) Discard(conn Conn) {
	_ = conn.Destroy()

	p.mu.Lock()
	var w *waiter
	if len(p.waiters) > 0 {
		w = p.waiters[0]
		p.waiters = p.waiters[1:]
	} else {
		p.inUse--
	}
	p.mu.Unlock()

	if w == nil {
		return
	}
	// A waiter is queued: satisfy it with a newly constructed conn so it
	// doesn't time out waiting on a slot freed by a dead connection.
	fresh, err := p.factory(context.Background())
	if err != nil {
		// The waiter was popped on the assumption it would inherit the
		// discarded connection's slot; since no replacement panned out,
		// that slot must be freed back rather than leaked.
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		// Surface failure by closing the waiter's channel; the waiter
		// observes a closed channel (nil conn) and must re-acquire.
		close(w.ch)
		return
	}
	w.ch <- fresh
}

// Size reports current idle+in-use connection count (for invariant tests).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse + len(p.idle)
}

// Shutdown tears down every idle connection and rejects all queued
// waiters with PoolShutdown. Connections in use at that moment are
// destroyed when they come back through Release or Discard.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.sweepStop)

	for _, ic := range idle {
		_ = ic.conn.Destroy()
	}
	for _, w := range waiters {
		close(w.ch)
	}
}
