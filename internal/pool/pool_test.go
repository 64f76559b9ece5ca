package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

type fakeConn struct {
	id        int
	destroyed bool
}

func (f *fakeConn) Destroy() error {
	f.destroyed = true
	return nil
}

func newCountingFactory() (Factory, *int32) {
	var n int32
	f := func(ctx context.Context) (Conn, error) {
		id := atomic.AddInt32(&n, 1)
		return &fakeConn{id: int(id)}, nil
	}
	return f, &n
}

func TestPool_AcquireReleaseRoundTrip(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 2, AcquireTimeout: time.Second, IdleTimeout: time.Minute}, factory)
	defer p.Shutdown()

	before := p.Size()
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)

	if after := p.Size(); after != before+1 {
		t.Fatalf("expected size %d after acquire+release, got %d", before+1, after)
	}
}

func TestPool_NeverExceedsMaxSize(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 2, AcquireTimeout: 50 * time.Millisecond, IdleTimeout: time.Minute}, factory)
	defer p.Shutdown()

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if p.Size() != 2 {
		t.Fatalf("expected size 2, got %d", p.Size())
	}

	// Third acquire should time out: pool is saturated.
	_, err = p.Acquire(context.Background())
	if orcherr.KindOf(err) != orcherr.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}

	p.Release(c1)
	p.Release(c2)
}

func TestPool_WaiterServedFIFOOnRelease(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second, IdleTimeout: time.Minute}, factory)
	defer p.Shutdown()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		resultCh <- c
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter enqueue
	p.Release(held)

	select {
	case c := <-resultCh:
		if c == nil {
			t.Fatal("expected a connection handed to the waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never served")
	}
}

func TestPool_ShutdownRejectsWaiters(t *testing.T) {
	factory, _ := newCountingFactory()
	p := New(Config{MaxSize: 1, AcquireTimeout: 2 * time.Second, IdleTimeout: time.Minute}, factory)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = held

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error for a waiter rejected by shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was never unblocked by shutdown")
	}
}

func TestPool_DiscardDropsDeadConnection(t *testing.T) {
	factory, n := newCountingFactory()
	p := New(Config{MaxSize: 2, AcquireTimeout: time.Second, IdleTimeout: time.Minute}, factory)
	defer p.Shutdown()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Discard(c)

	if p.Size() != 0 {
		t.Fatalf("expected size 0 after discard with no waiters, got %d", p.Size())
	}

	// Next acquire should construct a fresh connection.
	_, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(n) != 2 {
		t.Fatalf("expected factory called twice, got %d", *n)
	}
}
