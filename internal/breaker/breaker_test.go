package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("svc", Config{FailureThreshold: 3, ResetTimeout: 100 * time.Millisecond, MonitoringPeriod: time.Hour}, nil)
	defer b.Close()

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}

	if b.Status() != Open {
		t.Fatalf("expected breaker OPEN after 3 failures, got %s", b.Status())
	}

	// 4th call should fail fast without invoking fn.
	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("transport should not be invoked while breaker is OPEN")
	}
	if orcherr.KindOf(err) != orcherr.CircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
}

func TestBreaker_HalfOpenProbeSucceeds(t *testing.T) {
	b := New("svc", Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, MonitoringPeriod: time.Hour}, nil)
	defer b.Close()

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if b.Status() != Open {
		t.Fatalf("expected OPEN, got %s", b.Status())
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should have been allowed through: %v", err)
	}
	if b.Status() != Closed {
		t.Fatalf("expected CLOSED after successful probe, got %s", b.Status())
	}
}

func TestBreaker_HalfOpenProbeFails(t *testing.T) {
	b := New("svc", Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, MonitoringPeriod: time.Hour}, nil)
	defer b.Close()

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	if err == nil {
		t.Fatal("expected probe failure to propagate")
	}
	if b.Status() != Open {
		t.Fatalf("expected OPEN again after failed probe, got %s", b.Status())
	}
}

func TestBreaker_StateChangeEvents(t *testing.T) {
	var events []State
	b := New("svc", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, MonitoringPeriod: time.Hour}, func(name string, from, to State) {
		events = append(events, to)
	})
	defer b.Close()

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })

	want := []State{Open, HalfOpen, Closed}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i, s := range want {
		if events[i] != s {
			t.Fatalf("event %d: expected %s, got %s", i, s, events[i])
		}
	}
}

func TestBreaker_ManualTripAndReset(t *testing.T) {
	b := New("svc", Config{FailureThreshold: 100, ResetTimeout: time.Hour, MonitoringPeriod: time.Hour}, nil)
	defer b.Close()

	b.Trip()
	if b.Status() != Open {
		t.Fatalf("expected OPEN after Trip, got %s", b.Status())
	}

	b.Reset()
	if b.Status() != Closed {
		t.Fatalf("expected CLOSED after Reset, got %s", b.Status())
	}
}
