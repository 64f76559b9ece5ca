// Package observer defines the event taxonomy of spec.md §6 and a
// synchronous ordered fan-out dispatcher, grounded on the teacher's
// callback-based hub notifications (core/internal/mcp/manager.go) but
// generalized into a typed interface instead of ad-hoc fmt.Printf calls.
package observer

import (
	"sync"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/breaker"
)

// Event is the common envelope for every notification the orchestrator
// emits. Only the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	// Descriptor events (added/removed/updated/discovered/unhealthy)
	ServiceName string

	// circuit_breaker_state_change
	BreakerFrom breaker.State
	BreakerTo   breaker.State

	// workflow_started / workflow_completed / workflow_failed / workflow_cancelled
	ExecutionID  string
	WorkflowName string

	// step_started / step_completed / step_failed / step_retrying / step_compensated
	StepName string
	Attempt  int
	Err      error

	// registry_loaded
	ServiceCount int
}

// EventKind enumerates every notification spec.md §6 names.
type EventKind string

const (
	ServiceAdded             EventKind = "service_added"
	ServiceRemoved           EventKind = "service_removed"
	ServiceUpdated           EventKind = "service_updated"
	ServiceDiscovered        EventKind = "mcp_discovered"
	ServiceUnhealthy         EventKind = "mcp_unhealthy"
	RegistryLoaded           EventKind = "registry_loaded"
	CircuitBreakerChange     EventKind = "circuit_breaker_state_change"
	WorkflowStarted          EventKind = "workflow_started"
	WorkflowCompleted        EventKind = "workflow_completed"
	WorkflowFailed           EventKind = "workflow_failed"
	WorkflowCancelled        EventKind = "workflow_cancelled"
	StepStarted              EventKind = "step_started"
	StepCompleted            EventKind = "step_completed"
	StepFailed               EventKind = "step_failed"
	StepRetrying             EventKind = "step_retrying"
	StepCompensated          EventKind = "step_compensated"
)

// Observer receives orchestrator events. Implementations must not block
// Notify for long: the dispatcher calls every observer synchronously and
// in registration order.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Dispatcher fans events out to every registered observer, in registration
// order, synchronously, so every observer sees events in the order the
// corresponding transitions occurred.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Register(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *Dispatcher) Notify(e Event) {
	d.mu.RLock()
	observers := make([]Observer, len(d.observers))
	copy(observers, d.observers)
	d.mu.RUnlock()

	for _, o := range observers {
		o.Notify(e)
	}
}
