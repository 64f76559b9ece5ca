package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// Invoker is the workflow engine's only dependency on the rest of the
// system: it calls a named tool on a named downstream service and gets
// back a result tree or an error. The concrete implementation (resolving
// "mcp" to a registry descriptor and a resilient client) lives one layer
// up, in internal/orchestrator's Manager — the engine never imports
// client/registry directly, matching the observer package's
// interface-not-concrete-type philosophy.
type Invoker interface {
	CallTool(ctx context.Context, service, tool string, params map[string]interface{}) (map[string]interface{}, error)
}

// Config carries the engine's admission and scheduling budgets (spec §5).
type Config struct {
	MaxConcurrentWorkflows int
	MaxConcurrentSteps     int
	HistoryRetention       time.Duration
	DefaultStepTimeout     time.Duration
}

// Metrics mirrors the "get_metrics" operation of spec.md §6 (shape
// defined in SPEC_FULL §10).
type Metrics struct {
	Active      int
	Completed   int
	Failed      int
	Compensated int
	Cancelled   int
}

// Engine owns workflow definitions, active executions, and bounded
// history. The global step-concurrency budget is a single channel
// semaphore shared across every execution, grounded on
// core/internal/agent/swarm.go's `sem := make(chan struct{}, n)` pattern
// (acquire before spawning a step goroutine, release via defer).
type Engine struct {
	cfg        Config
	invoker    Invoker
	dispatcher *observer.Dispatcher
	log        *zap.Logger

	mu          sync.Mutex
	definitions map[string]*Definition
	active      map[string]*Context
	history     map[string]*Context
	wake        map[string]chan struct{}
	metrics     Metrics

	stepSem chan struct{}
	stop    chan struct{}
}

// New constructs an Engine. invoker is how steps and compensations reach
// downstream services.
func New(cfg Config, invoker Invoker, dispatcher *observer.Dispatcher, log *zap.Logger) *Engine {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 50
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = 20
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 24 * time.Hour
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	e := &Engine{
		cfg:         cfg,
		invoker:     invoker,
		dispatcher:  dispatcher,
		log:         log,
		definitions: make(map[string]*Definition),
		active:      make(map[string]*Context),
		history:     make(map[string]*Context),
		wake:        make(map[string]chan struct{}),
		stepSem:     make(chan struct{}, cfg.MaxConcurrentSteps),
		stop:        make(chan struct{}),
	}
	go e.historySweepLoop()
	return e
}

// Close stops the history eviction sweep.
func (e *Engine) Close() {
	close(e.stop)
}

// RegisterWorkflow validates and stores a definition (spec §6
// register_workflow).
func (e *Engine) RegisterWorkflow(def *Definition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.Name] = def
	return nil
}

// ListWorkflows returns every registered definition.
func (e *Engine) ListWorkflows() []*Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Definition, 0, len(e.definitions))
	for _, d := range e.definitions {
		out = append(out, d)
	}
	return out
}

// ListActiveExecutions returns a snapshot of every in-flight context.
func (e *Engine) ListActiveExecutions() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Context, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, c)
	}
	return out
}

// GetWorkflowStatus finds an execution by id, active or historical.
func (e *Engine) GetWorkflowStatus(id string) (*Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.active[id]; ok {
		return c, true
	}
	c, ok := e.history[id]
	return c, ok
}

// GetMetrics returns the engine's lifetime counters plus current active
// count (SPEC_FULL §10).
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.metrics
	m.Active = len(e.active)
	return m
}

// ExecuteWorkflow runs name to completion (or failure/cancellation),
// blocking until a terminal state is reached (spec §6 execute_workflow).
// ctx bounds the execution: if it is cancelled, or the definition's
// timeout expires, the scheduler stops launching steps and marks the
// execution CANCELLED (reason "context cancelled" or "timeout"), and
// compensation then runs as it does after CancelWorkflow.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name string, input map[string]interface{}, metadata map[string]interface{}) (*Context, error) {
	e.mu.Lock()
	if len(e.active) >= e.cfg.MaxConcurrentWorkflows {
		e.mu.Unlock()
		return nil, orcherr.New(orcherr.Overloaded, "max_concurrent_workflows reached")
	}
	def, ok := e.definitions[name]
	if !ok {
		e.mu.Unlock()
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("workflow %q is not registered", name))
	}

	id := uuid.NewString()
	execCtx := newContext(id, def, input, metadata)
	execCtx.State = WorkflowRunning
	execCtx.StartTime = time.Now()
	e.active[id] = execCtx
	e.wake[id] = make(chan struct{}, 1)
	e.mu.Unlock()

	e.notify(observer.Event{Kind: observer.WorkflowStarted, Timestamp: execCtx.StartTime, ExecutionID: id, WorkflowName: name})

	runCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	e.runScheduler(runCtx, execCtx)
	if runCtx.Err() != nil && !execCtx.State.Terminal() {
		e.CancelWorkflow(id, "timeout")
	}
	e.runCompensationIfNeeded(context.Background(), execCtx)
	e.finish(execCtx)
	return execCtx, nil
}

// CancelWorkflow marks execution id cancelled (spec §4.6). The scheduler
// stops launching new steps; in-flight steps drain naturally.
func (e *Engine) CancelWorkflow(id, reason string) error {
	e.mu.Lock()
	execCtx, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("no active execution %q", id))
	}
	wake := e.wake[id]
	e.mu.Unlock()

	execCtx.mu.Lock()
	if execCtx.State.Terminal() {
		execCtx.mu.Unlock()
		return orcherr.New(orcherr.Validation, fmt.Sprintf("execution %q already terminal", id))
	}
	execCtx.State = WorkflowCancelled
	execCtx.CancelReason = reason
	execCtx.mu.Unlock()

	e.notify(observer.Event{Kind: observer.WorkflowCancelled, Timestamp: time.Now(), ExecutionID: id, WorkflowName: execCtx.Definition.Name})
	nonBlockingSend(wake)
	return nil
}

func (e *Engine) notify(ev observer.Event) {
	if e.dispatcher != nil {
		e.dispatcher.Notify(ev)
	}
}

func nonBlockingSend(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// finish moves execCtx from active to history, updating lifetime counters.
func (e *Engine) finish(execCtx *Context) {
	execCtx.EndTime = time.Now()

	e.mu.Lock()
	delete(e.active, execCtx.ExecutionID)
	delete(e.wake, execCtx.ExecutionID)
	e.history[execCtx.ExecutionID] = execCtx
	switch execCtx.State {
	case WorkflowCompleted:
		e.metrics.Completed++
	case WorkflowFailed:
		e.metrics.Failed++
	case WorkflowCancelled:
		e.metrics.Cancelled++
	case WorkflowCompensated:
		e.metrics.Compensated++
	}
	e.mu.Unlock()

	kind := observer.WorkflowCompleted
	if execCtx.State != WorkflowCompleted {
		kind = observer.WorkflowFailed
	}
	e.notify(observer.Event{Kind: kind, Timestamp: execCtx.EndTime, ExecutionID: execCtx.ExecutionID, WorkflowName: execCtx.Definition.Name})
}

func (e *Engine) historySweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweepHistory()
		}
	}
}

func (e *Engine) sweepHistory() {
	cutoff := time.Now().Add(-e.cfg.HistoryRetention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.history {
		if c.EndTime.Before(cutoff) {
			delete(e.history, id)
		}
	}
}
