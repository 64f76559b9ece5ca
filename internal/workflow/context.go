package workflow

import (
	"sync"
	"time"
)

// StepState is the per-step-per-execution lifecycle state (spec §3).
type StepState string

const (
	StepPending      StepState = "PENDING"
	StepRunning      StepState = "RUNNING"
	StepCompleted    StepState = "COMPLETED"
	StepFailed       StepState = "FAILED"
	StepSkipped      StepState = "SKIPPED"
	StepCompensating StepState = "COMPENSATING"
	StepCompensated  StepState = "COMPENSATED"
)

func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCompensated:
		return true
	default:
		return false
	}
}

// StepExecution is the mutable record of one step's progress within an
// execution.
type StepExecution struct {
	Name      string
	State     StepState
	Result    interface{}
	Err       error
	StartTime time.Time
	EndTime   time.Time
	Attempt   int

	completedAt time.Time // used only to order reverse_order compensation
}

// ExecutionState is the workflow-level lifecycle state (spec §3).
type ExecutionState string

const (
	WorkflowPending      ExecutionState = "PENDING"
	WorkflowRunning      ExecutionState = "RUNNING"
	WorkflowCompleted    ExecutionState = "COMPLETED"
	WorkflowFailed       ExecutionState = "FAILED"
	WorkflowCancelled    ExecutionState = "CANCELLED"
	WorkflowCompensating ExecutionState = "COMPENSATING"
	WorkflowCompensated  ExecutionState = "COMPENSATED"
)

func (s ExecutionState) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowCompensated:
		return true
	default:
		return false
	}
}

// Context is one execution of a Definition (spec §3 "Workflow Execution
// Context"). The engine owns it exclusively until it reaches a terminal
// state, after which it moves read-only into history.
type Context struct {
	ExecutionID string
	Definition  *Definition
	Input       map[string]interface{}

	// mu guards every field below that a running execution mutates
	// concurrently: the engine's scheduler goroutine and each step's
	// runStep goroutine all read and write through it (spec §5, "each
	// execution context's state is mutated from many caller goroutines
	// ... internal mutual exclusion required").
	mu sync.Mutex

	Steps map[string]*StepExecution

	State     ExecutionState
	Result    interface{}
	Err       error
	StartTime time.Time
	EndTime   time.Time

	Variables map[string]interface{}
	Metadata  map[string]interface{}

	CancelReason string
}

// newContext builds a fresh Context with every step PENDING.
func newContext(id string, def *Definition, input map[string]interface{}, metadata map[string]interface{}) *Context {
	steps := make(map[string]*StepExecution, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.Name] = &StepExecution{Name: s.Name, State: StepPending}
	}
	return &Context{
		ExecutionID: id,
		Definition:  def,
		Input:       input,
		Steps:       steps,
		State:       WorkflowPending,
		Variables:   make(map[string]interface{}),
		Metadata:    metadata,
	}
}

// snapshotRoot builds the interpolation root object for the current
// moment: input, workflowId, variables, and steps.<name>.state and
// steps.<name>.result for every step. result is nil for a step that has
// not produced one (PENDING, RUNNING, FAILED or SKIPPED), so a reference
// to it resolves to nil rather than being left in place.
func (c *Context) snapshotRoot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotRootLocked()
}

// snapshotRootLocked is snapshotRoot for callers that already hold c.mu.
func (c *Context) snapshotRootLocked() map[string]interface{} {
	stepsTree := make(map[string]interface{}, len(c.Steps))
	for name, se := range c.Steps {
		entry := map[string]interface{}{"state": string(se.State)}
		if se.Result != nil {
			entry["result"] = se.Result
		} else {
			entry["result"] = nil
		}
		stepsTree[name] = entry
	}
	return map[string]interface{}{
		"input":      c.Input,
		"workflowId": c.ExecutionID,
		"variables":  c.Variables,
		"steps":      stepsTree,
	}
}

// compensationRoot extends snapshotRoot with the compensation subtree
// (spec §4.5).
func (c *Context) compensationRoot(se *StepExecution) map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	root := c.snapshotRootLocked()
	var errStr interface{}
	if se.Err != nil {
		errStr = se.Err.Error()
	}
	root["compensation"] = map[string]interface{}{
		"original_result": se.Result,
		"original_error":  errStr,
	}
	return root
}
