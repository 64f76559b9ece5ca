package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// runScheduler drives execCtx's steps to a terminal workflow state (spec
// §4.4). It loops: compute which PENDING steps are executable (every
// depends_on already COMPLETED or SKIPPED, per the "SKIPPED satisfies
// depends_on" resolution), evaluate each executable step's condition and
// skip it outright if false, then launch the remainder as goroutines
// bounded by the engine's global stepSem — the same acquire-before-spawn
// semaphore pattern as core/internal/agent/swarm.go's SwarmOrchestrator.
// The loop wakes on every step completion or on an external cancel/ctx
// signal via execCtx's wake channel.
//
// runningMu guards only the local running set below; execCtx.mu guards
// everything hanging off execCtx (State, Steps, ...), since runStep
// goroutines and this loop touch it concurrently (spec §5).
func (e *Engine) runScheduler(ctx context.Context, execCtx *Context) {
	def := execCtx.Definition
	var runningMu sync.Mutex
	running := make(map[string]bool)
	done := make(chan string, len(def.Steps))

	wake := e.wakeChan(execCtx.ExecutionID)

	for {
		execCtx.mu.Lock()
		cancelled := execCtx.State == WorkflowCancelled
		execCtx.mu.Unlock()

		runningMu.Lock()
		anyRunning := len(running) > 0
		runningMu.Unlock()

		if cancelled && !anyRunning {
			break
		}

		if !cancelled {
			executable, anyFailed, allTerminal := e.computeExecutable(execCtx, &runningMu, running)
			if anyFailed {
				// critical-step failure: stop launching new steps, let
				// in-flight drain rather than looping into a deadlock.
				if !anyRunning {
					execCtx.mu.Lock()
					execCtx.State = WorkflowFailed
					execCtx.mu.Unlock()
					break
				}
			} else if allTerminal && !anyRunning {
				execCtx.mu.Lock()
				execCtx.State = WorkflowCompleted
				execCtx.mu.Unlock()
				break
			} else if len(executable) == 0 && !anyRunning {
				execCtx.mu.Lock()
				if hasPendingLocked(execCtx) {
					execCtx.Err = orcherr.New(orcherr.Deadlock, "no executable steps remain but pending steps exist")
					execCtx.State = WorkflowFailed
				} else {
					execCtx.State = WorkflowCompleted
				}
				execCtx.mu.Unlock()
				break
			}

			for _, name := range executable {
				select {
				case e.stepSem <- struct{}{}:
				default:
					continue // global step budget exhausted this tick
				}
				runningMu.Lock()
				running[name] = true
				runningMu.Unlock()
				go func(stepName string) {
					defer func() { <-e.stepSem }()
					e.runStep(ctx, execCtx, stepName)
					runningMu.Lock()
					delete(running, stepName)
					runningMu.Unlock()
					done <- stepName
				}(name)
			}
		}

		select {
		case <-ctx.Done():
			execCtx.mu.Lock()
			if execCtx.State != WorkflowCancelled {
				execCtx.State = WorkflowCancelled
				execCtx.CancelReason = "context cancelled"
				if ctx.Err() == context.DeadlineExceeded {
					execCtx.CancelReason = "timeout"
				}
			}
			execCtx.mu.Unlock()
		case <-wake:
		case <-done:
		case <-time.After(50 * time.Millisecond):
			// bounded poll in case a step's completion signal races the
			// select registration; keeps the loop from ever blocking
			// forever on a missed wake.
		}
	}
}

func (e *Engine) wakeChan(id string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wake[id]
}

// hasPendingLocked reports whether any step is still PENDING. Callers
// must already hold execCtx.mu.
func hasPendingLocked(execCtx *Context) bool {
	for _, se := range execCtx.Steps {
		if se.State == StepPending {
			return true
		}
	}
	return false
}

// computeExecutable returns PENDING steps whose dependencies are all
// satisfied, skipping condition-false steps in place, sorted into
// topological order (definition.go's stepGraph). anyFailed reports a
// critical step that ended in any non-COMPLETED terminal state — FAILED
// outright, or SKIPPED because its condition evaluated false (spec §4.4
// step 5: the workflow is COMPLETED only if every critical step is
// COMPLETED). allTerminal reports every step reached a terminal state.
func (e *Engine) computeExecutable(execCtx *Context, mu *sync.Mutex, running map[string]bool) (executable []string, anyFailed, allTerminal bool) {
	def := execCtx.Definition
	allTerminal = true

	execCtx.mu.Lock()
	states := make(map[string]StepState, len(execCtx.Steps))
	for name, se := range execCtx.Steps {
		states[name] = se.State
	}
	execCtx.mu.Unlock()

	for _, step := range def.Steps {
		state := states[step.Name]
		if step.IsCritical() && state.Terminal() && state != StepCompleted {
			anyFailed = true
		}
		if !state.Terminal() {
			allTerminal = false
		}
	}
	if anyFailed {
		return nil, true, allTerminal
	}

	for i := range def.Steps {
		step := &def.Steps[i]

		mu.Lock()
		isRunning := running[step.Name]
		mu.Unlock()
		if states[step.Name] != StepPending || isRunning {
			continue
		}

		satisfied := true
		for _, dep := range step.DependsOn {
			depState := states[dep]
			if depState != StepCompleted && depState != StepSkipped {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}

		if step.Condition != "" {
			root := execCtx.snapshotRoot()
			interpolated := Interpolate(step.Condition, root)
			condStr, ok := interpolated.(string)
			if !ok {
				condStr = stringify(interpolated)
			}
			if !EvaluateCondition(condStr) {
				execCtx.mu.Lock()
				se := execCtx.Steps[step.Name]
				se.State = StepSkipped
				se.EndTime = time.Now()
				execCtx.mu.Unlock()
				if step.IsCritical() {
					// A critical step just went non-COMPLETED terminal;
					// report the failure now rather than waiting for the
					// next tick, since the caller's own "no executable
					// steps left and none pending" branch would otherwise
					// mark the workflow COMPLETED in this same tick.
					return nil, true, false
				}
				allTerminal = false // re-evaluate next tick now that a dependent may unblock
				continue
			}
		}
		executable = append(executable, step.Name)
	}

	sort.Slice(executable, func(i, j int) bool {
		return def.topoOrder[executable[i]] < def.topoOrder[executable[j]]
	})
	return executable, false, allTerminal
}

// runStep executes one step attempt-by-attempt up to step.Retries, then
// leaves it COMPLETED, FAILED (if critical), or SKIPPED (if non-critical).
func (e *Engine) runStep(ctx context.Context, execCtx *Context, name string) {
	step, _ := execCtx.Definition.Step(name)
	se := execCtx.Steps[name]

	execCtx.mu.Lock()
	se.State = StepRunning
	se.StartTime = time.Now()
	startTime := se.StartTime
	execCtx.mu.Unlock()
	e.notify(observer.Event{Kind: observer.StepStarted, Timestamp: startTime, ExecutionID: execCtx.ExecutionID, WorkflowName: execCtx.Definition.Name, StepName: name})

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}

	for {
		execCtx.mu.Lock()
		se.Attempt++
		attempt := se.Attempt
		execCtx.mu.Unlock()

		root := execCtx.snapshotRoot()
		params, _ := Interpolate(step.Params, root).(map[string]interface{})

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := e.invoker.CallTool(attemptCtx, step.MCP, step.Action, params)
		cancel()

		if err == nil {
			now := time.Now()
			execCtx.mu.Lock()
			se.State = StepCompleted
			se.Result = result
			se.EndTime = now
			se.completedAt = now
			execCtx.mu.Unlock()
			e.notify(observer.Event{Kind: observer.StepCompleted, Timestamp: now, ExecutionID: execCtx.ExecutionID, WorkflowName: execCtx.Definition.Name, StepName: name, Attempt: attempt})
			return
		}

		execCtx.mu.Lock()
		se.Err = err
		execCtx.mu.Unlock()

		if attempt <= step.Retries {
			e.notify(observer.Event{Kind: observer.StepRetrying, Timestamp: time.Now(), ExecutionID: execCtx.ExecutionID, WorkflowName: execCtx.Definition.Name, StepName: name, Attempt: attempt, Err: err})
			continue
		}

		now := time.Now()
		execCtx.mu.Lock()
		se.EndTime = now
		if step.IsCritical() {
			se.State = StepFailed
		} else {
			se.State = StepSkipped
		}
		execCtx.mu.Unlock()
		e.notify(observer.Event{Kind: observer.StepFailed, Timestamp: now, ExecutionID: execCtx.ExecutionID, WorkflowName: execCtx.Definition.Name, StepName: name, Attempt: attempt, Err: err})
		return
	}
}
