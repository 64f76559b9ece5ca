package workflow

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
)

// runCompensationIfNeeded implements saga compensation (spec §4.5):
// triggered when execCtx ended FAILED or CANCELLED with at least one
// COMPLETED step carrying a compensation block. Compensation is
// best-effort — a failed undo is recorded but never aborts the sweep.
func (e *Engine) runCompensationIfNeeded(ctx context.Context, execCtx *Context) {
	execCtx.mu.Lock()
	needsCompensation := execCtx.State == WorkflowFailed || execCtx.State == WorkflowCancelled
	execCtx.mu.Unlock()
	if !needsCompensation {
		return
	}

	def := execCtx.Definition
	execCtx.mu.Lock()
	var candidates []*StepExecution
	for i := range def.Steps {
		step := &def.Steps[i]
		se := execCtx.Steps[step.Name]
		if se.State == StepCompleted && step.Compensation != nil {
			candidates = append(candidates, se)
		}
	}
	execCtx.mu.Unlock()
	if len(candidates) == 0 {
		return
	}

	execCtx.mu.Lock()
	execCtx.State = WorkflowCompensating
	execCtx.mu.Unlock()

	execCtx.mu.Lock()
	switch def.CompensationStrategy {
	case InOrder:
		// definition order already matches candidates' discovery order
	default: // ReverseOrder
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].completedAt.After(candidates[j].completedAt)
		})
	}
	execCtx.mu.Unlock()

	anyCompensated := false
	for _, se := range candidates {
		step, _ := def.Step(se.Name)
		comp := step.Compensation

		execCtx.mu.Lock()
		se.State = StepCompensating
		execCtx.mu.Unlock()

		mcp := comp.MCP
		if mcp == "" {
			mcp = step.MCP
		}

		root := execCtx.compensationRoot(se)
		params, _ := Interpolate(comp.Params, root).(map[string]interface{})
		action := comp.Action
		if interpolatedAction, ok := Interpolate(comp.Action, root).(string); ok {
			action = interpolatedAction
		}

		_, err := e.invoker.CallTool(ctx, mcp, action, params)
		if err != nil {
			execCtx.mu.Lock()
			se.Err = err
			execCtx.mu.Unlock()
			if e.log != nil {
				e.log.Warn("compensation failed, continuing best-effort",
					zap.String("execution_id", execCtx.ExecutionID),
					zap.String("step", se.Name),
					zap.Error(err))
			}
			continue
		}

		now := time.Now()
		execCtx.mu.Lock()
		se.State = StepCompensated
		se.completedAt = now
		execCtx.mu.Unlock()
		anyCompensated = true
		e.notify(observer.Event{Kind: observer.StepCompensated, Timestamp: now, ExecutionID: execCtx.ExecutionID, WorkflowName: def.Name, StepName: se.Name})
	}

	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()
	if anyCompensated {
		execCtx.State = WorkflowCompensated
	} else if execCtx.CancelReason != "" {
		execCtx.State = WorkflowCancelled
	} else {
		execCtx.State = WorkflowFailed
	}
}
