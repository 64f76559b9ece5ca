package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// fakeInvoker records every CallTool invocation and answers according to
// a per-(service,action) script, mirroring fakeConn's role in
// internal/client/client_test.go.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	// script maps "service.action" to a function producing successive
	// results; nil entries default to a single-attempt success echoing
	// params back as the result.
	script map[string]func(attempt int32) (map[string]interface{}, error)
	counts map[string]*int32
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{script: make(map[string]func(int32) (map[string]interface{}, error)), counts: make(map[string]*int32)}
}

func (f *fakeInvoker) CallTool(_ context.Context, service, action string, params map[string]interface{}) (map[string]interface{}, error) {
	key := service + "." + action
	f.mu.Lock()
	f.calls = append(f.calls, key)
	if f.counts[key] == nil {
		var z int32
		f.counts[key] = &z
	}
	counter := f.counts[key]
	f.mu.Unlock()

	attempt := atomic.AddInt32(counter, 1)
	if fn, ok := f.script[key]; ok {
		return fn(attempt)
	}
	return params, nil
}

func (f *fakeInvoker) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[key] == nil {
		return 0
	}
	return int(*f.counts[key])
}

func newTestEngine(inv *fakeInvoker) *Engine {
	return New(Config{MaxConcurrentWorkflows: 10, MaxConcurrentSteps: 10, DefaultStepTimeout: 2 * time.Second}, inv, observer.NewDispatcher(), zap.NewNop())
}

func TestScheduler_LinearSuccess(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "linear", Steps: []Step{
		{Name: "A", MCP: "svc", Action: "a"},
		{Name: "B", MCP: "svc", Action: "b", DependsOn: []string{"A"}},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "linear", map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execCtx.State != WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s (err=%v)", execCtx.State, execCtx.Err)
	}
	if execCtx.Steps["A"].State != StepCompleted || execCtx.Steps["B"].State != StepCompleted {
		t.Fatalf("expected both steps COMPLETED, got A=%s B=%s", execCtx.Steps["A"].State, execCtx.Steps["B"].State)
	}
}

func TestScheduler_ParallelFanOut(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "fanout", Steps: []Step{
		{Name: "P1", MCP: "svc", Action: "p1"},
		{Name: "P2", MCP: "svc", Action: "p2"},
		{Name: "P3", MCP: "svc", Action: "p3"},
		{Name: "Q", MCP: "svc", Action: "q", DependsOn: []string{"P1", "P2", "P3"}},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "fanout", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execCtx.State != WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s", execCtx.State)
	}
	for _, name := range []string{"P1", "P2", "P3", "Q"} {
		if execCtx.Steps[name].State != StepCompleted {
			t.Fatalf("step %s not COMPLETED: %s", name, execCtx.Steps[name].State)
		}
	}
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	inv := newFakeInvoker()
	inv.script["svc.flaky"] = func(attempt int32) (map[string]interface{}, error) {
		if attempt < 3 {
			return nil, orcherr.New(orcherr.NetworkUnavailable, "not yet")
		}
		return map[string]interface{}{"v": float64(7)}, nil
	}
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "retry", Steps: []Step{
		{Name: "R", MCP: "svc", Action: "flaky", Retries: 2},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "retry", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execCtx.State != WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s", execCtx.State)
	}
	if got := inv.callCount("svc.flaky"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestScheduler_CriticalFailureFailsWorkflow(t *testing.T) {
	inv := newFakeInvoker()
	inv.script["svc.boom"] = func(int32) (map[string]interface{}, error) {
		return nil, orcherr.New(orcherr.Remote, "boom")
	}
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "crit", Steps: []Step{
		{Name: "X", MCP: "svc", Action: "boom"},
		{Name: "Y", MCP: "svc", Action: "y", DependsOn: []string{"X"}},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "crit", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execCtx.State != WorkflowFailed {
		t.Fatalf("expected FAILED, got %s", execCtx.State)
	}
	if execCtx.Steps["Y"].State != StepPending {
		t.Fatalf("expected Y to never start, got %s", execCtx.Steps["Y"].State)
	}
}

func TestScheduler_NonCriticalFailureSkipsAndSatisfiesDependents(t *testing.T) {
	inv := newFakeInvoker()
	inv.script["svc.maybe"] = func(int32) (map[string]interface{}, error) {
		return nil, orcherr.New(orcherr.Remote, "nope")
	}
	e := newTestEngine(inv)
	defer e.Close()

	nonCritical := false
	def := &Definition{Name: "soft", Steps: []Step{
		{Name: "M", MCP: "svc", Action: "maybe", Critical: &nonCritical},
		{Name: "N", MCP: "svc", Action: "n", DependsOn: []string{"M"}},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "soft", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execCtx.Steps["M"].State != StepSkipped {
		t.Fatalf("expected M SKIPPED, got %s", execCtx.Steps["M"].State)
	}
	if execCtx.Steps["N"].State != StepCompleted {
		t.Fatalf("expected N to run despite M being skipped, got %s", execCtx.Steps["N"].State)
	}
	if execCtx.State != WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s", execCtx.State)
	}
}

func TestScheduler_ConditionFalseSkipsStep(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "cond", Steps: []Step{
		{Name: "A", MCP: "svc", Action: "a", Params: map[string]interface{}{"go": "${input.go}"}},
		{Name: "B", MCP: "svc", Action: "b", DependsOn: []string{"A"}, Condition: `${steps.A.result.go} == "yes"`},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "cond", map[string]interface{}{"go": "no"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	_ = execCtx
	if inv.callCount("svc.a") != 1 {
		t.Fatalf("expected A to run once, got %d", inv.callCount("svc.a"))
	}
	if inv.callCount("svc.b") != 0 {
		t.Fatalf("expected B to be skipped, got %d calls", inv.callCount("svc.b"))
	}
}

func TestScheduler_SagaCompensationReverseOrder(t *testing.T) {
	inv := newFakeInvoker()
	inv.script["svc.send_welcome"] = func(int32) (map[string]interface{}, error) {
		return nil, orcherr.New(orcherr.Remote, "mail down")
	}
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "saga", Steps: []Step{
		{Name: "create_user", MCP: "svc", Action: "create_user",
			Compensation: &Compensation{Action: "delete_user", Params: map[string]interface{}{"id": "${steps.create_user.result.id}"}}},
		{Name: "send_welcome", MCP: "svc", Action: "send_welcome", DependsOn: []string{"create_user"}},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	execCtx, err := e.ExecuteWorkflow(context.Background(), "saga", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execCtx.State != WorkflowCompensated {
		t.Fatalf("expected COMPENSATED, got %s", execCtx.State)
	}
	if execCtx.Steps["create_user"].State != StepCompensated {
		t.Fatalf("expected create_user COMPENSATED, got %s", execCtx.Steps["create_user"].State)
	}
	if inv.callCount("svc.delete_user") != 1 {
		t.Fatalf("expected delete_user invoked once, got %d", inv.callCount("svc.delete_user"))
	}
}

func TestScheduler_Deadlock(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(inv)
	defer e.Close()

	// A real workflow that Validate accepts rarely reaches a deadlock (a
	// step depending on a critical step that fails is covered by
	// TestScheduler_CriticalFailureFailsWorkflow), so this fabricates one:
	// A is RUNNING outside the scheduler's own bookkeeping and B, PENDING,
	// depends on it. Nothing is executable and nothing is tracked as
	// running while B is still pending — the "no executable, no running,
	// some pending" case the scheduler reports as Deadlock.
	def := &Definition{Name: "stuck", Steps: []Step{
		{Name: "A", MCP: "svc", Action: "a"},
		{Name: "B", MCP: "svc", Action: "b", DependsOn: []string{"A"}},
	}}
	def.Normalize()
	execCtx := newContext("exec-1", def, nil, nil)
	execCtx.Steps["A"].State = StepRunning // simulate a step stuck outside scheduler bookkeeping

	var mu sync.Mutex
	running := map[string]bool{}
	executable, anyFailed, allTerminal := e.computeExecutable(execCtx, &mu, running)
	if anyFailed {
		t.Fatalf("did not expect anyFailed")
	}
	if allTerminal {
		t.Fatalf("did not expect allTerminal while A is RUNNING")
	}
	if len(executable) != 0 {
		t.Fatalf("expected no executable steps while A is RUNNING, got %v", executable)
	}

	e.runScheduler(context.Background(), execCtx)
	if execCtx.State != WorkflowFailed {
		t.Fatalf("expected FAILED on deadlock, got %s", execCtx.State)
	}
	if orcherr.KindOf(execCtx.Err) != orcherr.Deadlock {
		t.Fatalf("expected Deadlock error, got %v", execCtx.Err)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	inv := newFakeInvoker()
	release := make(chan struct{})
	inv.script["svc.slow"] = func(int32) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}
	e := newTestEngine(inv)
	defer e.Close()

	def := &Definition{Name: "cancel", Steps: []Step{
		{Name: "S", MCP: "svc", Action: "slow"},
	}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	done := make(chan *Context, 1)
	go func() {
		execCtx, _ := e.ExecuteWorkflow(context.Background(), "cancel", nil, nil)
		done <- execCtx
	}()

	var id string
	for {
		active := e.ListActiveExecutions()
		if len(active) > 0 {
			id = active[0].ExecutionID
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := e.CancelWorkflow(id, "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	select {
	case execCtx := <-done:
		if execCtx.State != WorkflowCancelled {
			t.Fatalf("expected CANCELLED, got %s", execCtx.State)
		}
		if execCtx.CancelReason != "user requested" {
			t.Fatalf("expected cancel reason to stick, got %q", execCtx.CancelReason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancellation")
	}
}

func TestDefinition_ValidateDetectsCycle(t *testing.T) {
	def := &Definition{Name: "cyclic", Steps: []Step{
		{Name: "A", MCP: "svc", Action: "a", DependsOn: []string{"B"}},
		{Name: "B", MCP: "svc", Action: "b", DependsOn: []string{"A"}},
	}}
	def.Normalize()
	if err := def.Validate(); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestInterpolate_WholeValueReferencePreservesType(t *testing.T) {
	root := map[string]interface{}{"steps": map[string]interface{}{"A": map[string]interface{}{"result": map[string]interface{}{"id": "u1"}}}}
	got := Interpolate("${steps.A.result}", root)
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map, got %T", got)
	}
	if m["id"] != "u1" {
		t.Fatalf("expected id u1, got %v", m["id"])
	}
}

func TestEvaluateCondition_Operators(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{`"a" == "a"`, true},
		{`"a" == "b"`, false},
		{`1 < 2 AND 2 < 3`, true},
		{`1 < 2 AND 2 > 3`, false},
		{`NOT false`, true},
		{`(1 == 1) OR (1 == 2)`, true},
		{``, true},
		{`this is not valid (((`, false},
	}
	for _, c := range cases {
		if got := EvaluateCondition(c.expr); got != c.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEngine_OverloadedAdmission(t *testing.T) {
	inv := newFakeInvoker()
	release := make(chan struct{})
	inv.script["svc.slow"] = func(int32) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}
	e := New(Config{MaxConcurrentWorkflows: 1, MaxConcurrentSteps: 5, DefaultStepTimeout: 2 * time.Second}, inv, observer.NewDispatcher(), zap.NewNop())
	defer e.Close()

	def := &Definition{Name: "one-slot", Steps: []Step{{Name: "S", MCP: "svc", Action: "slow"}}}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	go e.ExecuteWorkflow(context.Background(), "one-slot", nil, nil)
	for len(e.ListActiveExecutions()) == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := e.ExecuteWorkflow(context.Background(), "one-slot", nil, nil)
	if orcherr.KindOf(err) != orcherr.Overloaded {
		t.Fatalf("expected Overloaded, got %v", err)
	}
	close(release)
}

func TestEngine_UnknownWorkflowNotFound(t *testing.T) {
	inv := newFakeInvoker()
	e := newTestEngine(inv)
	defer e.Close()

	_, err := e.ExecuteWorkflow(context.Background(), "nope", nil, nil)
	if orcherr.KindOf(err) != orcherr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
