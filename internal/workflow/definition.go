// Package workflow implements the Workflow Engine of spec.md §3/§4.4–4.6:
// DAG-validated step definitions, a bounded concurrent scheduler, saga
// compensation, and cooperative cancellation.
package workflow

import (
	"fmt"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// CompensationStrategy selects saga compensation ordering (spec §4.5).
type CompensationStrategy string

const (
	ReverseOrder CompensationStrategy = "reverse_order"
	InOrder      CompensationStrategy = "in_order"
)

// Compensation describes the undo action for a step.
type Compensation struct {
	MCP    string                 `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Action string                 `json:"action" yaml:"action"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Step is one node of a workflow's DAG (spec §3 "Step Definition").
type Step struct {
	Name         string                 `json:"name" yaml:"name"`
	MCP          string                 `json:"mcp" yaml:"mcp"`
	Action       string                 `json:"action" yaml:"action"`
	Params       map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries      int                    `json:"retries,omitempty" yaml:"retries,omitempty"`
	Condition    string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
	Compensation *Compensation          `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Parallel     bool                   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Critical     *bool                  `json:"critical,omitempty" yaml:"critical,omitempty"`
	DependsOn    []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// IsCritical returns the step's critical flag, defaulting to true per
// spec.md §3.
func (s *Step) IsCritical() bool {
	if s.Critical == nil {
		return true
	}
	return *s.Critical
}

// Definition is an immutable workflow definition (spec §3).
type Definition struct {
	Name                 string               `json:"name" yaml:"name"`
	Version              string               `json:"version" yaml:"version"`
	Description          string               `json:"description,omitempty" yaml:"description,omitempty"`
	Timeout              time.Duration        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries           int                  `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	CompensationStrategy CompensationStrategy `json:"compensation_strategy,omitempty" yaml:"compensation_strategy,omitempty"`
	Steps                []Step               `json:"steps" yaml:"steps"`

	stepIndex map[string]*Step
	topoOrder map[string]int
}

// Normalize fills defaults: compensation_strategy defaults to
// reverse_order and version to "1.0.0". Step timeout and retries are left
// as written; the workflow-level Timeout and MaxRetries are not copied
// into steps (runStep falls back to the engine's DefaultStepTimeout for an
// unset step timeout). It also precomputes the step graph's topological order,
// consumed by the scheduler to launch executable steps in a stable,
// dependency-respecting sequence (definition.go's stepGraph). A cyclic
// graph leaves topoOrder nil; Validate rejects cycles before the engine
// ever schedules the definition, and an absent entry sorts as 0 either
// way, so a nil map is safe to read from.
func (d *Definition) Normalize() {
	if d.CompensationStrategy == "" {
		d.CompensationStrategy = ReverseOrder
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	d.stepIndex = make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		d.stepIndex[d.Steps[i].Name] = &d.Steps[i]
	}
	if order, err := newStepGraph(d.Steps).topologicalOrder(); err == nil {
		d.topoOrder = make(map[string]int, len(order))
		for i, name := range order {
			d.topoOrder[name] = i
		}
	}
}

// Step returns the named step, if present.
func (d *Definition) Step(name string) (*Step, bool) {
	s, ok := d.stepIndex[name]
	return s, ok
}

// Validate checks the invariants of spec.md §3: unique step names, DAG
// (cycle-free) dependencies, and depends_on referring only to existing
// siblings.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return orcherr.New(orcherr.Validation, "workflow definition missing name")
	}
	if len(d.Steps) == 0 {
		return orcherr.New(orcherr.Validation, "workflow definition has no steps")
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return orcherr.New(orcherr.Validation, "step missing name")
		}
		if seen[s.Name] {
			return orcherr.New(orcherr.Validation, fmt.Sprintf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return orcherr.New(orcherr.Validation, fmt.Sprintf("step %q depends_on unknown sibling %q", s.Name, dep))
			}
		}
	}

	g := newStepGraph(d.Steps)
	if err := g.detectCycles(); err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "workflow dependency graph")
	}
	return nil
}

// stepGraph is the DAG validator, grounded directly on
// sourceplane-lite-ci's internal/planner/graph.go JobGraph — same DFS
// cycle check and Kahn's-algorithm topological sort, generalized from
// job IDs to step names.
type stepGraph struct {
	steps map[string]Step
	order []string // definition order, kept for a deterministic topological sort
}

func newStepGraph(steps []Step) *stepGraph {
	g := &stepGraph{steps: make(map[string]Step, len(steps)), order: make([]string, 0, len(steps))}
	for _, s := range steps {
		g.steps[s.Name] = s
		g.order = append(g.order, s.Name)
	}
	return g
}

func (g *stepGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for name := range g.steps {
		if !visited[name] {
			if g.hasCycleDFS(name, visited, recStack) {
				return fmt.Errorf("cycle detected in step dependencies")
			}
		}
	}
	return nil
}

func (g *stepGraph) hasCycleDFS(node string, visited, recStack map[string]bool) bool {
	visited[node] = true
	recStack[node] = true

	step, exists := g.steps[node]
	if !exists {
		return false
	}
	for _, dep := range step.DependsOn {
		if !visited[dep] {
			if g.hasCycleDFS(dep, visited, recStack) {
				return true
			}
		} else if recStack[dep] {
			return true
		}
	}

	recStack[node] = false
	return false
}

// topologicalOrder returns step names in dependency order (Kahn's
// algorithm). Definition.Normalize caches the result as topoOrder, and
// the scheduler's computeExecutable sorts each tick's executable steps
// by it — the deterministic tie-break used whenever more steps are
// executable than the engine's stepSem has room to launch at once.
// Ties within a BFS layer are broken by definition order, not map
// iteration, so the result is stable across runs of the same
// definition.
func (g *stepGraph) topologicalOrder() ([]string, error) {
	dependents := make(map[string][]string, len(g.steps))
	inDegree := make(map[string]int, len(g.steps))

	for _, name := range g.order {
		inDegree[name] = 0
	}
	for _, name := range g.order {
		for _, dep := range g.steps[name].DependsOn {
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	sorted := make([]string, 0, len(g.steps))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) != len(g.steps) {
		return nil, fmt.Errorf("failed to topologically sort: possible cycle detected")
	}
	return sorted, nil
}
