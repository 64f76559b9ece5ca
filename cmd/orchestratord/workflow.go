package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/workflow"
)

// workflowCmd groups one-shot, in-process workflow operations for local
// development and the example scenarios of spec.md §8 — a thin wrapper
// directly over Engine's operations, not the HTTP/WebSocket gateway that
// spec.md §1 explicitly keeps out of scope.
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Register and run workflow definitions against a local in-process engine",
}

var (
	runDefPath  string
	runInputRaw string
)

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register a workflow definition from file and execute it once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflowOnce()
	},
}

func init() {
	workflowRunCmd.Flags().StringVarP(&runDefPath, "definition", "f", "", "path to a workflow definition (YAML or JSON)")
	workflowRunCmd.Flags().StringVarP(&runInputRaw, "input", "i", "{}", "workflow input, as a JSON object")
	workflowRunCmd.MarkFlagRequired("definition")
	workflowCmd.AddCommand(workflowRunCmd)
}

func runWorkflowOnce() error {
	raw, err := os.ReadFile(runDefPath)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	var def workflow.Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	var input map[string]interface{}
	if err := json.Unmarshal([]byte(runInputRaw), &input); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	if err := s.engine.RegisterWorkflow(&def); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}

	execCtx, err := s.engine.ExecuteWorkflow(ctx, def.Name, input, nil)
	if err != nil {
		return fmt.Errorf("execute workflow: %w", err)
	}

	out, err := json.MarshalIndent(summarize(execCtx), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func summarize(execCtx *workflow.Context) map[string]interface{} {
	steps := make(map[string]interface{}, len(execCtx.Steps))
	for name, se := range execCtx.Steps {
		steps[name] = map[string]interface{}{
			"state":   se.State,
			"result":  se.Result,
			"attempt": se.Attempt,
		}
	}
	return map[string]interface{}{
		"execution_id": execCtx.ExecutionID,
		"workflow":     execCtx.Definition.Name,
		"state":        execCtx.State,
		"steps":        steps,
	}
}
