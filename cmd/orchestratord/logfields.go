package main

import (
	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
)

func zapErr(err error) zap.Field {
	return zap.Error(err)
}

// loggingFields flattens an observer.Event into zap fields for the
// structured "event" log line serve.go emits for every orchestrator
// transition — the teacher logs ad hoc fmt.Printf per callback
// (core/internal/mcp/manager.go); this generalizes that into one
// consistent structured record per event kind.
func loggingFields(ev observer.Event) []zap.Field {
	fields := []zap.Field{zap.String("kind", string(ev.Kind))}
	if ev.ServiceName != "" {
		fields = append(fields, zap.String("service", ev.ServiceName))
	}
	if ev.BreakerFrom != "" || ev.BreakerTo != "" {
		fields = append(fields, zap.String("breaker_from", string(ev.BreakerFrom)), zap.String("breaker_to", string(ev.BreakerTo)))
	}
	if ev.ExecutionID != "" {
		fields = append(fields, zap.String("execution_id", ev.ExecutionID))
	}
	if ev.WorkflowName != "" {
		fields = append(fields, zap.String("workflow", ev.WorkflowName))
	}
	if ev.StepName != "" {
		fields = append(fields, zap.String("step", ev.StepName), zap.Int("attempt", ev.Attempt))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	if ev.ServiceCount != 0 {
		fields = append(fields, zap.Int("service_count", ev.ServiceCount))
	}
	return fields
}
