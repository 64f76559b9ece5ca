package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/descriptor"
)

// HealthChecker runs the periodic liveness probes of spec.md §4.7: HTTP
// GET (success = 2xx) for http_path mode, or a minimal tool call for
// tool_call mode — the mode spec.md §9 flagged as "not yet implemented
// in source", resolved here as implemented (DESIGN.md Open Questions).
type HealthChecker struct {
	reg      *Registry
	interval time.Duration
	client   *http.Client
}

// NewHealthChecker builds a checker polling reg's descriptors every
// interval (default 30s, spec.md §4.7).
func NewHealthChecker(reg *Registry, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{reg: reg, interval: interval, client: &http.Client{Timeout: 10 * time.Second}}
}

// Run blocks, checking every descriptor with health_check.enabled once per
// tick, until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkAll(ctx)
		}
	}
}

func (h *HealthChecker) checkAll(ctx context.Context) {
	for _, d := range h.reg.List() {
		if !d.HealthCheck.Enabled {
			continue
		}
		d := d
		go h.checkOne(ctx, d)
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, d *descriptor.Descriptor) {
	timeout := d.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch d.HealthCheck.Mode {
	case descriptor.HealthCheckToolCall:
		err = h.checkToolCall(checkCtx, d)
	default:
		err = h.checkHTTPPath(checkCtx, d)
	}

	h.reg.updateHealth(d.Name, err == nil, err)
}

func (h *HealthChecker) checkHTTPPath(ctx context.Context, d *descriptor.Descriptor) error {
	ep, ok := d.PrimaryEndpoint()
	if !ok || ep.Transport != descriptor.TransportHTTP {
		return fmt.Errorf("descriptor %q has no http endpoint to probe", d.Name)
	}
	path := d.HealthCheck.Path
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// checkToolCall performs a minimal subprocess tool invocation as a
// liveness probe — spawning a short-lived client per check rather than
// sharing the resilient client's pooled connection, since a health probe
// must not consume a slot another caller is waiting on.
func (h *HealthChecker) checkToolCall(ctx context.Context, d *descriptor.Descriptor) error {
	ep, ok := d.PrimaryEndpoint()
	if !ok || ep.Transport != descriptor.TransportSubprocess {
		return fmt.Errorf("descriptor %q has no subprocess endpoint to probe", d.Name)
	}
	toolName := d.HealthCheck.ToolName
	if toolName == "" && len(d.Tools) > 0 {
		toolName = d.Tools[0]
	}
	if toolName == "" {
		return fmt.Errorf("descriptor %q has tool_call health check enabled with no tool_name and no tools", d.Name)
	}

	c, err := client.NewStdioMCPClient(ep.Command, nil, ep.Args...)
	if err != nil {
		return err
	}
	defer c.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{Name: "orchestrator-healthcheck", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return err
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{Name: toolName}})
	if err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("tool_call health check %q reported an error result", toolName)
	}
	return nil
}
