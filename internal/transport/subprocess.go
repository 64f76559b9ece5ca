package transport

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// SubprocessConn wraps a spawned MCP server process speaking
// line-delimited JSON-RPC 2.0. It is built on mark3labs/mcp-go's stdio
// client, the same library core/internal/mcp/hub.go uses for subprocess
// MCP connections, generalized behind our own Conn interface.
type SubprocessConn struct {
	client *client.Client
	nextID int64
}

// NewSubprocessConn spawns command with args, performs the one-time
// initialize handshake (protocol version 2024-11-05, spec §4.2/§6), and
// returns a ready connection.
func NewSubprocessConn(ctx context.Context, command string, args []string) (*SubprocessConn, error) {
	c, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.NetworkUnavailable, err, "spawn subprocess MCP server")
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "orchestrator",
		Version: "1.0.0",
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, orcherr.Wrap(orcherr.ConnectionClosed, err, "initialize handshake failed")
	}

	return &SubprocessConn{client: c}, nil
}

// Send dispatches a tools/call request over the subprocess's stdio pipe.
// mcp-go's client.CallTool already performs the id-matched line read; a
// context deadline abandons the pending waiter on expiry (spec §4.2 —
// "remove the pending waiter and let the response, if it arrives, be
// discarded").
func (c *SubprocessConn) Send(ctx context.Context, env Envelope) (Envelope, error) {
	var params ToolCallParams
	if len(env.Params) > 0 {
		// env.Params was built by NewToolCallEnvelope; re-decode to reach
		// the typed mcp.CallToolRequest shape mcp-go expects.
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return Envelope{}, orcherr.Wrap(orcherr.Validation, err, "decode tool call params")
		}
	}

	id := atomic.AddInt64(&c.nextID, 1)

	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      params.Name,
			Arguments: params.Arguments,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Envelope{}, orcherr.Wrap(orcherr.Timeout, err, "subprocess call deadline exceeded")
		}
		return Envelope{}, orcherr.Wrap(orcherr.ConnectionClosed, err, "subprocess call failed")
	}

	if result.IsError {
		return Envelope{}, orcherr.New(orcherr.Remote, toolResultText(result))
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, orcherr.Wrap(orcherr.Remote, err, "marshal tool result")
	}

	return Envelope{JSONRPC: "2.0", ID: id, Result: resultJSON}, nil
}

// Destroy terminates the subprocess. A dying process rejects all pending
// waiters internally with ConnectionClosed (mcp-go's behavior); the pool
// drops this connection and lazily reconnects on the next Acquire (spec
// §9 open question #4, resolved as "confirmed").
func (c *SubprocessConn) Destroy() error {
	if err := c.client.Close(); err != nil {
		return orcherr.Wrap(orcherr.ConnectionClosed, err, "close subprocess connection")
	}
	return nil
}

func toolResultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool call returned an error with no text content"
}
