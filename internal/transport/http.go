package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// HTTPConn is the HTTP-JSON-RPC transport adapter (spec §4.2/§6): one POST
// per call to {base_url}/mcp with the envelope as the JSON body. No
// third-party HTTP client library appears anywhere in the retrieval
// corpus — even Mindburn-Labs-helm's resiliency.EnhancedClient wraps
// stdlib *http.Client directly — so this stays on net/http.
type HTTPConn struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

// NewHTTPConn builds an HTTPConn. It never dials eagerly (HTTP has no
// persistent-connection handshake to perform up front), so it can be
// constructed directly by the pool's factory.
func NewHTTPConn(baseURL string, headers map[string]string) *HTTPConn {
	return &HTTPConn{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		client:  &http.Client{},
	}
}

func (c *HTTPConn) Send(ctx context.Context, env Envelope) (Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return Envelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Envelope{}, orcherr.Wrap(orcherr.Timeout, err, "http call deadline exceeded")
		}
		return Envelope{}, orcherr.Wrap(orcherr.NetworkUnavailable, err, "http call failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, orcherr.Wrap(orcherr.NetworkUnavailable, err, "read response body")
	}

	if resp.StatusCode >= 500 {
		return Envelope{}, orcherr.New(orcherr.Http5xx, fmt.Sprintf("downstream returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return Envelope{}, orcherr.New(orcherr.Remote, fmt.Sprintf("downstream returned %d: %s", resp.StatusCode, string(data)))
	}

	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return Envelope{}, orcherr.Wrap(orcherr.Remote, err, "unparseable JSON-RPC response")
	}
	if out.Error != nil {
		return out, orcherr.New(orcherr.Remote, out.Error.Message)
	}
	return out, nil
}

// Destroy is a no-op: HTTPConn holds no persistent resource besides its
// own *http.Client, which needs no explicit teardown.
func (c *HTTPConn) Destroy() error { return nil }
