// Package orchestrator wires the Discovery Registry, per-service
// Resilient Clients, and the Workflow Engine into the single cyclic graph
// spec.md §9 describes ("the Engine holds clients that reference
// descriptors; descriptor removal must destroy the corresponding client").
// The Engine never imports internal/registry or internal/client directly
// (see internal/workflow.Invoker) — this package is the one place that
// closes the loop, subscribing to registry events and owning every
// client's lifetime.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/breaker"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/client"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/descriptor"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/pool"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/registry"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/transport"
)

// Manager owns one ResilientClient per active descriptor, keeping that
// set in sync with registry events, and implements workflow.Invoker by
// resolving a step's "mcp" name to the corresponding client.
type Manager struct {
	reg        *registry.Registry
	dispatcher *observer.Dispatcher
	log        *zap.Logger
	retry      client.RetryConfig

	mu      sync.RWMutex
	clients map[string]*client.ResilientClient
}

// New builds a Manager and subscribes it to dispatcher, acting on
// service_removed/service_updated events. retry supplies
// the process-level backoff tunables applied to every client; a
// descriptor's own circuit-breaker thresholds (spec §3) still come from
// the descriptor.
func New(reg *registry.Registry, dispatcher *observer.Dispatcher, retry client.RetryConfig, log *zap.Logger) *Manager {
	m := &Manager{
		reg:        reg,
		dispatcher: dispatcher,
		log:        log,
		retry:      retry,
		clients:    make(map[string]*client.ResilientClient),
	}
	dispatcher.Register(observer.ObserverFunc(m.handleEvent))
	return m
}

func (m *Manager) handleEvent(ev observer.Event) {
	switch ev.Kind {
	case observer.ServiceRemoved, observer.ServiceUpdated:
		// A removal tears the client down outright; an update tears it
		// down too so the next CallTool rebuilds it against the new
		// descriptor (new endpoint, new breaker thresholds). Rebuilding
		// eagerly here would race a second update landing before first
		// use, so the rebuild itself stays lazy in clientFor.
		m.removeClient(ev.ServiceName)
	}
}

func (m *Manager) removeClient(name string) {
	m.mu.Lock()
	c, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CallTool implements workflow.Invoker.
func (m *Manager) CallTool(ctx context.Context, service, tool string, params map[string]interface{}) (map[string]interface{}, error) {
	c, err := m.clientFor(service)
	if err != nil {
		return nil, err
	}
	env, err := c.CallTool(ctx, tool, params)
	if err != nil {
		return nil, err
	}
	return decodeResult(env)
}

func (m *Manager) clientFor(name string) (*client.ResilientClient, error) {
	m.mu.RLock()
	c, ok := m.clients[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	d, ok := m.reg.Get(name)
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("no descriptor registered for service %q", name))
	}
	ep, ok := d.PrimaryEndpoint()
	if !ok {
		return nil, orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q has no usable endpoint", name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[name]; ok {
		return c, nil
	}

	cfg := client.Config{
		ServiceName: name,
		Pool: pool.Config{
			MinSize:        1,
			MaxSize:        4,
			AcquireTimeout: ep.Timeout,
		},
		Breaker: breaker.Config{
			FailureThreshold: d.CircuitBreaker.FailureThreshold,
			ResetTimeout:     d.CircuitBreaker.ResetTimeout,
			MonitoringPeriod: d.CircuitBreaker.MonitoringPeriod,
		},
		Retry:       m.retry,
		CallTimeout: ep.Timeout,
	}
	if ep.MaxRetries > 0 {
		cfg.Retry.MaxRetries = ep.MaxRetries
	}

	rc := client.New(cfg, connFactory(ep), m.breakerNotifier(), m.log)
	m.clients[name] = rc
	return rc, nil
}

func (m *Manager) breakerNotifier() breaker.OnStateChange {
	return func(svc string, from, to breaker.State) {
		m.dispatcher.Notify(observer.Event{
			Kind:        observer.CircuitBreakerChange,
			ServiceName: svc,
			BreakerFrom: from,
			BreakerTo:   to,
		})
	}
}

func connFactory(ep descriptor.Endpoint) pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		switch ep.Transport {
		case descriptor.TransportSubprocess:
			return transport.NewSubprocessConn(ctx, ep.Command, ep.Args)
		default:
			return transport.NewHTTPConn(ep.URL, ep.Headers), nil
		}
	}
}

func decodeResult(env transport.Envelope) (map[string]interface{}, error) {
	if env.Error != nil {
		return nil, orcherr.New(orcherr.Remote, env.Error.Message)
	}
	if len(env.Result) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return nil, orcherr.Wrap(orcherr.Validation, err, "decode tool result")
	}
	return out, nil
}
