// Package registry implements the discovery registry of spec.md §4.7: an
// authoritative in-memory map of service descriptors, rebuilt atomically
// on each debounced file reload and enriched by auxiliary discovery
// sources and a periodic health-check loop. Grounded on
// core/internal/mcp/hub.go's connection map bookkeeping, generalized from
// a single owned connection per name to a descriptor-only view.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/descriptor"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
)

// Metrics is the shape of Registry.Metrics() (SPEC_FULL §10).
type Metrics struct {
	Total    int
	Healthy  int
	Unhealthy int
	BySource map[descriptor.Source]int
}

// Registry holds the authoritative name → descriptor map.
type Registry struct {
	mu         sync.RWMutex
	descriptors map[string]*descriptor.Descriptor

	dispatcher *observer.Dispatcher
	log        *zap.Logger
}

// New constructs an empty Registry. dispatcher may be shared across the
// registry and the workflow engine so a single set of observers sees
// every event in spec.md §6.
func New(dispatcher *observer.Dispatcher, log *zap.Logger) *Registry {
	return &Registry{
		descriptors: make(map[string]*descriptor.Descriptor),
		dispatcher:  dispatcher,
		log:         log,
	}
}

// Get returns the descriptor for name, if present.
func (r *Registry) Get(name string) (*descriptor.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// List returns every descriptor, snapshot-copied.
func (r *Registry) List() []*descriptor.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*descriptor.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d.Clone())
	}
	return out
}

// ListByCapability returns descriptors tagged with capability tag.
func (r *Registry) ListByCapability(tag string) []*descriptor.Descriptor {
	return r.filter(func(d *descriptor.Descriptor) bool { return d.HasCapability(tag) })
}

// ListByTool returns descriptors exposing tool name.
func (r *Registry) ListByTool(name string) []*descriptor.Descriptor {
	return r.filter(func(d *descriptor.Descriptor) bool { return d.HasTool(name) })
}

// ListHealthy returns descriptors currently marked healthy.
func (r *Registry) ListHealthy() []*descriptor.Descriptor {
	return r.filter(func(d *descriptor.Descriptor) bool { return d.Healthy })
}

func (r *Registry) filter(pred func(*descriptor.Descriptor) bool) []*descriptor.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*descriptor.Descriptor
	for _, d := range r.descriptors {
		if pred(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Metrics returns registry-wide counts (SPEC_FULL §10).
func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := Metrics{BySource: make(map[descriptor.Source]int)}
	for _, d := range r.descriptors {
		m.Total++
		if d.Healthy {
			m.Healthy++
		} else {
			m.Unhealthy++
		}
		m.BySource[d.Source]++
	}
	return m
}

// swap atomically replaces the descriptor map, diffing against the
// previous contents to publish added/removed/updated events. next's keys
// are descriptor names (post-Normalize). Callers build next so that
// auxiliary-sourced entries are carried over (see FileLoader.LoadOnce);
// swap itself replaces the whole map with next.
func (r *Registry) swap(next map[string]*descriptor.Descriptor) {
	r.mu.Lock()
	prev := r.descriptors
	r.descriptors = next
	r.mu.Unlock()

	if r.dispatcher == nil {
		return
	}
	now := time.Now()
	for name, d := range next {
		old, existed := prev[name]
		if !existed {
			r.dispatcher.Notify(observer.Event{Kind: observer.ServiceAdded, Timestamp: now, ServiceName: name})
			continue
		}
		if !descriptorsEqual(old, d) {
			r.dispatcher.Notify(observer.Event{Kind: observer.ServiceUpdated, Timestamp: now, ServiceName: name})
		}
	}
	for name := range prev {
		if _, still := next[name]; !still {
			r.dispatcher.Notify(observer.Event{Kind: observer.ServiceRemoved, Timestamp: now, ServiceName: name})
		}
	}
}

// mergeAuxiliary adds descriptor d under name only if name is not already
// present — auxiliary sources never override file entries or each other.
// The descriptor is written into the live map, so readers see it at once;
// a later file reload carries it over unless the file defines the name.
func (r *Registry) mergeAuxiliary(name string, d *descriptor.Descriptor) bool {
	r.mu.Lock()
	if _, exists := r.descriptors[name]; exists {
		r.mu.Unlock()
		return false
	}
	r.descriptors[name] = d
	r.mu.Unlock()

	if r.dispatcher != nil {
		r.dispatcher.Notify(observer.Event{Kind: observer.ServiceDiscovered, Timestamp: time.Now(), ServiceName: name})
	}
	return true
}

// updateHealth applies a health-check outcome to a single descriptor,
// emitting mcp_unhealthy on a healthy→unhealthy transition.
func (r *Registry) updateHealth(name string, healthy bool, checkErr error) {
	r.mu.Lock()
	d, ok := r.descriptors[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasHealthy := d.Healthy
	d.Healthy = healthy
	d.LastHealthCheck = time.Now()
	if checkErr != nil {
		d.LastError = checkErr.Error()
	} else {
		d.LastError = ""
	}
	r.mu.Unlock()

	if wasHealthy && !healthy && r.dispatcher != nil {
		r.dispatcher.Notify(observer.Event{Kind: observer.ServiceUnhealthy, Timestamp: time.Now(), ServiceName: name})
	}
}

func descriptorsEqual(a, b *descriptor.Descriptor) bool {
	if a.Version != b.Version || a.Status != b.Status || a.Priority != b.Priority || a.Weight != b.Weight {
		return false
	}
	if len(a.Endpoints) != len(b.Endpoints) {
		return false
	}
	for k, ea := range a.Endpoints {
		eb, ok := b.Endpoints[k]
		if !ok || !endpointsEqual(ea, eb) {
			return false
		}
	}
	if len(a.Capabilities) != len(b.Capabilities) || len(a.Tools) != len(b.Tools) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	for i := range a.Tools {
		if a.Tools[i] != b.Tools[i] {
			return false
		}
	}
	return true
}

func endpointsEqual(a, b descriptor.Endpoint) bool {
	if a.Transport != b.Transport || a.URL != b.URL || a.Command != b.Command ||
		a.Timeout != b.Timeout || a.MaxRetries != b.MaxRetries {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}
