package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/descriptor"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
)

func writeRegistryFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write registry file: %v", err)
	}
	return path
}

func TestFileLoader_LoadOnce_PopulatesRegistry(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistryFile(t, dir, "registry.json", `{
		"version": "1.0.0",
		"mcps": {
			"search": {
				"endpoints": {"primary": {"transport": "http", "url": "http://localhost:9001"}},
				"capabilities": ["search"],
				"tools": ["query"]
			}
		}
	}`)

	reg := New(nil, nil)
	fl, err := NewFileLoader(reg, nil, path, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fl.LoadOnce(); err != nil {
		t.Fatalf("LoadOnce: %v", err)
	}

	d, ok := reg.Get("search")
	if !ok {
		t.Fatal("expected \"search\" to be registered")
	}
	if d.Version != "1.0.0" {
		t.Fatalf("expected auto-filled version 1.0.0, got %q", d.Version)
	}
	if !d.HasCapability("search") || !d.HasTool("query") {
		t.Fatal("expected capability/tool to round-trip")
	}
}

func TestFileLoader_LoadOnce_InvalidFileRetainsPriorState(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistryFile(t, dir, "registry.json", `{
		"version": "1.0.0",
		"mcps": {
			"search": {"endpoints": {"primary": {"transport": "http", "url": "http://localhost:9001"}}}
		}
	}`)

	reg := New(nil, nil)
	fl, err := NewFileLoader(reg, nil, path, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fl.LoadOnce(); err != nil {
		t.Fatal(err)
	}

	// Now write a structurally invalid file (mcps must be an object).
	writeRegistryFile(t, dir, "registry.json", `{"version": "1.0.0", "mcps": []}`)
	if err := fl.LoadOnce(); err == nil {
		t.Fatal("expected schema validation to reject mcps as an array")
	}

	if _, ok := reg.Get("search"); !ok {
		t.Fatal("expected prior descriptor to survive a failed reload")
	}
}

func TestFileLoader_LoadOnce_PreservesAuxiliaryEntriesAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistryFile(t, dir, "registry.json", `{"version": "1.0.0", "mcps": {}}`)

	reg := New(nil, nil)
	fl, err := NewFileLoader(reg, nil, path, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fl.LoadOnce(); err != nil {
		t.Fatal(err)
	}

	aux := &descriptor.Descriptor{Endpoints: map[string]descriptor.Endpoint{
		"primary": {Transport: descriptor.TransportHTTP, URL: "http://aux:9000"},
	}}
	aux.Normalize("aux")
	aux.Source = descriptor.SourceEnv
	if !reg.mergeAuxiliary("aux", aux) {
		t.Fatal("expected auxiliary merge to succeed on an empty registry")
	}

	if err := fl.LoadOnce(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("aux"); !ok {
		t.Fatal("expected auxiliary-sourced descriptor to survive a file reload")
	}
}

func TestRegistry_SwapEmitsAddedAndRemovedEvents(t *testing.T) {
	var events []observer.EventKind
	d := observer.NewDispatcher()
	d.Register(observer.ObserverFunc(func(e observer.Event) {
		events = append(events, e.Kind)
	}))

	reg := New(d, nil)
	a := &descriptor.Descriptor{Endpoints: map[string]descriptor.Endpoint{"primary": {Transport: descriptor.TransportHTTP, URL: "http://a"}}}
	a.Normalize("a")

	reg.swap(map[string]*descriptor.Descriptor{"a": a})
	reg.swap(map[string]*descriptor.Descriptor{})

	if len(events) != 2 || events[0] != observer.ServiceAdded || events[1] != observer.ServiceRemoved {
		t.Fatalf("expected [added removed], got %v", events)
	}
}

func TestRegistry_ListByCapabilityAndTool(t *testing.T) {
	reg := New(nil, nil)
	a := &descriptor.Descriptor{
		Endpoints:    map[string]descriptor.Endpoint{"primary": {Transport: descriptor.TransportHTTP, URL: "http://a"}},
		Capabilities: []string{"search"},
		Tools:        []string{"query"},
	}
	a.Normalize("a")
	reg.swap(map[string]*descriptor.Descriptor{"a": a})

	if len(reg.ListByCapability("search")) != 1 {
		t.Fatal("expected one descriptor matching capability \"search\"")
	}
	if len(reg.ListByTool("query")) != 1 {
		t.Fatal("expected one descriptor matching tool \"query\"")
	}
	if len(reg.ListByCapability("nope")) != 0 {
		t.Fatal("expected no match for an absent capability")
	}
}

func TestRegistry_ScanEnv(t *testing.T) {
	t.Setenv("MCP_WEATHER_ENDPOINT", "http://localhost:8080")
	t.Setenv("MCP_LOCALTOOL_ENDPOINT", "python3 tool.py")

	reg := New(nil, nil)
	reg.ScanEnv()

	httpD, ok := reg.Get("weather")
	if !ok {
		t.Fatal("expected \"weather\" to be discovered from env")
	}
	ep, _ := httpD.PrimaryEndpoint()
	if ep.Transport != descriptor.TransportHTTP {
		t.Fatalf("expected http transport, got %v", ep.Transport)
	}

	subD, ok := reg.Get("localtool")
	if !ok {
		t.Fatal("expected \"localtool\" to be discovered from env")
	}
	ep, _ = subD.PrimaryEndpoint()
	if ep.Transport != descriptor.TransportSubprocess || ep.Command != "python3" {
		t.Fatalf("expected subprocess transport with command python3, got %+v", ep)
	}
}
