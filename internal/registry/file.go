package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/descriptor"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// registryFile is the top-level shape of the registry file (spec.md §6):
// JSON or YAML, normalized to this struct before per-descriptor validation.
type registryFile struct {
	Version      string                         `json:"version" yaml:"version"`
	MCPs         map[string]*descriptor.Descriptor `json:"mcps" yaml:"mcps"`
	GlobalConfig map[string]interface{}        `json:"globalConfig" yaml:"globalConfig"`
}

// registrySchema is compiled once; it enforces the hard-error subset of
// spec.md §4.7's validation policy (object shape, not per-descriptor
// business rules, which Descriptor.Validate handles after defaulting).
const registrySchemaJSON = `{
  "type": "object",
  "required": ["mcps"],
  "properties": {
    "mcps": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "endpoints": {"type": "object"},
          "capabilities": {"type": "array"},
          "tools": {"type": "array"}
        }
      }
    }
  }
}`

// FileLoader reads, validates, and normalizes a registry file and applies
// a debounced fsnotify watch to trigger reloads, grounded on
// core/internal/mcp/hub.go's StartWatcher (mtime-compare ticker),
// generalized to event-driven fsnotify with a coalescing debounce timer.
type FileLoader struct {
	path      string
	debounce  time.Duration
	schema    *jsonschema.Schema
	lock      *flock.Flock
	log       *zap.Logger
	reg       *Registry
	dispatcher *observer.Dispatcher
}

// NewFileLoader compiles the registry schema and prepares the advisory
// lock path alongside the registry file (a ".lock" sibling), matching
// core/test_lock.go's convention of a dedicated lock file rather than
// locking the data file itself.
func NewFileLoader(reg *Registry, dispatcher *observer.Dispatcher, path string, debounce time.Duration, log *zap.Logger) (*FileLoader, error) {
	schema, err := jsonschema.CompileString("registry.schema.json", registrySchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile registry schema: %w", err)
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &FileLoader{
		path:       path,
		debounce:   debounce,
		schema:     schema,
		lock:       flock.New(path + ".lock"),
		log:        log,
		reg:        reg,
		dispatcher: dispatcher,
	}, nil
}

// LoadOnce performs a single synchronous read+validate+swap. Used both for
// the initial load and for each debounced reload.
func (fl *FileLoader) LoadOnce() error {
	if err := fl.lock.RLock(); err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "acquire registry file read lock")
	}
	defer fl.lock.Unlock()

	data, err := os.ReadFile(fl.path)
	if err != nil {
		return orcherr.Wrap(orcherr.NotFound, err, "read registry file")
	}

	var raw interface{}
	if strings.HasSuffix(fl.path, ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return orcherr.Wrap(orcherr.Validation, err, "parse registry file as JSON")
		}
	} else if err := yaml.Unmarshal(data, &raw); err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "parse registry file as YAML")
	}

	if err := fl.schema.Validate(raw); err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "registry file failed schema validation")
	}

	var rf registryFile
	normalized, err := json.Marshal(raw)
	if err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "re-marshal registry file for decoding")
	}
	if err := json.Unmarshal(normalized, &rf); err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "decode registry file")
	}

	next := make(map[string]*descriptor.Descriptor, len(rf.MCPs))
	for name, d := range rf.MCPs {
		d.Normalize(name)
		d.Source = descriptor.SourceFile
		d.ResolveEnvRefs()
		if err := d.Validate(); err != nil {
			return fmt.Errorf("descriptor %q: %w", name, err)
		}
		next[d.Name] = d
	}

	// Auxiliary-sourced descriptors (env/dns/multicast/cluster) already in
	// the live map persist across file reloads unless the file itself now
	// defines the same name (file always wins on overlap).
	fl.reg.mu.RLock()
	for name, d := range fl.reg.descriptors {
		if d.Source == descriptor.SourceFile {
			continue
		}
		if _, overridden := next[name]; !overridden {
			next[name] = d
		}
	}
	fl.reg.mu.RUnlock()

	fl.reg.swap(next)
	if fl.dispatcher != nil {
		fl.dispatcher.Notify(observer.Event{
			Kind:         observer.RegistryLoaded,
			Timestamp:    time.Now(),
			ServiceCount: len(next),
		})
	}
	if fl.log != nil {
		fl.log.Info("registry reloaded", zap.String("path", fl.path), zap.Int("services", len(next)))
	}
	return nil
}

// Watch starts an fsnotify watch on the registry file's directory,
// debouncing bursts of events into a single LoadOnce call per quiet
// period. Returns immediately; stopCh closes the watcher goroutine.
func (fl *FileLoader) Watch(stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(fl.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch registry directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(fl.path) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(fl.debounce)
				timerC = timer.C
			case <-timerC:
				timerC = nil
				if err := fl.LoadOnce(); err != nil && fl.log != nil {
					fl.log.Warn("registry reload failed, retaining previous state", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if fl.log != nil {
					fl.log.Warn("registry file watcher error", zap.Error(err))
				}
			}
		}
	}()

	return nil
}
