package descriptor

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orcherr"
)

// envRef matches ${VAR} references inside header values and auth fields,
// resolved against the process environment at cache-update time (spec §3).
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} occurrence in s with os.Getenv(VAR).
// Unresolved variables are replaced with the empty string, matching the
// teacher's env-var overlay in core/internal/config/providers.go.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		name := envRef.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

// ResolveEnvRefs expands ${VAR} in every header value across all endpoints.
func (d *Descriptor) ResolveEnvRefs() {
	for name, ep := range d.Endpoints {
		if len(ep.Headers) == 0 {
			continue
		}
		resolved := make(map[string]string, len(ep.Headers))
		for k, v := range ep.Headers {
			resolved[k] = ExpandEnv(v)
		}
		ep.Headers = resolved
		d.Endpoints[name] = ep
	}
}

// Normalize fills in defaults per the reload validation policy (spec §4.7):
// missing name is filled from the registry key, missing version defaults
// to "1.0.0". Must run before Validate.
func (d *Descriptor) Normalize(key string) {
	if d.Name == "" {
		d.Name = key
	}
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	if d.Tools == nil {
		d.Tools = []string{}
	}
	if d.Status == "" {
		d.Status = StatusDiscovered
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	if d.CircuitBreaker.FailureThreshold == 0 {
		d.CircuitBreaker.FailureThreshold = 5
	}
	if d.CircuitBreaker.ResetTimeout == 0 {
		d.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if d.CircuitBreaker.MonitoringPeriod == 0 {
		d.CircuitBreaker.MonitoringPeriod = 60 * time.Second
	}
	if d.HealthCheck.Interval == 0 {
		d.HealthCheck.Interval = 30 * time.Second
	}
	if d.HealthCheck.Timeout == 0 {
		d.HealthCheck.Timeout = 5 * time.Second
	}
}

// Validate enforces the hard-error invariants of spec §3/§4.7: missing
// endpoints, or non-list capabilities/tools, rejects the entire reload.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return orcherr.New(orcherr.Validation, "descriptor missing name")
	}
	if len(d.Endpoints) == 0 {
		return orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q: at least one endpoint required", d.Name))
	}
	for epName, ep := range d.Endpoints {
		switch ep.Transport {
		case TransportHTTP:
			if ep.URL == "" {
				return orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q endpoint %q: http transport requires url", d.Name, epName))
			}
		case TransportSubprocess:
			if ep.Command == "" {
				return orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q endpoint %q: subprocess transport requires command", d.Name, epName))
			}
		default:
			return orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q endpoint %q: unresolvable transport %q", d.Name, epName, ep.Transport))
		}
	}
	if d.Capabilities == nil {
		return orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q: capabilities must be a list", d.Name))
	}
	if d.Tools == nil {
		return orcherr.New(orcherr.Validation, fmt.Sprintf("descriptor %q: tools must be a list", d.Name))
	}
	return nil
}
