// Package descriptor defines the Service Descriptor data model (spec §3):
// the unit the Discovery Registry maintains for each downstream MCP.
package descriptor

import "time"

// Status is the descriptor's lifecycle status.
type Status string

const (
	StatusActive     Status = "active"
	StatusDiscovered Status = "discovered"
	StatusFailed     Status = "failed"
)

// Source identifies which discovery mechanism produced a descriptor.
type Source string

const (
	SourceFile      Source = "file"
	SourceEnv       Source = "env"
	SourceDNS       Source = "dns"
	SourceMulticast Source = "multicast"
	SourceCluster   Source = "cluster"
)

// Transport identifies how an Endpoint is reached.
type Transport string

const (
	TransportHTTP       Transport = "http"
	TransportSubprocess Transport = "subprocess"
)

// Endpoint describes one way to reach a service.
type Endpoint struct {
	Transport  Transport         `json:"transport" yaml:"transport"`
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"`
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HealthCheckMode selects how the registry probes a service.
type HealthCheckMode string

const (
	HealthCheckHTTPPath HealthCheckMode = "http_path"
	HealthCheckToolCall HealthCheckMode = "tool_call"
)

// HealthCheckConfig controls periodic liveness probing.
type HealthCheckConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Mode     HealthCheckMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Path     string          `json:"path,omitempty" yaml:"path,omitempty"`
	ToolName string          `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Interval time.Duration   `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  time.Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CircuitBreakerConfig controls the per-service breaker's thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ResetTimeout     time.Duration `json:"reset_timeout,omitempty" yaml:"reset_timeout,omitempty"`
	MonitoringPeriod time.Duration `json:"monitoring_period,omitempty" yaml:"monitoring_period,omitempty"`
}

// Descriptor is the authoritative record of one downstream MCP.
type Descriptor struct {
	Name         string                 `json:"name" yaml:"name"`
	Version      string                 `json:"version" yaml:"version"`
	Status       Status                 `json:"status" yaml:"status"`
	Priority     int                    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Weight       int                    `json:"weight,omitempty" yaml:"weight,omitempty"`
	Endpoints    map[string]Endpoint    `json:"endpoints" yaml:"endpoints"`
	Capabilities []string               `json:"capabilities" yaml:"capabilities"`
	Tools        []string               `json:"tools" yaml:"tools"`
	Dependencies []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	HealthCheck  HealthCheckConfig      `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`

	Source          Source    `json:"source" yaml:"source"`
	Healthy         bool      `json:"healthy" yaml:"healthy"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty" yaml:"last_health_check,omitempty"`
	LastError       string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
}

// PrimaryEndpoint returns the "primary" endpoint, or any single endpoint
// if "primary" isn't named (invariant: at least one resolvable endpoint
// exists by the time a descriptor is registered).
func (d *Descriptor) PrimaryEndpoint() (Endpoint, bool) {
	if ep, ok := d.Endpoints["primary"]; ok {
		return ep, true
	}
	for _, ep := range d.Endpoints {
		return ep, true
	}
	return Endpoint{}, false
}

// HasCapability reports whether tag is in the descriptor's capability set.
func (d *Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// HasTool reports whether name is in the descriptor's tool set.
func (d *Descriptor) HasTool(name string) bool {
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy safe for handing to a reader while the
// registry continues mutating its own map entries.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Endpoints = make(map[string]Endpoint, len(d.Endpoints))
	for k, v := range d.Endpoints {
		ep := v
		ep.Args = append([]string(nil), v.Args...)
		if v.Headers != nil {
			ep.Headers = make(map[string]string, len(v.Headers))
			for hk, hv := range v.Headers {
				ep.Headers[hk] = hv
			}
		}
		c.Endpoints[k] = ep
	}
	c.Capabilities = append([]string(nil), d.Capabilities...)
	c.Tools = append([]string(nil), d.Tools...)
	c.Dependencies = append([]string(nil), d.Dependencies...)
	return &c
}
