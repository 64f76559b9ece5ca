package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/descriptor"
)

// DiscoveryConfig toggles and parameterizes the auxiliary sources of
// spec.md §4.7. Each source only adds descriptors not already present.
type DiscoveryConfig struct {
	EnvScan bool

	DNS       bool
	DNSDomain string

	Multicast     bool
	MulticastAddr string

	Cluster          bool
	ClusterAPIURL    string
	ClusterNamespace string
}

// ScanEnv registers descriptors from MCP_<NAME>_ENDPOINT environment
// variables (spec.md §4.7): URLs beginning with "http" become HTTP
// endpoints, everything else is split on spaces into (command, args) for
// a subprocess endpoint.
func (r *Registry) ScanEnv() {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, "MCP_") || !strings.HasSuffix(key, "_ENDPOINT") {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, "MCP_"), "_ENDPOINT"))
		if name == "" || val == "" {
			continue
		}

		d := &descriptor.Descriptor{Endpoints: map[string]descriptor.Endpoint{}}
		if strings.HasPrefix(val, "http") {
			d.Endpoints["primary"] = descriptor.Endpoint{Transport: descriptor.TransportHTTP, URL: val}
		} else {
			parts := strings.Fields(val)
			if len(parts) == 0 {
				continue
			}
			d.Endpoints["primary"] = descriptor.Endpoint{Transport: descriptor.TransportSubprocess, Command: parts[0], Args: parts[1:]}
		}
		d.Normalize(name)
		d.Source = descriptor.SourceEnv
		r.mergeAuxiliary(name, d)
	}
}

// WatchDNS resolves dnsDomain's SRV records once per interval, registering
// an HTTP descriptor per record.
func (r *Registry) WatchDNS(ctx context.Context, domain string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.pollDNS(domain)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollDNS(domain)
		}
	}
}

func (r *Registry) pollDNS(domain string) {
	_, records, err := net.LookupSRV("", "", domain)
	if err != nil {
		if r.log != nil {
			r.log.Debug("DNS SRV lookup failed", zap.String("domain", domain), zap.Error(err))
		}
		return
	}
	for _, rec := range records {
		target := strings.TrimSuffix(rec.Target, ".")
		name := strings.ToLower(target)
		d := &descriptor.Descriptor{
			Priority:  int(rec.Priority),
			Weight:    int(rec.Weight),
			Endpoints: map[string]descriptor.Endpoint{"primary": {Transport: descriptor.TransportHTTP, URL: fmt.Sprintf("http://%s:%d", target, rec.Port)}},
		}
		d.Normalize(name)
		d.Source = descriptor.SourceDNS
		r.mergeAuxiliary(name, d)
	}
}

// multicastAnnouncement is the shape of a peer's UDP announcement
// (spec.md §4.7).
type multicastAnnouncement struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Port     int    `json:"port"`
	URL      string `json:"url,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// ListenMulticast joins a UDP multicast group and registers an announced
// descriptor per distinct sender, keyed by the announcement's name.
func (r *Registry) ListenMulticast(ctx context.Context, groupAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", groupAddr)
	if err != nil {
		return fmt.Errorf("resolve multicast address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("join multicast group: %w", err)
	}
	go func() {
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(time.Second))
			n, sender, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			var ann multicastAnnouncement
			if err := json.Unmarshal(buf[:n], &ann); err != nil || ann.Type != "mcp_announcement" {
				continue
			}
			r.registerMulticastPeer(ann, sender)
		}
	}()
	return nil
}

func (r *Registry) registerMulticastPeer(ann multicastAnnouncement, sender *net.UDPAddr) {
	name := ann.Name
	if name == "" {
		name = sender.IP.String()
	}
	name = strings.ToLower(name)

	url := ann.URL
	if url == "" {
		url = fmt.Sprintf("http://%s:%d", sender.IP.String(), ann.Port)
	}
	d := &descriptor.Descriptor{
		Endpoints: map[string]descriptor.Endpoint{"primary": {Transport: descriptor.TransportHTTP, URL: url}},
	}
	d.Normalize(name)
	d.Source = descriptor.SourceMulticast
	r.mergeAuxiliary(name, d)
}

// clusterService mirrors the subset of a cluster-API service object this
// registry cares about (name + labels + reachable address), avoiding a
// generated client SDK for one label-filtered list call.
type clusterService struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
	URL    string            `json:"url"`
}

// PollClusterAPI lists services in namespace filtered by label type=mcp
// from a JSON HTTP endpoint, once per interval.
func (r *Registry) PollClusterAPI(ctx context.Context, apiURL, namespace string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.pollCluster(ctx, client, apiURL, namespace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollCluster(ctx, client, apiURL, namespace)
		}
	}
}

func (r *Registry) pollCluster(ctx context.Context, client *http.Client, apiURL, namespace string) {
	url := fmt.Sprintf("%s/namespaces/%s/services?label=type%%3Dmcp", strings.TrimRight(apiURL, "/"), namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		if r.log != nil {
			r.log.Debug("cluster API poll failed", zap.Error(err))
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var services []clusterService
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return
	}
	for _, svc := range services {
		name := strings.ToLower(svc.Name)
		d := &descriptor.Descriptor{
			Endpoints: map[string]descriptor.Endpoint{"primary": {Transport: descriptor.TransportHTTP, URL: svc.URL}},
		}
		d.Normalize(name)
		d.Source = descriptor.SourceCluster
		r.mergeAuxiliary(name, d)
	}
}
