// Package config loads the orchestrator process's own tunables (admission
// limits, discovery source toggles, paths). It is independent of the
// registry file's schema-validated JSON/YAML, which is parsed separately
// by internal/registry.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ORCHESTRATOR"

// Config holds every process-level tunable named in spec.md §4-§5.
type Config struct {
	RegistryPath        string        `mapstructure:"registry_path"`
	ReloadDebounce       time.Duration `mapstructure:"reload_debounce"`
	MaxConcurrentWorkflows int         `mapstructure:"max_concurrent_workflows"`
	MaxConcurrentSteps   int           `mapstructure:"max_concurrent_steps"`
	HistoryRetention     time.Duration `mapstructure:"history_retention"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`

	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       LogConfig       `mapstructure:"log"`
}

type DiscoveryConfig struct {
	EnvScan   bool   `mapstructure:"env_scan"`
	DNS       bool   `mapstructure:"dns"`
	DNSDomain string `mapstructure:"dns_domain"`
	Multicast bool   `mapstructure:"multicast"`
	MulticastAddr string `mapstructure:"multicast_addr"`
	Cluster   bool   `mapstructure:"cluster"`
	ClusterAPIURL string `mapstructure:"cluster_api_url"`
	ClusterNamespace string `mapstructure:"cluster_namespace"`
}

type RetryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	Multiplier    float64       `mapstructure:"multiplier"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	JitterFactor  float64       `mapstructure:"jitter_factor"`
	DefaultMaxRetries int       `mapstructure:"default_max_retries"`
}

type LogConfig struct {
	Debug  bool   `mapstructure:"debug"`
	Format string `mapstructure:"format"`
}

// Default returns the baseline configuration before file/env overlays.
func Default() Config {
	return Config{
		RegistryPath:           "registry.json",
		ReloadDebounce:         time.Second,
		MaxConcurrentWorkflows: 50,
		MaxConcurrentSteps:     20,
		HistoryRetention:       24 * time.Hour,
		HealthCheckInterval:    30 * time.Second,
		Discovery: DiscoveryConfig{
			EnvScan: true,
		},
		Retry: RetryConfig{
			BaseDelay:         time.Second,
			Multiplier:        2,
			MaxDelay:          30 * time.Second,
			JitterFactor:      0.1,
			DefaultMaxRetries: 3,
		},
		Log: LogConfig{Format: "console"},
	}
}

// Load reads configuration from an optional file plus ORCHESTRATOR_*
// environment variables, overlaying Default().
func Load(cfgFile string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	bindDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("orchestrator")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("registry_path", cfg.RegistryPath)
	v.SetDefault("reload_debounce", cfg.ReloadDebounce)
	v.SetDefault("max_concurrent_workflows", cfg.MaxConcurrentWorkflows)
	v.SetDefault("max_concurrent_steps", cfg.MaxConcurrentSteps)
	v.SetDefault("history_retention", cfg.HistoryRetention)
	v.SetDefault("health_check_interval", cfg.HealthCheckInterval)
	v.SetDefault("discovery.env_scan", cfg.Discovery.EnvScan)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.multiplier", cfg.Retry.Multiplier)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.jitter_factor", cfg.Retry.JitterFactor)
	v.SetDefault("retry.default_max_retries", cfg.Retry.DefaultMaxRetries)
	v.SetDefault("log.format", cfg.Log.Format)
}
