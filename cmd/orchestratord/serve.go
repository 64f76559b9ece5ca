package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/client"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/logging"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/observer"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/orchestrator"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/registry"
	"github.com/omnigapai/paestro-orchestrator-mcp/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the discovery registry, resilient clients, and workflow engine as a long-lived process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// stack bundles the three subsystems plus their shared collaborators —
// the composition root spec.md §2 describes, built bottom-up: breaker →
// pool → resilient client → registry → engine.
type stack struct {
	dispatcher *observer.Dispatcher
	reg        *registry.Registry
	fileLoader *registry.FileLoader
	health     *registry.HealthChecker
	mgr        *orchestrator.Manager
	engine     *workflow.Engine
}

func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{Debug: cfg.Log.Debug, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	dispatcher := observer.NewDispatcher()
	dispatcher.Register(observer.ObserverFunc(func(ev observer.Event) {
		log.Info("event", loggingFields(ev)...)
	}))

	reg := registry.New(dispatcher, log)

	fileLoader, err := registry.NewFileLoader(reg, dispatcher, cfg.RegistryPath, cfg.ReloadDebounce, log)
	if err != nil {
		return nil, fmt.Errorf("build file loader: %w", err)
	}
	if err := fileLoader.LoadOnce(); err != nil {
		log.Warn("initial registry load failed, continuing with an empty registry", zapErr(err))
	}

	if cfg.Discovery.EnvScan {
		reg.ScanEnv()
	}
	if cfg.Discovery.DNS {
		go reg.WatchDNS(ctx, cfg.Discovery.DNSDomain, cfg.HealthCheckInterval)
	}
	if cfg.Discovery.Multicast {
		go reg.ListenMulticast(ctx, cfg.Discovery.MulticastAddr)
	}
	if cfg.Discovery.Cluster {
		go reg.PollClusterAPI(ctx, cfg.Discovery.ClusterAPIURL, cfg.Discovery.ClusterNamespace, cfg.HealthCheckInterval)
	}

	health := registry.NewHealthChecker(reg, cfg.HealthCheckInterval)
	go health.Run(ctx)

	retry := client.RetryConfig{
		BaseDelay:    cfg.Retry.BaseDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     cfg.Retry.MaxDelay,
		JitterFactor: cfg.Retry.JitterFactor,
		MaxRetries:   cfg.Retry.DefaultMaxRetries,
	}
	mgr := orchestrator.New(reg, dispatcher, retry, log)

	engine := workflow.New(workflow.Config{
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		MaxConcurrentSteps:     cfg.MaxConcurrentSteps,
		HistoryRetention:       cfg.HistoryRetention,
	}, mgr, dispatcher, log)

	return &stack{dispatcher: dispatcher, reg: reg, fileLoader: fileLoader, health: health, mgr: mgr, engine: engine}, nil
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	stopWatch := make(chan struct{})
	go func() {
		if err := s.fileLoader.Watch(stopWatch); err != nil {
			fmt.Fprintf(os.Stderr, "registry watch stopped: %v\n", err)
		}
	}()
	defer close(stopWatch)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
