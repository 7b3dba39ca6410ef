package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/deckhand-ai/deckhand/internal/audit"
	"github.com/deckhand-ai/deckhand/internal/config"
	"github.com/deckhand-ai/deckhand/internal/events"
	"github.com/deckhand-ai/deckhand/internal/intent"
	"github.com/deckhand-ai/deckhand/internal/observability"
	"github.com/deckhand-ai/deckhand/internal/pathguard"
	"github.com/deckhand-ai/deckhand/internal/provider"
	"github.com/deckhand-ai/deckhand/internal/session"
	"github.com/deckhand-ai/deckhand/internal/tools"
)

// defaultNativeCommand is the subprocess argv used when no native
// backend is configured explicitly.
var defaultNativeCommand = []string{"claude"}

// app holds the wired component graph shared by every command.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	auditor  *audit.Logger
	guard    *pathguard.Guard
	tools    *tools.Registry
	enforcer *intent.Enforcer
	watcher  *intent.Watcher
	gateway  *provider.Gateway
	bus      *events.Bus
	registry *session.Registry
}

// buildApp loads configuration and wires every component. The same
// graph backs serve and the one-shot commands.
func buildApp(configPath string, debug bool) (*app, error) {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	guard, err := pathguard.New(cfg.Paths.AllowedRoots, cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("path guard: %w", err)
	}

	auditor, err := audit.NewLogger(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		Output:     cfg.Audit.Output,
		BufferSize: cfg.Audit.BufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(nil)
	}

	toolRegistry, err := tools.NewRegistry(tools.Options{
		Guard:   guard,
		Config:  cfg.Tools,
		Logger:  logger,
		Audit:   auditor,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	hotspots, err := intent.NewHotspots(nil)
	if err != nil {
		return nil, fmt.Errorf("hot-spot defaults: %w", err)
	}
	var watcher *intent.Watcher
	if hotspotPath := resolveHotspotPath(cfg); hotspotPath != "" {
		watcher, err = intent.NewWatcher(hotspotPath, hotspots, logger)
		if err != nil {
			// Live reload is best effort; the defaults stay in force.
			logger.Warn(context.Background(), "hot-spot watcher unavailable", "path", hotspotPath, "error", err)
		}
	}
	enforcer := &intent.Enforcer{
		Enabled:  cfg.Intent.EnforceEditScope,
		Hotspots: hotspots,
	}

	native, openaiAdapter, extraPrefixes := buildAdapters(cfg, toolRegistry, enforcer, logger, auditor)
	gateway, err := provider.NewGateway(provider.GatewayOptions{
		Native:              native,
		OpenAI:              openaiAdapter,
		ExtraOpenAIPrefixes: extraPrefixes,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("provider gateway: %w", err)
	}

	store, err := session.NewStore(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	bus := events.NewBus()
	registry, err := session.NewRegistry(session.Options{
		Store:        store,
		Guard:        guard,
		Gateway:      gateway,
		Bus:          bus,
		Logger:       logger,
		Audit:        auditor,
		Metrics:      metrics,
		DefaultModel: cfg.Agent.DefaultModel,
		MaxTurns:     cfg.Agent.MaxTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("session registry: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		auditor:  auditor,
		guard:    guard,
		tools:    toolRegistry,
		enforcer: enforcer,
		watcher:  watcher,
		gateway:  gateway,
		bus:      bus,
		registry: registry,
	}, nil
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.auditor != nil {
		a.auditor.Close()
	}
}

// buildAdapters instantiates one adapter per configured family. Backends
// are visited in name order, so the first name of each family wins; extra
// model prefixes from every openai backend extend the routing table.
func buildAdapters(cfg *config.Config, registry *tools.Registry, enforcer *intent.Enforcer,
	logger *observability.Logger, auditor *audit.Logger) (native, openaiAdapter provider.Adapter, extraPrefixes []string) {

	names := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		backend := cfg.Backends[name]
		family := backend.Family
		if family == "" {
			family = name
		}
		switch family {
		case "native":
			if native == nil {
				command := backend.Command
				if len(command) == 0 {
					command = defaultNativeCommand
				}
				native = provider.NewNativeAdapter(command, logger)
			}
		case "openai":
			if openaiAdapter == nil {
				openaiAdapter = provider.NewOpenAIAdapter(
					provider.NewAPIStreamFactory(backend),
					registry, enforcer, logger, auditor, backend.Timeout)
			}
			extraPrefixes = append(extraPrefixes, backend.ModelPrefixes...)
		}
	}
	if native == nil {
		native = provider.NewNativeAdapter(defaultNativeCommand, logger)
	}
	return native, openaiAdapter, extraPrefixes
}

// resolveConfig loads the config file from the flag, the environment,
// or the conventional name, falling back to built-in defaults.
func resolveConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("DECKHAND_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("deckhand.yaml"); err == nil {
			path = "deckhand.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// resolveHotspotPath anchors a relative hot-spot file under the first
// allowed root.
func resolveHotspotPath(cfg *config.Config) string {
	path := cfg.Intent.HotspotFile
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	if len(cfg.Paths.AllowedRoots) == 0 {
		return path
	}
	return filepath.Join(cfg.Paths.AllowedRoots[0], path)
}
