package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jkaninda/monios/internal/config"
	"github.com/jkaninda/monios/internal/observability"
	"github.com/jkaninda/monios/internal/registry"
	"github.com/jkaninda/monios/internal/runtime"
	"github.com/jkaninda/monios/internal/sandbox"
	"github.com/jkaninda/monios/internal/session"
	"github.com/jkaninda/monios/internal/workspace"
)

// core holds the components shared by the serve and tools commands.
type core struct {
	Workspace *workspace.Workspace
	Store     registry.Store
	Runtime   runtime.Runtime
	Sessions  session.Tracker
	Coord     *sandbox.Coordinator
	Obs       *observability.Observability
	Logger    *slog.Logger

	closers []func() error
}

// Cleanup releases resources in reverse construction order.
func (c *core) Cleanup() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.Logger.Warn("cleanup", slog.String("error", err.Error()))
		}
	}
}

// buildCore constructs the registry store, runtime driver, session tracker
// and coordinator from config.
func buildCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{Logger: logger}

	ws, err := workspace.New(cfg.ResolvedDataDir())
	if err != nil {
		return nil, err
	}
	c.Workspace = ws

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	c.Obs = obs

	// Registry store.
	gormCfg := registry.GormConfig{
		Driver: cfg.Registry.RegistryDriver(),
		Path:   cfg.DatabasePath(),
	}
	if cfg.Registry != nil {
		gormCfg.JournalMode = cfg.Registry.JournalMode
		gormCfg.DSN = cfg.Registry.DSN
		gormCfg.MaxOpenConns = cfg.Registry.MaxOpenConns
		gormCfg.MaxIdleConns = cfg.Registry.MaxIdleConns
	}
	store, err := registry.OpenGorm(gormCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	c.Store = store
	c.closers = append(c.closers, store.Close)

	// Sandbox runtime.
	switch cfg.Runtime.RuntimeDriver() {
	case "mock":
		c.Runtime = runtime.NewMockRuntime()
		logger.Warn("using mock sandbox runtime")
	default:
		c.Runtime = runtime.NewHTTPRuntime(cfg.Runtime.BaseURL, cfg.Runtime.Token, logger,
			runtime.WithPollInterval(cfg.Runtime.PollInterval()),
		)
	}

	// Resume token tracker.
	switch cfg.Session.SessionDriver() {
	case "store":
		tracker, err := session.NewGormTracker(store.DB())
		if err != nil {
			return nil, fmt.Errorf("opening session tracker: %w", err)
		}
		c.Sessions = tracker
	default:
		tracker, err := session.NewFileTracker(cfg.SessionPath())
		if err != nil {
			return nil, fmt.Errorf("opening session tracker: %w", err)
		}
		c.Sessions = tracker
	}

	// Coordinator, with metrics when observability is on.
	var sbMetrics *sandbox.Metrics
	if obs.Metrics != nil {
		sbMetrics = sandbox.NewMetrics(obs.Metrics.Registry)
	}
	sandboxCfg := cfg.Sandbox
	if sandboxCfg == nil {
		sandboxCfg = &sandbox.Config{}
	}
	if sandboxCfg.AgentServerLocalPath == "" {
		sandboxCfg.AgentServerLocalPath = ws.AgentServerPath()
	}
	c.Coord = sandbox.NewCoordinator(store, c.Runtime, c.Sessions, sandboxCfg, sbMetrics, logger)

	return c, nil
}

// apiKeys merges the configured key-to-user mapping with the
// MONIOS_API_KEYS env var ("key:user,key2:user2").
func apiKeys(cfg *config.HTTPGatewayConfig) map[string]string {
	keys := make(map[string]string)
	if cfg != nil {
		for k, u := range cfg.APIKeyUserMapping {
			keys[k] = u
		}
	}
	for _, pair := range strings.Split(os.Getenv("MONIOS_API_KEYS"), ",") {
		key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && key != "" && user != "" {
			keys[key] = user
		}
	}
	return keys
}
