package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/monios/internal/config"
	"github.com/jkaninda/monios/internal/gateway"
	"github.com/jkaninda/monios/internal/gateway/httpapi"
	"github.com/jkaninda/monios/internal/gateway/ws"
	"github.com/jkaninda/monios/internal/janitor"
	"github.com/jkaninda/monios/internal/queue"
	"github.com/jkaninda/monios/internal/ratelimit"
	"github.com/jkaninda/monios/internal/registry"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Monios gateway (HTTP API, WebSocket events, janitor)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `monios --config path` and `monios serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8090)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("MONIOS_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting monios", slog.String("config", serveConfigPath))

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Readiness checks.
	if gs, ok := c.Store.(*registry.GormStore); ok {
		c.Obs.Health.AddCheck("registry", func(checkCtx context.Context) error {
			sqlDB, err := gs.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(checkCtx)
		})
	}

	// Event fan-out and the per-user message queue.
	broker := gateway.NewBroker(logger)

	var queueMetrics *queue.Metrics
	if c.Obs.Metrics != nil {
		queueMetrics = queue.NewMetrics(c.Obs.Metrics.Registry)
	}
	runner := queue.TurnFunc(func(turnCtx context.Context, userID, content string) (*queue.TurnResult, error) {
		resp, err := c.Coord.Chat(turnCtx, userID, content)
		if err != nil {
			return nil, err
		}
		return &queue.TurnResult{
			Content:    resp.Content,
			SessionID:  resp.SessionID,
			ToolEvents: resp.ToolEvents,
		}, nil
	})
	manager := queue.NewManager(runner, broker.Publish, cfg.Queue, queueMetrics, logger)

	// Background registry janitor.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		j := janitor.New(c.Store, c.Runtime, cfg.Sandbox.ClaimTTL(), logger)
		if err := j.Start(cfg.Janitor.CronSpec()); err != nil {
			return err
		}
		defer j.Stop()
	}

	keys := apiKeys(cfg.Gateways.HTTP)

	// WebSocket event server (mounted on the HTTP gateway or standalone).
	var wsServer *ws.Server
	if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
		wsServer = ws.NewServer(keys, broker, manager, c.Obs.Metrics, logger)
		defer wsServer.Close()
	}

	gateways := buildGateways(cfg, c, manager, broker, wsServer, keys, logger)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown", slog.String("error", err.Error()))
	}
	c.Obs.Shutdown(shutdownCtx)

	return nil
}

// buildGateways assembles the enabled gateways from config.
func buildGateways(cfg *config.Config, c *core, manager *queue.Manager, broker *gateway.Broker, wsServer *ws.Server, keys map[string]string, logger *slog.Logger) []gateway.Gateway {
	var gateways []gateway.Gateway

	httpCfg := cfg.Gateways.HTTP
	if httpCfg != nil && httpCfg.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		})

		gwCfg := httpapi.Config{
			ListenAddr:     httpCfg.Addr(),
			EnableDocs:     httpCfg.EnableDocs,
			APIKeys:        keys,
			MaxRequestSize: httpCfg.MaxRequestSizeBytes,
			HealthChecker:  c.Obs.Health,
		}
		if c.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = c.Obs.Metrics.Registry
			gwCfg.Metrics = c.Obs.Metrics
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		if c.Obs.Tracer != nil {
			gwCfg.Tracer = c.Obs.Tracer.Tracer()
		}

		httpGw := httpapi.NewGateway(gwCfg, c.Coord, manager, broker, limiter, logger)
		if wsServer != nil {
			httpGw.WithHandler(cfg.Gateways.WebSocket.WSPath(), wsServer.Handler())
		}
		gateways = append(gateways, httpGw)
	} else if wsServer != nil {
		// WebSocket enabled without the HTTP API: serve it standalone.
		gateways = append(gateways, &standaloneWS{
			addr:   cfg.Gateways.HTTP.Addr(),
			path:   cfg.Gateways.WebSocket.WSPath(),
			server: wsServer,
			logger: logger,
		})
	}

	return gateways
}

// standaloneWS hosts the WebSocket event server on its own HTTP listener
// when the HTTP API gateway is disabled.
type standaloneWS struct {
	addr   string
	path   string
	server *ws.Server
	logger *slog.Logger
	http   *http.Server
}

func (s *standaloneWS) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.server.Handler())

	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("websocket gateway starting", slog.String("addr", s.addr), slog.String("path", s.path))

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *standaloneWS) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.server.Close()
	return s.http.Shutdown(ctx)
}
