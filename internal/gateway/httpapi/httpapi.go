// Package httpapi implements the HTTP API gateway for Monios.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/monios/internal/gateway"
	"github.com/jkaninda/monios/internal/observability"
	"github.com/jkaninda/monios/internal/protocol"
	"github.com/jkaninda/monios/internal/queue"
	"github.com/jkaninda/monios/internal/ratelimit"
	"github.com/jkaninda/monios/internal/sandbox"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// defaultChatWait bounds how long POST /v1/chat blocks for the agent
// reply. Slightly above the agent client's own 120s chat timeout so the
// queue's error event arrives before we give up.
const defaultChatWait = 150 * time.Second

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8090"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	ChatWait       time.Duration     // Max time POST /v1/chat blocks. 0 = 150s default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	coord   *sandbox.Coordinator
	queue   *queue.Manager
	events  *gateway.Broker
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket event endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, coord *sandbox.Coordinator, q *queue.Manager, events *gateway.Broker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		coord:   coord,
		queue:   q,
		events:  events,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Monios",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Used for the WebSocket event endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/chat", g.handleChat,
		okapi.DocSummary("Send a message to the user's sandboxed agent"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(ChatResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/chat/status", g.handleChatStatus,
		okapi.DocSummary("Inspect the user's message queue"),
		okapi.DocTags("Chat"),
		okapi.DocResponse(queue.UserStatus{}),
	)
	g.group.Post("/chat/clear", g.handleChatClear,
		okapi.DocSummary("Reset the agent conversation and drop the resume token"),
		okapi.DocTags("Chat"),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Get("/sandbox", g.handleSandboxGet,
		okapi.DocSummary("Look up the user's sandbox without creating one"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandbox", g.handleSandboxDelete,
		okapi.DocSummary("Terminate the user's sandbox"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(map[string]string{}),
	)

	// Extra handlers (e.g., WebSocket event endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      3 * time.Minute, // chat responses block on the agent
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ChatRequest is the JSON body for POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the JSON response for POST /v1/chat.
type ChatResponse struct {
	Status     string          `json:"status"` // "ok", "skipped" or "cancelled"
	MessageID  string          `json:"message_id,omitempty"`
	Content    string          `json:"content,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	ToolEvents json.RawMessage `json:"tool_events,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

func (g *Gateway) handleChat(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.AbortBadRequest("message is required")
	}

	// Subscribe before enqueueing so the terminal event cannot slip past
	// between Enqueue returning and the wait loop starting.
	sub, cancel := g.events.Subscribe(userID)
	defer cancel()

	res := g.queue.Enqueue(c.Context(), userID, req.Message)
	switch res.Status {
	case queue.StatusSkipped:
		return c.OK(ChatResponse{Status: "skipped"})
	case queue.StatusQueueFull:
		return c.AbortTooManyRequests("message queue is full")
	}

	g.logger.Info("chat queued",
		slog.String("user_id", userID),
		slog.String("message_id", res.MessageID),
		slog.Int("position", res.Position),
	)

	wait := g.config.ChatWait
	if wait <= 0 {
		wait = defaultChatWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case ev := <-sub:
			if ev.MessageID != res.MessageID || !ev.Terminal() {
				continue
			}
			switch ev.Type {
			case protocol.EventResponse:
				return c.OK(ChatResponse{
					Status:     "ok",
					MessageID:  ev.MessageID,
					Content:    ev.Content,
					SessionID:  ev.SessionID,
					ToolEvents: ev.ToolEvents,
				})
			case protocol.EventCancelled:
				return c.OK(ChatResponse{
					Status:    "cancelled",
					MessageID: ev.MessageID,
					Reason:    ev.Reason,
				})
			default:
				g.logger.Error("chat turn failed",
					slog.String("user_id", userID),
					slog.String("message_id", ev.MessageID),
					slog.String("error", ev.Error),
				)
				return c.AbortInternalServerError("processing failed")
			}
		case <-timer.C:
			return c.JSON(http.StatusGatewayTimeout, ErrorBody{Error: "timed out waiting for agent reply"})
		case <-c.Context().Done():
			return c.Context().Err()
		}
	}
}

func (g *Gateway) handleChatStatus(c *okapi.Context) error {
	userID := c.GetString("userID")
	return c.OK(g.queue.Status(userID))
}

func (g *Gateway) handleChatClear(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	if err := g.coord.ClearSession(c.Context(), userID); err != nil {
		g.logger.Error("clearing session",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("clearing session failed")
	}
	return c.OK(map[string]string{"status": "cleared"})
}

// SandboxResponse is the JSON response for GET /v1/sandbox.
type SandboxResponse struct {
	SandboxID   string `json:"sandbox_id"`
	AgentURL    string `json:"agent_url"`
	TerminalURL string `json:"terminal_url,omitempty"`
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	userID := c.GetString("userID")

	sb, err := g.coord.Lookup(c.Context(), userID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNoSandbox) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "no sandbox for user"})
		}
		g.logger.Error("sandbox lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("sandbox lookup failed")
	}

	return c.OK(SandboxResponse{
		SandboxID:   sb.Handle.ID(),
		AgentURL:    sb.BaseURL,
		TerminalURL: sb.TerminalURL,
	})
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	if err := g.coord.Terminate(c.Context(), userID); err != nil {
		g.logger.Error("sandbox termination failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("termination failed")
	}
	return c.OK(map[string]string{"status": "terminated"})
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}
