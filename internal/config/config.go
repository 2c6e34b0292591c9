// Package config handles loading and validating Monios configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/monios/internal/queue"
	"github.com/jkaninda/monios/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Monios.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.monios/data. Override: MONIOS_DATA_DIR env var.
	Registry      *RegistryConfig      `json:"registry,omitempty" yaml:"registry,omitempty"` // nil = SQLite under the data dir.
	Runtime       RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Sandbox       *sandbox.Config      `json:"sandbox,omitempty" yaml:"sandbox,omitempty"` // nil = defaults.
	Queue         *queue.Config        `json:"queue,omitempty" yaml:"queue,omitempty"`     // nil = defaults.
	Session       *SessionConfig       `json:"session,omitempty" yaml:"session,omitempty"` // nil = file tracker under the data dir.
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor disabled.
}

// RegistryConfig selects the registry store backend.
type RegistryConfig struct {
	Driver       string `json:"driver" yaml:"driver"`                                 // "sqlite" (default) or "postgres".
	Path         string `json:"path,omitempty" yaml:"path,omitempty"`                 // SQLite file. Default: derived from data dir.
	JournalMode  string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"` // "wal" (default).
	DSN          string `json:"dsn,omitempty" yaml:"dsn,omitempty"`                   // PostgreSQL DSN. Override: MONIOS_REGISTRY_DSN.
	MaxOpenConns int    `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns int    `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
}

// RegistryDriver returns the configured driver, defaulting to "sqlite".
func (r *RegistryConfig) RegistryDriver() string {
	if r != nil && r.Driver != "" {
		return r.Driver
	}
	return "sqlite"
}

// RuntimeConfig configures the sandbox provider.
type RuntimeConfig struct {
	Driver         string `json:"driver" yaml:"driver"`     // "http" (default) or "mock" (tests/dev).
	BaseURL        string `json:"base_url" yaml:"base_url"` // Provider API endpoint.
	Token          string `json:"token" yaml:"token"`       // API token. Override: MONIOS_RUNTIME_TOKEN.
	PollIntervalMS int    `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms,omitempty"`
}

// RuntimeDriver returns the configured driver, defaulting to "http".
func (r *RuntimeConfig) RuntimeDriver() string {
	if r.Driver != "" {
		return r.Driver
	}
	return "http"
}

// PollInterval returns the create-wait poll interval.
func (r *RuntimeConfig) PollInterval() time.Duration {
	if r.PollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(r.PollIntervalMS) * time.Millisecond
}

// SessionConfig selects the resume-token tracker backend.
type SessionConfig struct {
	Driver string `json:"driver" yaml:"driver"`                 // "file" (default) or "store" (shares the registry DB).
	Path   string `json:"path,omitempty" yaml:"path,omitempty"` // Token file. Default: derived from data dir.
}

// SessionDriver returns the configured driver, defaulting to "file".
func (s *SessionConfig) SessionDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "file"
}

// GatewaysConfig holds per-gateway settings. nil sub-config = disabled.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WSGatewayConfig   `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8090".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping,omitempty" yaml:"api_key_user_mapping,omitempty"` // Merged with MONIOS_API_KEYS ("key:user,...").
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes,omitempty" yaml:"max_request_size_bytes,omitempty"`
}

// Addr returns the listen address, defaulting to ":8090".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8090"
}

// WSGatewayConfig configures the WebSocket event gateway.
type WSGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "/v1/events".
}

// WSPath returns the WebSocket endpoint path.
func (w *WSGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/events"
}

// RateLimitConfig configures per-user request rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "monios"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// JanitorConfig configures the periodic registry sweep.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron spec. Default: "@every 5m".
}

// CronSpec returns the sweep schedule.
func (j *JanitorConfig) CronSpec() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@every 5m"
}

// DefaultConfigPath returns the default config file path (~/.monios/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/monios.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".monios", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolved, err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets the environment win over file values.
func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("MONIOS_DATA_DIR"); env != "" {
		c.DataDir = env
	}
	if env := os.Getenv("MONIOS_RUNTIME_URL"); env != "" {
		c.Runtime.BaseURL = env
	}
	if env := os.Getenv("MONIOS_RUNTIME_TOKEN"); env != "" {
		c.Runtime.Token = env
	}
	if env := os.Getenv("MONIOS_REGISTRY_DSN"); env != "" {
		if c.Registry == nil {
			c.Registry = &RegistryConfig{Driver: "postgres"}
		}
		c.Registry.DSN = env
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".monios", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path under the data dir.
func (c *Config) DatabasePath() string {
	if c.Registry != nil && c.Registry.Path != "" {
		return c.Registry.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "monios.db")
}

// SessionPath returns the resume-token file path under the data dir.
func (c *Config) SessionPath() string {
	if c.Session != nil && c.Session.Path != "" {
		return c.Session.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sessions.json")
}

func (c *Config) validate() error {
	switch c.Runtime.RuntimeDriver() {
	case "http":
		if c.Runtime.BaseURL == "" {
			return fmt.Errorf("runtime.base_url is required for the http driver")
		}
		if c.Runtime.Token == "" {
			return fmt.Errorf("runtime.token is required for the http driver (or set MONIOS_RUNTIME_TOKEN)")
		}
	case "mock":
		// Nothing to validate; dev/test only.
	default:
		return fmt.Errorf("unknown runtime driver %q", c.Runtime.Driver)
	}

	switch c.Registry.RegistryDriver() {
	case "sqlite":
	case "postgres":
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn is required for the postgres driver (or set MONIOS_REGISTRY_DSN)")
		}
	default:
		return fmt.Errorf("unknown registry driver %q", c.Registry.Driver)
	}

	switch c.Session.SessionDriver() {
	case "file", "store":
	default:
		return fmt.Errorf("unknown session driver %q", c.Session.Driver)
	}

	if c.Gateways.HTTP != nil && c.Gateways.HTTP.Enabled {
		if c.Gateways.HTTP.RateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("gateways.http.rate_limit.requests_per_minute must be >= 0")
		}
	}
	return nil
}
