// Package runtime abstracts the cloud sandbox provider. The coordinator
// depends only on the Runtime and Handle interfaces; the HTTP driver talks
// to a machines-style REST API and MockRuntime backs the tests.
package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the provider does not know the sandbox ID.
	ErrNotFound = errors.New("sandbox not found")
	// ErrAPIError is returned on non-2xx provider responses.
	ErrAPIError = errors.New("runtime API error")
)

// Defaults mirror the hosted agent workload profile.
const (
	DefaultCPUs           = 1.0
	DefaultMemoryMB       = 512
	DefaultTimeoutSeconds = 3600 // wall clock cap on sandbox lifetime
	DefaultIdleTimeout    = 300 * time.Second
	AgentPort             = 8080
	TerminalPort          = 8081
)

// Spec describes a sandbox to create.
type Spec struct {
	Name               string
	Image              string
	CPUs               float64
	MemoryMB           int
	TimeoutSeconds     int
	IdleTimeoutSeconds int
	Env                map[string]string
	// Volumes maps volume name to mount path inside the sandbox.
	Volumes map[string]string
	// EncryptedPorts are exposed through TLS tunnels.
	EncryptedPorts []int
}

// ApplyDefaults fills zero-valued resource fields.
func (s *Spec) ApplyDefaults() {
	if s.CPUs == 0 {
		s.CPUs = DefaultCPUs
	}
	if s.MemoryMB == 0 {
		s.MemoryMB = DefaultMemoryMB
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if s.IdleTimeoutSeconds == 0 {
		s.IdleTimeoutSeconds = int(DefaultIdleTimeout.Seconds())
	}
}

// Tunnel is a public endpoint for a sandbox port.
type Tunnel struct {
	URL       string `json:"url"`
	Port      int    `json:"port"`
	Encrypted bool   `json:"encrypted"`
}

// ExecResult holds the outcome of a command run inside the sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime provisions and reattaches sandboxes.
type Runtime interface {
	// CreateSandbox provisions a new sandbox and waits until it is running.
	CreateSandbox(ctx context.Context, spec Spec) (Handle, error)

	// FromID reattaches to an existing sandbox. Returns ErrNotFound when
	// the provider no longer knows the ID.
	FromID(ctx context.Context, id string) (Handle, error)

	// EnsureVolume creates the named persistent volume if it does not
	// already exist. Idempotent.
	EnsureVolume(ctx context.Context, name string) error
}

// Handle is a live reference to one sandbox.
type Handle interface {
	ID() string

	// Poll reports whether the sandbox is still running.
	Poll(ctx context.Context) (bool, error)

	// Tunnels returns the public endpoints keyed by sandbox port.
	Tunnels(ctx context.Context) (map[int]Tunnel, error)

	// Exec runs a command inside the sandbox and waits for it.
	Exec(ctx context.Context, args ...string) (ExecResult, error)

	// WriteFile places a file inside the sandbox filesystem.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Terminate destroys the sandbox. Safe to call more than once.
	Terminate(ctx context.Context) error
}
