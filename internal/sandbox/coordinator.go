// Package sandbox coordinates per-user sandbox lifecycles. The hard part
// is the creation claim: the registry store only offers get/set/delete, so
// mutual exclusion across gateway replicas is emulated by writing a tokened
// Creating entry and re-reading it. Two replicas can still both finish a
// creation; the publish step resolves that by letting the last writer win
// and having the loser terminate its own sandbox.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/monios/internal/registry"
	"github.com/jkaninda/monios/internal/runtime"
	"github.com/jkaninda/monios/internal/session"
)

// ErrNoSandbox is returned by Lookup when the user has no live sandbox.
var ErrNoSandbox = errors.New("no sandbox for user")

// errStaleClaim signals that a Creating entry outlived its TTL.
var errStaleClaim = errors.New("stale creation claim")

// Config tunes the coordinator. Zero values fall back to defaults that
// match the hosted deployment.
type Config struct {
	// ClaimTTLSeconds is how long a Creating entry is trusted before a
	// peer may reclaim it. Covers create + bootstrap under normal load.
	ClaimTTLSeconds int `json:"claim_ttl_seconds" yaml:"claim_ttl_seconds"`
	// ReadyWaitSeconds bounds how long GetOrCreate waits on a peer's
	// fresh claim before treating it as stale.
	ReadyWaitSeconds int `json:"ready_wait_seconds" yaml:"ready_wait_seconds"`
	// Image is the sandbox container image.
	Image string `json:"image" yaml:"image"`
	// VolumeMount is where the user volume is mounted in the sandbox.
	VolumeMount string `json:"volume_mount" yaml:"volume_mount"`
	// AgentServerPath is the agent server script location on the volume.
	AgentServerPath string `json:"agent_server_path" yaml:"agent_server_path"`
	// AgentServerLocalPath, when set, is uploaded to AgentServerPath if
	// the script is missing from the volume.
	AgentServerLocalPath string `json:"agent_server_local_path" yaml:"agent_server_local_path"`
	// Env is passed into the sandbox (API keys for the agent, etc.).
	Env map[string]string `json:"env" yaml:"env"`
}

func (c *Config) ClaimTTL() time.Duration {
	if c == nil || c.ClaimTTLSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (c *Config) ReadyWait() time.Duration {
	if c == nil || c.ReadyWaitSeconds <= 0 {
		return 180 * time.Second
	}
	return time.Duration(c.ReadyWaitSeconds) * time.Second
}

func (c *Config) Mount() string {
	if c == nil || c.VolumeMount == "" {
		return "/data"
	}
	return c.VolumeMount
}

func (c *Config) ServerPath() string {
	if c == nil || c.AgentServerPath == "" {
		return "/data/agent_server.py"
	}
	return c.AgentServerPath
}

// AgentAPI is the in-sandbox agent surface the coordinator depends on.
// *AgentClient implements it; tests substitute fakes.
type AgentAPI interface {
	Health(ctx context.Context) error
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Clear(ctx context.Context) error
}

// AgentDialer builds an AgentAPI for a sandbox's agent base URL.
type AgentDialer func(baseURL string) AgentAPI

// Sandbox is a resolved, usable sandbox.
type Sandbox struct {
	Handle      runtime.Handle
	BaseURL     string // agent HTTP endpoint (port 8080 tunnel)
	TerminalURL string // browser terminal (port 8081 tunnel)
}

// Coordinator owns sandbox resolution for all users. All state is on the
// struct; callers construct one per process and share it.
type Coordinator struct {
	reg      registry.Store
	rt       runtime.Runtime
	sessions session.Tracker
	cfg      *Config
	dial     AgentDialer
	logger   *slog.Logger
	metrics  *Metrics

	// Poll cadences; fields so tests can shrink them.
	readPoll       time.Duration
	healthWait     time.Duration
	healthInterval time.Duration
	claimRetries   int

	mu    sync.Mutex
	cache map[string]*Sandbox
	// agents memoizes agent clients by base URL, so a replacement sandbox
	// with a new tunnel never inherits a client pointed at the dead one.
	agents map[string]AgentAPI
}

// NewCoordinator wires a coordinator. A nil dialer defaults to the real
// HTTP agent client; nil metrics disables instrumentation.
func NewCoordinator(reg registry.Store, rt runtime.Runtime, sessions session.Tracker, cfg *Config, metrics *Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		reg:      reg,
		rt:       rt,
		sessions: sessions,
		cfg:      cfg,
		dial:     func(baseURL string) AgentAPI { return NewAgentClient(baseURL) },
		logger:   logger,
		metrics:  metrics,

		readPoll:       2 * time.Second,
		healthWait:     60 * time.Second,
		healthInterval: time.Second,
		claimRetries:   3,

		cache:  make(map[string]*Sandbox),
		agents: make(map[string]AgentAPI),
	}
}

// WithDialer replaces the agent client factory.
func (c *Coordinator) WithDialer(dial AgentDialer) *Coordinator {
	c.dial = dial
	return c
}

// Lookup resolves the user's live sandbox without ever creating one.
// Stale registry entries discovered along the way are deleted; that is the
// only write Lookup performs.
func (c *Coordinator) Lookup(ctx context.Context, userID string) (*Sandbox, error) {
	// Cached handle first, verified against the runtime.
	c.mu.Lock()
	cached := c.cache[userID]
	c.mu.Unlock()
	if cached != nil {
		alive, err := cached.Handle.Poll(ctx)
		if err == nil && alive {
			return cached, nil
		}
		c.dropCache(userID)
	}

	entry, err := c.reg.Get(ctx, userID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrNoSandbox
	}
	if err != nil {
		return nil, fmt.Errorf("looking up sandbox for %s: %w", userID, err)
	}

	switch entry.State {
	case registry.StateCreating:
		if entry.Stale(time.Now().UTC(), c.cfg.ClaimTTL()) {
			c.deleteEntry(ctx, userID, "stale claim")
		}
		return nil, ErrNoSandbox
	case registry.StateReady:
		sb, err := c.adopt(ctx, userID, entry.SandboxID)
		if err != nil {
			c.deleteEntry(ctx, userID, "dead sandbox")
			return nil, ErrNoSandbox
		}
		return sb, nil
	default:
		c.deleteEntry(ctx, userID, "unknown state")
		return nil, ErrNoSandbox
	}
}

// GetOrCreate resolves the user's sandbox, creating and bootstrapping one
// when needed. Safe to call concurrently from multiple replicas; exactly
// one sandbox per user survives.
func (c *Coordinator) GetOrCreate(ctx context.Context, userID string) (*Sandbox, error) {
	if sb, err := c.Lookup(ctx, userID); err == nil {
		return sb, nil
	} else if !errors.Is(err, ErrNoSandbox) {
		return nil, err
	}

	// A few full passes: each pass either waits out a peer's claim or
	// attempts its own. Bounded so a flapping store cannot spin forever.
	for attempt := 0; attempt < 3; attempt++ {
		entry, err := c.reg.Get(ctx, userID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			// No claim. Try ours.
		case err != nil:
			return nil, fmt.Errorf("reading registry for %s: %w", userID, err)
		case entry.State == registry.StateReady:
			if sb, adoptErr := c.adopt(ctx, userID, entry.SandboxID); adoptErr == nil {
				return sb, nil
			}
			c.deleteEntry(ctx, userID, "dead sandbox")
		case entry.Stale(time.Now().UTC(), c.cfg.ClaimTTL()):
			c.counter("stale_reclaimed")
			c.deleteEntry(ctx, userID, "stale claim")
		default:
			// Fresh claim held by a peer: wait for it to publish.
			sb, waitErr := c.waitForReady(ctx, userID)
			if waitErr == nil {
				return sb, nil
			}
			if !errors.Is(waitErr, errStaleClaim) && !errors.Is(waitErr, ErrNoSandbox) {
				return nil, waitErr
			}
			continue
		}

		sb, claimErr := c.claimAndCreate(ctx, userID)
		if claimErr == nil {
			return sb, nil
		}
		if errors.Is(claimErr, errClaimLost) {
			continue
		}
		return nil, claimErr
	}
	return nil, fmt.Errorf("could not resolve sandbox for %s: retries exhausted", userID)
}

// errClaimLost means another replica's claim won; restart resolution.
var errClaimLost = errors.New("creation claim lost")

// claimAndCreate runs the claim, provision, bootstrap, and publish steps.
func (c *Coordinator) claimAndCreate(ctx context.Context, userID string) (*Sandbox, error) {
	token := uuid.New().String()
	claim := registry.Entry{State: registry.StateCreating, Token: token, UpdatedAt: time.Now().UTC()}
	if err := c.reg.Put(ctx, userID, claim); err != nil {
		return nil, fmt.Errorf("writing creation claim for %s: %w", userID, err)
	}

	// Read-after-write: with no CAS, the only way to learn whether the
	// claim stuck is to read it back and compare tokens.
	current, err := c.readBack(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Token != token {
		c.counter("claim_lost")
		c.logger.Info("creation claim lost to peer", slog.String("user_id", userID))
		return nil, errClaimLost
	}
	c.counter("claim_won")

	volume := runtime.VolumeName(userID)
	if err := c.rt.EnsureVolume(ctx, volume); err != nil {
		c.abandonClaim(ctx, userID, token)
		return nil, fmt.Errorf("provisioning volume for %s: %w", userID, err)
	}

	spec := runtime.Spec{
		Name:           runtime.SandboxName(userID),
		Image:          c.cfg.Image,
		Env:            c.cfg.Env,
		Volumes:        map[string]string{volume: c.cfg.Mount()},
		EncryptedPorts: []int{runtime.AgentPort, runtime.TerminalPort},
	}
	spec.ApplyDefaults()

	start := time.Now()
	handle, err := c.rt.CreateSandbox(ctx, spec)
	if err != nil {
		c.counter("create_failed")
		c.abandonClaim(ctx, userID, token)
		return nil, fmt.Errorf("creating sandbox for %s: %w", userID, err)
	}

	sb, err := c.connect(ctx, handle)
	if err == nil {
		err = c.bootstrap(ctx, sb)
	}
	if err != nil {
		c.counter("bootstrap_failed")
		if sb != nil {
			c.forgetAgent(sb.BaseURL)
		}
		if termErr := handle.Terminate(ctx); termErr != nil {
			c.logger.Warn("terminating failed sandbox",
				slog.String("sandbox_id", handle.ID()),
				slog.String("error", termErr.Error()),
			)
		}
		c.abandonClaim(ctx, userID, token)
		return nil, fmt.Errorf("bootstrapping sandbox for %s: %w", userID, err)
	}
	c.observeBootstrap(time.Since(start))

	// Publish, then re-read. If a peer published over us, last writer
	// wins: keep theirs, terminate ours.
	ready := registry.Entry{
		State:     registry.StateReady,
		SandboxID: handle.ID(),
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.reg.Put(ctx, userID, ready); err != nil {
		return nil, fmt.Errorf("publishing sandbox for %s: %w", userID, err)
	}
	current, err = c.readBack(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.State == registry.StateReady && current.SandboxID != handle.ID() {
		c.counter("publish_lost")
		c.logger.Info("publish race lost, terminating own sandbox",
			slog.String("user_id", userID),
			slog.String("loser", handle.ID()),
			slog.String("winner", current.SandboxID),
		)
		c.forgetAgent(sb.BaseURL)
		_ = handle.Terminate(ctx)
		return c.adopt(ctx, userID, current.SandboxID)
	}

	c.counter("created")
	c.logger.Info("sandbox ready",
		slog.String("user_id", userID),
		slog.String("sandbox_id", handle.ID()),
	)
	c.storeCache(userID, sb)
	return sb, nil
}

// readBack re-reads the user's entry, retrying transient store errors.
// Returns nil (no error) when the entry vanished.
func (c *Coordinator) readBack(ctx context.Context, userID string) (*registry.Entry, error) {
	var lastErr error
	for i := 0; i < c.claimRetries; i++ {
		entry, err := c.reg.Get(ctx, userID)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("re-reading registry for %s: %w", userID, lastErr)
}

// abandonClaim deletes the claim entry, but only if it is still ours.
func (c *Coordinator) abandonClaim(ctx context.Context, userID, token string) {
	entry, err := c.reg.Get(ctx, userID)
	if err != nil || entry.Token != token {
		return
	}
	c.deleteEntry(ctx, userID, "abandoned claim")
}

// waitForReady polls the registry while a peer's claim is fresh.
func (c *Coordinator) waitForReady(ctx context.Context, userID string) (*Sandbox, error) {
	deadline := time.Now().Add(c.cfg.ReadyWait())
	ticker := time.NewTicker(c.readPoll)
	defer ticker.Stop()

	for {
		entry, err := c.reg.Get(ctx, userID)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			// Peer gave up; caller may claim.
			return nil, ErrNoSandbox
		case err != nil:
			return nil, fmt.Errorf("waiting on sandbox for %s: %w", userID, err)
		case entry.State == registry.StateReady:
			sb, adoptErr := c.adopt(ctx, userID, entry.SandboxID)
			if adoptErr != nil {
				c.deleteEntry(ctx, userID, "dead sandbox")
				return nil, ErrNoSandbox
			}
			return sb, nil
		case entry.Stale(time.Now().UTC(), c.cfg.ClaimTTL()):
			return nil, errStaleClaim
		}

		if time.Now().After(deadline) {
			return nil, errStaleClaim
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// adopt attaches to an existing sandbox by ID and verifies it is alive.
func (c *Coordinator) adopt(ctx context.Context, userID, sandboxID string) (*Sandbox, error) {
	if sandboxID == "" {
		return nil, fmt.Errorf("registry entry for %s has no sandbox id", userID)
	}
	handle, err := c.rt.FromID(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("attaching to sandbox %s: %w", sandboxID, err)
	}
	alive, err := handle.Poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("polling sandbox %s: %w", sandboxID, err)
	}
	if !alive {
		return nil, fmt.Errorf("sandbox %s is not running", sandboxID)
	}
	sb, err := c.connect(ctx, handle)
	if err != nil {
		return nil, err
	}
	c.storeCache(userID, sb)
	return sb, nil
}

// connect resolves the sandbox's tunnel URLs.
func (c *Coordinator) connect(ctx context.Context, handle runtime.Handle) (*Sandbox, error) {
	tunnels, err := handle.Tunnels(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving tunnels for %s: %w", handle.ID(), err)
	}
	agent, ok := tunnels[runtime.AgentPort]
	if !ok {
		return nil, fmt.Errorf("sandbox %s has no agent tunnel", handle.ID())
	}
	return &Sandbox{
		Handle:      handle,
		BaseURL:     agent.URL,
		TerminalURL: tunnels[runtime.TerminalPort].URL,
	}, nil
}

// Terminate tears down the user's sandbox. Idempotent: missing pieces are
// skipped, not errors.
func (c *Coordinator) Terminate(ctx context.Context, userID string) error {
	entry, err := c.reg.Get(ctx, userID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("reading registry for %s: %w", userID, err)
	}

	if err := c.reg.Delete(ctx, userID); err != nil {
		return fmt.Errorf("deleting registry entry for %s: %w", userID, err)
	}

	c.mu.Lock()
	cached := c.cache[userID]
	delete(c.cache, userID)
	if cached != nil {
		delete(c.agents, cached.BaseURL)
	}
	c.mu.Unlock()

	var handle runtime.Handle
	if cached != nil {
		handle = cached.Handle
	} else if entry != nil && entry.SandboxID != "" {
		if h, fromErr := c.rt.FromID(ctx, entry.SandboxID); fromErr == nil {
			handle = h
		}
	}
	if handle != nil {
		if err := handle.Terminate(ctx); err != nil {
			return fmt.Errorf("terminating sandbox for %s: %w", userID, err)
		}
	}

	if c.sessions != nil {
		if err := c.sessions.Clear(ctx, userID); err != nil {
			c.logger.Warn("clearing resume token",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.counter("terminated")
	c.logger.Info("sandbox terminated", slog.String("user_id", userID))
	return nil
}

// Chat resolves the user's sandbox and runs one agent turn, threading the
// resume token through.
func (c *Coordinator) Chat(ctx context.Context, userID, message string) (*ChatResponse, error) {
	sb, err := c.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	agent := c.agentFor(sb)

	var resumeToken string
	if c.sessions != nil {
		if resumeToken, err = c.sessions.Get(ctx, userID); err != nil {
			c.logger.Warn("reading resume token", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}

	resp, err := agent.Chat(ctx, ChatRequest{Message: message, SessionID: resumeToken})
	if err != nil {
		return nil, err
	}

	if c.sessions != nil && resp.SessionID != "" {
		if err := c.sessions.Set(ctx, userID, resp.SessionID); err != nil {
			c.logger.Warn("storing resume token", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
	return resp, nil
}

// ClearSession resets the agent conversation and drops the resume token.
func (c *Coordinator) ClearSession(ctx context.Context, userID string) error {
	sb, err := c.Lookup(ctx, userID)
	if err == nil {
		if clearErr := c.agentFor(sb).Clear(ctx); clearErr != nil {
			return clearErr
		}
	} else if !errors.Is(err, ErrNoSandbox) {
		return err
	}
	if c.sessions != nil {
		return c.sessions.Clear(ctx, userID)
	}
	return nil
}

func (c *Coordinator) agentFor(sb *Sandbox) AgentAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent, ok := c.agents[sb.BaseURL]; ok {
		return agent
	}
	agent := c.dial(sb.BaseURL)
	c.agents[sb.BaseURL] = agent
	return agent
}

func (c *Coordinator) storeCache(userID string, sb *Sandbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[userID] = sb
}

func (c *Coordinator) forgetAgent(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, baseURL)
}

func (c *Coordinator) dropCache(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sb := c.cache[userID]; sb != nil {
		delete(c.agents, sb.BaseURL)
	}
	delete(c.cache, userID)
}

func (c *Coordinator) deleteEntry(ctx context.Context, userID, reason string) {
	if err := c.reg.Delete(ctx, userID); err != nil {
		c.logger.Warn("deleting registry entry",
			slog.String("user_id", userID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Debug("registry entry removed",
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
}

func (c *Coordinator) counter(outcome string) {
	if c.metrics != nil {
		c.metrics.Outcomes.WithLabelValues(outcome).Inc()
	}
}

func (c *Coordinator) observeBootstrap(d time.Duration) {
	if c.metrics != nil {
		c.metrics.BootstrapDuration.Observe(d.Seconds())
	}
}
