package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// bootstrap takes a freshly created sandbox to a usable agent: runtime
// deps present, agent server on the volume, process started, health green.
// Every step is idempotent so a reclaimed half-bootstrapped sandbox can be
// bootstrapped again.
func (c *Coordinator) bootstrap(ctx context.Context, sb *Sandbox) error {
	if err := c.ensureAgentDeps(ctx, sb); err != nil {
		return err
	}
	if err := c.ensureAgentServer(ctx, sb); err != nil {
		return err
	}
	if err := c.startAgentServer(ctx, sb); err != nil {
		return err
	}
	if err := c.waitHealthy(ctx, sb); err != nil {
		return err
	}
	return nil
}

// ensureAgentDeps probes for the agent's runtime dependencies and installs
// them only when the probe fails. On a warm volume this is a single exec.
func (c *Coordinator) ensureAgentDeps(ctx context.Context, sb *Sandbox) error {
	probe, err := sb.Handle.Exec(ctx, "python3", "-c", "import fastapi, uvicorn, httpx")
	if err != nil {
		return fmt.Errorf("probing agent deps: %w", err)
	}
	if probe.ExitCode == 0 {
		return nil
	}

	c.logger.Info("installing agent dependencies", slog.String("sandbox_id", sb.Handle.ID()))
	install, err := sb.Handle.Exec(ctx, "pip", "install", "--quiet", "fastapi", "uvicorn", "httpx")
	if err != nil {
		return fmt.Errorf("installing agent deps: %w", err)
	}
	if install.ExitCode != 0 {
		return fmt.Errorf("installing agent deps: exit %d: %s", install.ExitCode, install.Stderr)
	}
	return nil
}

// ensureAgentServer makes sure the agent server script exists on the
// volume, uploading the local copy when configured.
func (c *Coordinator) ensureAgentServer(ctx context.Context, sb *Sandbox) error {
	path := c.cfg.ServerPath()
	check, err := sb.Handle.Exec(ctx, "test", "-f", path)
	if err != nil {
		return fmt.Errorf("checking agent server: %w", err)
	}
	if check.ExitCode == 0 {
		return nil
	}

	if c.cfg.AgentServerLocalPath == "" {
		return fmt.Errorf("agent server missing at %s and no local copy configured", path)
	}
	data, err := os.ReadFile(c.cfg.AgentServerLocalPath)
	if err != nil {
		return fmt.Errorf("reading local agent server: %w", err)
	}
	if err := sb.Handle.WriteFile(ctx, path, data); err != nil {
		return fmt.Errorf("uploading agent server: %w", err)
	}
	c.logger.Info("agent server uploaded",
		slog.String("sandbox_id", sb.Handle.ID()),
		slog.String("path", path),
	)
	return nil
}

// startAgentServer launches the agent detached. Starting an already
// running server is harmless: the port bind fails and the old process
// keeps serving.
func (c *Coordinator) startAgentServer(ctx context.Context, sb *Sandbox) error {
	cmd := fmt.Sprintf("nohup python3 %s >%s/agent.log 2>&1 &", c.cfg.ServerPath(), c.cfg.Mount())
	res, err := sb.Handle.Exec(ctx, "sh", "-c", cmd)
	if err != nil {
		return fmt.Errorf("starting agent server: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("starting agent server: exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// waitHealthy polls the agent health endpoint until it answers.
func (c *Coordinator) waitHealthy(ctx context.Context, sb *Sandbox) error {
	agent := c.agentFor(sb)
	deadline := time.Now().Add(c.healthWait)
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = agent.Health(ctx); lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent did not become healthy within %s: %w", c.healthWait, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
