// Package janitor sweeps the sandbox registry in the background, removing
// creation claims that outlived their TTL and ready entries whose sandbox
// is gone. The coordinator heals these lazily per user; the janitor keeps
// the registry from accumulating garbage for users who never come back.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/monios/internal/registry"
	"github.com/jkaninda/monios/internal/runtime"
)

// Janitor owns the sweep schedule and logic.
type Janitor struct {
	store  registry.Store
	rt     runtime.Runtime
	ttl    time.Duration // claim TTL, matches the coordinator's
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a janitor. The store must also implement registry.Lister
// for sweeps to do anything.
func New(store registry.Store, rt runtime.Runtime, ttl time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:  store,
		rt:     rt,
		ttl:    ttl,
		logger: logger,
	}
}

// Start schedules sweeps per spec (cron expression or @every descriptor)
// and returns immediately.
func (j *Janitor) Start(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("registry sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("janitor started", slog.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Sweep scans the registry once and returns how many entries it removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	lister, ok := j.store.(registry.Lister)
	if !ok {
		return 0, nil
	}

	entries, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing registry: %w", err)
	}

	now := time.Now().UTC()
	removed := 0
	for userID, entry := range entries {
		reason, drop := j.classify(ctx, entry, now)
		if !drop {
			continue
		}
		if err := j.store.Delete(ctx, userID); err != nil {
			j.logger.Warn("removing registry entry",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		j.logger.Info("swept registry entry",
			slog.String("user_id", userID),
			slog.String("sandbox_id", entry.SandboxID),
			slog.String("reason", reason),
		)
	}
	return removed, nil
}

func (j *Janitor) classify(ctx context.Context, entry registry.Entry, now time.Time) (string, bool) {
	switch entry.State {
	case registry.StateCreating:
		if entry.Stale(now, j.ttl) {
			return "stale claim", true
		}
	case registry.StateReady:
		handle, err := j.rt.FromID(ctx, entry.SandboxID)
		if errors.Is(err, runtime.ErrNotFound) {
			return "sandbox gone", true
		}
		if err != nil {
			return "", false // provider hiccup, try next sweep
		}
		alive, err := handle.Poll(ctx)
		if err == nil && !alive {
			return "sandbox dead", true
		}
	}
	return "", false
}
