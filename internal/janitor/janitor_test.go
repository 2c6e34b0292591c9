package janitor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jkaninda/monios/internal/registry"
	"github.com/jkaninda/monios/internal/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSweepRemovesStaleClaimsAndDeadSandboxes(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	rt := runtime.NewMockRuntime()

	live, err := rt.CreateSandbox(ctx, runtime.Spec{Name: "monios-sb-alice"})
	if err != nil {
		t.Fatal(err)
	}
	dead, err := rt.CreateSandbox(ctx, runtime.Spec{Name: "monios-sb-bob"})
	if err != nil {
		t.Fatal(err)
	}
	rt.Kill(dead.ID())

	now := time.Now().UTC()
	entries := map[string]registry.Entry{
		// Healthy ready entry, kept.
		"alice": {State: registry.StateReady, SandboxID: live.ID(), UpdatedAt: now},
		// Ready entry pointing at a dead sandbox, swept.
		"bob": {State: registry.StateReady, SandboxID: dead.ID(), UpdatedAt: now},
		// Ready entry whose sandbox the provider forgot, swept.
		"carol": {State: registry.StateReady, SandboxID: "sb-vanished", UpdatedAt: now},
		// Stale creation claim, swept.
		"dave": {State: registry.StateCreating, Token: "tok-1", UpdatedAt: now.Add(-3 * time.Minute)},
		// Fresh creation claim, kept.
		"erin": {State: registry.StateCreating, Token: "tok-2", UpdatedAt: now},
	}
	for userID, entry := range entries {
		if err := store.Put(ctx, userID, entry); err != nil {
			t.Fatal(err)
		}
	}

	j := New(store, rt, 2*time.Minute, testLogger())
	removed, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	for _, userID := range []string{"alice", "erin"} {
		if _, err := store.Get(ctx, userID); err != nil {
			t.Errorf("%s should survive the sweep: %v", userID, err)
		}
	}
	for _, userID := range []string{"bob", "carol", "dave"} {
		if _, err := store.Get(ctx, userID); err == nil {
			t.Errorf("%s should have been swept", userID)
		}
	}
}

func TestSweepIsNoOpWithoutLister(t *testing.T) {
	type storeOnly struct{ registry.Store }

	j := New(storeOnly{registry.NewMemoryStore()}, runtime.NewMockRuntime(), time.Minute, testLogger())
	removed, err := j.Sweep(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("Sweep = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(registry.NewMemoryStore(), runtime.NewMockRuntime(), time.Minute, testLogger())
	if err := j.Start("not a cron spec"); err == nil {
		t.Error("Start should reject an invalid schedule")
	}
}

func TestStartAndStop(t *testing.T) {
	j := New(registry.NewMemoryStore(), runtime.NewMockRuntime(), time.Minute, testLogger())
	if err := j.Start("@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}
