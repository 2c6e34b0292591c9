package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/monios/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects events and lets tests wait for specific ones.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) sink(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

// waitFor blocks until an event matching pred arrives or the timeout hits.
func (r *recorder) waitFor(t *testing.T, pred func(protocol.Event) bool) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range r.all() {
			if pred(ev) {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event not observed; got %+v", r.all())
	return protocol.Event{}
}

func (r *recorder) ofType(t *testing.T, typ protocol.EventType) protocol.Event {
	return r.waitFor(t, func(ev protocol.Event) bool { return ev.Type == typ })
}

// slowRunner echoes messages after a delay, honoring context cancellation.
// With ignoreCtx set it blocks until released, like a real agent call that
// keeps running after a cooperative cancel.
type slowRunner struct {
	delay     time.Duration
	ignoreCtx bool
	mu        sync.Mutex
	seen      []string
	block     chan struct{} // when set, turns wait here
}

func (s *slowRunner) RunTurn(ctx context.Context, _, content string) (*TurnResult, error) {
	if s.block != nil {
		if s.ignoreCtx {
			<-s.block
		} else {
			select {
			case <-s.block:
			case <-ctx.Done():
			}
		}
	} else if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	s.seen = append(s.seen, content)
	s.mu.Unlock()
	return &TurnResult{Content: "echo: " + content, SessionID: "sess-1"}, nil
}

func (s *slowRunner) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		content string
		want    action
		payload string
	}{
		{"hello world", actionEnqueue, "hello world"},
		{"cancel", actionCancel, "cancel"},
		{"/cancel", actionCancel, "/cancel"},
		{"STOP", actionCancel, "STOP"},
		{"/stop", actionCancel, "/stop"},
		{"  wait  ", actionWait, "wait"},
		{"/wait", actionWait, "/wait"},
		{"urgent: Fix The Build", actionUrgent, "Fix The Build"},
		{"URGENT: now", actionUrgent, "now"},
		{"!deploy", actionUrgent, "deploy"},
		{"!", actionUrgent, ""},
		{"cancel the meeting", actionEnqueue, "cancel the meeting"},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			act, payload := classify(tt.content)
			if act != tt.want || payload != tt.payload {
				t.Errorf("classify(%q) = (%v, %q), want (%v, %q)", tt.content, act, payload, tt.want, tt.payload)
			}
		})
	}
}

func TestMessagesProcessedInOrder(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{delay: 5 * time.Millisecond}
	m := NewManager(runner, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		res := m.Enqueue(ctx, "alice", content)
		if res.Status != StatusQueued {
			t.Fatalf("Enqueue(%q) = %v", content, res.Status)
		}
		ids = append(ids, res.MessageID)
	}

	for _, id := range ids {
		rec.waitFor(t, func(ev protocol.Event) bool {
			return ev.Type == protocol.EventResponse && ev.MessageID == id
		})
	}
	got := runner.order()
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", got, want)
		}
	}

	// Each message saw queued -> processing_started -> response.
	var responses int
	for _, ev := range rec.all() {
		if ev.Type == protocol.EventResponse {
			responses++
		}
	}
	if responses != 3 {
		t.Errorf("responses = %d, want 3", responses)
	}
}

func TestQueueFullDropsMessage(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{block: make(chan struct{})}
	m := NewManager(runner, rec.sink, &Config{MaxQueueSize: 2}, nil, testLogger())
	defer close(runner.block)
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	// First message starts processing and blocks; two more fill the queue.
	m.Enqueue(ctx, "alice", "processing")
	rec.ofType(t, protocol.EventProcessingStarted)
	m.Enqueue(ctx, "alice", "pending-1")
	m.Enqueue(ctx, "alice", "pending-2")

	res := m.Enqueue(ctx, "alice", "overflow")
	if res.Status != StatusQueueFull {
		t.Fatalf("overflow Enqueue = %v, want %v", res.Status, StatusQueueFull)
	}
	rec.ofType(t, protocol.EventQueueFull)

	if st := m.Status("alice"); st.QueueSize != 2 {
		t.Errorf("queue size = %d, want 2", st.QueueSize)
	}
}

func TestCancelDuringProcessingSuppressesResponse(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{block: make(chan struct{})}
	m := NewManager(runner, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	res := m.Enqueue(ctx, "alice", "long job")
	rec.ofType(t, protocol.EventProcessingStarted)

	// A cancel sent mid-turn flags the current turn and still takes a
	// queue slot of its own.
	got := m.Enqueue(ctx, "alice", "cancel")
	if got.Status != StatusQueued || got.Position != 1 {
		t.Fatalf("cancel Enqueue = %+v, want queued at position 1", got)
	}
	close(runner.block)

	ev := rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventCancelled && ev.MessageID == res.MessageID
	})
	if ev.Reason != "cancelled" {
		t.Errorf("reason = %q, want cancelled", ev.Reason)
	}
	// The cancelled turn's reply is suppressed; the queued cancel message
	// runs as its own turn afterwards.
	rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventResponse && ev.MessageID == got.MessageID
	})
	for _, ev := range rec.all() {
		if ev.Type == protocol.EventResponse && ev.MessageID == res.MessageID {
			t.Error("cancelled turn still emitted a response")
		}
	}
}

func TestControlTokensSkippedWhenIdle(t *testing.T) {
	for _, content := range []string{"cancel", "stop", "wait"} {
		t.Run(content, func(t *testing.T) {
			rec := &recorder{}
			m := NewManager(&slowRunner{}, rec.sink, nil, nil, testLogger())
			defer m.Shutdown(context.Background())

			res := m.Enqueue(context.Background(), "alice", content)
			if res.Status != StatusSkipped {
				t.Fatalf("Enqueue(%q) = %v, want %v", content, res.Status, StatusSkipped)
			}
			if len(rec.all()) != 0 {
				t.Errorf("idle %s emitted events: %+v", content, rec.all())
			}
			if st := m.Status("alice"); st.QueueSize != 0 || st.IsProcessing {
				t.Errorf("unexpected status %+v", st)
			}
		})
	}
}

func TestWaitDuringProcessingAwaitsCurrentTurn(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{block: make(chan struct{})}
	m := NewManager(runner, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	res := m.Enqueue(ctx, "alice", "long job")
	rec.ofType(t, protocol.EventProcessingStarted)

	got := m.Enqueue(ctx, "alice", "wait")
	if got.Status != StatusQueued {
		t.Fatalf("wait Enqueue = %v, want %v", got.Status, StatusQueued)
	}
	if st := m.Status("alice"); st.CancelRequested {
		t.Error("wait must not request cancellation")
	}
	close(runner.block)

	// The current turn completes normally.
	rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventResponse && ev.MessageID == res.MessageID
	})
}

func TestUrgentCancelsCurrentWithoutReordering(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{block: make(chan struct{})}
	m := NewManager(runner, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	m.Enqueue(ctx, "alice", "first")
	rec.ofType(t, protocol.EventProcessingStarted)
	a := m.Enqueue(ctx, "alice", "A")
	b := m.Enqueue(ctx, "alice", "B")

	res := m.Enqueue(ctx, "alice", "urgent: jump")
	if res.Status != StatusQueued || res.Position != 3 {
		t.Fatalf("urgent Enqueue = %+v, want queued behind the pending messages", res)
	}
	close(runner.block)

	// Urgency cancels the turn in flight but never touches the queue:
	// everything pending still runs, in arrival order.
	rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventResponse && ev.MessageID == res.MessageID
	})
	got := runner.order()
	want := []string{"first", "A", "B", "jump"}
	if len(got) != len(want) {
		t.Fatalf("agent saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("agent saw %v, want %v", got, want)
		}
	}
	for _, ev := range rec.all() {
		if ev.Type == protocol.EventCancelled && (ev.MessageID == a.MessageID || ev.MessageID == b.MessageID) {
			t.Errorf("pending message %s was dropped by urgent", ev.MessageID)
		}
	}
}

func TestStatusReportsCancelRequested(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{block: make(chan struct{}), ignoreCtx: true}
	m := NewManager(runner, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	res := m.Enqueue(ctx, "alice", "long job")
	rec.ofType(t, protocol.EventProcessingStarted)
	m.Enqueue(ctx, "alice", "cancel")

	st := m.Status("alice")
	if !st.IsProcessing || st.CurrentMessageID != res.MessageID {
		t.Errorf("status = %+v, want processing %s", st, res.MessageID)
	}
	if !st.CancelRequested {
		t.Error("cancel_requested not visible while the cancel is pending")
	}
	if st.MaxQueueSize != DefaultMaxQueueSize {
		t.Errorf("max queue size = %d, want %d", st.MaxQueueSize, DefaultMaxQueueSize)
	}
	close(runner.block)

	// Once the next turn starts the flag is cleared.
	rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventCancelled && ev.MessageID == res.MessageID
	})
}

type failingRunner struct{}

func (failingRunner) RunTurn(context.Context, string, string) (*TurnResult, error) {
	return nil, errors.New("sandbox unreachable")
}

func TestTurnErrorEmitsErrorEvent(t *testing.T) {
	rec := &recorder{}
	m := NewManager(failingRunner{}, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	res := m.Enqueue(context.Background(), "alice", "hello")
	ev := rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventError && ev.MessageID == res.MessageID
	})
	if ev.Error == "" {
		t.Error("error event has no error text")
	}
}

func TestProcessorBacksOffOnRepeatedErrors(t *testing.T) {
	rec := &recorder{}
	m := NewManager(failingRunner{}, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	start := time.Now()
	var ids []string
	for _, content := range []string{"a", "b", "c"} {
		ids = append(ids, m.Enqueue(ctx, "alice", content).MessageID)
	}

	// Every message still gets its error event; the loop slows down
	// instead of dying or spinning.
	for _, id := range ids {
		rec.waitFor(t, func(ev protocol.Event) bool {
			return ev.Type == protocol.EventError && ev.MessageID == id
		})
	}
	if elapsed := time.Since(start); elapsed < errBackoff {
		t.Errorf("three failing turns took %s, want at least one %s backoff", elapsed, errBackoff)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	rec := &recorder{}
	runner := &slowRunner{block: make(chan struct{})}
	m := NewManager(runner, rec.sink, nil, nil, testLogger())
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	m.Enqueue(ctx, "alice", "alice blocks")
	rec.ofType(t, protocol.EventProcessingStarted)

	// Bob's cancel must not touch alice's turn.
	m.Enqueue(ctx, "bob", "cancel")
	if st := m.Status("alice"); !st.IsProcessing || st.CancelRequested {
		t.Errorf("alice's turn was affected by bob's cancel: %+v", st)
	}
	close(runner.block)
	rec.waitFor(t, func(ev protocol.Event) bool {
		return ev.Type == protocol.EventResponse && ev.UserID == "alice"
	})
}

func TestShutdownRejectsNewMessages(t *testing.T) {
	m := NewManager(&slowRunner{}, nil, nil, nil, testLogger())
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res := m.Enqueue(context.Background(), "alice", "too late")
	if res.Status != StatusQueueFull {
		t.Errorf("Enqueue after shutdown = %v, want %v", res.Status, StatusQueueFull)
	}
}
