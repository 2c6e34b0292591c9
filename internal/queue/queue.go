// Package queue serializes each user's messages into FIFO agent turns.
// One processor goroutine per active user, started lazily and exited when
// the user's queue drains. Control tokens (cancel/stop/wait/urgent) steer
// the in-flight turn but never reorder the queue: a control message sent
// while a turn runs is still enqueued behind everything already pending,
// and only skipped when the user is idle.
//
// Cancellation is cooperative. A turn in flight is signalled through its
// context and a flag; the flag is checked before the agent call and again
// after it returns, so a turn is never killed mid-write.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/monios/internal/protocol"
)

// DefaultMaxQueueSize bounds each user's pending queue.
const DefaultMaxQueueSize = 10

// errBackoff is slept between turns once infrastructure errors repeat, so
// a dead sandbox does not burn the queue through a tight failure loop.
const errBackoff = 250 * time.Millisecond

// TurnResult is the agent's reply for one message.
type TurnResult struct {
	Content    string
	SessionID  string
	ToolEvents json.RawMessage
}

// TurnRunner executes one agent turn. The sandbox coordinator implements
// this through TurnFunc.
type TurnRunner interface {
	RunTurn(ctx context.Context, userID, content string) (*TurnResult, error)
}

// TurnFunc adapts a function to TurnRunner.
type TurnFunc func(ctx context.Context, userID, content string) (*TurnResult, error)

func (f TurnFunc) RunTurn(ctx context.Context, userID, content string) (*TurnResult, error) {
	return f(ctx, userID, content)
}

// EventSink receives queue lifecycle events. Must not block.
type EventSink func(protocol.Event)

// Message is one queued user submission.
type Message struct {
	ID         string
	UserID     string
	Content    string
	EnqueuedAt time.Time
}

// EnqueueStatus is the immediate outcome of an Enqueue call.
type EnqueueStatus string

const (
	// StatusQueued means the message entered the queue.
	StatusQueued EnqueueStatus = "queued"
	// StatusQueueFull means the message was dropped: queue at capacity.
	StatusQueueFull EnqueueStatus = "queue_full"
	// StatusSkipped means the message was a control token sent while the
	// user was idle; there was nothing to cancel or wait on.
	StatusSkipped EnqueueStatus = "skipped"
)

// EnqueueResult reports what happened to a submission.
type EnqueueResult struct {
	Status    EnqueueStatus
	MessageID string
	// Position is the 1-based queue position for StatusQueued.
	Position int
}

// UserStatus is a point-in-time snapshot of one user's queue.
type UserStatus struct {
	QueueSize        int    `json:"queue_size"`
	MaxQueueSize     int    `json:"max_queue_size"`
	IsProcessing     bool   `json:"is_processing"`
	CurrentMessageID string `json:"current_message_id,omitempty"`
	CancelRequested  bool   `json:"cancel_requested"`
}

// Config tunes the manager.
type Config struct {
	MaxQueueSize int `json:"max_queue_size" yaml:"max_queue_size"`
}

func (c *Config) QueueSize() int {
	if c == nil || c.MaxQueueSize <= 0 {
		return DefaultMaxQueueSize
	}
	return c.MaxQueueSize
}

// Manager owns all per-user queues.
type Manager struct {
	runner  TurnRunner
	sink    EventSink
	maxSize int
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	users  map[string]*userQueue
	closed bool
	wg     sync.WaitGroup
}

type userQueue struct {
	pending []Message
	running bool // processor goroutine alive

	// Current turn, nil when idle.
	current *turnState
}

type turnState struct {
	messageID string
	cancel    context.CancelFunc
	cancelled bool
}

// NewManager creates a queue manager. sink may be nil.
func NewManager(runner TurnRunner, sink EventSink, cfg *Config, metrics *Metrics, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = func(protocol.Event) {}
	}
	return &Manager{
		runner:  runner,
		sink:    sink,
		maxSize: cfg.QueueSize(),
		logger:  logger,
		metrics: metrics,
		users:   make(map[string]*userQueue),
	}
}

// control token classification.
type action int

const (
	actionEnqueue action = iota
	actionCancel
	actionWait
	actionUrgent
)

// classify interprets control tokens. Returns the action and the content
// that would be enqueued: for urgent messages the prefix is stripped, for
// everything else the trimmed original.
func classify(content string) (action, string) {
	trimmed := strings.TrimSpace(content)
	switch strings.ToLower(trimmed) {
	case "cancel", "/cancel", "stop", "/stop":
		return actionCancel, trimmed
	case "wait", "/wait":
		return actionWait, trimmed
	}
	lower := strings.ToLower(trimmed)
	if rest, ok := strings.CutPrefix(lower, "urgent:"); ok {
		// Preserve original casing of the payload.
		return actionUrgent, strings.TrimSpace(trimmed[len(trimmed)-len(rest):])
	}
	if strings.HasPrefix(trimmed, "!") {
		return actionUrgent, strings.TrimSpace(trimmed[1:])
	}
	return actionEnqueue, trimmed
}

// Enqueue submits a message for the user. Control tokens steer the turn
// in flight and then join the FIFO queue like any other message; sent
// while idle, cancel/stop/wait are skipped outright. Urgency never
// reorders or drops pending messages, it only cancels the current turn.
// Never blocks on a full queue.
func (m *Manager) Enqueue(ctx context.Context, userID, content string) EnqueueResult {
	act, payload := classify(content)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return EnqueueResult{Status: StatusQueueFull}
	}

	uq := m.users[userID]
	if uq == nil {
		uq = &userQueue{}
		m.users[userID] = uq
	}

	switch act {
	case actionCancel, actionWait:
		if uq.current == nil {
			m.count("skipped")
			return EnqueueResult{Status: StatusSkipped}
		}
		if act == actionCancel {
			m.cancelLocked(userID, uq)
		}
		// Queued behind everything pending, to run once the current turn
		// settles.
		return m.pushLocked(userID, uq, payload)

	case actionUrgent:
		m.cancelLocked(userID, uq)
		return m.pushLocked(userID, uq, payload)

	default:
		return m.pushLocked(userID, uq, payload)
	}
}

// cancelLocked flags the in-flight turn, if any.
func (m *Manager) cancelLocked(userID string, uq *userQueue) {
	if uq.current == nil {
		return
	}
	uq.current.cancelled = true
	uq.current.cancel()
	m.count("cancel_requested")
	m.logger.Info("turn cancellation requested",
		slog.String("user_id", userID),
		slog.String("message_id", uq.current.messageID),
	)
}

// pushLocked appends a message and ensures a processor runs.
func (m *Manager) pushLocked(userID string, uq *userQueue, content string) EnqueueResult {
	if len(uq.pending) >= m.maxSize {
		id := protocol.NewMessageID()
		m.emit(protocol.Event{
			Type:           protocol.EventQueueFull,
			MessageID:      id,
			UserID:         userID,
			QueueRemaining: len(uq.pending),
		})
		m.count("dropped")
		m.logger.Warn("message dropped, queue full",
			slog.String("user_id", userID),
			slog.Int("depth", len(uq.pending)),
		)
		return EnqueueResult{Status: StatusQueueFull, MessageID: id}
	}

	msg := Message{
		ID:         protocol.NewMessageID(),
		UserID:     userID,
		Content:    content,
		EnqueuedAt: time.Now().UTC(),
	}
	uq.pending = append(uq.pending, msg)
	m.count("queued")
	m.emit(protocol.Event{
		Type:           protocol.EventQueued,
		MessageID:      msg.ID,
		UserID:         userID,
		QueueRemaining: len(uq.pending),
	})

	if !uq.running {
		uq.running = true
		m.wg.Add(1)
		go m.process(userID)
	}

	return EnqueueResult{Status: StatusQueued, MessageID: msg.ID, Position: len(uq.pending)}
}

// process drains one user's queue, one turn at a time. Each message
// starts with a fresh cancellation flag; a flag set during the previous
// turn never bleeds into the next one.
func (m *Manager) process(userID string) {
	defer m.wg.Done()

	var consecutiveErrs int
	for {
		m.mu.Lock()
		uq := m.users[userID]
		if uq == nil || len(uq.pending) == 0 || m.closed {
			if uq != nil {
				uq.running = false
			}
			m.mu.Unlock()
			return
		}
		msg := uq.pending[0]
		uq.pending = uq.pending[1:]
		remaining := len(uq.pending)

		turnCtx, cancel := context.WithCancel(context.Background())
		state := &turnState{messageID: msg.ID, cancel: cancel}
		uq.current = state
		m.mu.Unlock()

		m.emit(protocol.Event{
			Type:           protocol.EventProcessingStarted,
			MessageID:      msg.ID,
			UserID:         userID,
			QueueRemaining: remaining,
		})

		failed := m.runTurn(turnCtx, userID, msg, state)

		cancel()
		m.mu.Lock()
		uq.current = nil
		m.mu.Unlock()

		if failed {
			consecutiveErrs++
			if consecutiveErrs > 1 {
				time.Sleep(errBackoff)
			}
		} else {
			consecutiveErrs = 0
		}
	}
}

// runTurn executes one turn with cooperative cancellation checks on both
// sides of the agent call. Reports whether the turn failed, so the caller
// can back off when the agent or sandbox keeps erroring.
func (m *Manager) runTurn(ctx context.Context, userID string, msg Message, state *turnState) bool {
	if m.cancelledNow(state) {
		m.emit(protocol.Event{
			Type:      protocol.EventCancelled,
			MessageID: msg.ID,
			UserID:    userID,
			Reason:    "cancelled",
		})
		m.count("cancelled")
		return false
	}

	start := time.Now()
	result, err := m.runner.RunTurn(ctx, userID, msg.Content)
	m.observeTurn(time.Since(start))

	if m.cancelledNow(state) {
		// The user cancelled while the agent was working; the reply is
		// suppressed.
		m.emit(protocol.Event{
			Type:      protocol.EventCancelled,
			MessageID: msg.ID,
			UserID:    userID,
			Reason:    "cancelled",
		})
		m.count("cancelled")
		return false
	}

	if err != nil {
		m.emit(protocol.Event{
			Type:      protocol.EventError,
			MessageID: msg.ID,
			UserID:    userID,
			Error:     err.Error(),
		})
		m.count("error")
		m.logger.Error("agent turn failed",
			slog.String("user_id", userID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return true
	}

	m.emit(protocol.Event{
		Type:       protocol.EventResponse,
		MessageID:  msg.ID,
		UserID:     userID,
		Content:    result.Content,
		SessionID:  result.SessionID,
		ToolEvents: result.ToolEvents,
	})
	m.count("completed")
	return false
}

func (m *Manager) cancelledNow(state *turnState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return state.cancelled
}

// Status snapshots one user's queue.
func (m *Manager) Status(userID string) UserStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := UserStatus{MaxQueueSize: m.maxSize}
	uq := m.users[userID]
	if uq == nil {
		return st
	}
	st.QueueSize = len(uq.pending)
	if uq.current != nil {
		st.IsProcessing = true
		st.CurrentMessageID = uq.current.messageID
		st.CancelRequested = uq.current.cancelled
	}
	return st
}

// Shutdown stops accepting messages, cancels in-flight turns, and waits
// for processors to exit or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for userID, uq := range m.users {
		m.cancelLocked(userID, uq)
		uq.pending = nil
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emit(ev protocol.Event) {
	ev.Timestamp = time.Now().UTC()
	m.sink(ev)
}

func (m *Manager) count(outcome string) {
	if m.metrics != nil {
		m.metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) observeTurn(d time.Duration) {
	if m.metrics != nil {
		m.metrics.TurnDuration.Observe(d.Seconds())
	}
}
