package gateway

import (
	"log/slog"
	"sync"

	"github.com/jkaninda/monios/internal/protocol"
)

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// falls this far behind starts losing events.
const subscriberBuffer = 64

// Broker fans queue lifecycle events out to per-user subscribers. The
// HTTP gateway subscribes to await a message's terminal event; the
// WebSocket gateway subscribes to stream everything to the client.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan protocol.Event
	nextID int
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[int]chan protocol.Event),
		logger: logger,
	}
}

// Subscribe registers interest in one user's events. The returned cancel
// function must be called to release the subscription.
func (b *Broker) Subscribe(userID string) (<-chan protocol.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan protocol.Event, subscriberBuffer)
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan protocol.Event)
	}
	b.subs[userID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, userID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of ev.UserID. Never blocks:
// a full subscriber channel drops the event.
func (b *Broker) Publish(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				slog.String("user_id", ev.UserID),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}
