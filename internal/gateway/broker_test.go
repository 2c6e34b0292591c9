package gateway

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jkaninda/monios/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func recv(t *testing.T, ch <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func TestBrokerRoutesByUser(t *testing.T) {
	b := NewBroker(testLogger())

	aliceCh, cancelAlice := b.Subscribe("alice")
	defer cancelAlice()
	bobCh, cancelBob := b.Subscribe("bob")
	defer cancelBob()

	b.Publish(protocol.Event{Type: protocol.EventQueued, UserID: "alice", MessageID: "m1"})

	if ev := recv(t, aliceCh); ev.MessageID != "m1" {
		t.Errorf("alice got %+v", ev)
	}
	select {
	case ev := <-bobCh:
		t.Errorf("bob should see nothing, got %+v", ev)
	default:
	}
}

func TestBrokerFansOutToAllSubscribers(t *testing.T) {
	b := NewBroker(testLogger())

	ch1, cancel1 := b.Subscribe("alice")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("alice")
	defer cancel2()

	b.Publish(protocol.Event{Type: protocol.EventResponse, UserID: "alice", MessageID: "m1"})

	if ev := recv(t, ch1); ev.Type != protocol.EventResponse {
		t.Errorf("sub1 got %+v", ev)
	}
	if ev := recv(t, ch2); ev.Type != protocol.EventResponse {
		t.Errorf("sub2 got %+v", ev)
	}
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	b := NewBroker(testLogger())

	ch, cancel := b.Subscribe("alice")
	cancel()

	b.Publish(protocol.Event{Type: protocol.EventQueued, UserID: "alice"})

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("got event after cancel: %+v", ev)
		}
	default:
	}
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroker(testLogger())

	ch, cancel := b.Subscribe("alice")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(protocol.Event{Type: protocol.EventQueued, UserID: "alice"})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), subscriberBuffer)
	}
}
