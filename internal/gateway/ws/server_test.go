package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/monios/internal/gateway"
	"github.com/jkaninda/monios/internal/protocol"
	"github.com/jkaninda/monios/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*httptest.Server, *gateway.Broker) {
	t.Helper()
	logger := testLogger()
	broker := gateway.NewBroker(logger)

	echo := queue.TurnFunc(func(ctx context.Context, userID, content string) (*queue.TurnResult, error) {
		return &queue.TurnResult{Content: "echo: " + content, SessionID: "sess-1"}, nil
	})
	mgr := queue.NewManager(echo, broker.Publish, nil, nil, logger)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(shutdownCtx)
	})

	srv := NewServer(map[string]string{"key-1": "alice"}, broker, mgr, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return ts, broker
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + query
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return ev
}

func TestChatOverWebSocket(t *testing.T) {
	ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "?token=key-1"), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	payload, _ := json.Marshal(Submission{Message: "hello"})
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got protocol.Event
	for {
		got = readEvent(t, ctx, conn)
		if got.Terminal() {
			break
		}
	}
	if got.Type != protocol.EventResponse {
		t.Fatalf("terminal event = %+v, want response", got)
	}
	if got.Content != "echo: hello" || got.UserID != "alice" {
		t.Errorf("unexpected response event: %+v", got)
	}
}

func TestEventsPublishedElsewhereReachTheSocket(t *testing.T) {
	ts, broker := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, "?token=key-1"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to subscribe after the handshake.
	time.Sleep(50 * time.Millisecond)
	broker.Publish(protocol.Event{Type: protocol.EventQueued, UserID: "alice", MessageID: "m1"})

	ev := readEvent(t, ctx, conn)
	if ev.Type != protocol.EventQueued || ev.MessageID != "m1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRejectsBadToken(t *testing.T) {
	ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, wsURL(ts, "?token=wrong"), nil); err == nil {
		t.Error("Dial should fail with a bad token")
	}
	if _, _, err := websocket.Dial(ctx, wsURL(ts, ""), nil); err == nil {
		t.Error("Dial should fail without a token")
	}
}
