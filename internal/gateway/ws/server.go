// Package ws implements the WebSocket event stream. Clients connect with
// their API key, receive every queue lifecycle event for their user, and
// may submit chat messages over the same connection.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/monios/internal/gateway"
	"github.com/jkaninda/monios/internal/observability"
	"github.com/jkaninda/monios/internal/queue"
)

const subprotocol = "monios-v1"

// writeTimeout bounds a single event write to a client.
const writeTimeout = 10 * time.Second

// Server upgrades connections and streams queue events to each client.
type Server struct {
	apiKeys map[string]string // API key -> user ID
	events  *gateway.Broker
	queue   *queue.Manager
	metrics *observability.MetricsCollector // nil = no metrics
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a WebSocket event server.
func NewServer(apiKeys map[string]string, events *gateway.Broker, q *queue.Manager, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	return &Server{
		apiKeys: apiKeys,
		events:  events,
		queue:   q,
		metrics: metrics,
		logger:  logger,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := s.authenticate(r)
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, userID)
}

// authenticate resolves the user ID from the token query parameter or a
// Bearer Authorization header.
func (s *Server) authenticate(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return ""
	}
	for key, userID := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return userID
		}
	}
	return ""
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
		defer s.metrics.WSConnections.Dec()
	}

	s.logger.Info("websocket client connected", slog.String("user_id", userID))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, unsubscribe := s.events.Subscribe(userID)
	defer unsubscribe()

	// Writer: pump the user's events to the client.
	go func() {
		defer cancel()
		for {
			select {
			case <-connCtx.Done():
				return
			case ev := <-sub:
				if err := s.writeEvent(connCtx, conn, ev); err != nil {
					s.logger.Debug("websocket write failed",
						slog.String("user_id", userID),
						slog.String("error", err.Error()),
					)
					return
				}
				if s.metrics != nil {
					s.metrics.WSEventsTotal.WithLabelValues(string(ev.Type)).Inc()
				}
			}
		}
	}()

	// Reader: accept chat submissions until the client disconnects.
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("websocket client disconnected", slog.String("user_id", userID))
			} else if connCtx.Err() == nil {
				s.logger.Warn("websocket connection error",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg Submission
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.Message) == "" {
			s.logger.Warn("invalid websocket message", slog.String("user_id", userID))
			continue
		}

		// Outcomes arrive as events on this same connection.
		s.queue.Enqueue(connCtx, userID, msg.Message)
	}
}

// Submission is a chat message sent by the client over the socket.
type Submission struct {
	Message string `json:"message"`
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) track(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Close terminates all live connections. Used during shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
