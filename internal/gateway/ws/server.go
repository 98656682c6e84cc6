// Package ws streams workflow lifecycle events to WebSocket clients.
// Dashboards and SOC tooling connect, optionally authenticate with a
// token, and receive JSON-encoded orchestrator events in real time.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/coralproto/coral/internal/orchestrator"
)

const writeTimeout = 5 * time.Second

// Config configures the event stream server.
type Config struct {
	// Token guards the endpoint; empty disables authentication.
	Token string
}

// Server upgrades connections and fans orchestrator events out to them.
type Server struct {
	engine *orchestrator.Engine
	cfg    Config
	logger *slog.Logger
}

// NewServer creates an event stream server over the given engine.
func NewServer(engine *orchestrator.Engine, cfg Config, logger *slog.Logger) *Server {
	return &Server{engine: engine, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"coral-events-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.streamEvents(r.Context(), conn, r.RemoteAddr)
}

// streamEvents subscribes to the engine and forwards events until the
// client disconnects or the subscription closes.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, remote string) {
	events, cancel := s.engine.Subscribe()
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	s.logger.Info("event stream client connected", slog.String("remote", remote))

	// Reader goroutine: we send only, but reads surface disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			s.logger.Info("event stream client disconnected", slog.String("remote", remote))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Warn("event write failed",
					slog.String("remote", remote),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
