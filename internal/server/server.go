// Package server exposes an engine over WebSocket and serves its metrics.
//
// Protocol on /ws: the server first sends the full state as one Event,
// then one Event per applied change. Clients send Events; an Event without
// a session is stamped with the connection's session. Malformed messages
// are answered with {"error": "..."} and the connection stays open.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/ir"
)

const (
	writeWait       = 10 * time.Second
	maxMessageSize  = 16 << 20
	shutdownTimeout = 5 * time.Second
)

// Server serves one engine.
type Server struct {
	engine       *engine.Engine
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves g on /metrics. Without it /metrics is not mounted.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// New returns a server for e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:       e,
		logger:       slog.Default(),
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

type errorMessage struct {
	Error string `json:"error"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxMessageSize)

	session := s.engine.NewSession()
	log := s.logger.With("session", session, "remote", r.RemoteAddr)
	log.Info("client connected")

	sub, state := s.engine.Subscribe()
	defer s.engine.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	initial := ir.Event{Session: session, Changes: make([]ir.EventChange, len(state))}
	for i, vc := range state {
		initial.Changes[i] = ir.EventChangeFrom(vc)
	}
	if err := s.write(conn, initial); err != nil {
		log.Warn("send initial state failed", "error", err)
		return
	}

	// Only the writer goroutine below touches conn for writing.
	replies := make(chan errorMessage, 8)
	go s.readLoop(ctx, cancel, conn, session, replies, log)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("client disconnected")
			return

		case ev, ok := <-sub.C:
			if !ok {
				log.Warn("subscription ended")
				s.closeWith(conn, websocket.CloseTryAgainLater, "subscription ended")
				return
			}
			if err := s.write(conn, ev); err != nil {
				log.Debug("write failed", "error", err)
				return
			}

		case msg := <-replies:
			if err := s.write(conn, msg); err != nil {
				log.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, session string, replies chan<- errorMessage, log *slog.Logger) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := ir.UnmarshalEvent(data)
		if err != nil {
			log.Debug("bad message", "error", err)
			select {
			case replies <- errorMessage{Error: err.Error()}:
			case <-ctx.Done():
				return
			}
			continue
		}
		if ev.Session == "" {
			ev.Session = session
		}
		if !s.engine.Enqueue(ev) {
			log.Warn("engine stopped, dropping event")
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
