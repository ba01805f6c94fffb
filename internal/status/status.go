// Package status serves the HTTP status surface: liveness, readiness,
// Prometheus metrics, case and port listings and a websocket stream of
// controller notifications.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/logger"
	"github.com/e7canasta/avswitch/internal/metrics"
	"github.com/e7canasta/avswitch/internal/notify"
	"github.com/e7canasta/avswitch/internal/server"
)

// DefaultListen is the status server address.
const DefaultListen = ":8080"

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	eventsBuffer = 32
)

// Source is what the status server reports on.
type Source interface {
	Ready() bool
	Status() server.Status
	Cases() []cases.Info
	Ports() server.Ports
}

// Config configures the status server.
type Config struct {
	Listen  string
	Metrics *metrics.Metrics
	Hub     *notify.Hub
	Logger  *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg     Config
	src     Source
	started time.Time

	upgrader websocket.Upgrader
	seq      atomic.Uint64

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a status server for src.
func New(cfg Config, src Source) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		src:     src,
		started: time.Now(),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router returns the status routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.cfg.Logger))
	r.Use(metrics.RequestMiddleware(s.cfg.Metrics))

	r.Get("/health", s.liveness)
	r.Get("/readiness", s.readiness)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.cfg.Metrics.Handler(func() {
			s.cfg.Metrics.SetCasesActive(s.src.Status().Cases)
		}).ServeHTTP(w, r)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/cases", s.cases)
		r.Get("/ports", s.ports)
	})
	r.Get("/ws/events", s.events)
	return r
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:     s.Router(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.ln = ln
	s.mu.Unlock()

	slog.Info("status: server starting",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/api/status", "/api/cases", "/api/ports", "/ws/events"},
	)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status: server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
// Websocket streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	st := s.src.Status()

	code := http.StatusOK
	state := "ready"
	switch {
	case !s.src.Ready():
		code = http.StatusServiceUnavailable
		state = "unavailable"
	case st.Transitioning || st.Adjusting:
		state = "degraded"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":         state,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"switch":         st,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Status())
}

func (s *Server) cases(w http.ResponseWriter, r *http.Request) {
	list := s.src.Cases()
	if list == nil {
		list = []cases.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) ports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Ports())
}

// events streams notifications to a websocket client as JSON text frames.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("status: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := fmt.Sprintf("ws-%d", s.seq.Add(1))
	ch := make(chan notify.Notification, eventsBuffer)
	if err := s.cfg.Hub.Subscribe(id, ch); err != nil {
		slog.Warn("status: websocket subscribe failed", "client", id, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer s.cfg.Hub.Unsubscribe(id)

	s.cfg.Metrics.IncConnections("websocket")
	slog.Info("status: websocket client connected", "client", id, "remote", r.RemoteAddr)
	defer slog.Info("status: websocket client disconnected", "client", id)

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				slog.Debug("status: websocket write failed", "client", id, "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("status: encode response", "error", err)
	}
}
