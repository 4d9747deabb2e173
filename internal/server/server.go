package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbsync/coordinator/internal/coordinator"
	"github.com/dbsync/coordinator/internal/transport"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config controls the HTTP server's listen address and WebSocket path.
type Config struct {
	Address string
	Port    int
	WSPath  string
}

// Server hosts the coordinator's HTTP surface.
type Server struct {
	cfg   Config
	co    *coordinator.Coordinator
	log   *slog.Logger
	http  *http.Server
}

// New builds a Server wired to co. When metricsHandler is nil, /metrics
// serves the Prometheus default registry.
func New(cfg Config, co *coordinator.Coordinator, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, co: co, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(readTimeout))

	r.Get(cfg.WSPath, s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	port := newWSPort(conn)
	if _, err := s.co.HandleConnection(r.Context(), []transport.Port{port}); err != nil {
		s.log.Warn("failed to handle connection", "error", err)
		_ = conn.Close()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string  `json:"status"`
		RunnerCount int     `json:"runnerCount"`
		UptimeSecs  float64 `json:"uptimeSeconds"`
	}{
		Status:      "ok",
		RunnerCount: s.co.RunnerCount(),
		UptimeSecs:  s.co.Uptime().Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("starting http server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
