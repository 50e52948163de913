// Package api serves the listen-mode HTTP surface: snapshot and stats
// endpoints, an SSE frame stream, the Prometheus registry, and the
// producer websocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scopevis/scopevis/internal/export"
	"github.com/scopevis/scopevis/internal/feed"
	"github.com/scopevis/scopevis/internal/logging"
	"github.com/scopevis/scopevis/internal/track"
)

// Server is the HTTP API server
type Server struct {
	tracker *track.Tracker
	source  *feed.SocketSource
	opts    export.Options
	log     *slog.Logger

	mux    *http.ServeMux
	srv    *http.Server
	sseHub *SSEHub
}

// Config wires the server's collaborators. Source and Registry are
// optional; without a source no /feed route is mounted, without a
// registry no /metrics.
type Config struct {
	Addr     string
	Tracker  *track.Tracker
	Source   *feed.SocketSource
	Registry *prometheus.Registry
	Export   export.Options
	Logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{
		tracker: cfg.Tracker,
		source:  cfg.Source,
		opts:    cfg.Export,
		log:     log,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
	}
	s.setupRoutes(cfg.Registry)
	s.srv = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s
}

func (s *Server) setupRoutes(reg *prometheus.Registry) {
	s.mux.HandleFunc("/api/snapshot", s.snapshotHandler())
	s.mux.HandleFunc("/api/stats", s.statsHandler())
	s.mux.HandleFunc("/api/anomalies", s.anomaliesHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())

	if reg != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	if s.source != nil {
		s.mux.Handle("/feed", s.source.Handler())
	}
}

// Handler exposes the routed mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until the context is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	go s.sseHub.Run()
	go s.pump(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.log.Info("api server listening", "addr", s.srv.Addr)

	select {
	case <-ctx.Done():
		s.sseHub.CloseAll()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// pump forwards tracker change signals to the SSE clients as frames
func (s *Server) pump(ctx context.Context) {
	changes := s.tracker.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			frame := export.Build(s.tracker.Current(), s.opts)
			s.sseHub.Broadcast(SSEEvent{Type: "snapshot", Data: frame})
			s.sseHub.Broadcast(SSEEvent{Type: "stats", Data: statsToResponse(s.tracker.Stats(), s.producer())})
		}
	}
}

func (s *Server) producer() string {
	if s.source == nil {
		return ""
	}
	return s.source.Producer()
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
