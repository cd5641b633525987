// Package dashboard serves the monitor's HTTP surface: a self-refreshing
// HTML status page, a small JSON API, the liveness check and the Prometheus
// metrics endpoint.
//
// Route layout:
//
//	GET  /                         – HTML status page
//	GET  /healthz                  – liveness check
//	GET  /metrics                  – Prometheus exposition
//	GET  /api/v1/status            – status snapshot (JSON)
//	GET  /api/v1/alerts            – alert history, newest first (JSON)
//	GET  /api/v1/stream            – live alerts over WebSocket (when enabled)
//	POST /api/v1/baseline/reload   – reload the baseline file (JWT when configured)
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwire/fim/internal/alert"
	"github.com/tripwire/fim/internal/status"
)

// Engine is the part of *engine.Engine the dashboard reads from.
type Engine interface {
	Status() status.Snapshot
	Alerts() []alert.Alert
	ReloadBaseline() error
	HealthzHandler(w http.ResponseWriter, r *http.Request)
}

// Server holds the dashboard's dependencies.
type Server struct {
	engine   Engine
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	auth     func(http.Handler) http.Handler
	stream   http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithJWT protects the mutating API routes with JWTMiddleware(cfg).
func WithJWT(cfg JWTConfig) Option {
	return func(s *Server) {
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		s.auth = JWTMiddleware(cfg)
	}
}

// WithStream mounts h, typically a *live.Handler, at /api/v1/stream.
func WithStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

// NewServer returns a Server reading from e.
func NewServer(e Engine, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{engine: e, logger: logger, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.engine.HealthzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		if s.stream != nil {
			r.Get("/stream", s.stream.ServeHTTP)
		}
		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.auth)
			}
			r.Post("/baseline/reload", s.handleReload)
		})
	})
	return r
}

// ListenAndServe serves the router on addr until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dashboard: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	data := pageData{Status: s.engine.Status(), Alerts: s.engine.Alerts()}
	if err := indexTemplate.Execute(&buf, data); err != nil {
		s.logger.Error("dashboard: render index", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleAlerts responds to GET /api/v1/alerts. The optional limit query
// parameter caps the number of alerts returned.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.engine.Alerts()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a non-negative integer")
			return
		}
		if n < len(alerts) {
			alerts = alerts[:n]
		}
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReloadBaseline(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	subject := ""
	if c, ok := ClaimsFromContext(r.Context()); ok {
		subject = c.Subject
	}
	snap := s.engine.Status()
	s.logger.Info("dashboard: baseline reloaded",
		slog.String("subject", subject),
		slog.Int("files_tracked", snap.FilesTracked),
	)
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes {"error": detail} with the given status.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"error": detail})
}
