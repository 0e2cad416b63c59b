// Package server provides the HTTP server exposing the inbound webhook, the
// live feed and the /metrics, /health, /ready, /config and /snapshot endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/collector"
	"github.com/everywhere-relay/everywhere-relay/internal/config"
	"github.com/everywhere-relay/everywhere-relay/internal/feature"
	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// Relay is the part of the relay the HTTP surface drives.
type Relay interface {
	HandleWebhook(ctx context.Context, rec track.Record) (feature.FeatureCollection, error)
	Snapshot(ctx context.Context) (feature.FeatureCollection, error)
}

// Server is the HTTP server of the relay.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	config     *config.Holder
	relay      Relay
	ready      atomic.Bool
	logger     *logrus.Entry
}

// NewServer creates a new HTTP server configured from cfg. registry supplies
// the scrape-time collectors; the process-wide default registry is served
// alongside it. feed, when non-nil, is mounted on /ws.
func NewServer(cfg *config.Holder, registry *collector.Registry, relay Relay, feed http.Handler, logger *logrus.Entry) *Server {
	s := &Server{
		config: cfg,
		relay:  relay,
		logger: logger.WithField("component", "server"),
	}
	current := cfg.Get()

	mux := http.NewServeMux()

	// --- Prometheus metrics ---
	promRegistry := prometheus.NewRegistry()
	if registry != nil {
		promRegistry.MustRegister(registry)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, promRegistry},
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	// --- Health / readiness ---
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// --- Config (redacted) ---
	mux.HandleFunc("/config", s.handleConfig)

	// --- Device cache ---
	mux.Handle("POST /webhook/{webhookid}", NewWebhookHandler(cfg, relay, s.logger))
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	if feed != nil {
		mux.Handle("/ws", feed)
	}

	// --- pprof ---
	if current.Server.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.logger.Info("pprof endpoints enabled under /debug/pprof/")
	}

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:         current.Server.ListenAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP in a background goroutine. It returns once the
// listener had a moment to bind, or with the error that prevented it.
func (s *Server) Start(_ context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// Stop performs a graceful shutdown of the HTTP server. The provided context
// controls the maximum time to wait for in-flight requests to complete.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// SetReady updates the readiness state exposed by the /ready endpoint.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_ready"}`))
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := s.config.Get().RedactedJSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	fc, err := s.relay.Snapshot(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to load snapshot")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		s.logger.WithError(err).Error("failed to encode snapshot")
	}
}
