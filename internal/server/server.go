// Package server provides the HTTP server exposing /metrics, /health, /ready,
// /config, /accounts and the on-demand /poll endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/config"
	"github.com/postwatch/postwatch/internal/monitor"
)

// StatusSource reports the per-account view served on /accounts.
type StatusSource interface {
	Status() []monitor.AccountStatus
}

// Triggerer requests an out-of-band polling pass.
type Triggerer interface {
	Trigger(reason string) bool
}

// Server is the HTTP server that exposes Prometheus metrics and operational endpoints.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	accounts   StatusSource
	config     *config.Config
	ready      atomic.Bool
	logger     *logrus.Entry
}

// NewServer creates a new HTTP server configured from cfg. metrics is
// registered on a private Prometheus registry next to the Go and process
// collectors. trigger may be nil, in which case /poll is not mounted.
func NewServer(cfg *config.Config, metrics prometheus.Collector, accounts StatusSource, trigger Triggerer, logger *logrus.Entry) *Server {
	s := &Server{
		accounts: accounts,
		config:   cfg,
		logger:   logger.WithField("component", "server"),
	}

	mux := http.NewServeMux()

	// --- Prometheus metrics ---
	promRegistry := prometheus.NewRegistry()
	if metrics != nil {
		promRegistry.MustRegister(metrics)
	}
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// --- Health / readiness ---
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// --- Config (redacted) and account status ---
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/accounts", s.handleAccounts)

	// --- On-demand poll ---
	if trigger != nil && cfg.Server.Trigger.Enabled {
		mux.Handle("/poll", NewPollHandler(cfg.Server.Trigger.SecretToken, trigger, s.logger))
	}

	// --- pprof ---
	if cfg.Server.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.logger.Info("pprof endpoints enabled under /debug/pprof/")
	}

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's routing handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves HTTP in a background goroutine.
// Bind errors are returned; later serve errors are logged.
func (s *Server) Start(_ context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting HTTP server")

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

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
	data, err := s.config.RedactedJSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	status := []monitor.AccountStatus{}
	if s.accounts != nil {
		status = append(status, s.accounts.Status()...)
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		s.logger.WithError(err).Error("failed to encode account status")
	}
}
