// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides reload metrics and HTTP endpoints for
// metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to serve reloads.
type ReadinessChecker func() bool

// Reload results recorded in ReloadsTotal.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultNotLoaded = "not_loaded"
)

// Refresh outcomes recorded in RefreshTotal.
const (
	RefreshCompleted = "completed"
	RefreshTimedOut  = "timed_out"
	RefreshCancelled = "cancelled"
)

// Metrics contains the reloader's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReloadsTotal    *prometheus.CounterVec
	ModulesReloaded *prometheus.CounterVec
	ReloadDuration  prometheus.Histogram
	RefreshTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers reloader metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloader_reloads_total",
				Help: "Total number of package reload attempts by result",
			},
			[]string{"result"},
		),
		ModulesReloaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloader_modules_reloaded_total",
				Help: "Total number of modules re-executed by target package",
			},
			[]string{"package"},
		),
		ReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reloader_reload_duration_seconds",
				Help:    "Duration of package reloads, excluding the dummy refresh",
				Buckets: prometheus.DefBuckets,
			},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reloader_refresh_total",
				Help: "Total number of dummy refreshes by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.ReloadsTotal)
	reg.MustRegister(m.ModulesReloaded)
	reg.MustRegister(m.ReloadDuration)
	reg.MustRegister(m.RefreshTotal)

	return m
}

// RecordReload records the result and duration of one reload attempt.
func (m *Metrics) RecordReload(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReloadsTotal.WithLabelValues(result).Inc()
	if result != ResultNotLoaded {
		m.ReloadDuration.Observe(d.Seconds())
	}
}

// RecordModules adds n re-executed modules for pkg.
func (m *Metrics) RecordModules(pkg string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ModulesReloaded.WithLabelValues(pkg).Add(float64(n))
}

// RecordRefresh records a dummy refresh outcome.
func (m *Metrics) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		isReady:  readinessChecker,
	}
}

// Metrics returns the metrics served by this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// The returned channel receives a serve error, if any, and is closed when
// the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("observability").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.In("observability").With("operation", "shutdown").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on, or "" if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 503 until the watcher is running.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
