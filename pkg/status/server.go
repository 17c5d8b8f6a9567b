// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status serves a read-only HTTP view of a running driver: health,
// the results gathered so far and the Prometheus metrics.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/logging"
)

// Config configures the status server.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig keeps the server off and bound to loopback when enabled.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:9464"}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock replaces the time source used for elapsed times.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server exposes the driver's progress.
//
// Routes:
//
//	GET /healthz              liveness
//	GET /v1/status            benchmark in progress and counts
//	GET /v1/results           every result and failure so far
//	GET /v1/results/*name     one result by benchmark name
//	GET /metrics              Prometheus exposition
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	cfg     Config
	summary *engine.Summary
	router  *gin.Engine
	metrics http.Handler
	logger  *logging.Logger
	now     func() time.Time
	started time.Time

	mu      sync.RWMutex
	current string
	srv     *http.Server
	ln      net.Listener
}

// New builds the server around summary. Nothing listens until Start.
func New(cfg Config, summary *engine.Summary, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		summary: summary,
		metrics: promhttp.Handler(),
		logger:  logging.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("groupbench-status"))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/results", s.handleResults)
	v1.GET("/results/*name", s.handleResult)
	s.router.GET("/metrics", gin.WrapH(s.metrics))
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetCurrent records the benchmark being measured. Empty means idle.
func (s *Server) SetCurrent(name string) {
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "error", err)
		}
	}()
	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Current     string `json:"current,omitempty"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Regressions int    `json:"regressions"`
	UptimeNs    int64  `json:"uptime_ns"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()

	c.JSON(http.StatusOK, StatusResponse{
		Current:     current,
		Completed:   len(s.summary.Results()),
		Failed:      len(s.summary.Failures()),
		Regressions: s.summary.Regressions(),
		UptimeNs:    s.now().Sub(s.started).Nanoseconds(),
	})
}

func (s *Server) handleResults(c *gin.Context) {
	c.JSON(http.StatusOK, s.summary.Snapshot(s.now()))
}

func (s *Server) handleResult(c *gin.Context) {
	name := c.Param("name")
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	r, ok := s.summary.Result(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result", "name": name})
		return
	}
	c.JSON(http.StatusOK, r)
}
