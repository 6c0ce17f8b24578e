// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package server exposes the gate over HTTP so an event source (a CI webhook,
a scheduler) can submit triggers and follow runs.

	POST /v1/triggers          submit a trigger, 202 with the run id
	GET  /v1/runs              recent runs, newest first
	GET  /v1/runs/:id          state, transitions and, once finished, the result
	GET  /v1/runs/:id/events   websocket stream of transitions
	GET  /v1/health            liveness
	GET  /metrics              Prometheus metrics

Runs outlive the request that started them: they run under the server's
lifetime context and are cancelled when the server shuts down.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/benchgate/services/gate"
	"github.com/AleutianAI/benchgate/services/gate/pipeline"
	"github.com/AleutianAI/benchgate/services/gate/report"
)

// ErrShuttingDown is returned for triggers that arrive after Close.
var ErrShuttingDown = errors.New("server is shutting down")

// Starter starts gate runs. Implemented by *pipeline.Pipeline.
type Starter interface {
	Start(ctx context.Context, trig gate.Trigger, observers ...pipeline.Observer) (*pipeline.Run, error)
}

// Config configures the trigger server.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required"`

	// TriggerRate is the sustained number of triggers accepted per second.
	// Zero disables limiting.
	TriggerRate float64 `yaml:"trigger_rate" validate:"gte=0"`

	// TriggerBurst is the number of triggers accepted at once.
	TriggerBurst int `yaml:"trigger_burst" validate:"gte=0"`

	// Retention is how many runs are remembered. Zero keeps all.
	Retention int `yaml:"retention" validate:"gte=0"`

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a server configuration for local use.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8085",
		TriggerRate:     1,
		TriggerBurst:    10,
		Retention:       200,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Metrics are the server's Prometheus collectors.
type Metrics struct {
	TriggersTotal *prometheus.CounterVec
}

// NewMetrics registers the server metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "benchgate",
			Subsystem: "server",
			Name:      "triggers_total",
			Help:      "Triggers received, by outcome.",
		}, []string{"outcome"}),
	}
}

// Server is the HTTP trigger intake.
type Server struct {
	cfg      Config
	starter  Starter
	runs     *registry
	limiter  *rate.Limiter
	engine   *gin.Engine
	sink     report.Sink
	metrics  *Metrics
	promH    http.Handler
	logger   *slog.Logger
	upgrader websocketUpgrader

	// runCtx is the parent of every run; cancelled on shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// mu orders wg.Add in start before wg.Wait in Close.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithSink publishes every finished run to sink.
func WithSink(sink report.Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithMetrics sets the server metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.promH = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the server and its routes.
func New(cfg Config, starter Starter, opts ...Option) (*Server, error) {
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("listen address is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		starter:  starter,
		runs:     newRegistry(cfg.Retention),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		promH:    promhttp.Handler(),
		logger:   slog.Default(),
		upgrader: newUpgrader(),
	}
	if cfg.TriggerRate > 0 {
		burst := cfg.TriggerBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.TriggerRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), otelgin.Middleware("benchgate"), s.requestLogger())
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully:
// the listener stops, active runs are cancelled and awaited.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("trigger server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Info("trigger server shutting down")
		err := srv.Shutdown(shutdownCtx)
		if werr := s.Close(shutdownCtx); werr != nil && err == nil {
			err = werr
		}
		return err
	})
	return g.Wait()
}

// Close cancels active runs and waits for them, including their sink
// publication, until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.cancelRun()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d runs: %w", len(s.runs.active()), ctx.Err())
	}
}

// start starts a run for trig and tracks it.
func (s *Server) start(trig gate.Trigger) (*runEntry, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	h := newHub()
	run, err := s.starter.Start(s.runCtx, trig, h)
	if err != nil {
		s.wg.Done()
		return nil, err
	}
	e := &runEntry{run: run, hub: h, created: time.Now()}
	s.runs.add(e)

	go func() {
		defer s.wg.Done()
		res := run.Wait()
		if s.sink == nil || res == nil {
			return
		}
		if err := s.sink.Publish(context.WithoutCancel(s.runCtx), res); err != nil {
			s.logger.Warn("failed to publish run",
				slog.String("run_id", res.RunID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return e, nil
}

func (s *Server) countTrigger(outcome string) {
	if s.metrics != nil {
		s.metrics.TriggersTotal.WithLabelValues(outcome).Inc()
	}
}

// requestLogger logs each request through slog.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
