// Package http provides the HTTP API of the hnm daemon.
package http

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hnm/internal/loop"
	"github.com/fyrsmithlabs/hnm/internal/telemetry"
)

// Controller is the part of the tick loop the API exposes.
type Controller interface {
	Snapshot() loop.Snapshot
	RequestLearningParams(lr, wd float64) error
}

// Server serves the HTTP API of a running loop.
type Server struct {
	echo       *echo.Echo
	controller Controller
	gatherer   prometheus.Gatherer
	registerer prometheus.Registerer
	health     func() telemetry.HealthStatus
	logger     *zap.Logger
	addr       string
}

// Config holds HTTP server configuration. An empty Host listens on all
// interfaces.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served at /metrics. Defaults to
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRegisterer registers the request metrics with r. Without it they are
// recorded but not exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = r }
}

// WithTelemetryHealth reports telemetry health on /health.
func WithTelemetryHealth(fn func() telemetry.HealthStatus) Option {
	return func(s *Server) { s.health = fn }
}

// NewServer creates the server. A nil cfg listens on localhost:9090.
func NewServer(controller Controller, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	switch {
	case controller == nil:
		return nil, fmt.Errorf("controller cannot be nil")
	case logger == nil:
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	s := &Server{
		controller: controller,
		gatherer:   prometheus.DefaultGatherer,
		logger:     logger,
		addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(
		middleware.Recover(),
		middleware.RequestID(),
		NewRequestMetrics(s.registerer).Middleware(),
		s.logRequests,
	)
	s.registerRoutes()
	return s, nil
}

// logRequests logs each request at debug.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if ce := s.logger.Check(zap.DebugLevel, "http request"); ce != nil {
			ce.Write(
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", responseStatus(c, err)),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
		}
		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/state", s.handleState)
	v1.PUT("/learning", s.handleLearning)
}

// handleHealth reports liveness. Degraded telemetry does not fail the check.
func (s *Server) handleHealth(c echo.Context) error {
	snap := s.controller.Snapshot()
	resp := HealthResponse{
		Status: "ok",
		RunID:  snap.RunID,
		Tick:   snap.Tick,
	}
	if s.health != nil {
		h := s.health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleState returns the snapshot of the last completed tick.
func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Snapshot())
}

// handleLearning schedules new learning parameters for every level.
func (s *Server) handleLearning(c echo.Context) error {
	var req LearningRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid learning request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.LearningRate == nil || req.WeightDecay == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "learning_rate and weight_decay are required")
	}
	lr, wd := *req.LearningRate, *req.WeightDecay
	if lr < 0 || wd < 0 || math.IsInf(lr, 0) || math.IsInf(wd, 0) {
		return echo.NewHTTPError(http.StatusBadRequest, "learning_rate and weight_decay must be finite and >= 0")
	}

	if err := s.controller.RequestLearningParams(lr, wd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.logger.Info("learning parameters requested",
		zap.Float64("learning_rate", lr),
		zap.Float64("weight_decay", wd),
	)
	return c.JSON(http.StatusAccepted, LearningResponse{
		Status:       "pending",
		LearningRate: lr,
		WeightDecay:  wd,
	})
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() string {
	if a := s.echo.ListenerAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
