// Package http provides the hookrelay admin HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/hookrelay/internal/events"
	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/fyrsmithlabs/hookrelay/internal/urlcheck"
)

// Engine is the subset of the delivery engine the admin API drives.
type Engine interface {
	ScheduleDelivery(projectID string)
	SweepAll(ctx context.Context) int
	CreateDestination(ctx context.Context, d *store.Destination) error
	Enable(ctx context.Context, id string) error
}

// Server provides the admin HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	engine   Engine
	metrics  *HTTPMetrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	config   *Config

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	lastCleanup  time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// Per-project limit for POST /api/v1/projects/:project/schedule.
	ScheduleRate  float64
	ScheduleBurst int
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(engine Engine, gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if cfg.ScheduleRate <= 0 {
		cfg.ScheduleRate = 1
	}
	if cfg.ScheduleBurst <= 0 {
		cfg.ScheduleBurst = 5
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("64K"))
	metrics := NewHTTPMetrics(nil, logger)
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", responseStatus(c, err)),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		engine:   engine,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/projects/:project/schedule", s.handleSchedule)
	v1.POST("/projects/:project/destinations", s.handleCreateDestination)
	v1.POST("/destinations/validate", s.handleValidate)
	v1.POST("/destinations/:id/enable", s.handleEnable)
	v1.POST("/sweep", s.handleSweep)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

// handleSchedule queues a debounced delivery for every active destination
// of the project.
func (s *Server) handleSchedule(c echo.Context) error {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project is required")
	}

	if !s.getRateLimiter(projectID).Allow() {
		s.logger.Warn("schedule rate limit exceeded", zap.String("project_id", projectID))
		s.metrics.RecordRateLimited(c.Request().Context())
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}

	s.engine.ScheduleDelivery(projectID)
	return c.JSON(http.StatusAccepted, ScheduleResponse{ProjectID: projectID, Status: "scheduled"})
}

// handleSweep runs one sweep synchronously.
func (s *Server) handleSweep(c echo.Context) error {
	n := s.engine.SweepAll(c.Request().Context())
	return c.JSON(http.StatusOK, SweepResponse{Events: n})
}

// handleValidate reports whether a URL would be accepted as a destination.
func (s *Server) handleValidate(c echo.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.JSON(http.StatusOK, urlcheck.Validate(req.URL))
}

// handleCreateDestination registers a webhook destination. This is where
// destination URLs are checked; delivery does not re-validate them.
func (s *Server) handleCreateDestination(c echo.Context) error {
	projectID := strings.TrimSpace(c.Param("project"))
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project is required")
	}

	var req CreateDestinationRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid destination request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if res := urlcheck.Validate(req.URL); !res.Valid {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid destination url", Reason: res.Reason})
	}
	for _, et := range req.EventTypes {
		if !events.Type(et).Valid() {
			return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid event type", Reason: et})
		}
	}
	if err := events.Compile(req.Condition); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid condition", Reason: err.Error()})
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	d := &store.Destination{
		ProjectID:  projectID,
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Condition:  req.Condition,
		Enabled:    enabled,
	}

	ctx := c.Request().Context()
	if err := s.engine.CreateDestination(ctx, d); err != nil {
		if errors.Is(err, store.ErrInvalidDestination) {
			return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "invalid destination", Reason: err.Error()})
		}
		s.logger.Error("failed to create destination", zap.String("project_id", projectID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create destination")
	}

	return c.JSON(http.StatusCreated, d)
}

// handleEnable re-enables a circuit-broken destination.
func (s *Server) handleEnable(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Enable(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "destination not found")
		}
		s.logger.Error("failed to enable destination", zap.String("destination_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enable destination")
	}
	return c.JSON(http.StatusOK, EnableResponse{ID: id, Enabled: true})
}

// getRateLimiter returns the schedule limiter for a project.
func (s *Server) getRateLimiter(projectID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateLimiters == nil {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	// Drop idle limiters hourly so the map does not grow with every project seen.
	if time.Since(s.lastCleanup) > time.Hour {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, exists := s.rateLimiters[projectID]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(s.config.ScheduleRate), s.config.ScheduleBurst)
		s.rateLimiters[projectID] = limiter
	}
	return limiter
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
