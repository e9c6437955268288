// Package server exposes the offline cache controller over HTTP: the edge
// catch-all, control endpoints for push, sync and page messages, the client
// window websocket, health and metrics.
package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatus/internal/core"
)

// DefaultBodySizeLimit caps request bodies (10MB).
const DefaultBodySizeLimit int64 = 10 * 1024 * 1024

// ControlPrefix is the path prefix of the controller's own endpoints.
const ControlPrefix = "/_sw"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	AdminKey        string               // Optional: protects the push, sync and status endpoints
	MetricsEnabled  bool                 // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string               // HTTP path for metrics endpoint (default: /metrics)
	MetricsGatherer prometheus.Gatherer  // Registry served at the metrics endpoint (default: prometheus.DefaultGatherer)
	BodySizeLimit   int64                // Max request body size in bytes (default: 10MB)
	Proxy           http.Handler         // Handles pass-through requests
	Clients         http.Handler         // Serves the client window websocket
}

// New creates a new HTTP server
func New(ctrl Controller, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(ctrl, cfg.Proxy)

	// Determine metrics path. It may not shadow the control endpoints.
	metricsPath := "/metrics"
	if cfg.MetricsEnabled && cfg.MetricsEndpoint != "" {
		cleaned := path.Clean("/" + cfg.MetricsEndpoint)
		if !strings.HasPrefix(cleaned, ControlPrefix+"/") && cleaned != ControlPrefix && cleaned != "/" {
			metricsPath = cleaned
		}
	}

	// Global middleware stack (order matters)
	e.Use(requestID())
	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig()))
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	e.Use(AuthMiddleware(cfg.AdminKey, []string{
		ControlPrefix + "/push",
		ControlPrefix + "/sync",
		ControlPrefix + "/status",
	}))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		gatherer := cfg.MetricsGatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// Controller endpoints
	e.GET(ControlPrefix+"/status", handler.Status)
	e.POST(ControlPrefix+"/push", handler.Push)
	e.POST(ControlPrefix+"/message", handler.Message)
	e.POST(ControlPrefix+"/sync", handler.Sync)
	e.POST(ControlPrefix+"/notifications/click", handler.NotificationClick)
	e.POST(ControlPrefix+"/notifications/close", handler.NotificationClose)
	if cfg.Clients != nil {
		e.GET(ControlPrefix+"/clients", echo.WrapHandler(cfg.Clients))
	}

	// Everything else is an intercepted page request.
	e.Any("/*", handler.Fetch)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requestID propagates X-Request-ID, generating one when the client sent none.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set("X-Request-ID", id)
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
			return next(c)
		}
	}
}
