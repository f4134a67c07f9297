// Package server exposes the registry over HTTP: a catch-all dispatch
// endpoint routed by header, plus health, metrics, and reload endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"apphost"
	"apphost/internal/metrics"
)

// maxRequestBody bounds how much of an inbound body is read into memory
// before it is handed to a script.
const maxRequestBody = 10 * 1024 * 1024

// Server routes inbound HTTP traffic to apps by routing key.
type Server struct {
	echo           *echo.Echo
	registry       *apphost.Registry
	log            *zap.Logger
	listen         string
	routingHeader  string
	maxConnections int

	// reloadFn re-reads configuration and republishes the registry.
	// Wired by the caller; nil disables the reload endpoint.
	reloadFn func() error
}

// Options configures a Server.
type Options struct {
	Listen         string
	RoutingHeader  string
	MaxConnections int
	ReloadFn       func() error
}

// New creates the server and registers its routes.
func New(reg *apphost.Registry, log *zap.Logger, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:           e,
		registry:       reg,
		log:            log,
		listen:         opts.Listen,
		routingHeader:  opts.RoutingHeader,
		maxConnections: opts.MaxConnections,
		reloadFn:       opts.ReloadFn,
	}
	s.echo.Use(s.requestLogger)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/-/reload", s.handleReload)
	e.Any("/*", s.handleDispatch)

	return s
}

// Start listens and serves until Shutdown. When MaxConnections is set the
// listener caps concurrent connections instead of queueing unboundedly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listen, err)
	}
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}
	s.echo.Listener = ln
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return s.echo.Start("")
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Info("request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": s.registry.Generation(),
		"apps":       len(s.registry.Apps()),
	})
}

func (s *Server) handleReload(c echo.Context) error {
	if s.reloadFn == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "reload not configured"})
	}
	if err := s.reloadFn(); err != nil {
		metrics.ReloadsTotal.WithLabelValues("rejected").Inc()
		s.log.Warn("reload rejected", zap.Error(err))
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
	metrics.ReloadsTotal.WithLabelValues("published").Inc()
	metrics.PublishedApps.Set(float64(len(s.registry.Apps())))
	return c.JSON(http.StatusOK, map[string]any{"generation": s.registry.Generation()})
}

// routingKey extracts the routing key: the configured header first, then
// the first label of the Host as a fallback so apps can be addressed as
// subdomains.
func (s *Server) routingKey(c echo.Context) string {
	if key := c.Request().Header.Get(s.routingHeader); key != "" {
		return key
	}
	host := c.Request().Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return ""
}

func (s *Server) handleDispatch(c echo.Context) error {
	key := s.routingKey(c)
	if key == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no routing key"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "reading request body"})
	}
	if len(body) > maxRequestBody {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
	}

	headers := make(map[string]string, len(c.Request().Header))
	for k, vals := range c.Request().Header {
		headers[k] = strings.Join(vals, ", ")
	}

	req := &apphost.Request{
		Method:  c.Request().Method,
		URL:     requestURL(c.Request()),
		Headers: headers,
		Body:    body,
	}

	result, err := s.registry.Dispatch(c.Request().Context(), key, req)
	if err != nil {
		if errors.Is(err, apphost.ErrRoutingNotFound) {
			metrics.RequestsTotal.WithLabelValues(key, "not_found").Inc()
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no app for routing key"})
		}
		metrics.RequestsTotal.WithLabelValues(key, "error").Inc()
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	metrics.RequestDuration.WithLabelValues(key).Observe(result.Duration.Seconds())

	if result.Error != nil {
		return s.writeInvocationError(c, key, result.Error)
	}

	metrics.RequestsTotal.WithLabelValues(key, "ok").Inc()
	for k, v := range result.Response.Headers {
		c.Response().Header().Set(k, v)
	}
	status := result.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return c.Blob(status, result.Response.Headers["content-type"], result.Response.Body)
}

// writeInvocationError maps the host error taxonomy onto HTTP statuses.
// Script failures never leak stack traces to clients.
func (s *Server) writeInvocationError(c echo.Context, key string, err error) error {
	var wt *apphost.WatchdogTimeout
	var ml *apphost.MemoryLimitExceeded

	switch {
	case errors.As(err, &wt):
		metrics.RequestsTotal.WithLabelValues(key, "timeout").Inc()
		metrics.WatchdogAborts.WithLabelValues(wt.App).Inc()
		s.log.Warn("invocation aborted by watchdog", zap.String("app", wt.App), zap.Error(err))
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "script exceeded its time budget"})
	case errors.As(err, &ml):
		metrics.RequestsTotal.WithLabelValues(key, "memory").Inc()
		metrics.MemoryLimitHits.WithLabelValues(ml.App).Inc()
		s.log.Warn("invocation hit memory ceiling", zap.String("app", ml.App), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "script exceeded its memory limit"})
	default:
		metrics.RequestsTotal.WithLabelValues(key, "script_error").Inc()
		s.log.Warn("invocation failed", zap.String("key", key), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "script error"})
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
