// Package http wires the echo server: middleware, metrics, and route
// registration.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouteRegistrar hooks a handler group into the server.
type RouteRegistrar interface {
	RegisterRoutes(e *echo.Echo)
}

// Server is the HTTP front of the conductor.
type Server struct {
	echo *echo.Echo
	log  *zap.Logger
}

// NewServer builds an echo server with logging, recovery, and CORS
// middleware and mounts each registrar's routes.
func NewServer(log *zap.Logger, registrars ...RouteRegistrar) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(log))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	for _, r := range registrars {
		r.RegisterRoutes(e)
	}

	return &Server{echo: e, log: log}
}

// Echo exposes the underlying echo instance for additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving on addr until the server is shut down.
func (s *Server) Start(addr string) error {
	s.log.Info("http server listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Debug("request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)))
			return err
		}
	}
}
