package server

import (
	"strings"

	"github.com/jordan13p/websocket-test/internal/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
	}))
	s.echo.Use(errors.Middleware(s.httpMetrics, s.logger))

	s.registerHealthRoutes()

	s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	s.echo.GET("/ws", echo.WrapHandler(s.websocketHandler))
	limit := newRateLimiter(s.config.InstancesRateLimit, s.config.InstancesRateBurst)
	s.echo.GET("/instances", s.handleInstances, limit)
	s.echo.GET("/instances/:id", s.handleInstance, limit)
}

// quietPath reports requests that are polled by probes and scrapers, or
// that stay open for the life of a WebSocket.
func quietPath(path string) bool {
	return path == "/" || path == "/metrics" || path == "/ws" || strings.HasPrefix(path, "/health")
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return quietPath(c.Request().URL.Path)
		},
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"client_ip", v.RemoteIP,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
