package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jordan13p/websocket-test/internal/metrics"
	"github.com/labstack/echo/v4"
)

// Middleware converts errors returned by handlers into JSON responses and
// counts them by type. Echo HTTP errors keep their status and are passed on
// to Echo's error handler.
func Middleware(m *metrics.HTTPMetrics, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				m.ErrorsTotal.WithLabelValues(string(WrapHTTPError(httpErr).Type)).Inc()
				return err
			}

			structuredErr := AsStructuredError(err)
			m.ErrorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
			logError(logger, c, structuredErr)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func logError(logger *slog.Logger, c echo.Context, err *Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
		"client_ip", c.RealIP(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case TypeValidation, TypeNotFound:
		logger.InfoContext(ctx, "Request rejected", attrs...)
	case TypeConflict, TypeUnavailable:
		logger.WarnContext(ctx, "Request not served", attrs...)
	case TypeExternal:
		logger.ErrorContext(ctx, "Upstream error", attrs...)
	default:
		logger.ErrorContext(ctx, "Internal error", attrs...)
	}
}

// WrapHTTPError converts an Echo HTTPError to a structured error.
func WrapHTTPError(httpErr *echo.HTTPError) *Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok {
		message = msg
	}

	var errType ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		errType = TypeValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		errType = TypeNotFound
	case http.StatusConflict:
		errType = TypeConflict
	case http.StatusServiceUnavailable:
		errType = TypeUnavailable
	case http.StatusBadGateway:
		errType = TypeExternal
	default:
		errType = TypeInternal
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   httpErr.Internal,
		Context: make(map[string]any),
	}
}
