package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chatty/internal/chatty"
	"chatty/internal/domain"
	"chatty/internal/platform/telemetry"
)

// ErrorBoundary is the single terminal handler for request errors. It is
// mounted after every business route and is the only place that turns an
// error into a response.
type ErrorBoundary struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewErrorBoundary creates a boundary. The metrics parameter is optional.
func NewErrorBoundary(logger *slog.Logger, m *telemetry.Metrics) *ErrorBoundary {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorBoundary{logger: logger, metrics: m}
}

// Handle logs err and writes its envelope. Errors that are not typed
// application errors become a generic 500.
func (b *ErrorBoundary) Handle(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	appErr, typed := domain.AsAppError(err)
	if !typed {
		appErr = domain.Internal("Internal Server Error")
	}

	attrs := []any{
		"error", err.Error(),
		"status", appErr.StatusCode(),
		"kind", appErr.Kind().String(),
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chatty.RequestIDFromContext(r.Context()),
	}
	if typed && appErr.Kind() != domain.KindInternal {
		b.logger.Warn("request failed", attrs...)
	} else {
		b.logger.Error("request failed", attrs...)
	}
	b.metrics.RecordError(r.Context(), appErr.Kind().String(), appErr.StatusCode())

	if chatty.ResponseStarted(w) {
		b.logger.Warn("response already started, error not written",
			"request_id", chatty.RequestIDFromContext(r.Context()))
		return
	}
	WriteError(w, appErr)
}

// NotFound returns a handler that reports every request as an unmatched route.
func (b *ErrorBoundary) NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.Handle(w, r, domain.NotFound("Not Found"))
	})
}

// WriteError writes the JSON envelope of appErr with its status code.
func WriteError(w http.ResponseWriter, appErr *domain.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(appErr.StatusCode())
	if err := json.NewEncoder(w).Encode(appErr.Serialize()); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
