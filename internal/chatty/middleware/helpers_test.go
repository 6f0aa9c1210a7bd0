package middleware_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"chatty/internal/chatty/middleware"
	"chatty/internal/domain"
)

func quietBoundary() *middleware.ErrorBoundary {
	return middleware.NewErrorBoundary(slog.New(slog.NewJSONHandler(io.Discard, nil)), nil)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var env domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env
}
