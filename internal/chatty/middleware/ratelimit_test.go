package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatty/internal/chatty/adapter/inmem"
	"chatty/internal/chatty/middleware"
)

func limited(burst int) http.Handler {
	now := time.Now()
	rl := inmem.NewRateLimiter(100, burst, func() time.Time { return now })
	return middleware.RateLimit(rl, "http", nil, quietBoundary().Handle)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)
}

func hit(h http.Handler, addr string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
	req.RemoteAddr = addr
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	handler := limited(3)
	for i := range 3 {
		if rec := hit(handler, "192.168.1.1:12345"); rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimitDeniesThroughBoundary(t *testing.T) {
	handler := limited(2)
	hit(handler, "192.168.1.1:12345")
	hit(handler, "192.168.1.1:12345")

	rec := hit(handler, "192.168.1.1:12345")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	env := decodeEnvelope(t, rec)
	if env.StatusCode != http.StatusTooManyRequests || env.Status != "error" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if env.Message != "too many requests" {
		t.Errorf("unexpected message %q", env.Message)
	}
}

func TestRateLimitDifferentIPsIndependent(t *testing.T) {
	handler := limited(1)

	hit(handler, "10.0.0.1:1234")
	if rec := hit(handler, "10.0.0.1:1234"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("IP1 second request: expected 429, got %d", rec.Code)
	}
	if rec := hit(handler, "10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("IP2 should be allowed, got %d", rec.Code)
	}
}
