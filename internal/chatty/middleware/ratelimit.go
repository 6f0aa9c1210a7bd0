package middleware

import (
	"net"
	"net/http"
	"strconv"

	"chatty/internal/chatty"
	"chatty/internal/domain"
	"chatty/internal/platform/telemetry"
)

// RateLimit returns middleware that enforces per-IP rate limits. Denied
// requests are reported to onError as TooManyRequests with a Retry-After
// header already set. The metrics parameter is optional.
func RateLimit(limiter chatty.RateLimiter, scope string, m *telemetry.Metrics, onError chatty.ErrorHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if result := limiter.Allow(clientIP(r)); !result.Allowed {
				m.RecordRateLimitDecision(r.Context(), scope, "denied")
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				onError(w, r, domain.TooManyRequests("too many requests"))
				return
			}

			m.RecordRateLimitDecision(r.Context(), scope, "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	// Use RemoteAddr directly. X-Forwarded-For is client-controlled and
	// must not be trusted without a validated trusted proxy list.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
