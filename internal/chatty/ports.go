package chatty

import (
	"context"
	"net/http"
	"net/url"
)

// HandlerFunc is a route handler that reports failures by returning them.
// A non-nil error is forwarded to the error boundary exactly once.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler is the terminal sink for request errors.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// RateLimiter decides whether a request identified by key should be allowed.
type RateLimiter interface {
	Allow(key string) RateLimitResult
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter int // seconds until next token available; 0 if allowed
}

// Uploader stores media with an external provider. file is a data URI or a
// remote URL.
type Uploader interface {
	Upload(ctx context.Context, file string, opts UploadOptions) (UploadMetadata, error)
}

// UploadOptions mirrors the provider's per-asset flags.
type UploadOptions struct {
	PublicID   string
	Overwrite  bool
	Invalidate bool
}

// UploadMetadata describes a stored asset.
type UploadMetadata struct {
	PublicID  string `json:"publicId"`
	Version   int    `json:"version"`
	URL       string `json:"url"`
	SecureURL string `json:"secureUrl"`
	Format    string `json:"format,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
}

// StatusWriter wraps http.ResponseWriter to capture the status code and
// whether anything has been written yet.
type StatusWriter struct {
	http.ResponseWriter
	Code  int
	Wrote bool
}

func (sw *StatusWriter) WriteHeader(code int) {
	if !sw.Wrote {
		sw.Code = code
		sw.Wrote = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.Wrote = true
	return sw.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// ResponseStarted reports whether w (or a StatusWriter it wraps) has
// already sent headers.
func ResponseStarted(w http.ResponseWriter) bool {
	for {
		switch v := w.(type) {
		case *StatusWriter:
			if v.Wrote {
				return true
			}
			w = v.ResponseWriter
		case interface{ Unwrap() http.ResponseWriter }:
			w = v.Unwrap()
		default:
			return false
		}
	}
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID stores the request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type requestIDKey struct{}

// SessionFromContext returns the request session, or nil when the session
// stage is not mounted.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// ContextWithSession stores the session in the context.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

type sessionKey struct{}

// PollutedQuery returns the query parameters that arrived with more than one
// value, before they were collapsed.
func PollutedQuery(ctx context.Context) url.Values {
	v, _ := ctx.Value(pollutedKey{}).(url.Values)
	return v
}

// ContextWithPollutedQuery stores the collapsed duplicates in the context.
func ContextWithPollutedQuery(ctx context.Context, v url.Values) context.Context {
	return context.WithValue(ctx, pollutedKey{}, v)
}

type pollutedKey struct{}
