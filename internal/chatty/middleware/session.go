package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatty/internal/chatty"
)

const (
	defaultSessionCookie = "session"
	defaultSessionMaxAge = 24 * time.Hour
)

// SessionConfig configures the signed session cookie.
type SessionConfig struct {
	// Keys are HMAC secrets, newest first. Cookies signed with any key are
	// accepted; new cookies are always signed with Keys[0].
	Keys   []string
	Name   string        // cookie name, "session" if empty
	MaxAge time.Duration // 24h if zero
	Secure bool
	Now    func() time.Time
}

type sessionClaims struct {
	Values map[string]any `json:"v"`
	jwt.RegisteredClaims
}

// Session loads the session cookie into the request context and writes it
// back when the handler changes it. Missing, forged, or expired cookies
// produce an empty session rather than an error.
func Session(cfg SessionConfig) Middleware {
	if len(cfg.Keys) == 0 {
		panic("middleware: session requires at least one key")
	}
	if cfg.Name == "" {
		cfg.Name = defaultSessionCookie
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaultSessionMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := loadSession(r, cfg)
			sw := &sessionWriter{ResponseWriter: w, commit: func(h http.Header) { commitSession(h, s, cfg) }}

			next.ServeHTTP(sw, r.WithContext(chatty.ContextWithSession(r.Context(), s)))
			sw.flushCookie()
		})
	}
}

func loadSession(r *http.Request, cfg SessionConfig) *chatty.Session {
	c, err := r.Cookie(cfg.Name)
	if err != nil || c.Value == "" {
		return chatty.NewSession(nil)
	}

	for i, key := range cfg.Keys {
		var claims sessionClaims
		_, err := jwt.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
			return []byte(key), nil
		},
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(cfg.Now),
		)
		if err == nil {
			s := chatty.NewSession(claims.Values)
			if i > 0 {
				s.MarkDirty()
			}
			return s
		}
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			slog.Debug("session cookie rejected", "error", err)
			break
		}
	}
	return chatty.NewSession(nil)
}

func commitSession(h http.Header, s *chatty.Session, cfg SessionConfig) {
	values, dirty, cleared := s.Snapshot()
	if !dirty {
		return
	}

	cookie := &http.Cookie{
		Name:     cfg.Name,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if cleared || len(values) == 0 {
		cookie.MaxAge = -1
		h.Add("Set-Cookie", cookie.String())
		return
	}

	now := cfg.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Values: values,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.MaxAge)),
		},
	}).SignedString([]byte(cfg.Keys[0]))
	if err != nil {
		slog.Error("signing session cookie", "error", err)
		return
	}
	cookie.Value = token
	cookie.MaxAge = int(cfg.MaxAge.Seconds())
	h.Add("Set-Cookie", cookie.String())
}

// sessionWriter emits the Set-Cookie header right before the first byte
// of the response goes out.
type sessionWriter struct {
	http.ResponseWriter
	commit    func(http.Header)
	committed bool
}

func (sw *sessionWriter) flushCookie() {
	if sw.committed {
		return
	}
	sw.committed = true
	sw.commit(sw.Header())
}

func (sw *sessionWriter) WriteHeader(code int) {
	sw.flushCookie()
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *sessionWriter) Write(b []byte) (int, error) {
	sw.flushCookie()
	return sw.ResponseWriter.Write(b)
}

func (sw *sessionWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
