package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatty/internal/chatty"
	"chatty/internal/chatty/middleware"
)

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	return nil
}

func signedCookie(t *testing.T, key string, values map[string]any, exp time.Time) *http.Cookie {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"v":   values,
		"exp": exp.Unix(),
	}).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return &http.Cookie{Name: "session", Value: tok}
}

func TestSessionRoundTrip(t *testing.T) {
	cfg := middleware.SessionConfig{Keys: []string{"current-key"}, Secure: true}

	set := middleware.Session(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatty.SessionFromContext(r.Context()).Set("userId", "u-42")
		w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	set.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	c := sessionCookie(t, rec)
	if c == nil {
		t.Fatal("expected session cookie")
	}
	if !c.Secure || !c.HttpOnly {
		t.Errorf("expected secure httponly cookie, got %+v", c)
	}
	if c.MaxAge != int((24 * time.Hour).Seconds()) {
		t.Errorf("expected 24h max age, got %d", c.MaxAge)
	}

	var got any
	get := middleware.Session(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = chatty.SessionFromContext(r.Context()).Get("userId")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	rec = httptest.NewRecorder()
	get.ServeHTTP(rec, req)

	if got != "u-42" {
		t.Errorf("expected stored value, got %v", got)
	}
	if sessionCookie(t, rec) != nil {
		t.Error("unchanged session must not be re-issued")
	}
}

func TestSessionLegacyKeyIsResigned(t *testing.T) {
	cfg := middleware.SessionConfig{Keys: []string{"new-key", "old-key"}}

	var got any
	handler := middleware.Session(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = chatty.SessionFromContext(r.Context()).Get("userId")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(signedCookie(t, "old-key", map[string]any{"userId": "u-1"}, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got != "u-1" {
		t.Fatalf("legacy cookie should be accepted, got %v", got)
	}
	c := sessionCookie(t, rec)
	if c == nil {
		t.Fatal("expected cookie re-signed with current key")
	}
	_, err := jwt.Parse(c.Value, func(*jwt.Token) (any, error) { return []byte("new-key"), nil })
	if err != nil {
		t.Errorf("re-issued cookie should verify with current key: %v", err)
	}
}

func TestSessionRejectsInvalidCookies(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{"garbage", &http.Cookie{Name: "session", Value: "not-a-jwt"}},
		{"unknown key", signedCookie(t, "attacker", map[string]any{"userId": "admin"}, time.Now().Add(time.Hour))},
		{"expired", signedCookie(t, "k", map[string]any{"userId": "u"}, time.Now().Add(-time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := -1
			handler := middleware.Session(middleware.SessionConfig{Keys: []string{"k"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n = chatty.SessionFromContext(r.Context()).Len()
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(tt.cookie)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("invalid cookie must not fail the request, got %d", rec.Code)
			}
			if n != 0 {
				t.Errorf("expected empty session, got %d values", n)
			}
		})
	}
}

func TestSessionClearExpiresCookie(t *testing.T) {
	handler := middleware.Session(middleware.SessionConfig{Keys: []string{"k"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatty.SessionFromContext(r.Context()).Clear()
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(signedCookie(t, "k", map[string]any{"userId": "u"}, time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	c := sessionCookie(t, rec)
	if c == nil || c.MaxAge >= 0 {
		t.Errorf("expected expiring cookie, got %+v", c)
	}
}
