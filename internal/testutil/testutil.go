package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"chatty/internal/domain"
)

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// IssueSessionCookie signs values the way the session stage does.
// A negative ttl produces an already-expired cookie.
func IssueSessionCookie(t *testing.T, key string, values map[string]any, ttl time.Duration) *http.Cookie {
	t.Helper()

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"v":   values,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("signing session: %v", err)
	}
	return &http.Cookie{Name: "session", Value: signed}
}

// DialWS opens a WebSocket to path on an http:// base URL.
func DialWS(t *testing.T, baseURL, path, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+path, header)
	if err != nil {
		t.Fatalf("dialing %s%s: %v", baseURL, path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// Frame mirrors the realtime wire format.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReadFrame waits up to wait for the next frame. ok is false on timeout.
func ReadFrame(t *testing.T, ws *websocket.Conn, wait time.Duration) (Frame, bool) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(wait))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		return Frame{}, false
	}
	return f, true
}

// DecodeEnvelope decodes an error envelope from body.
func DecodeEnvelope(t *testing.T, body io.Reader) domain.ErrorResponse {
	t.Helper()
	var env domain.ErrorResponse
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
