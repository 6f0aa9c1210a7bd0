package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sort"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	defaultReadMax = 64 << 10
)

// ErrConnClosed is returned when emitting to a connection that is gone or
// cannot keep up.
var ErrConnClosed = errors.New("connection closed")

// Conn is one client connection. Its methods are safe for concurrent use.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	send       chan []byte
	server     *Server
	logger     *slog.Logger

	// guarded by server.registry.mu
	rooms map[string]struct{}
}

func newConn(id string, ws *websocket.Conn, s *Server, remoteAddr string) *Conn {
	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, sendBufferSize),
		server:     s,
		logger:     s.logger.With("conn_id", id),
		rooms:      make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the client address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Emit sends an event to this connection only. It never crosses the bus.
func (c *Conn) Emit(event string, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	frame, err := Packet{Event: event, Data: raw}.frame()
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", event, err)
	}
	if !c.server.registry.sendTo(c.id, frame) {
		return ErrConnClosed
	}
	c.server.metrics.RecordEvent(context.Background(), "out")
	return nil
}

// Join adds the connection to room.
func (c *Conn) Join(room string) { c.server.registry.join(c, room) }

// Leave removes the connection from room.
func (c *Conn) Leave(room string) { c.server.registry.leave(c, room) }

// Rooms returns the rooms the connection is in, sorted.
func (c *Conn) Rooms() []string {
	c.server.registry.mu.RLock()
	defer c.server.registry.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Close terminates the connection. Cleanup runs on the read side.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.ws.Close()
}

// safely runs fn and logs a panic instead of letting it unwind the
// connection goroutine.
func (c *Conn) safely(what string, fn func(), attrs ...any) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		attrs = append(attrs, "panic", rec, "stack", string(debug.Stack()))
		c.logger.Error(what+" panicked", attrs...)
	}()
	fn()
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(c.server.readLimit)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("setting read deadline", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if lim := c.server.eventLimiter; lim != nil {
			if res := lim.Allow(c.id); !res.Allowed {
				c.logger.Warn("event rate exceeded, dropping frame", "retry_after", res.RetryAfter)
				continue
			}
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		c.server.metrics.RecordEvent(ctx, "in")
		c.server.dispatchEvent(ctx, c, f)
	}
}

func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded read limit", "limit", c.server.readLimit)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("client closed connection")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.logger.Debug("connection closed", "error", err)
	default:
		c.logger.Info("connection read error", "error", err)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
