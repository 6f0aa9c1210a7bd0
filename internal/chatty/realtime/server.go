package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatty/internal/chatty"
	"chatty/internal/domain"
	"chatty/internal/platform/telemetry"
)

// ErrNotStarted is returned by emits made before Start.
var ErrNotStarted = errors.New("realtime server not started")

// EventHandler handles one inbound event. Returned errors are logged.
type EventHandler func(ctx context.Context, c *Conn, data json.RawMessage) error

// Limiter throttles inbound frames per connection.
type Limiter interface {
	Allow(key string) chatty.RateLimitResult
	Forget(key string)
}

// Options configures a Server.
type Options struct {
	// AllowedOrigin is the single browser origin allowed to connect; "*"
	// allows any.
	AllowedOrigin string
	// Adapter defaults to Local.
	Adapter      AdapterFactory
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	EventLimiter Limiter
	// OnError answers failed upgrade requests.
	OnError   chatty.ErrorHandler
	ReadLimit int64
}

// Server accepts WebSocket connections and routes events.
type Server struct {
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	eventLimiter Limiter
	onError      chatty.ErrorHandler
	origin       originPolicy
	readLimit    int64
	upgrader     websocket.Upgrader
	registry     *Registry
	factory      AdapterFactory

	mu           sync.RWMutex
	adapter      Adapter
	closing      bool
	handlers     map[string]EventHandler
	onConnect    []func(*Conn)
	onDisconnect []func(*Conn)

	startOnce sync.Once
	conns     sync.WaitGroup
}

// New creates a server. It accepts no connections until Start.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Adapter == nil {
		opts.Adapter = Local()
	}
	if opts.ReadLimit == 0 {
		opts.ReadLimit = defaultReadMax
	}
	s := &Server{
		logger:       opts.Logger.With("component", "realtime"),
		metrics:      opts.Metrics,
		eventLimiter: opts.EventLimiter,
		onError:      opts.OnError,
		origin:       newOriginPolicy(opts.AllowedOrigin),
		readLimit:    opts.ReadLimit,
		registry:     NewRegistry(),
		factory:      opts.Adapter,
		handlers:     make(map[string]EventHandler),
	}
	if s.onError == nil {
		s.onError = writeEnvelope
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origin.allow,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			s.onError(w, r, domain.BadRequest(reason.Error()))
		},
	}
	return s
}

// On registers the handler for event, replacing any previous one.
func (s *Server) On(event string, h EventHandler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// OnConnect registers a hook that runs after a connection is registered.
func (s *Server) OnConnect(fn func(*Conn)) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// OnDisconnect registers a hook that runs after a connection has been
// removed from the registry and every room.
func (s *Server) OnDisconnect(fn func(*Conn)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// Start builds the adapter. Only the first call has any effect.
func (s *Server) Start(ctx context.Context) error {
	var err error
	started := false
	s.startOnce.Do(func() {
		started = true
		var a Adapter
		a, err = s.factory(ctx, s.deliver)
		if err != nil {
			err = fmt.Errorf("attaching adapter: %w", err)
			return
		}
		s.mu.Lock()
		s.adapter = a
		s.mu.Unlock()
		s.logger.Info("realtime server started")
	})
	if !started {
		return errors.New("realtime server already started")
	}
	return err
}

// Registry exposes connection bookkeeping.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.onError(w, r, domain.NotFound("Not Found"))
		return
	}

	s.mu.RLock()
	ready := s.adapter != nil && !s.closing
	if ready {
		s.conns.Add(1)
	}
	s.mu.RUnlock()
	if !ready {
		s.onError(w, r, domain.Internal("real-time layer not ready"))
		return
	}
	defer s.conns.Done()

	if !s.origin.allow(r) {
		s.logger.Warn("blocked connection from disallowed origin", "origin", r.Header.Get("Origin"))
		s.onError(w, r, domain.NotAuthorized("origin not allowed"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws, s, r.RemoteAddr)
	s.registry.add(c)
	s.metrics.AddConnections(r.Context(), 1)
	c.logger.Debug("connection opened", "remote_addr", c.remoteAddr)
	defer func() {
		_ = ws.Close()
		s.disconnect(c)
	}()

	s.mu.RLock()
	closing := s.closing
	connectHooks := append([]func(*Conn){}, s.onConnect...)
	s.mu.RUnlock()
	if closing {
		_ = c.Close()
	}
	for _, fn := range connectHooks {
		c.safely("connect hook", func() { fn(c) })
	}

	go c.writePump()
	c.readPump(context.WithoutCancel(r.Context()))
}

func (s *Server) disconnect(c *Conn) {
	if !s.registry.remove(c.id) {
		return
	}
	if s.eventLimiter != nil {
		s.eventLimiter.Forget(c.id)
	}
	s.metrics.AddConnections(context.Background(), -1)
	c.logger.Debug("connection closed")

	s.mu.RLock()
	hooks := append([]func(*Conn){}, s.onDisconnect...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		c.safely("disconnect hook", func() { fn(c) })
	}
}

func (s *Server) dispatchEvent(ctx context.Context, c *Conn, f Frame) {
	s.mu.RLock()
	h, ok := s.handlers[f.Event]
	s.mu.RUnlock()
	if !ok {
		c.logger.Debug("no handler for event", "event", f.Event)
		return
	}
	c.safely("event handler", func() {
		if err := h(ctx, c, f.Data); err != nil {
			c.logger.Warn("event handler failed", "event", f.Event, "error", err)
		}
	}, "event", f.Event)
}

// deliver is handed to the adapter; it fans a packet out to local conns.
func (s *Server) deliver(p Packet) {
	frame, err := p.frame()
	if err != nil {
		s.logger.Error("encoding frame", "event", p.Event, "error", err)
		return
	}
	sent, slow := s.registry.dispatch(p, frame)
	for _, c := range slow {
		c.logger.Warn("dropping slow connection")
		c.ws.Close()
	}
	if sent > 0 {
		s.metrics.RecordEvent(context.Background(), "out")
	}
}

// Emit sends an event to every connection on every node.
func (s *Server) Emit(ctx context.Context, event string, data any) error {
	return s.emit(ctx, event, data, nil, nil)
}

// To starts an emit restricted to rooms.
func (s *Server) To(rooms ...string) *Emitter {
	return &Emitter{s: s, rooms: rooms}
}

// Except starts an emit that skips the given connection ids.
func (s *Server) Except(ids ...string) *Emitter {
	return &Emitter{s: s, except: ids}
}

func (s *Server) emit(ctx context.Context, event string, data any, rooms, except []string) error {
	raw, err := encodeData(data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}
	s.mu.RLock()
	a := s.adapter
	s.mu.RUnlock()
	if a == nil {
		return ErrNotStarted
	}
	return a.Broadcast(ctx, Packet{Event: event, Data: raw, Rooms: rooms, Except: except})
}

// Shutdown stops accepting connections, closes every live one and then the
// adapter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	a := s.adapter
	s.mu.Unlock()

	for _, c := range s.registry.snapshot() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for connections: %w", ctx.Err())
	}

	if a != nil {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Emitter builds a targeted emit.
type Emitter struct {
	s      *Server
	rooms  []string
	except []string
}

// To adds rooms to the audience.
func (e *Emitter) To(rooms ...string) *Emitter {
	e.rooms = append(e.rooms, rooms...)
	return e
}

// Except excludes connection ids.
func (e *Emitter) Except(ids ...string) *Emitter {
	e.except = append(e.except, ids...)
	return e
}

// Emit sends the event to the selected audience on every node.
func (e *Emitter) Emit(ctx context.Context, event string, data any) error {
	return e.s.emit(ctx, event, data, e.rooms, e.except)
}

func writeEnvelope(w http.ResponseWriter, _ *http.Request, err error) {
	appErr, ok := domain.AsAppError(err)
	if !ok {
		appErr = domain.Internal("Internal Server Error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode())
	_ = json.NewEncoder(w).Encode(appErr.Serialize())
}
