// Package app assembles the HTTP pipeline, the router and the realtime
// server into one handler.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatty/internal/chatty/adapter/inmem"
	"chatty/internal/chatty/middleware"
	"chatty/internal/chatty/realtime"
	"chatty/internal/chatty/router"
	"chatty/internal/domain"
	"chatty/internal/platform/bus"
	"chatty/internal/platform/config"
	"chatty/internal/platform/telemetry"
)

const limiterSweep = 5 * time.Minute

// Deps are the collaborators built by the caller.
type Deps struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	NodeID     string
	Checks     []router.Check
	Registrars []router.Registrar
	// Clock drives the rate limiters. Defaults to time.Now.
	Clock func() time.Time
}

// App is an assembled node.
type App struct {
	Handler  http.Handler
	Realtime *realtime.Server
	Boundary *middleware.ErrorBoundary
	Pipeline middleware.Pipeline
	// Upgrade wraps the WebSocket endpoint. It stays outside Pipeline
	// because the compression and status writers cannot be hijacked.
	Upgrade middleware.Pipeline

	cfg            config.Config
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	nodeID         string
	upgradeLimiter *inmem.RateLimiter
	eventLimiter   *inmem.RateLimiter

	mu        sync.RWMutex
	bus       *bus.Pair
	stopSweep context.CancelFunc
}

// New wires the pipeline, routes and error boundary. The realtime layer
// accepts connections only after Start.
func New(d Deps) *App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NodeID == "" {
		d.NodeID = uuid.NewString()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	cfg := d.Config

	a := &App{
		cfg:            cfg,
		logger:         d.Logger,
		metrics:        d.Metrics,
		nodeID:         d.NodeID,
		upgradeLimiter: inmem.NewRateLimiter(cfg.Realtime.UpgradeRate, cfg.Realtime.UpgradeBurst, d.Clock),
		eventLimiter:   inmem.NewRateLimiter(cfg.Realtime.EventRate, cfg.Realtime.EventBurst, d.Clock),
	}
	a.Boundary = middleware.NewErrorBoundary(d.Logger.With("component", "boundary"), d.Metrics)

	a.Pipeline = middleware.Standard(middleware.StandardOptions{
		Logger:  d.Logger,
		Metrics: d.Metrics,
		OnError: a.Boundary.Handle,
		Session: middleware.SessionConfig{
			Keys:   []string{cfg.SecretKeyOne, cfg.SecretKeyTwo},
			Secure: !cfg.IsDevelopment(),
		},
		Development: cfg.IsDevelopment(),
		ClientURL:   cfg.ClientURL,
		BodyLimit:   cfg.BodyLimitBytes,
	})

	checks := append([]router.Check{{Name: "bus", Probe: a.busReady}}, d.Checks...)
	rt := router.New(a.Boundary.Handle, a.Boundary.NotFound(), checks...)
	rt.Register(d.Registrars...)

	a.Realtime = realtime.New(realtime.Options{
		AllowedOrigin: cfg.ClientURL,
		Adapter:       a.adapter,
		Logger:        d.Logger,
		Metrics:       d.Metrics,
		EventLimiter:  a.eventLimiter,
		OnError:       a.Boundary.Handle,
	})
	registerEvents(a.Realtime)

	root := http.NewServeMux()
	root.Handle("/metrics", telemetry.MetricsHandler())
	a.Upgrade = middleware.Pipeline{
		{Name: middleware.StageRequestID, Middleware: middleware.RequestID},
		{Name: middleware.StageRecovery, Middleware: middleware.Recovery(a.Boundary.Handle)},
		{Name: middleware.StageUpgradeLimit, Middleware: middleware.RateLimit(a.upgradeLimiter, "ws_upgrade", d.Metrics, a.Boundary.Handle)},
	}
	root.Handle(cfg.Realtime.Path, a.Upgrade.Then(a.Realtime))
	root.Handle("/", a.Pipeline.Then(rt))
	a.Handler = root
	return a
}

// Start attaches the realtime layer to pair and starts the limiter
// sweepers. Only the first call has any effect.
func (a *App) Start(ctx context.Context, pair bus.Pair) error {
	a.mu.Lock()
	if a.bus != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.bus = &pair
	sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopSweep = stop
	a.mu.Unlock()

	go a.upgradeLimiter.RunCleanup(sweepCtx, limiterSweep)
	go a.eventLimiter.RunCleanup(sweepCtx, limiterSweep)

	if err := a.Realtime.Start(ctx); err != nil {
		return fmt.Errorf("starting realtime layer: %w", err)
	}
	a.logger.Info("node started", "node_id", a.nodeID)
	return nil
}

// Shutdown closes every WebSocket and detaches from the bus. The bus pair
// itself is left to the caller.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopSweep != nil {
		a.stopSweep()
	}
	a.mu.Unlock()
	return a.Realtime.Shutdown(ctx)
}

func (a *App) adapter(ctx context.Context, deliver realtime.Deliver) (realtime.Adapter, error) {
	a.mu.RLock()
	pair := a.bus
	a.mu.RUnlock()
	if pair == nil {
		return nil, domain.ErrBusUnavailable
	}
	return realtime.NewBusAdapter(ctx, *pair, realtime.BusConfig{
		Topic:   a.cfg.BusTopic,
		NodeID:  a.nodeID,
		Logger:  a.logger,
		Metrics: a.metrics,
	}, deliver)
}

func (a *App) busReady(ctx context.Context) error {
	a.mu.RLock()
	pair := a.bus
	a.mu.RUnlock()
	if pair == nil {
		return domain.ErrBusUnavailable
	}
	return pair.Ping(ctx)
}

// registerEvents installs the built-in room events.
func registerEvents(rt *realtime.Server) {
	rt.On("join", func(_ context.Context, c *realtime.Conn, data json.RawMessage) error {
		room, err := roomName(data)
		if err != nil {
			return err
		}
		c.Join(room)
		return c.Emit("joined", room)
	})
	rt.On("leave", func(_ context.Context, c *realtime.Conn, data json.RawMessage) error {
		room, err := roomName(data)
		if err != nil {
			return err
		}
		c.Leave(room)
		return c.Emit("left", room)
	})
}

func roomName(data json.RawMessage) (string, error) {
	var room string
	if err := json.Unmarshal(data, &room); err != nil || room == "" {
		return "", domain.ValidationFailure("room name is required")
	}
	return room, nil
}
