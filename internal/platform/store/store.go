// Package store owns the connection to the persistent store. The first
// connect is fatal on failure; afterwards the connector heals itself.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"chatty/internal/domain"
	"chatty/internal/platform/telemetry"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHealthInterval = 5 * time.Second
	pingTimeout           = 2 * time.Second
	disconnectTimeout     = 5 * time.Second
)

// Client is a live store session.
type Client interface {
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Dialer opens a Client. Dial must verify the connection before returning.
type Dialer interface {
	Dial(ctx context.Context, url string) (Client, error)
}

// Status is the connector state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Connector.
type Options struct {
	URL            string
	Dialer         Dialer
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	// NewBackOff builds the reconnect schedule. Defaults to exponential.
	NewBackOff func() backoff.BackOff
}

// ErrAlreadyConnected is returned by Connect once a connection is up.
var ErrAlreadyConnected = errors.New("store connector already connected")

// Connector dials the store once and keeps the connection alive.
type Connector struct {
	opts   Options
	logger *slog.Logger
	status atomic.Int32

	mu     sync.RWMutex
	client Client

	reconnects atomic.Int64
	started    atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// NewConnector creates a connector. Nothing is dialed until Connect.
func NewConnector(opts Options) *Connector {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return &Connector{
		opts:   opts,
		logger: opts.Logger.With("component", "store"),
		done:   make(chan struct{}),
	}
}

// Connect makes the first connection attempt, bounded by ConnectTimeout.
// Failure wraps domain.ErrStoreUnreachable. On success a background
// monitor pings the store and reconnects after drops until Close. Once a
// Connect has succeeded, later calls return ErrAlreadyConnected.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	c.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	client, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL)
	if err != nil {
		c.setStatus(StatusDisconnected)
		c.started.Store(false)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnreachable, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.logger.Info("store connected")

	monitorCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = stop
	go c.monitor(monitorCtx)
	return nil
}

func (c *Connector) monitor(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.Client().Ping(pingCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}

		c.setStatus(StatusDisconnected)
		c.logger.Warn("store disconnected", "error", err)
		c.reconnect(ctx)
	}
}

func (c *Connector) reconnect(ctx context.Context) {
	c.setStatus(StatusReconnecting)

	client, err := backoff.Retry(ctx, func() (Client, error) {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
		return c.opts.Dialer.Dial(dialCtx, c.opts.URL)
	},
		backoff.WithBackOff(c.opts.NewBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.opts.Metrics.RecordStoreReconnect(ctx, "failure")
			c.logger.Warn("store reconnect failed", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		// Only a cancelled context stops the retry loop.
		return
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	_ = old.Disconnect(disconnectCtx)
	cancel()

	c.reconnects.Add(1)
	c.opts.Metrics.RecordStoreReconnect(ctx, "success")
	c.setStatus(StatusConnected)
	c.logger.Info("store reconnected", "reconnects", c.reconnects.Load())
}

// Client returns the current client. It is nil before Connect succeeds.
func (c *Connector) Client() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Status returns the connector state.
func (c *Connector) Status() Status {
	return Status(c.status.Load())
}

// Reconnects returns how many times the connection has been re-established.
func (c *Connector) Reconnects() int64 {
	return c.reconnects.Load()
}

// Ping reports whether the store is currently connected.
func (c *Connector) Ping(context.Context) error {
	if s := c.Status(); s != StatusConnected {
		return fmt.Errorf("%w: %s", domain.ErrStoreUnreachable, s)
	}
	return nil
}

// Close stops the monitor and disconnects the client.
func (c *Connector) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.setStatus(StatusClosed)
		if client := c.Client(); client != nil {
			if derr := client.Disconnect(ctx); derr != nil && !errors.Is(derr, context.Canceled) {
				err = fmt.Errorf("disconnecting store: %w", derr)
			}
		}
	})
	return err
}

func (c *Connector) setStatus(s Status) {
	c.status.Store(int32(s))
}
