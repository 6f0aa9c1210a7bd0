// Package bus connects the process to the broadcast bus shared by every
// node of the cluster.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/nats-io/nats.go"

	"chatty/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
	closeTimeout   = 5 * time.Second
)

// Pair is a publisher and a subscriber. On NATS each side owns its own
// connection so a slow subscription never blocks publishing.
type Pair struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	conns []*nats.Conn
}

// Config configures Connect.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Connect dials the publish and subscribe connections. Each handshake is
// bounded by cfg.Timeout and ctx; failure wraps domain.ErrBusUnavailable.
// Once both are up, nats.go reconnects forever on drops.
func Connect(ctx context.Context, cfg Config) (Pair, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "bus")
	wmLogger := watermill.NewSlogLogger(logger)

	pubConn, err := dial(ctx, cfg, "pub", logger)
	if err != nil {
		return Pair{}, err
	}
	subConn, err := dial(ctx, cfg, "sub", logger)
	if err != nil {
		pubConn.Close()
		return Pair{}, err
	}

	marshaler := &wmnats.NATSMarshaler{}
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	pub, err := wmnats.NewPublisherWithNatsConn(pubConn, wmnats.PublisherPublishConfig{
		Marshaler:         marshaler,
		SubjectCalculator: wmnats.DefaultSubjectCalculator,
		JetStream:         jetStream,
	}, wmLogger)
	if err != nil {
		pubConn.Close()
		subConn.Close()
		return Pair{}, fmt.Errorf("%w: creating publisher: %v", domain.ErrBusUnavailable, err)
	}

	sub, err := wmnats.NewSubscriberWithNatsConn(subConn, wmnats.SubscriberSubscriptionConfig{
		Unmarshaler:       marshaler,
		SubscribersCount:  1,
		CloseTimeout:      closeTimeout,
		AckWaitTimeout:    cfg.Timeout,
		SubscribeTimeout:  cfg.Timeout,
		SubjectCalculator: wmnats.DefaultSubjectCalculator,
		JetStream:         jetStream,
	}, wmLogger)
	if err != nil {
		pub.Close()
		subConn.Close()
		return Pair{}, fmt.Errorf("%w: creating subscriber: %v", domain.ErrBusUnavailable, err)
	}

	logger.Info("bus connected", "url", pubConn.ConnectedUrlRedacted())
	return Pair{Publisher: pub, Subscriber: sub, conns: []*nats.Conn{pubConn, subConn}}, nil
}

func dial(ctx context.Context, cfg Config, role string, logger *slog.Logger) (*nats.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	name := role
	if cfg.Name != "" {
		name = cfg.Name + "-" + role
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus connection lost", "role", role, "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus reconnected", "role", role, "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("bus connection closed", "role", role)
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s connection: %v", domain.ErrBusUnavailable, role, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s connection: %v", domain.ErrBusUnavailable, role, ctx.Err())
	}
}

// InProcess returns a pair backed by a single in-memory channel pubsub.
// Every subscriber on a topic receives every message, so several nodes in
// one process can share it.
func InProcess(logger *slog.Logger) Pair {
	if logger == nil {
		logger = slog.Default()
	}
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NewSlogLogger(logger))
	return Pair{Publisher: ps, Subscriber: ps}
}

// Ping reports an error unless every underlying connection is connected.
// In-process pairs are always healthy.
func (p Pair) Ping(context.Context) error {
	for _, c := range p.conns {
		if !c.IsConnected() {
			return fmt.Errorf("%w: %s", domain.ErrBusUnavailable, c.Status())
		}
	}
	return nil
}

// Flush blocks until the server has processed everything sent so far on
// both connections, subscriptions included. In-process pairs return at once.
func (p Pair) Flush(ctx context.Context) error {
	for _, c := range p.conns {
		if err := c.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("%w: flushing: %v", domain.ErrBusUnavailable, err)
		}
	}
	return nil
}

// Close closes both sides of the pair.
func (p Pair) Close() error {
	var errs []error
	if p.Publisher != nil {
		errs = append(errs, p.Publisher.Close())
	}
	if p.Subscriber != nil {
		errs = append(errs, p.Subscriber.Close())
	}
	for _, c := range p.conns {
		c.Close()
	}
	return errors.Join(errs...)
}
