package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"chatty/internal/platform/bus"
	"chatty/internal/platform/telemetry"
)

const (
	originKey    = "origin"
	closeWait    = 5 * time.Second
	flushTimeout = 5 * time.Second
)

// Deliver hands a packet to the connections of this node.
type Deliver func(Packet)

// Adapter carries packets to every node, this one included.
type Adapter interface {
	Broadcast(ctx context.Context, p Packet) error
	Close() error
}

// AdapterFactory builds the adapter when the server starts.
type AdapterFactory func(ctx context.Context, deliver Deliver) (Adapter, error)

// LocalAdapter delivers to this node only.
type LocalAdapter struct {
	deliver Deliver
}

// Local is the factory for a single-node adapter.
func Local() AdapterFactory {
	return func(_ context.Context, deliver Deliver) (Adapter, error) {
		return &LocalAdapter{deliver: deliver}, nil
	}
}

// Broadcast delivers p to matching connections on this node.
func (a *LocalAdapter) Broadcast(_ context.Context, p Packet) error {
	a.deliver(p)
	return nil
}

// Close is a no-op; a local adapter holds no resources.
func (a *LocalAdapter) Close() error { return nil }

// BusConfig configures a BusAdapter.
type BusConfig struct {
	Topic   string
	NodeID  string
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// BusAdapter delivers locally and publishes every packet to the bus. Packets
// arriving from other nodes are delivered to local connections; packets
// carrying this node's id are skipped since they were delivered on emit.
type BusAdapter struct {
	pub     message.Publisher
	cfg     BusConfig
	deliver Deliver
	logger  *slog.Logger

	mu     sync.Mutex // serializes local delivery and publish
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewBusAdapter subscribes to the topic and returns once the subscription
// is live.
func NewBusAdapter(ctx context.Context, pair bus.Pair, cfg BusConfig, deliver Deliver) (*BusAdapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := pair.Subscriber.Subscribe(subCtx, cfg.Topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.Topic, err)
	}
	// Subscribe only buffers the request; other nodes' emits are seen once
	// the server has registered it.
	flushCtx, flushCancel := context.WithTimeout(ctx, flushTimeout)
	err = pair.Flush(flushCtx)
	flushCancel()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("registering subscription to %s: %w", cfg.Topic, err)
	}

	a := &BusAdapter{
		pub:     pair.Publisher,
		cfg:     cfg,
		deliver: deliver,
		logger:  cfg.Logger.With("component", "bus-adapter", "node_id", cfg.NodeID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go a.consume(subCtx, msgs)
	return a, nil
}

// BusFactory returns a factory that builds a BusAdapter on pair.
func BusFactory(pair bus.Pair, cfg BusConfig) AdapterFactory {
	return func(ctx context.Context, deliver Deliver) (Adapter, error) {
		return NewBusAdapter(ctx, pair, cfg, deliver)
	}
}

// Broadcast delivers p locally and then publishes it for the other nodes.
// Publishes are serialized so the bus sees packets in emit order.
func (a *BusAdapter) Broadcast(ctx context.Context, p Packet) error {
	p.Origin = a.cfg.NodeID
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(originKey, a.cfg.NodeID)
	msg.SetContext(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.deliver(p)
	if err := a.pub.Publish(a.cfg.Topic, msg); err != nil {
		a.cfg.Metrics.RecordBusMessage(ctx, "out", "error")
		return fmt.Errorf("publishing %s: %w", p.Event, err)
	}
	a.cfg.Metrics.RecordBusMessage(ctx, "out", "ok")
	return nil
}

func (a *BusAdapter) consume(ctx context.Context, msgs <-chan *message.Message) {
	defer close(a.done)
	for msg := range msgs {
		if msg.Metadata.Get(originKey) == a.cfg.NodeID {
			msg.Ack()
			continue
		}

		var p Packet
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			a.logger.Warn("dropping undecodable packet", "message_uuid", msg.UUID, "error", err)
			a.cfg.Metrics.RecordBusMessage(ctx, "in", "error")
			msg.Ack()
			continue
		}
		a.deliver(p)
		a.cfg.Metrics.RecordBusMessage(ctx, "in", "ok")
		msg.Ack()
	}
}

// Close ends the subscription. The bus pair stays open; it belongs to the
// caller.
func (a *BusAdapter) Close() error {
	a.once.Do(func() {
		a.cancel()
		select {
		case <-a.done:
		case <-time.After(closeWait):
			a.logger.Warn("subscription did not drain before close")
		}
	})
	return nil
}
