package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// MessageHandler receives each message the broker delivers for a subscribed
// channel.
type MessageHandler func(channel string, payload []byte)

// RedisBroker implements Broker on a redis backend. It mirrors the classic
// split between a command connection used for PUBLISH and a dedicated
// subscription connection that stays in subscriber mode.
type RedisBroker struct {
	logger  *slog.Logger
	client  *redis.Client
	pubsub  *redis.PubSub
	handler MessageHandler

	connected atomic.Bool
	done      chan struct{}
}

// NewRedisBroker connects to the redis server at addr (host:port). The
// initial PING establishes the connected state; a failure here is fatal so
// misconfiguration surfaces at startup rather than on the first client.
func NewRedisBroker(ctx context.Context, addr string, logger *slog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	b := &RedisBroker{
		logger: logger,
		client: client,
		pubsub: client.Subscribe(ctx),
		done:   make(chan struct{}),
	}
	b.connected.Store(true)
	return b, nil
}

// SetMessageHandler registers the callback for inbound channel messages.
// It must be called before Run.
func (b *RedisBroker) SetMessageHandler(handler MessageHandler) {
	b.handler = handler
}

// Run drains the subscription connection and dispatches messages to the
// handler, in the order redis delivered them, until ctx is cancelled or the
// broker is closed.
func (b *RedisBroker) Run(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				b.connected.Store(false)
				return
			}
			if b.handler != nil {
				b.handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

// Connected reports whether the broker transport is believed to be up.
func (b *RedisBroker) Connected() bool {
	return b.connected.Load()
}

// Publish issues a PUBLISH command.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return b.commandError("publish", channel, err)
	}
	return nil
}

// Subscribe adds channel to the subscription connection.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		return b.commandError("subscribe", channel, err)
	}
	return nil
}

// Unsubscribe removes channel from the subscription connection.
func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return b.commandError("unsubscribe", channel, err)
	}
	return nil
}

func (b *RedisBroker) commandError(command, channel string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		b.connected.Store(false)
		return ErrDisconnected
	}
	b.logger.Error("redis command failed",
		slog.String("command", command),
		slog.String("channel", channel),
		slog.String("error", err.Error()))
	return fmt.Errorf("redis %s %q: %w", command, channel, err)
}

// Close tears the broker down: the subscription connection first, then the
// command connection.
func (b *RedisBroker) Close() error {
	close(b.done)
	b.connected.Store(false)
	if err := b.pubsub.Close(); err != nil {
		b.logger.Warn("close redis subscription", slog.String("error", err.Error()))
	}
	return b.client.Close()
}
