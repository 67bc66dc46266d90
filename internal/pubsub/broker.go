package pubsub

import (
	"context"
	"errors"
)

// ErrDisconnected is returned when a command is attempted while the broker
// transport is down. Commands are never queued.
var ErrDisconnected = errors.New("pubsub: broker disconnected")

// Broker is the minimal client interface to the external publish/subscribe
// backend. Implementations deliver inbound channel messages through the
// handler registered with SetMessageHandler, in the order the backend
// delivered them.
type Broker interface {
	Connected() bool
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}
