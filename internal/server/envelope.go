package server

import (
	"errors"
	"log/slog"

	"github.com/sugawarayuuta/sonnet"

	"github.com/b-xiang/redis-websocket-pubsub/internal/pubsub"
)

// clientEnvelope is the JSON container clients send over the websocket.
// `action` and `key` are mandatory strings; `data` is required for "pub" and
// must then be a string. Other actions ignore `data`.
type clientEnvelope struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Data   any    `json:"data"`
}

// handleMessage is the engine's message-delivery callback. Invalid or
// non-text messages are dropped with a warning; broker-down conditions are
// surfaced in the logs but never to the peer.
func (c *conn) handleMessage(payload []byte, binary bool) {
	c.server.metrics.messagesReceived.Inc()

	if binary {
		c.logger.Warn("unexpected binary message, dropping")
		c.server.metrics.messagesDropped.WithLabelValues("binary").Inc()
		return
	}

	var env clientEnvelope
	if err := sonnet.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("failed to parse message payload", slog.String("error", err.Error()))
		c.server.metrics.messagesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if env.Action == "" || env.Key == "" {
		c.logger.Warn("message missing action or key")
		c.server.metrics.messagesDropped.WithLabelValues("malformed").Inc()
		return
	}

	ctx := c.server.baseCtx

	switch env.Action {
	case "pub":
		data, ok := env.Data.(string)
		if !ok {
			c.logger.Warn("pub message without string data")
			c.server.metrics.messagesDropped.WithLabelValues("malformed").Inc()
			return
		}
		if err := c.server.fanout.Publish(ctx, env.Key, []byte(data)); err != nil {
			c.logBrokerError("publish", env.Key, err)
		}

	case "sub":
		if err := c.server.fanout.Subscribe(ctx, env.Key, c); err != nil {
			c.logBrokerError("subscribe", env.Key, err)
		}

	case "unsub":
		if err := c.server.fanout.Unsubscribe(ctx, env.Key, c); err != nil {
			c.logBrokerError("unsubscribe", env.Key, err)
		}

	default:
		c.logger.Warn("unknown action", slog.String("action", env.Action))
		c.server.metrics.messagesDropped.WithLabelValues("unknown_action").Inc()
	}
}

func (c *conn) logBrokerError(op, channel string, err error) {
	if errors.Is(err, pubsub.ErrDisconnected) {
		// The broker transport is down; nothing is queued on its behalf.
		c.logger.Warn("broker disconnected", slog.String("op", op), slog.String("channel", channel))
		return
	}
	c.logger.Error("pubsub "+op, slog.String("channel", channel), slog.String("error", err.Error()))
}
