// Package pubsub bridges WebSocket clients and the external publish/subscribe
// broker. The manager keeps a bi-directional channel <-> subscriber index
// keyed on interned string identities, so membership checks and broadcast
// lookups are a single hash plus pointer comparisons.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"github.com/b-xiang/redis-websocket-pubsub/internal/intern"
)

// Subscriber is an opaque handle for a client-side message sink; here, one
// WebSocket connection. Sends must be safe to call from the manager's
// goroutine.
type Subscriber interface {
	SendText(payload []byte) error
}

// envelope is the JSON container fanned out to subscribers.
type envelope struct {
	Key  string `json:"key"`
	Data string `json:"data"`
}

// Manager is the pub/sub fanout registry. The two index maps satisfy the
// invariant that for every (channel, subscriber) pair both directions are
// present or both are absent. The intern-pool refcount for a channel equals
// the number of subscribers holding it, plus one while it is a channels key.
type Manager struct {
	logger *slog.Logger
	broker Broker

	mu          sync.Mutex
	pool        *intern.Pool
	channels    map[*intern.Entry]map[Subscriber]struct{}
	subscribers map[Subscriber]map[*intern.Entry]struct{}
}

// NewManager creates a fanout registry on top of the given broker.
func NewManager(broker Broker, logger *slog.Logger) *Manager {
	return &Manager{
		logger:      logger,
		broker:      broker,
		pool:        intern.NewPool(),
		channels:    make(map[*intern.Entry]map[Subscriber]struct{}),
		subscribers: make(map[Subscriber]map[*intern.Entry]struct{}),
	}
}

// Subscribe registers sub on channel. Subscribing twice to the same channel
// is a no-op. When the channel gains its first local subscriber, a SUBSCRIBE
// command is issued to the broker; the registry is updated optimistically
// without waiting for the confirmation.
func (m *Manager) Subscribe(ctx context.Context, channel string, sub Subscriber) error {
	if channel == "" || sub == nil {
		return fmt.Errorf("pubsub: subscribe: empty channel or nil subscriber")
	}
	if !m.broker.Connected() {
		return ErrDisconnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	canonical := m.pool.Get(channel)

	held := m.subscribers[sub]
	if _, ok := held[canonical]; ok {
		// Already subscribed: drop the reference taken for the lookup.
		m.pool.Release(canonical)
		return nil
	}
	if held == nil {
		held = make(map[*intern.Entry]struct{})
		m.subscribers[sub] = held
	}
	held[canonical] = struct{}{}

	members := m.channels[canonical]
	first := members == nil
	if first {
		members = make(map[Subscriber]struct{})
		// Second reference: the channel now also lives as an index key.
		m.pool.Get(channel)
		m.channels[canonical] = members
	}
	members[sub] = struct{}{}

	if first {
		if err := m.broker.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("broker subscribe %q: %w", channel, err)
		}
	}
	return nil
}

// Unsubscribe removes sub from channel and, if that leaves the channel
// without local subscribers, issues UNSUBSCRIBE to the broker.
func (m *Manager) Unsubscribe(ctx context.Context, channel string, sub Subscriber) error {
	if channel == "" || sub == nil {
		return fmt.Errorf("pubsub: unsubscribe: empty channel or nil subscriber")
	}
	if !m.broker.Connected() {
		return ErrDisconnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	canonical := m.pool.Get(channel)
	defer m.pool.Release(canonical)

	held := m.subscribers[sub]
	if _, ok := held[canonical]; !ok {
		return nil
	}

	m.dropPair(canonical, sub)

	if _, ok := m.channels[canonical]; !ok {
		if err := m.broker.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("broker unsubscribe %q: %w", channel, err)
		}
	}
	return nil
}

// UnsubscribeAll removes sub from every channel it holds, issuing UNSUBSCRIBE
// for each channel emptied by the removal. It is called on disconnect and
// always cleans up local state, even while the broker is down.
func (m *Manager) UnsubscribeAll(ctx context.Context, sub Subscriber) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for canonical := range m.subscribers[sub] {
		name := canonical.String()
		m.dropPair(canonical, sub)

		if _, ok := m.channels[canonical]; !ok && m.broker.Connected() {
			if err := m.broker.Unsubscribe(ctx, name); err != nil {
				m.logger.Error("broker unsubscribe", slog.String("channel", name), slog.String("error", err.Error()))
			}
		}
	}
}

// dropPair removes both directions of one (channel, subscriber) edge and
// releases the references backing them. Callers hold m.mu.
func (m *Manager) dropPair(canonical *intern.Entry, sub Subscriber) {
	held := m.subscribers[sub]
	delete(held, canonical)
	if len(held) == 0 {
		delete(m.subscribers, sub)
	}
	// The subscriber's edge reference.
	m.pool.Release(canonical)

	members := m.channels[canonical]
	delete(members, sub)
	if len(members) == 0 {
		delete(m.channels, canonical)
		// The index-key reference.
		m.pool.Release(canonical)
	}
}

// Publish forwards a payload to the broker. The message is not delivered
// locally; it comes back through HandleMessage if anyone is subscribed.
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("pubsub: publish: empty channel")
	}
	if !m.broker.Connected() {
		return ErrDisconnected
	}
	if err := m.broker.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("broker publish %q: %w", channel, err)
	}
	return nil
}

// HandleMessage fans a broker-delivered message out to every local subscriber
// of the channel, wrapped in the JSON envelope and sent as one text frame.
// It returns the number of subscribers written to.
func (m *Manager) HandleMessage(channel string, payload []byte) int {
	m.mu.Lock()

	canonical := m.pool.Get(channel)
	members := m.channels[canonical]
	m.pool.Release(canonical)
	if len(members) == 0 {
		m.mu.Unlock()
		return 0
	}

	subs := make([]Subscriber, 0, len(members))
	for sub := range members {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	body, err := sonnet.Marshal(envelope{Key: channel, Data: string(payload)})
	if err != nil {
		m.logger.Error("marshal fanout envelope", slog.String("channel", channel), slog.String("error", err.Error()))
		return 0
	}

	sent := 0
	for _, sub := range subs {
		if err := sub.SendText(body); err != nil {
			m.logger.Warn("fanout write", slog.String("channel", channel), slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	return sent
}

// Channels reports how many channels currently have local subscribers.
func (m *Manager) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Subscribed reports whether sub currently holds a subscription to channel.
func (m *Manager) Subscribed(channel string, sub Subscriber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	canonical := m.pool.Get(channel)
	defer m.pool.Release(canonical)

	_, forward := m.channels[canonical][sub]
	_, backward := m.subscribers[sub][canonical]
	if forward != backward {
		// The two indexes must agree; a mismatch is a bookkeeping bug.
		m.logger.Error("subscription index mismatch", slog.String("channel", channel))
	}
	return forward && backward
}
