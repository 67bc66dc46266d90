package pubsub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type brokerCommand struct {
	kind    string
	channel string
	payload string
}

// fakeBroker records commands and lets tests flip the connected state.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	commands  []brokerCommand
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true}
}

func (b *fakeBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

func (b *fakeBroker) record(kind, channel, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, brokerCommand{kind: kind, channel: channel, payload: payload})
}

func (b *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.record("publish", channel, string(payload))
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, channel string) error {
	b.record("subscribe", channel, "")
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, channel string) error {
	b.record("unsubscribe", channel, "")
	return nil
}

func (b *fakeBroker) commandLog() []brokerCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brokerCommand(nil), b.commands...)
}

// fakeSubscriber collects text frames.
type fakeSubscriber struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (s *fakeSubscriber) SendText(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink gone")
	}
	s.messages = append(s.messages, string(payload))
	return nil
}

func (s *fakeSubscriber) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSubscribeIssuesBrokerCommandOnce(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	a := &fakeSubscriber{}
	b := &fakeSubscriber{}

	if err := mgr.Subscribe(ctx, "x", a); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := mgr.Subscribe(ctx, "x", b); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	log := broker.commandLog()
	if len(log) != 1 || log[0].kind != "subscribe" || log[0].channel != "x" {
		t.Fatalf("expected a single SUBSCRIBE x, got %+v", log)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	sub := &fakeSubscriber{}
	for i := 0; i < 3; i++ {
		if err := mgr.Subscribe(ctx, "x", sub); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if !mgr.Subscribed("x", sub) {
		t.Fatalf("expected subscription to be present")
	}
	if got := len(broker.commandLog()); got != 1 {
		t.Fatalf("expected 1 broker command, got %d", got)
	}

	// A single unsubscribe must fully remove the pair, proving the repeat
	// subscriptions did not stack references.
	if err := mgr.Unsubscribe(ctx, "x", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if mgr.Subscribed("x", sub) {
		t.Fatalf("expected subscription to be gone")
	}
	if mgr.Channels() != 0 {
		t.Fatalf("expected no channels, got %d", mgr.Channels())
	}
	if mgr.pool.Len() != 0 {
		t.Fatalf("expected no pooled entries, got %d", mgr.pool.Len())
	}
}

func TestUnsubscribeIssuesBrokerCommandWhenEmpty(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	_ = mgr.Subscribe(ctx, "x", a)
	_ = mgr.Subscribe(ctx, "x", b)

	if err := mgr.Unsubscribe(ctx, "x", a); err != nil {
		t.Fatalf("unsubscribe a: %v", err)
	}
	for _, cmd := range broker.commandLog() {
		if cmd.kind == "unsubscribe" {
			t.Fatalf("UNSUBSCRIBE must not be issued while subscribers remain")
		}
	}

	if err := mgr.Unsubscribe(ctx, "x", b); err != nil {
		t.Fatalf("unsubscribe b: %v", err)
	}
	log := broker.commandLog()
	last := log[len(log)-1]
	if last.kind != "unsubscribe" || last.channel != "x" {
		t.Fatalf("expected trailing UNSUBSCRIBE x, got %+v", log)
	}
}

func TestUnsubscribeUnknownChannelIsNoop(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())

	sub := &fakeSubscriber{}
	if err := mgr.Unsubscribe(context.Background(), "missing", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(broker.commandLog()) != 0 {
		t.Fatalf("no broker commands expected, got %+v", broker.commandLog())
	}
}

func TestUnsubscribeAllOnDisconnect(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	gone := &fakeSubscriber{}
	stays := &fakeSubscriber{}
	_ = mgr.Subscribe(ctx, "x", gone)
	_ = mgr.Subscribe(ctx, "y", gone)
	_ = mgr.Subscribe(ctx, "y", stays)

	mgr.UnsubscribeAll(ctx, gone)

	if mgr.Subscribed("x", gone) || mgr.Subscribed("y", gone) {
		t.Fatalf("expected all subscriptions removed")
	}
	if !mgr.Subscribed("y", stays) {
		t.Fatalf("other subscribers must be unaffected")
	}

	unsubscribed := map[string]bool{}
	for _, cmd := range broker.commandLog() {
		if cmd.kind == "unsubscribe" {
			unsubscribed[cmd.channel] = true
		}
	}
	if !unsubscribed["x"] || unsubscribed["y"] {
		t.Fatalf("expected UNSUBSCRIBE only for emptied channel x, got %v", unsubscribed)
	}
}

func TestPublishForwardsToBroker(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())

	if err := mgr.Publish(context.Background(), "x", []byte("hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	log := broker.commandLog()
	if len(log) != 1 || log[0].kind != "publish" || log[0].payload != "hi" {
		t.Fatalf("unexpected broker log: %+v", log)
	}
}

func TestCommandsWhileDisconnected(t *testing.T) {
	broker := newFakeBroker()
	broker.setConnected(false)
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	sub := &fakeSubscriber{}
	if err := mgr.Subscribe(ctx, "x", sub); err != ErrDisconnected {
		t.Fatalf("subscribe: expected ErrDisconnected, got %v", err)
	}
	if err := mgr.Publish(ctx, "x", []byte("hi")); err != ErrDisconnected {
		t.Fatalf("publish: expected ErrDisconnected, got %v", err)
	}
	if len(broker.commandLog()) != 0 {
		t.Fatalf("commands must not be queued while disconnected")
	}
}

func TestHandleMessageFanout(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	other := &fakeSubscriber{}
	_ = mgr.Subscribe(ctx, "x", a)
	_ = mgr.Subscribe(ctx, "x", b)
	_ = mgr.Subscribe(ctx, "y", other)

	if sent := mgr.HandleMessage("x", []byte("hi")); sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}

	want := `{"key":"x","data":"hi"}`
	for _, sub := range []*fakeSubscriber{a, b} {
		got := sub.received()
		if len(got) != 1 || got[0] != want {
			t.Fatalf("unexpected delivery: %v", got)
		}
	}
	if len(other.received()) != 0 {
		t.Fatalf("subscriber of another channel must not receive the message")
	}
}

func TestHandleMessageEscapesPayload(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())

	sub := &fakeSubscriber{}
	_ = mgr.Subscribe(context.Background(), "x", sub)

	mgr.HandleMessage("x", []byte(`say "hi"`))
	got := sub.received()
	if len(got) != 1 || got[0] != `{"key":"x","data":"say \"hi\""}` {
		t.Fatalf("unexpected envelope: %v", got)
	}
}

func TestHandleMessageNoSubscribers(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())

	if sent := mgr.HandleMessage("nobody", []byte("hi")); sent != 0 {
		t.Fatalf("expected 0 deliveries, got %d", sent)
	}
}

func TestHandleMessageCountsFailedSinks(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	ok := &fakeSubscriber{}
	broken := &fakeSubscriber{fail: true}
	_ = mgr.Subscribe(ctx, "x", ok)
	_ = mgr.Subscribe(ctx, "x", broken)

	if sent := mgr.HandleMessage("x", []byte("hi")); sent != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", sent)
	}
}

func TestDualIndexInvariant(t *testing.T) {
	broker := newFakeBroker()
	mgr := NewManager(broker, testLogger())
	ctx := context.Background()

	subs := []*fakeSubscriber{{}, {}, {}}
	channels := []string{"a", "b", "c"}
	for _, sub := range subs {
		for _, ch := range channels {
			_ = mgr.Subscribe(ctx, ch, sub)
		}
	}

	// Subscribed checks both directions and logs on divergence; drive it
	// through a churn of removals.
	_ = mgr.Unsubscribe(ctx, "b", subs[0])
	mgr.UnsubscribeAll(ctx, subs[1])

	for _, sub := range subs {
		for _, ch := range channels {
			_ = mgr.Subscribed(ch, sub)
		}
	}

	if mgr.Subscribed("b", subs[0]) {
		t.Fatalf("removed pair still present")
	}
	if !mgr.Subscribed("a", subs[0]) || !mgr.Subscribed("a", subs[2]) {
		t.Fatalf("unrelated pairs were disturbed")
	}
	if mgr.Subscribed("a", subs[1]) {
		t.Fatalf("unsubscribe-all left a pair behind")
	}
}
