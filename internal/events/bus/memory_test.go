package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(ctx context.Context, subject string, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, c.count())
}

func TestPublishSubscribeExact(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	c := &collector{}
	if _, err := b.Subscribe("codex.session.s1.event", c.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ev := NewEvent("session-event", "test", map[string]interface{}{"x": 1})
	if err := b.Publish(context.Background(), "codex.session.s1.event", ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	c.waitFor(t, 1)
}

func TestWildcardSingleToken(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	c := &collector{}
	_, _ = b.Subscribe("codex.session.s1.*", c.handler)

	_ = b.Publish(context.Background(), "codex.session.s1.event", NewEvent("a", "test", nil))
	_ = b.Publish(context.Background(), "codex.session.s1.ir", NewEvent("b", "test", nil))
	_ = b.Publish(context.Background(), "codex.session.s2.event", NewEvent("c", "test", nil))

	c.waitFor(t, 2)
	time.Sleep(10 * time.Millisecond)
	if c.count() != 2 {
		t.Errorf("expected 2 events, got %d", c.count())
	}
}

func TestWildcardRemainingTokens(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	c := &collector{}
	_, _ = b.Subscribe("codex.session.>", c.handler)

	_ = b.Publish(context.Background(), "codex.session.s1.event", NewEvent("a", "test", nil))
	_ = b.Publish(context.Background(), "codex.session.s2.approval", NewEvent("b", "test", nil))
	_ = b.Publish(context.Background(), "codex.other.s1", NewEvent("c", "test", nil))

	c.waitFor(t, 2)
	time.Sleep(10 * time.Millisecond)
	if c.count() != 2 {
		t.Errorf("expected 2 events, got %d", c.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	c := &collector{}
	sub, _ := b.Subscribe("subject", c.handler)
	if !sub.IsValid() {
		t.Fatal("expected valid subscription")
	}
	_ = sub.Unsubscribe()
	if sub.IsValid() {
		t.Error("expected invalid subscription after unsubscribe")
	}

	_ = b.Publish(context.Background(), "subject", NewEvent("a", "test", nil))
	time.Sleep(10 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d", c.count())
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus must not report connected")
	}
	if err := b.Publish(context.Background(), "subject", NewEvent("a", "test", nil)); err == nil {
		t.Error("expected error publishing on closed bus")
	}
}
