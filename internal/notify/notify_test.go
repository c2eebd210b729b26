package notify

import (
	"context"
	"testing"
	"time"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx)

	if err := h.Notify(context.Background(), Notification{Topic: TopicContainment, Severity: "CRITICAL", Title: "Repository encrypted"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case n := <-ch:
		if n.ID == "" || n.Timestamp.IsZero() || n.Title != "Repository encrypted" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestHubThrottlesNonCritical(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(WithRate(1, 2), WithClock(func() time.Time { return fixed }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx)

	for i := 0; i < 5; i++ {
		_ = h.Notify(context.Background(), Notification{Topic: TopicRisk, Severity: "WARNING"})
	}
	for i := 0; i < 3; i++ {
		_ = h.Notify(context.Background(), Notification{Topic: TopicRisk, Severity: "CRITICAL"})
	}
	if got := len(ch); got != 5 {
		t.Fatalf("expected 2 throttled warnings plus 3 critical, got %d", got)
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
