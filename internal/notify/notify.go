// Package notify fans real-time operator notifications out to subscribers
// such as the SSE feed.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"repoguard.org/internal/ids"
	"repoguard.org/internal/obs"
)

// Topics published by the core.
const (
	TopicContainment  = "containment"
	TopicVerification = "verification"
	TopicIntegrity    = "integrity"
	TopicRisk         = "risk"
	TopicVault        = "vault"
	TopicAnomaly      = "anomaly"
)

// Notification is one operator-facing message.
type Notification struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	RepositoryID string    `json:"repository_id,omitempty"`
	IncidentID   string    `json:"incident_id,omitempty"`
	Recipients   []string  `json:"recipients,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier delivers notifications to operators.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Hub fan-outs notifications to all active subscribers. Non-critical
// notifications are throttled per topic; critical ones always go out.
type Hub struct {
	mu       sync.RWMutex
	subs     map[int]chan Notification
	next     int
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

var _ Notifier = (*Hub)(nil)

// Option configures Hub.
type Option func(*Hub)

// WithRate sets the per-topic token bucket.
func WithRate(perSec float64, burst int) Option {
	return func(h *Hub) {
		if perSec > 0 {
			h.limit = rate.Limit(perSec)
		}
		if burst > 0 {
			h.burst = burst
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(h *Hub) {
		if fn != nil {
			h.now = fn
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:     make(map[int]chan Notification),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(5),
		burst:    20,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber and returns a channel which will receive
// notifications. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan Notification {
	ch := make(chan Notification, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Notify stamps, logs and publishes n.
func (h *Hub) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = ids.New()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	if n.Severity != "CRITICAL" && !h.allow(n.Topic) {
		obs.NotificationsDropped.WithLabelValues(n.Topic).Inc()
		return nil
	}
	obs.Info("notification", map[string]any{
		"topic":         n.Topic,
		"severity":      n.Severity,
		"title":         n.Title,
		"repository_id": n.RepositoryID,
		"incident_id":   n.IncidentID,
	})
	h.Publish(n)
	return nil
}

// Publish fan-outs n to all subscribers.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			obs.NotificationsDropped.WithLabelValues(n.Topic).Inc()
		}
	}
}

func (h *Hub) allow(topic string) bool {
	h.mu.Lock()
	lim, ok := h.limiters[topic]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.limiters[topic] = lim
	}
	h.mu.Unlock()
	return lim.AllowN(h.now(), 1)
}

// Recorder keeps every notification in memory; useful for tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
