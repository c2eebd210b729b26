package activity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SuspicionFilter narrows a query by the IsSuspicious flag.
type SuspicionFilter int

const (
	AnySuspicion SuspicionFilter = iota
	OnlySuspicious
	ExcludeSuspicious
)

// Query selects events. Zero fields do not filter. Results are ordered by
// timestamp ascending; with Limit set only the most recent Limit events are kept.
type Query struct {
	UserID       string
	DeviceID     string
	RepositoryID string
	Types        []Type
	Since        time.Time
	Until        time.Time
	Suspicion    SuspicionFilter
	Limit        int
}

// Store is the append-only activity record.
type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	MarkSuspicious(ctx context.Context, id string, level RiskLevel) error
	List(ctx context.Context, q Query) ([]Event, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]int
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source used for defaults.
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		byID: make(map[string]int),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Append(ctx context.Context, e Event) (Event, error) {
	if err := e.Normalize(s.now()); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.ID]; ok {
		return s.events[s.byID[e.ID]], nil
	}
	s.byID[e.ID] = len(s.events)
	s.events = append(s.events, e)
	return e, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return s.events[i], nil
}

func (s *InMemory) MarkSuspicious(ctx context.Context, id string, level RiskLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.events[i].IsSuspicious = true
	s.events[i].RiskLevel = level
	return nil
}

func (s *InMemory) List(ctx context.Context, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Matches reports whether e satisfies every set field of q except Limit.
func (q Query) Matches(e Event) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.DeviceID != "" && e.DeviceID != q.DeviceID {
		return false
	}
	if q.RepositoryID != "" && e.RepositoryID != q.RepositoryID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.Timestamp.Before(q.Until) {
		return false
	}
	switch q.Suspicion {
	case OnlySuspicious:
		if !e.IsSuspicious {
			return false
		}
	case ExcludeSuspicious:
		if e.IsSuspicious {
			return false
		}
	}
	if len(q.Types) > 0 {
		for _, t := range q.Types {
			if t == e.Type {
				return true
			}
		}
		return false
	}
	return true
}
