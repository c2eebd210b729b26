package behavior

import (
	"context"
	"sort"
	"sync"
	"time"

	"repoguard.org/internal/ids"
)

// Store persists behavioral patterns keyed by (user, device, type).
type Store interface {
	Get(ctx context.Context, userID, deviceID string, t PatternType) (Pattern, bool, error)
	Upsert(ctx context.Context, p Pattern) (Pattern, error)
	ForUser(ctx context.Context, userID string) ([]Pattern, error)
}

type key struct {
	user   string
	device string
	typ    PatternType
}

// InMemory implements Store.
type InMemory struct {
	mu       sync.RWMutex
	patterns map[key]Pattern
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{patterns: make(map[key]Pattern)}
}

func (s *InMemory) Get(ctx context.Context, userID, deviceID string, t PatternType) (Pattern, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[key{userID, deviceID, t}]
	return p, ok, nil
}

func (s *InMemory) Upsert(ctx context.Context, p Pattern) (Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{p.UserID, p.DeviceID, p.Type}
	if prev, ok := s.patterns[k]; ok {
		p.ID = prev.ID
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	s.patterns[k] = p
	return p, nil
}

func (s *InMemory) ForUser(ctx context.Context, userID string) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Pattern
	for k, p := range s.patterns {
		if k.user == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type == out[j].Type {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
