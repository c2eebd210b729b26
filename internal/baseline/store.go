package baseline

import (
	"context"
	"sync"

	"repoguard.org/internal/ids"
)

// Store persists baselines keyed by (user, device, kind).
type Store interface {
	// Upsert replaces every given baseline in one unit.
	Upsert(ctx context.Context, bs []Baseline) error
	// ForUser returns the user's baselines for deviceID plus the
	// device-independent ones.
	ForUser(ctx context.Context, userID, deviceID string) ([]Baseline, error)
}

type key struct {
	user, device string
	kind         Kind
}

// InMemory implements Store.
type InMemory struct {
	mu   sync.RWMutex
	rows map[key]Baseline
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[key]Baseline)}
}

func (s *InMemory) Upsert(ctx context.Context, bs []Baseline) error {
	for _, b := range bs {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bs {
		k := key{b.UserID, b.DeviceID, b.Kind}
		if prev, ok := s.rows[k]; ok {
			b.ID = prev.ID
		} else if b.ID == "" {
			b.ID = ids.New()
		}
		s.rows[k] = b
	}
	return nil
}

func (s *InMemory) ForUser(ctx context.Context, userID, deviceID string) ([]Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Baseline
	for k, b := range s.rows {
		if k.user != userID {
			continue
		}
		if k.device == deviceID || k.device == "" {
			out = append(out, b)
		}
	}
	return out, nil
}
