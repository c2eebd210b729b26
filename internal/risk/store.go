package risk

import (
	"context"
	"sort"
	"sync"
)

// Store persists one Score per user.
type Store interface {
	Get(ctx context.Context, userID string) (Score, error)
	Upsert(ctx context.Context, s Score) error
	List(ctx context.Context, f Filter) ([]Score, error)
}

// InMemory implements Store.
type InMemory struct {
	mu     sync.RWMutex
	scores map[string]Score
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{scores: make(map[string]Score)}
}

func (s *InMemory) Get(ctx context.Context, userID string) (Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[userID]
	if !ok {
		return Score{}, ErrNotFound
	}
	return copyScore(sc), nil
}

func (s *InMemory) Upsert(ctx context.Context, sc Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[sc.UserID] = copyScore(sc)
	return nil
}

// List returns matching scores, highest first.
func (s *InMemory) List(ctx context.Context, f Filter) ([]Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Score
	for _, sc := range s.scores {
		if sc.Score < f.MinScore {
			continue
		}
		if f.Status != "" && sc.Status != f.Status {
			continue
		}
		if f.Watch != nil && sc.WatchStatus != *f.Watch {
			continue
		}
		out = append(out, copyScore(sc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func copyScore(sc Score) Score {
	sc.AlertHistory = append([]AlertRecord(nil), sc.AlertHistory...)
	sc.Recommendations = append([]Recommendation(nil), sc.Recommendations...)
	return sc
}
