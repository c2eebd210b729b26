package integrity

import (
	"context"
	"sort"
	"sync"
)

// Store persists registered hashes, one row per (repository, commit, path).
type Store interface {
	Get(ctx context.Context, repositoryID, commitHash, path string) (Hash, error)
	// Insert stores h unless a row for the same key exists; it reports
	// whether a row was written and returns the stored row.
	Insert(ctx context.Context, h Hash) (Hash, bool, error)
	Update(ctx context.Context, h Hash) error
	ListByCommit(ctx context.Context, repositoryID, commitHash string) ([]Hash, error)
	ListByRepository(ctx context.Context, repositoryID string) ([]Hash, error)
	Timeline(ctx context.Context, repositoryID, path string) ([]Hash, error)
}

type key struct {
	repo, commit, path string
}

// InMemory is a Store backed by a map.
type InMemory struct {
	mu   sync.RWMutex
	rows map[key]Hash
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[key]Hash)}
}

func (s *InMemory) Get(ctx context.Context, repositoryID, commitHash, path string) (Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.rows[key{repositoryID, commitHash, path}]
	if !ok {
		return Hash{}, ErrNotFound
	}
	return clone(h), nil
}

func (s *InMemory) Insert(ctx context.Context, h Hash) (Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{h.RepositoryID, h.CommitHash, h.FilePath}
	if existing, ok := s.rows[k]; ok {
		return clone(existing), false, nil
	}
	s.rows[k] = clone(h)
	return h, true, nil
}

func (s *InMemory) Update(ctx context.Context, h Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{h.RepositoryID, h.CommitHash, h.FilePath}
	if _, ok := s.rows[k]; !ok {
		return ErrNotFound
	}
	s.rows[k] = clone(h)
	return nil
}

func (s *InMemory) ListByCommit(ctx context.Context, repositoryID, commitHash string) ([]Hash, error) {
	return s.filter(func(h Hash) bool {
		return h.RepositoryID == repositoryID && h.CommitHash == commitHash
	}), nil
}

func (s *InMemory) ListByRepository(ctx context.Context, repositoryID string) ([]Hash, error) {
	return s.filter(func(h Hash) bool { return h.RepositoryID == repositoryID }), nil
}

func (s *InMemory) Timeline(ctx context.Context, repositoryID, path string) ([]Hash, error) {
	out := s.filter(func(h Hash) bool { return h.RepositoryID == repositoryID && h.FilePath == path })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemory) filter(keep func(Hash) bool) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hash
	for _, h := range s.rows {
		if keep(h) {
			out = append(out, clone(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommitHash != out[j].CommitHash {
			return out[i].CommitHash < out[j].CommitHash
		}
		return out[i].FilePath < out[j].FilePath
	})
	return out
}

func clone(h Hash) Hash {
	if h.Log != nil {
		h.Log = append([]Check(nil), h.Log...)
	}
	return h
}
