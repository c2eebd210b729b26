package containment

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"repoguard.org/internal/faults"
)

// Repository is a protected repository and its containment state.
type Repository struct {
	ID               string
	Name             string
	Path             string
	OriginalLocation string
	IsEncrypted      bool
	EncryptedAt      time.Time
	Status           Status
	TrustedPaths     []string
	UpdatedAt        time.Time
}

// Trusts reports whether p lies inside one of the trusted paths.
func (r Repository) Trusts(p string) bool {
	np := normalizePath(p)
	if np == "" {
		return false
	}
	for _, t := range r.TrustedPaths {
		nt := normalizePath(t)
		if np == nt || strings.HasPrefix(np, strings.TrimSuffix(nt, string(filepath.Separator))+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

var ErrRepositoryNotFound = fmt.Errorf("containment: repository %w", faults.ErrNotFound)

// Store persists repositories. Status changes go through Orchestrator.Transition.
type Store interface {
	Get(ctx context.Context, id string) (Repository, error)
	Save(ctx context.Context, r Repository) error
	ListByStatus(ctx context.Context, status Status) ([]Repository, error)
}

// InMemory implements Store.
type InMemory struct {
	mu    sync.RWMutex
	repos map[string]Repository

	// failSave makes the next Save fail; used to exercise inconsistency handling.
	failSave error
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{repos: make(map[string]Repository)}
}

func (s *InMemory) Get(ctx context.Context, id string) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return Repository{}, ErrRepositoryNotFound
	}
	r.TrustedPaths = append([]string(nil), r.TrustedPaths...)
	return r, nil
}

func (s *InMemory) Save(ctx context.Context, r Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		err := s.failSave
		s.failSave = nil
		return err
	}
	if r.Status == "" {
		r.Status = StatusSecure
	}
	r.TrustedPaths = append([]string(nil), r.TrustedPaths...)
	s.repos[r.ID] = r
	return nil
}

func (s *InMemory) ListByStatus(ctx context.Context, status Status) ([]Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Repository
	for _, r := range s.repos {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FailNextSave makes the next Save return err.
func (s *InMemory) FailNextSave(err error) {
	s.mu.Lock()
	s.failSave = err
	s.mu.Unlock()
}
