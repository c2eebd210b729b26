package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"repoguard.org/internal/ids"
)

// Store persists alerts and security logs.
type Store interface {
	Create(ctx context.Context, a Alert) (Alert, error)
	Get(ctx context.Context, id string) (Alert, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
	MarkAutoEncrypted(ctx context.Context, id string, details EncryptionDetails) error
	ResolveByRepository(ctx context.Context, repositoryID, resolvedBy string, at time.Time) (int, error)
	ListUnresolvedByRepository(ctx context.Context, repositoryID string, limit int) ([]Alert, error)
	AppendSecurityLog(ctx context.Context, l SecurityLog) (SecurityLog, error)
}

// InMemory implements Store for tests and single-process agents.
type InMemory struct {
	mu     sync.RWMutex
	alerts map[string]Alert
	order  []string
	logs   []SecurityLog
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		alerts: make(map[string]Alert),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) Create(ctx context.Context, a Alert) (Alert, error) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	s.order = append(s.order, a.ID)
	return a, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemory) MarkNotified(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Notified = true
	a.NotifiedAt = at
	s.alerts[id] = a
	return nil
}

func (s *InMemory) MarkAutoEncrypted(ctx context.Context, id string, details EncryptionDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.AutoEncrypted = true
	d := details
	a.Encryption = &d
	s.alerts[id] = a
	return nil
}

func (s *InMemory) ResolveByRepository(ctx context.Context, repositoryID, resolvedBy string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.alerts {
		if a.Resolved || a.RepositoryID() != repositoryID {
			continue
		}
		a.Resolved = true
		a.ResolvedBy = resolvedBy
		a.ResolvedAt = at
		s.alerts[id] = a
		n++
	}
	return n, nil
}

func (s *InMemory) ListUnresolvedByRepository(ctx context.Context, repositoryID string, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Alert
	for _, id := range s.order {
		a := s.alerts[id]
		if a.Resolved || a.RepositoryID() != repositoryID {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) AppendSecurityLog(ctx context.Context, l SecurityLog) (SecurityLog, error) {
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return l, nil
}

// All returns every alert in creation order.
func (s *InMemory) All() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alert, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.alerts[id])
	}
	return out
}

// SecurityLogs returns every stored security log.
func (s *InMemory) SecurityLogs() []SecurityLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SecurityLog, len(s.logs))
	copy(out, s.logs)
	return out
}
