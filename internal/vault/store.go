package vault

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists tokens with their access logs and rotation history.
// Tokens are never deleted.
type Store interface {
	CreateToken(ctx context.Context, t Token) error
	GetToken(ctx context.Context, id string) (Token, error)
	UpdateToken(ctx context.Context, t Token) error
	ListByUser(ctx context.Context, userID string) ([]Token, error)
	ListAll(ctx context.Context) ([]Token, error)
	AppendAccess(ctx context.Context, l AccessLog) error
	ListAccess(ctx context.Context, tokenID string, since time.Time) ([]AccessLog, error)
	AppendRotation(ctx context.Context, r Rotation) error
	ListRotations(ctx context.Context, tokenID string) ([]Rotation, error)
}

// InMemory implements Store.
type InMemory struct {
	mu        sync.RWMutex
	tokens    map[string]Token
	access    []AccessLog
	rotations []Rotation
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[string]Token)}
}

func (s *InMemory) CreateToken(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = copyToken(t)
	return nil
}

func (s *InMemory) GetToken(ctx context.Context, id string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return copyToken(t), nil
}

func (s *InMemory) UpdateToken(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; !ok {
		return ErrNotFound
	}
	s.tokens[t.ID] = copyToken(t)
	return nil
}

// ListByUser returns the user's tokens, newest first.
func (s *InMemory) ListByUser(ctx context.Context, userID string) ([]Token, error) {
	return s.list(func(t Token) bool { return t.UserID == userID }), nil
}

func (s *InMemory) ListAll(ctx context.Context) ([]Token, error) {
	return s.list(func(Token) bool { return true }), nil
}

func (s *InMemory) list(keep func(Token) bool) []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Token
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, copyToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *InMemory) AppendAccess(ctx context.Context, l AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = append(s.access, l)
	return nil
}

// ListAccess returns logs at or after since, newest first.
func (s *InMemory) ListAccess(ctx context.Context, tokenID string, since time.Time) ([]AccessLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AccessLog
	for i := len(s.access) - 1; i >= 0; i-- {
		l := s.access[i]
		if l.TokenID == tokenID && !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *InMemory) AppendRotation(ctx context.Context, r Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations = append(s.rotations, r)
	return nil
}

// ListRotations returns the token's rotations, newest first.
func (s *InMemory) ListRotations(ctx context.Context, tokenID string) ([]Rotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rotation
	for i := len(s.rotations) - 1; i >= 0; i-- {
		if s.rotations[i].TokenID == tokenID {
			out = append(out, s.rotations[i])
		}
	}
	return out, nil
}

func copyToken(t Token) Token {
	t.Ciphertext = append([]byte(nil), t.Ciphertext...)
	t.WrappedKey = append([]byte(nil), t.WrappedKey...)
	t.Scope = append([]string(nil), t.Scope...)
	return t
}
