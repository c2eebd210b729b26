package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"repoguard.org/internal/auth"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/obs"
)

// GenesisHash is the previousHash of the first block.
const GenesisHash = "0"

// Actions recorded by the containment core.
const (
	ActionAutoEncryption           = "AUTO_ENCRYPTION_TRIGGERED"
	ActionUnauthorizedAccess       = "UNAUTHORIZED_ACCESS_DETECTED"
	ActionVerificationApproved     = "MANUAL_VERIFICATION_APPROVED"
	ActionVerificationRejected     = "MANUAL_VERIFICATION_REJECTED"
	ActionManualOverride           = "MANUAL_OVERRIDE"
	ActionStatusTransition         = "SECURITY_STATUS_CHANGED"
	ActionContainmentFailed        = "CONTAINMENT_FAILED"
	ActionContainmentInconsistency = "CONTAINMENT_INCONSISTENT"
	ActionIntegrityViolation       = "INTEGRITY_VIOLATION_DETECTED"
	ActionTokenCreated             = "TOKEN_CREATED"
	ActionTokenRotated             = "TOKEN_ROTATED"
	ActionTokenRevoked             = "TOKEN_REVOKED"
	ActionTokenCompromised         = "TOKEN_COMPROMISED"
)

// Issue kinds reported by Verify.
const (
	IssueHashMismatch = "HASH_MISMATCH"
	IssueChainBroken  = "CHAIN_BROKEN"
	IssueSequenceGap  = "SEQUENCE_GAP"
)

var ErrBlockExists = fmt.Errorf("audit: block number already taken: %w", faults.ErrConflict)

// Record is the caller-supplied content of an audit entry.
type Record struct {
	ActorID   string
	Action    string
	Entity    string
	EntityID  string
	Changes   map[string]string
	IPAddress string
	UserAgent string
}

// Entry is one block of the immutable audit chain.
type Entry struct {
	BlockNumber  int64
	PreviousHash string
	LogHash      string
	ActorID      string
	Action       string
	Entity       string
	EntityID     string
	Changes      map[string]string
	IPAddress    string
	UserAgent    string
	Timestamp    time.Time
}

// Issue describes one break found during verification.
type Issue struct {
	BlockNumber int64  `json:"blockNumber"`
	Kind        string `json:"kind"`
	Expected    string `json:"expected"`
	Actual      string `json:"actual"`
}

// Report is the outcome of a full chain verification.
type Report struct {
	IsValid   bool    `json:"isValid"`
	TotalLogs int     `json:"totalLogs"`
	Issues    []Issue `json:"issues"`
}

// ChainStore persists audit entries. Insert must reject a duplicate block number.
type ChainStore interface {
	Last(ctx context.Context) (Entry, bool, error)
	Insert(ctx context.Context, e Entry) error
	Range(ctx context.Context, afterBlock int64, limit int) ([]Entry, error)
}

// Serializer is implemented by stores that can run the read-last/insert
// pair under a lock shared between processes.
type Serializer interface {
	Serialize(ctx context.Context, fn func(ChainStore) error) error
}

// Appender is the write side of the chain used by other components.
type Appender interface {
	Append(ctx context.Context, r Record) (Entry, error)
}

// Chain appends and verifies entries. Appends are single-writer.
type Chain struct {
	mu       sync.Mutex
	store    ChainStore
	now      func() time.Time
	pageSize int
}

var _ Appender = (*Chain)(nil)

// Option configures Chain.
type Option func(*Chain)

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(c *Chain) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithPageSize sets how many entries Verify reads per round trip.
func WithPageSize(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewChain wraps store.
func NewChain(store ChainStore, opts ...Option) *Chain {
	c := &Chain{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		pageSize: 500,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append links r after the current head and persists it.
func (c *Chain) Append(ctx context.Context, r Record) (Entry, error) {
	if r.Action == "" || r.Entity == "" {
		return Entry{}, fmt.Errorf("audit: action and entity are required: %w", faults.ErrInvalidInput)
	}
	if r.ActorID == "" {
		if uid, ok := auth.UserIDFromContext(ctx); ok {
			r.ActorID = uid
		} else {
			r.ActorID = "system"
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var entry Entry
	appendTo := func(store ChainStore) error {
		last, ok, err := store.Last(ctx)
		if err != nil {
			return err
		}
		entry = Entry{
			BlockNumber:  1,
			PreviousHash: GenesisHash,
			ActorID:      r.ActorID,
			Action:       r.Action,
			Entity:       r.Entity,
			EntityID:     r.EntityID,
			Changes:      copyChanges(r.Changes),
			IPAddress:    r.IPAddress,
			UserAgent:    r.UserAgent,
			Timestamp:    c.now().UTC().Truncate(time.Microsecond),
		}
		if ok {
			entry.BlockNumber = last.BlockNumber + 1
			entry.PreviousHash = last.LogHash
		}
		entry.LogHash = Hash(entry)
		return store.Insert(ctx, entry)
	}

	var err error
	if s, ok := c.store.(Serializer); ok {
		err = s.Serialize(ctx, appendTo)
	} else {
		err = appendTo(c.store)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append %s: %w", r.Action, err)
	}

	obs.AuditAppends.Inc()
	_ = LogEvent(ctx, "audit.chain.append", map[string]any{
		"block":     entry.BlockNumber,
		"action":    entry.Action,
		"entity":    entry.Entity,
		"entity_id": entry.EntityID,
		"hash":      entry.LogHash,
	})
	return entry, nil
}

// Verify walks the chain front to back and reports every hash mismatch and
// every broken back-reference. It never modifies the chain.
func (c *Chain) Verify(ctx context.Context) (Report, error) {
	report := Report{IsValid: true}
	var (
		prev    Entry
		hasPrev bool
		after   int64
	)
	for {
		page, err := c.store.Range(ctx, after, c.pageSize)
		if err != nil {
			return Report{}, fmt.Errorf("audit: verify: %w", err)
		}
		for _, e := range page {
			report.TotalLogs++
			if h := Hash(e); h != e.LogHash {
				report.Issues = append(report.Issues, Issue{BlockNumber: e.BlockNumber, Kind: IssueHashMismatch, Expected: h, Actual: e.LogHash})
			}
			expectedPrev, expectedBlock := GenesisHash, int64(1)
			if hasPrev {
				expectedPrev, expectedBlock = prev.LogHash, prev.BlockNumber+1
			}
			if e.PreviousHash != expectedPrev {
				report.Issues = append(report.Issues, Issue{BlockNumber: e.BlockNumber, Kind: IssueChainBroken, Expected: expectedPrev, Actual: e.PreviousHash})
			}
			if e.BlockNumber != expectedBlock {
				report.Issues = append(report.Issues, Issue{
					BlockNumber: e.BlockNumber, Kind: IssueSequenceGap,
					Expected: fmt.Sprint(expectedBlock), Actual: fmt.Sprint(e.BlockNumber),
				})
			}
			prev, hasPrev = e, true
			after = e.BlockNumber
		}
		if len(page) < c.pageSize {
			break
		}
	}
	report.IsValid = len(report.Issues) == 0
	obs.AuditChainIssues.Set(float64(len(report.Issues)))
	if !report.IsValid {
		obs.Error("audit chain verification failed", map[string]any{"issues": len(report.Issues), "total": report.TotalLogs})
	}
	return report, nil
}

// Page returns up to limit entries after the given block number.
func (c *Chain) Page(ctx context.Context, afterBlock int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return c.store.Range(ctx, afterBlock, limit)
}

type hashContent struct {
	UserID       string            `json:"userId"`
	Action       string            `json:"action"`
	Entity       string            `json:"entity"`
	EntityID     string            `json:"entityId"`
	Changes      map[string]string `json:"changes"`
	Timestamp    string            `json:"timestamp"`
	BlockNumber  int64             `json:"blockNumber"`
	PreviousHash string            `json:"previousHash"`
}

// Hash computes the SHA-256 log hash of e, ignoring e.LogHash.
func Hash(e Entry) string {
	changes := e.Changes
	if changes == nil {
		changes = map[string]string{}
	}
	data, _ := json.Marshal(hashContent{
		UserID:       e.ActorID,
		Action:       e.Action,
		Entity:       e.Entity,
		EntityID:     e.EntityID,
		Changes:      changes,
		Timestamp:    e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		BlockNumber:  e.BlockNumber,
		PreviousHash: e.PreviousHash,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func copyChanges(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryChain is an in-process ChainStore.
type MemoryChain struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ ChainStore = (*MemoryChain)(nil)

func NewMemoryChain() *MemoryChain { return &MemoryChain{} }

func (m *MemoryChain) Last(ctx context.Context) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	return m.entries[len(m.entries)-1], true, nil
}

func (m *MemoryChain) Insert(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.entries); n > 0 && m.entries[n-1].BlockNumber >= e.BlockNumber {
		return ErrBlockExists
	}
	e.Changes = copyChanges(e.Changes)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryChain) Range(ctx context.Context, afterBlock int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].BlockNumber > afterBlock })
	var out []Entry
	for ; i < len(m.entries) && (limit <= 0 || len(out) < limit); i++ {
		e := m.entries[i]
		e.Changes = copyChanges(e.Changes)
		out = append(out, e)
	}
	return out, nil
}

// Tamper rewrites the stored changes of one block. It exists so tooling and
// tests can demonstrate detection; nothing in the core calls it.
func (m *MemoryChain) Tamper(block int64, changes map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].BlockNumber == block {
			m.entries[i].Changes = copyChanges(changes)
			return true
		}
	}
	return false
}
