// Package sqlite keeps integrity hashes and the audit chain in a local
// SQLite file so a developer machine can run without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"repoguard.org/internal/audit"
	"repoguard.org/internal/ids"
	"repoguard.org/internal/integrity"
)

const schema = `
CREATE TABLE IF NOT EXISTS repository_hashes (
    id               TEXT PRIMARY KEY,
    repository_id    TEXT NOT NULL,
    commit_hash      TEXT NOT NULL,
    file_path        TEXT NOT NULL,
    digest           TEXT NOT NULL,
    algorithm        TEXT NOT NULL,
    status           TEXT NOT NULL,
    verification_log TEXT NOT NULL DEFAULT '[]',
    created_ns       INTEGER NOT NULL,
    verified_ns      INTEGER NOT NULL DEFAULT 0,
    UNIQUE (repository_id, commit_hash, file_path)
);

CREATE INDEX IF NOT EXISTS idx_hashes_path ON repository_hashes(repository_id, file_path, created_ns);

CREATE TABLE IF NOT EXISTS audit_log (
    block_number  INTEGER PRIMARY KEY,
    previous_hash TEXT NOT NULL,
    log_hash      TEXT NOT NULL,
    actor_id      TEXT NOT NULL,
    action        TEXT NOT NULL,
    entity        TEXT NOT NULL,
    entity_id     TEXT NOT NULL DEFAULT '',
    changes       TEXT NOT NULL DEFAULT '{}',
    ip_address    TEXT NOT NULL DEFAULT '',
    user_agent    TEXT NOT NULL DEFAULT '',
    timestamp_ns  INTEGER NOT NULL
);
`

// Store is the agent-local database.
type Store struct {
	db *sql.DB
}

var (
	_ integrity.Store  = (*Hashes)(nil)
	_ audit.ChainStore = (*Chain)(nil)
	_ audit.Serializer = (*Chain)(nil)
)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the database file is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Hashes() *Hashes { return &Hashes{db: s.db} }
func (s *Store) Chain() *Chain   { return &Chain{db: s.db} }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// Hashes implements integrity.Store.
type Hashes struct {
	db *sql.DB
}

const hashColumns = `id, repository_id, commit_hash, file_path, digest, algorithm, status, verification_log, created_ns, verified_ns`

func (s *Hashes) Get(ctx context.Context, repositoryID, commitHash, path string) (integrity.Hash, error) {
	h, err := scanHash(s.db.QueryRowContext(ctx, `SELECT `+hashColumns+` FROM repository_hashes
		WHERE repository_id = ? AND commit_hash = ? AND file_path = ?`, repositoryID, commitHash, path))
	if errors.Is(err, sql.ErrNoRows) {
		return integrity.Hash{}, integrity.ErrNotFound
	}
	return h, err
}

func (s *Hashes) Insert(ctx context.Context, h integrity.Hash) (integrity.Hash, bool, error) {
	if h.ID == "" {
		h.ID = ids.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Algorithm == "" {
		h.Algorithm = integrity.Algorithm
	}
	log, err := encodeLog(h.Log)
	if err != nil {
		return integrity.Hash{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_hashes (`+hashColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository_id, commit_hash, file_path) DO NOTHING`,
		h.ID, h.RepositoryID, h.CommitHash, h.FilePath, h.Digest, h.Algorithm, string(h.Status), log, toNanos(h.CreatedAt), toNanos(h.VerifiedAt))
	if err != nil {
		return integrity.Hash{}, false, fmt.Errorf("insert hash %s: %w", h.FilePath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return integrity.Hash{}, false, err
	}
	if n == 0 {
		existing, err := s.Get(ctx, h.RepositoryID, h.CommitHash, h.FilePath)
		return existing, false, err
	}
	return h, true, nil
}

func (s *Hashes) Update(ctx context.Context, h integrity.Hash) error {
	log, err := encodeLog(h.Log)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE repository_hashes SET digest = ?, status = ?, verification_log = ?, verified_ns = ?
		WHERE repository_id = ? AND commit_hash = ? AND file_path = ?`,
		h.Digest, string(h.Status), log, toNanos(h.VerifiedAt), h.RepositoryID, h.CommitHash, h.FilePath)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return integrity.ErrNotFound
	}
	return nil
}

func (s *Hashes) ListByCommit(ctx context.Context, repositoryID, commitHash string) ([]integrity.Hash, error) {
	return s.listHashes(ctx, `WHERE repository_id = ? AND commit_hash = ? ORDER BY file_path`, repositoryID, commitHash)
}

func (s *Hashes) ListByRepository(ctx context.Context, repositoryID string) ([]integrity.Hash, error) {
	return s.listHashes(ctx, `WHERE repository_id = ? ORDER BY commit_hash, file_path`, repositoryID)
}

func (s *Hashes) Timeline(ctx context.Context, repositoryID, path string) ([]integrity.Hash, error) {
	return s.listHashes(ctx, `WHERE repository_id = ? AND file_path = ? ORDER BY created_ns, commit_hash`, repositoryID, path)
}

func (s *Hashes) listHashes(ctx context.Context, clause string, args ...any) ([]integrity.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hashColumns+` FROM repository_hashes `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []integrity.Hash
	for rows.Next() {
		h, err := scanHash(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHash(sc scanner) (integrity.Hash, error) {
	var (
		h                     integrity.Hash
		status, log           string
		createdNs, verifiedNs int64
	)
	if err := sc.Scan(&h.ID, &h.RepositoryID, &h.CommitHash, &h.FilePath, &h.Digest, &h.Algorithm, &status, &log, &createdNs, &verifiedNs); err != nil {
		return integrity.Hash{}, err
	}
	h.Status = integrity.Status(status)
	h.CreatedAt = fromNanos(createdNs)
	h.VerifiedAt = fromNanos(verifiedNs)
	if err := json.Unmarshal([]byte(log), &h.Log); err != nil {
		return integrity.Hash{}, fmt.Errorf("decode verification log: %w", err)
	}
	if len(h.Log) == 0 {
		h.Log = nil
	}
	return h, nil
}

func encodeLog(c []integrity.Check) (string, error) {
	if c == nil {
		c = []integrity.Check{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode verification log: %w", err)
	}
	return string(b), nil
}

// Chain implements audit.ChainStore and audit.Serializer.
type Chain struct {
	db *sql.DB
}

func (s *Chain) Last(ctx context.Context) (audit.Entry, bool, error) {
	return chainOn{s.db}.Last(ctx)
}

func (s *Chain) Insert(ctx context.Context, e audit.Entry) error {
	return chainOn{s.db}.Insert(ctx, e)
}

func (s *Chain) Range(ctx context.Context, afterBlock int64, limit int) ([]audit.Entry, error) {
	return chainOn{s.db}.Range(ctx, afterBlock, limit)
}

// Serialize runs fn inside an immediate transaction, which takes the
// database write lock before the last block is read.
func (s *Chain) Serialize(ctx context.Context, fn func(audit.ChainStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(chainOn{tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type chainOn struct {
	q querier
}

const entryColumns = `block_number, previous_hash, log_hash, actor_id, action, entity, entity_id, changes, ip_address, user_agent, timestamp_ns`

func (c chainOn) Last(ctx context.Context) (audit.Entry, bool, error) {
	e, err := scanEntry(c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_log ORDER BY block_number DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	return e, err == nil, err
}

func (c chainOn) Insert(ctx context.Context, e audit.Entry) error {
	changes := e.Changes
	if changes == nil {
		changes = map[string]string{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO audit_log (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BlockNumber, e.PreviousHash, e.LogHash, e.ActorID, e.Action, e.Entity, e.EntityID, string(raw), e.IPAddress, e.UserAgent, toNanos(e.Timestamp))
	if isConstraint(err) {
		return audit.ErrBlockExists
	}
	return err
}

func (c chainOn) Range(ctx context.Context, afterBlock int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.q.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_log
		WHERE block_number > ? ORDER BY block_number LIMIT ?`, afterBlock, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(sc scanner) (audit.Entry, error) {
	var (
		e       audit.Entry
		changes string
		ts      int64
	)
	if err := sc.Scan(&e.BlockNumber, &e.PreviousHash, &e.LogHash, &e.ActorID, &e.Action, &e.Entity, &e.EntityID,
		&changes, &e.IPAddress, &e.UserAgent, &ts); err != nil {
		return audit.Entry{}, err
	}
	e.Timestamp = fromNanos(ts)
	if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
		return audit.Entry{}, fmt.Errorf("decode changes: %w", err)
	}
	return e, nil
}
