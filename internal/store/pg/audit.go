package pg

import (
	"context"
	"database/sql"
	"fmt"

	"repoguard.org/internal/audit"
)

// auditLockKey is the advisory lock serializing appends to the chain.
const auditLockKey int64 = 0x6175646974

// AuditChain implements audit.ChainStore and audit.Serializer.
type AuditChain struct {
	db *sql.DB
}

var (
	_ audit.ChainStore = (*AuditChain)(nil)
	_ audit.Serializer = (*AuditChain)(nil)
)

const auditColumns = `block_number, previous_hash, log_hash, actor_id, action, entity, entity_id, changes, ip_address, user_agent, created_at`

func (s *AuditChain) Last(ctx context.Context) (audit.Entry, bool, error) {
	return chainOn{s.db}.Last(ctx)
}

func (s *AuditChain) Insert(ctx context.Context, e audit.Entry) error {
	return chainOn{s.db}.Insert(ctx, e)
}

func (s *AuditChain) Range(ctx context.Context, afterBlock int64, limit int) ([]audit.Entry, error) {
	return chainOn{s.db}.Range(ctx, afterBlock, limit)
}

// Serialize runs fn in a transaction holding the chain's advisory lock, so
// concurrent writers on any instance append one after another.
func (s *AuditChain) Serialize(ctx context.Context, fn func(audit.ChainStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	if err := fn(chainOn{tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type chainOn struct {
	q querier
}

func (c chainOn) Last(ctx context.Context) (audit.Entry, bool, error) {
	rows, err := c.q.QueryContext(ctx, `select `+auditColumns+` from immutable_audit_log order by block_number desc limit 1`)
	if err != nil {
		return audit.Entry{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return audit.Entry{}, false, rows.Err()
	}
	e, err := scanEntry(rows)
	return e, err == nil, err
}

func (c chainOn) Insert(ctx context.Context, e audit.Entry) error {
	changes := e.Changes
	if changes == nil {
		changes = map[string]string{}
	}
	raw, err := encodeJSON(changes)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		insert into immutable_audit_log(`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.BlockNumber, e.PreviousHash, e.LogHash, e.ActorID, e.Action, e.Entity, e.EntityID, raw, e.IPAddress, e.UserAgent, e.Timestamp.UTC())
	if isUniqueViolation(err) {
		return audit.ErrBlockExists
	}
	return err
}

func (c chainOn) Range(ctx context.Context, afterBlock int64, limit int) ([]audit.Entry, error) {
	q := `select ` + auditColumns + ` from immutable_audit_log where block_number > $1 order by block_number`
	args := []any{afterBlock}
	if limit > 0 {
		q += ` limit $2`
		args = append(args, limit)
	}
	rows, err := c.q.QueryContext(ctx, q, args...)
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
		changes []byte
	)
	if err := sc.Scan(&e.BlockNumber, &e.PreviousHash, &e.LogHash, &e.ActorID, &e.Action, &e.Entity, &e.EntityID,
		&changes, &e.IPAddress, &e.UserAgent, &e.Timestamp); err != nil {
		return audit.Entry{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if err := decodeJSON(changes, &e.Changes); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}
