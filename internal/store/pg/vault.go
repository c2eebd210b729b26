package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repoguard.org/internal/ids"
	"repoguard.org/internal/vault"
)

// Tokens implements vault.Store.
type Tokens struct {
	db *sql.DB
}

var _ vault.Store = (*Tokens)(nil)

const tokenColumns = `id, user_id, device_id, name, type, ciphertext, wrapped_key, scope, rotation_days, next_rotation,
	last_rotated, last_used, rotation_count, access_count, is_active, is_compromised, compromised_at, revoked_at, created_at`

func (s *Tokens) CreateToken(ctx context.Context, t vault.Token) error {
	scope, err := encodeJSON(append([]string{}, t.Scope...))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into access_tokens(`+tokenColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, t.ID, t.UserID, t.DeviceID, t.Name, t.Type, t.Ciphertext, t.WrappedKey, scope, t.RotationDays, t.NextRotation.UTC(),
		nullTime(t.LastRotated), nullTime(t.LastUsed), t.RotationCount, t.AccessCount, t.IsActive, t.IsCompromised,
		nullTime(t.CompromisedAt), nullTime(t.RevokedAt), t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Tokens) GetToken(ctx context.Context, id string) (vault.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from access_tokens where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Token{}, vault.ErrNotFound
	}
	return t, err
}

func (s *Tokens) UpdateToken(ctx context.Context, t vault.Token) error {
	scope, err := encodeJSON(append([]string{}, t.Scope...))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update access_tokens
		set ciphertext = $2, wrapped_key = $3, scope = $4, rotation_days = $5, next_rotation = $6,
		    last_rotated = $7, last_used = $8, rotation_count = $9, access_count = $10,
		    is_active = $11, is_compromised = $12, compromised_at = $13, revoked_at = $14
		where id = $1
	`, t.ID, t.Ciphertext, t.WrappedKey, scope, t.RotationDays, t.NextRotation.UTC(),
		nullTime(t.LastRotated), nullTime(t.LastUsed), t.RotationCount, t.AccessCount,
		t.IsActive, t.IsCompromised, nullTime(t.CompromisedAt), nullTime(t.RevokedAt))
	if err != nil {
		return err
	}
	return affected(res, vault.ErrNotFound)
}

// ListByUser returns the user's tokens, newest first.
func (s *Tokens) ListByUser(ctx context.Context, userID string) ([]vault.Token, error) {
	return s.list(ctx, `where user_id = $1 order by created_at desc, id desc`, userID)
}

func (s *Tokens) ListAll(ctx context.Context) ([]vault.Token, error) {
	return s.list(ctx, `order by created_at desc, id desc`)
}

func (s *Tokens) list(ctx context.Context, clause string, args ...any) ([]vault.Token, error) {
	rows, err := s.db.QueryContext(ctx, `select `+tokenColumns+` from access_tokens `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vault.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Tokens) AppendAccess(ctx context.Context, l vault.AccessLog) error {
	if l.ID == "" {
		l.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into token_access_logs(id, token_id, device_id, ip_address, location, action, authorized, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, l.ID, l.TokenID, l.DeviceID, l.IPAddress, l.Location, l.Action, l.Authorized, l.Timestamp.UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return vault.ErrNotFound
	}
	return err
}

// ListAccess returns logs at or after since, newest first.
func (s *Tokens) ListAccess(ctx context.Context, tokenID string, since time.Time) ([]vault.AccessLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, token_id, device_id, ip_address, location, action, authorized, occurred_at
		from token_access_logs
		where token_id = $1 and occurred_at >= $2
		order by occurred_at desc, id desc
	`, tokenID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vault.AccessLog
	for rows.Next() {
		var l vault.AccessLog
		if err := rows.Scan(&l.ID, &l.TokenID, &l.DeviceID, &l.IPAddress, &l.Location, &l.Action, &l.Authorized, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Timestamp = l.Timestamp.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Tokens) AppendRotation(ctx context.Context, r vault.Rotation) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into token_rotations(id, token_id, old_hash, new_hash, reason, rotated_by, device_id, rotated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.TokenID, r.OldHash, r.NewHash, r.Reason, r.RotatedBy, r.DeviceID, r.RotatedAt.UTC())
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return vault.ErrNotFound
	}
	return err
}

// ListRotations returns the token's rotations, newest first.
func (s *Tokens) ListRotations(ctx context.Context, tokenID string) ([]vault.Rotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, token_id, old_hash, new_hash, reason, rotated_by, device_id, rotated_at
		from token_rotations where token_id = $1
		order by rotated_at desc, id desc
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vault.Rotation
	for rows.Next() {
		var r vault.Rotation
		if err := rows.Scan(&r.ID, &r.TokenID, &r.OldHash, &r.NewHash, &r.Reason, &r.RotatedBy, &r.DeviceID, &r.RotatedAt); err != nil {
			return nil, err
		}
		r.RotatedAt = r.RotatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanToken(sc scanner) (vault.Token, error) {
	var (
		t                                    vault.Token
		scope                                []byte
		lastRotated, lastUsed, compromisedAt sql.NullTime
		revokedAt                            sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.UserID, &t.DeviceID, &t.Name, &t.Type, &t.Ciphertext, &t.WrappedKey, &scope, &t.RotationDays, &t.NextRotation,
		&lastRotated, &lastUsed, &t.RotationCount, &t.AccessCount, &t.IsActive, &t.IsCompromised, &compromisedAt, &revokedAt, &t.CreatedAt)
	if err != nil {
		return vault.Token{}, err
	}
	t.NextRotation = t.NextRotation.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastRotated = timeOf(lastRotated)
	t.LastUsed = timeOf(lastUsed)
	t.CompromisedAt = timeOf(compromisedAt)
	t.RevokedAt = timeOf(revokedAt)
	if err := decodeJSON(scope, &t.Scope); err != nil {
		return vault.Token{}, err
	}
	if len(t.Scope) == 0 {
		t.Scope = nil
	}
	return t, nil
}
