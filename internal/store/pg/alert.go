package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repoguard.org/internal/alert"
	"repoguard.org/internal/ids"
)

// Alerts implements alert.Store.
type Alerts struct {
	db *sql.DB
}

var _ alert.Store = (*Alerts)(nil)

const alertColumns = `id, activity_id, user_id, type, severity, message, details, resolved, resolved_by, resolved_at,
	notified, notified_at, auto_encrypted, encryption, created_at`

func (s *Alerts) Create(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	details, err := alert.MarshalDetails(a.Details)
	if err != nil {
		return alert.Alert{}, fmt.Errorf("encode alert details: %w", err)
	}
	enc, err := encodeEncryption(a.Encryption)
	if err != nil {
		return alert.Alert{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into alerts(id, activity_id, user_id, type, severity, message, details, resolved, resolved_by, resolved_at,
			notified, notified_at, auto_encrypted, encryption, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, a.ID, a.ActivityID, a.UserID, string(a.Type), string(a.Severity), a.Message, details,
		a.Resolved, a.ResolvedBy, nullTime(a.ResolvedAt), a.Notified, nullTime(a.NotifiedAt),
		a.AutoEncrypted, enc, a.CreatedAt.UTC())
	if err != nil {
		return alert.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

func (s *Alerts) Get(ctx context.Context, id string) (alert.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `select `+alertColumns+` from alerts where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Alert{}, alert.ErrNotFound
	}
	return a, err
}

func (s *Alerts) MarkNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update alerts set notified = true, notified_at = $2 where id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	return affected(res, alert.ErrNotFound)
}

func (s *Alerts) MarkAutoEncrypted(ctx context.Context, id string, details alert.EncryptionDetails) error {
	enc, err := encodeEncryption(&details)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update alerts set auto_encrypted = true, encryption = $2 where id = $1`, id, enc)
	if err != nil {
		return err
	}
	return affected(res, alert.ErrNotFound)
}

// ResolveByRepository resolves every open alert whose details name the
// repository and returns how many changed.
func (s *Alerts) ResolveByRepository(ctx context.Context, repositoryID, resolvedBy string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update alerts set resolved = true, resolved_by = $2, resolved_at = $3
		where repository_id = $1 and not resolved
	`, repositoryID, resolvedBy, at.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Alerts) ListUnresolvedByRepository(ctx context.Context, repositoryID string, limit int) ([]alert.Alert, error) {
	q := `select ` + alertColumns + ` from alerts where repository_id = $1 and not resolved order by created_at desc, id desc`
	args := []any{repositoryID}
	if limit > 0 {
		q += ` limit $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Alerts) AppendSecurityLog(ctx context.Context, l alert.SecurityLog) (alert.SecurityLog, error) {
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	details := l.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := encodeJSON(details)
	if err != nil {
		return alert.SecurityLog{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_logs(id, user_id, event, severity, message, details, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, l.ID, l.UserID, l.Event, string(l.Severity), l.Message, raw, l.CreatedAt.UTC())
	if err != nil {
		return alert.SecurityLog{}, fmt.Errorf("insert security log: %w", err)
	}
	return l, nil
}

func scanAlert(sc scanner) (alert.Alert, error) {
	var (
		a                      alert.Alert
		typ, severity          string
		details, enc           []byte
		resolvedAt, notifiedAt sql.NullTime
	)
	err := sc.Scan(&a.ID, &a.ActivityID, &a.UserID, &typ, &severity, &a.Message, &details, &a.Resolved, &a.ResolvedBy, &resolvedAt,
		&a.Notified, &notifiedAt, &a.AutoEncrypted, &enc, &a.CreatedAt)
	if err != nil {
		return alert.Alert{}, err
	}
	a.Type = alert.Type(typ)
	a.Severity = alert.Severity(severity)
	a.ResolvedAt = timeOf(resolvedAt)
	a.NotifiedAt = timeOf(notifiedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	if a.Details, err = alert.UnmarshalDetails(details); err != nil {
		return alert.Alert{}, fmt.Errorf("decode alert details: %w", err)
	}
	if len(enc) > 0 && string(enc) != "null" {
		var d alert.EncryptionDetails
		if err := decodeJSON(enc, &d); err != nil {
			return alert.Alert{}, err
		}
		a.Encryption = &d
	}
	return a, nil
}

func encodeEncryption(d *alert.EncryptionDetails) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return encodeJSON(d)
}
