package pg

import (
	"context"
	"database/sql"
	"fmt"

	"repoguard.org/internal/baseline"
	"repoguard.org/internal/behavior"
	"repoguard.org/internal/ids"
)

// Baselines implements baseline.Store.
type Baselines struct {
	db *sql.DB
}

var _ baseline.Store = (*Baselines)(nil)

// Upsert replaces the given baselines in one transaction.
func (b *Baselines) Upsert(ctx context.Context, bs []baseline.Baseline) error {
	for _, bl := range bs {
		if err := bl.Validate(); err != nil {
			return err
		}
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, bl := range bs {
		if bl.ID == "" {
			bl.ID = ids.New()
		}
		pattern, err := encodeJSON(bl.Pattern)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into anomaly_baselines(id, user_id, device_id, kind, normal_pattern, threshold, sample_size, model_version, last_trained_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			on conflict (user_id, device_id, kind) do update
			set normal_pattern = excluded.normal_pattern,
			    threshold = excluded.threshold,
			    sample_size = excluded.sample_size,
			    model_version = excluded.model_version,
			    last_trained_at = excluded.last_trained_at
		`, bl.ID, bl.UserID, bl.DeviceID, string(bl.Kind), pattern, bl.Threshold, bl.SampleSize, bl.ModelVersion, bl.LastTrainedAt.UTC()); err != nil {
			return fmt.Errorf("upsert baseline %s: %w", bl.Kind, err)
		}
	}
	return tx.Commit()
}

// ForUser returns the baselines of deviceID and the device-independent ones.
func (b *Baselines) ForUser(ctx context.Context, userID, deviceID string) ([]baseline.Baseline, error) {
	rows, err := b.db.QueryContext(ctx, `
		select id, user_id, device_id, kind, normal_pattern, threshold, sample_size, model_version, last_trained_at
		from anomaly_baselines
		where user_id = $1 and (device_id = $2 or device_id = '')
		order by kind, device_id
	`, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []baseline.Baseline
	for rows.Next() {
		var (
			bl      baseline.Baseline
			kind    string
			pattern []byte
		)
		if err := rows.Scan(&bl.ID, &bl.UserID, &bl.DeviceID, &kind, &pattern, &bl.Threshold, &bl.SampleSize, &bl.ModelVersion, &bl.LastTrainedAt); err != nil {
			return nil, err
		}
		bl.Kind = baseline.Kind(kind)
		bl.LastTrainedAt = bl.LastTrainedAt.UTC()
		if err := decodeJSON(pattern, &bl.Pattern); err != nil {
			return nil, err
		}
		out = append(out, bl)
	}
	return out, rows.Err()
}

// Patterns implements behavior.Store.
type Patterns struct {
	db *sql.DB
}

var _ behavior.Store = (*Patterns)(nil)

const patternColumns = `id, user_id, device_id, pattern_type, normal, threshold, last_updated`

func (p *Patterns) Get(ctx context.Context, userID, deviceID string, t behavior.PatternType) (behavior.Pattern, bool, error) {
	rows, err := p.db.QueryContext(ctx, `select `+patternColumns+` from behavioral_patterns
		where user_id = $1 and device_id = $2 and pattern_type = $3`, userID, deviceID, string(t))
	if err != nil {
		return behavior.Pattern{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return behavior.Pattern{}, false, rows.Err()
	}
	pat, err := scanPattern(rows)
	return pat, err == nil, err
}

// Upsert stores pat, keeping the id of an existing row for the same key.
func (p *Patterns) Upsert(ctx context.Context, pat behavior.Pattern) (behavior.Pattern, error) {
	if pat.ID == "" {
		pat.ID = ids.New()
	}
	normal, err := encodeJSON(pat.Normal)
	if err != nil {
		return behavior.Pattern{}, err
	}
	row := p.db.QueryRowContext(ctx, `
		insert into behavioral_patterns(`+patternColumns+`)
		values ($1,$2,$3,$4,$5,$6,coalesce($7::timestamptz, now()))
		on conflict (user_id, device_id, pattern_type) do update
		set normal = excluded.normal,
		    threshold = excluded.threshold,
		    last_updated = excluded.last_updated
		returning `+patternColumns,
		pat.ID, pat.UserID, pat.DeviceID, string(pat.Type), normal, pat.Threshold, nullTime(pat.LastUpdated))
	return scanPattern(row)
}

func (p *Patterns) ForUser(ctx context.Context, userID string) ([]behavior.Pattern, error) {
	rows, err := p.db.QueryContext(ctx, `select `+patternColumns+` from behavioral_patterns
		where user_id = $1 order by pattern_type, device_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []behavior.Pattern
	for rows.Next() {
		pat, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pat)
	}
	return out, rows.Err()
}

func scanPattern(sc scanner) (behavior.Pattern, error) {
	var (
		pat    behavior.Pattern
		typ    string
		normal []byte
	)
	if err := sc.Scan(&pat.ID, &pat.UserID, &pat.DeviceID, &typ, &normal, &pat.Threshold, &pat.LastUpdated); err != nil {
		return behavior.Pattern{}, err
	}
	pat.Type = behavior.PatternType(typ)
	pat.LastUpdated = pat.LastUpdated.UTC()
	if err := decodeJSON(normal, &pat.Normal); err != nil {
		return behavior.Pattern{}, err
	}
	return pat, nil
}
