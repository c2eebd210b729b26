package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"repoguard.org/internal/activity"
)

// Activities implements activity.Store.
type Activities struct {
	db  querier
	now func() time.Time
}

var _ activity.Store = (*Activities)(nil)

const activityColumns = `id, user_id, device_id, type, repository_id, branch, commit_hash,
	ip_address, location, details, occurred_at, is_suspicious, risk_level`

func (a *Activities) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now().UTC()
}

// Append inserts e. Appending an id that already exists returns the stored event.
func (a *Activities) Append(ctx context.Context, e activity.Event) (activity.Event, error) {
	if err := e.Normalize(a.clock()); err != nil {
		return activity.Event{}, err
	}
	details, err := activity.MarshalDetails(e.Details)
	if err != nil {
		return activity.Event{}, fmt.Errorf("encode details: %w", err)
	}
	res, err := a.db.ExecContext(ctx, `
		insert into activity_events(`+activityColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		on conflict (id) do nothing
	`, e.ID, e.UserID, e.DeviceID, string(e.Type), e.RepositoryID, e.Branch, e.CommitHash,
		e.IPAddress, e.Location, details, e.Timestamp, e.IsSuspicious, string(e.RiskLevel))
	if err != nil {
		return activity.Event{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return a.Get(ctx, e.ID)
	}
	return e, nil
}

func (a *Activities) Get(ctx context.Context, id string) (activity.Event, error) {
	row := a.db.QueryRowContext(ctx, `select `+activityColumns+` from activity_events where id = $1`, id)
	e, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Event{}, activity.ErrNotFound
	}
	return e, err
}

func (a *Activities) MarkSuspicious(ctx context.Context, id string, level activity.RiskLevel) error {
	res, err := a.db.ExecContext(ctx, `
		update activity_events set is_suspicious = true, risk_level = $2 where id = $1
	`, id, string(level))
	if err != nil {
		return err
	}
	return affected(res, activity.ErrNotFound)
}

// List returns matching events oldest first; with a limit the most recent
// events are kept.
func (a *Activities) List(ctx context.Context, q activity.Query) ([]activity.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.DeviceID != "" {
		add("device_id = $%d", q.DeviceID)
	}
	if q.RepositoryID != "" {
		add("repository_id = $%d", q.RepositoryID)
	}
	if !q.Since.IsZero() {
		add("occurred_at >= $%d", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("occurred_at < $%d", q.Until.UTC())
	}
	switch q.Suspicion {
	case activity.OnlySuspicious:
		where = append(where, "is_suspicious")
	case activity.ExcludeSuspicious:
		where = append(where, "not is_suspicious")
	}
	if len(q.Types) > 0 {
		var ph []string
		for _, t := range q.Types {
			args = append(args, string(t))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "type in ("+strings.Join(ph, ",")+")")
	}

	query := `select ` + activityColumns + ` from activity_events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query = fmt.Sprintf(`select * from (%s order by occurred_at desc, id desc limit $%d) recent order by occurred_at asc, id asc`, query, len(args))
	} else {
		query += " order by occurred_at asc, id asc"
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []activity.Event
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(sc scanner) (activity.Event, error) {
	var (
		e       activity.Event
		typ     string
		level   string
		details []byte
	)
	if err := sc.Scan(&e.ID, &e.UserID, &e.DeviceID, &typ, &e.RepositoryID, &e.Branch, &e.CommitHash,
		&e.IPAddress, &e.Location, &details, &e.Timestamp, &e.IsSuspicious, &level); err != nil {
		return activity.Event{}, err
	}
	e.Type = activity.Type(typ)
	e.RiskLevel = activity.RiskLevel(level)
	e.Timestamp = e.Timestamp.UTC()
	d, err := activity.UnmarshalDetails(details)
	if err != nil {
		return activity.Event{}, fmt.Errorf("decode details of %s: %w", e.ID, err)
	}
	e.Details = d
	return e, nil
}
