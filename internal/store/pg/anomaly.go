package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/ids"
)

// Detections implements anomaly.Store.
type Detections struct {
	db *sql.DB
}

var _ anomaly.Store = (*Detections)(nil)

const detectionColumns = `id, user_id, device_id, activity_id, anomaly_type, score, description, source, signals,
	is_reviewed, reviewed_by, reviewed_at, is_false_positive, created_at`

func (s *Detections) CreateDetection(ctx context.Context, d anomaly.Detection) (anomaly.Detection, error) {
	if d.ID == "" {
		d.ID = ids.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	signals, err := encodeJSON(nonNilSignals(d.Signals))
	if err != nil {
		return anomaly.Detection{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into anomaly_detections(`+detectionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, d.ID, d.UserID, d.DeviceID, d.ActivityID, string(d.Type), d.Score, d.Description, string(d.Source), signals,
		d.IsReviewed, d.ReviewedBy, nullTime(d.ReviewedAt), d.IsFalsePositive, d.CreatedAt.UTC())
	if err != nil {
		return anomaly.Detection{}, fmt.Errorf("insert detection: %w", err)
	}
	return d, nil
}

func (s *Detections) GetDetection(ctx context.Context, id string) (anomaly.Detection, error) {
	d, err := scanDetection(s.db.QueryRowContext(ctx, `select `+detectionColumns+` from anomaly_detections where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return anomaly.Detection{}, anomaly.ErrNotFound
	}
	return d, err
}

// ReviewDetection records the review once. A detection that was already
// reviewed is returned unchanged with anomaly.ErrAlreadyReviewed.
func (s *Detections) ReviewDetection(ctx context.Context, id, reviewer string, falsePositive bool, at time.Time) (anomaly.Detection, error) {
	d, err := scanDetection(s.db.QueryRowContext(ctx, `
		update anomaly_detections
		set is_reviewed = true, reviewed_by = $2, reviewed_at = $3, is_false_positive = $4
		where id = $1 and not is_reviewed
		returning `+detectionColumns, id, reviewer, at.UTC(), falsePositive))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return anomaly.Detection{}, err
	}
	cur, err := s.GetDetection(ctx, id)
	if err != nil {
		return anomaly.Detection{}, err
	}
	return cur, anomaly.ErrAlreadyReviewed
}

func (s *Detections) ListDetections(ctx context.Context, f anomaly.Filter) ([]anomaly.Detection, error) {
	lo, hi := anomaly.ScoreBand(f.Severity)
	where := []string{"score >= $1", "score < $2"}
	args := []any{lo, hi}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until.UTC())
	}
	q := `select ` + detectionColumns + ` from anomaly_detections where ` + strings.Join(where, " and ") +
		` order by created_at desc, id desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" limit $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []anomaly.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Detections) SaveResponse(ctx context.Context, r anomaly.Response) (anomaly.Response, error) {
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into anomaly_responses(id, detection_id, activity_id, type, status, executed_by, error, created_at, executed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do update
		set status = excluded.status, executed_by = excluded.executed_by,
		    error = excluded.error, executed_at = excluded.executed_at
	`, r.ID, r.DetectionID, r.ActivityID, string(r.Type), string(r.Status), r.ExecutedBy, r.Error, r.CreatedAt.UTC(), nullTime(r.ExecutedAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return anomaly.Response{}, anomaly.ErrNotFound
		}
		return anomaly.Response{}, fmt.Errorf("save response: %w", err)
	}
	return r, nil
}

func (s *Detections) ListResponses(ctx context.Context, detectionID string) ([]anomaly.Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, detection_id, activity_id, type, status, executed_by, error, created_at, executed_at
		from anomaly_responses where detection_id = $1 order by id
	`, detectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []anomaly.Response
	for rows.Next() {
		var (
			r           anomaly.Response
			typ, status string
			executedAt  sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.DetectionID, &r.ActivityID, &typ, &status, &r.ExecutedBy, &r.Error, &r.CreatedAt, &executedAt); err != nil {
			return nil, err
		}
		r.Type = anomaly.ResponseType(typ)
		r.Status = anomaly.ResponseStatus(status)
		r.CreatedAt = r.CreatedAt.UTC()
		r.ExecutedAt = timeOf(executedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanDetection(sc scanner) (anomaly.Detection, error) {
	var (
		d           anomaly.Detection
		typ, source string
		signals     []byte
		reviewedAt  sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.ActivityID, &typ, &d.Score, &d.Description, &source, &signals,
		&d.IsReviewed, &d.ReviewedBy, &reviewedAt, &d.IsFalsePositive, &d.CreatedAt)
	if err != nil {
		return anomaly.Detection{}, err
	}
	d.Type = anomaly.Type(typ)
	d.Source = anomaly.Source(source)
	d.ReviewedAt = timeOf(reviewedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	if err := decodeJSON(signals, &d.Signals); err != nil {
		return anomaly.Detection{}, err
	}
	return d, nil
}

func nonNilSignals(s []anomaly.Signal) []anomaly.Signal {
	if s == nil {
		return []anomaly.Signal{}
	}
	return s
}
