package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"repoguard.org/internal/risk"
)

// RiskScores implements risk.Store.
type RiskScores struct {
	db *sql.DB
}

var _ risk.Store = (*RiskScores)(nil)

const riskColumns = `user_id, score, status, clone_frequency, push_frequency, anomaly_count, access_patterns,
	watch_status, alert_history, recommendations, last_evaluated`

func (s *RiskScores) Get(ctx context.Context, userID string) (risk.Score, error) {
	sc, err := scanScore(s.db.QueryRowContext(ctx, `select `+riskColumns+` from developer_risk_scores where user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Score{}, risk.ErrNotFound
	}
	return sc, err
}

func (s *RiskScores) Upsert(ctx context.Context, sc risk.Score) error {
	patterns, err := encodeJSON(sc.AccessPatterns)
	if err != nil {
		return err
	}
	history, err := encodeJSON(append([]risk.AlertRecord{}, sc.AlertHistory...))
	if err != nil {
		return err
	}
	recs, err := encodeJSON(append([]risk.Recommendation{}, sc.Recommendations...))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into developer_risk_scores(`+riskColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		on conflict (user_id) do update
		set score = excluded.score,
		    status = excluded.status,
		    clone_frequency = excluded.clone_frequency,
		    push_frequency = excluded.push_frequency,
		    anomaly_count = excluded.anomaly_count,
		    access_patterns = excluded.access_patterns,
		    watch_status = excluded.watch_status,
		    alert_history = excluded.alert_history,
		    recommendations = excluded.recommendations,
		    last_evaluated = excluded.last_evaluated
	`, sc.UserID, sc.Score, string(sc.Status), sc.CloneFrequency, sc.PushFrequency, sc.AnomalyCount, patterns,
		sc.WatchStatus, history, recs, sc.LastEvaluated.UTC())
	if err != nil {
		return fmt.Errorf("upsert risk score %s: %w", sc.UserID, err)
	}
	return nil
}

// List returns matching scores, highest first.
func (s *RiskScores) List(ctx context.Context, f risk.Filter) ([]risk.Score, error) {
	where := []string{"score >= $1"}
	args := []any{f.MinScore}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Watch != nil {
		args = append(args, *f.Watch)
		where = append(where, fmt.Sprintf("watch_status = $%d", len(args)))
	}
	rows, err := s.db.QueryContext(ctx, `select `+riskColumns+` from developer_risk_scores where `+
		strings.Join(where, " and ")+` order by score desc, user_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []risk.Score
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanScore(row scanner) (risk.Score, error) {
	var (
		sc                      risk.Score
		status                  string
		patterns, history, recs []byte
	)
	if err := row.Scan(&sc.UserID, &sc.Score, &status, &sc.CloneFrequency, &sc.PushFrequency, &sc.AnomalyCount, &patterns,
		&sc.WatchStatus, &history, &recs, &sc.LastEvaluated); err != nil {
		return risk.Score{}, err
	}
	sc.Status = risk.Status(status)
	sc.LastEvaluated = sc.LastEvaluated.UTC()
	for _, f := range []struct {
		raw []byte
		dst any
	}{{patterns, &sc.AccessPatterns}, {history, &sc.AlertHistory}, {recs, &sc.Recommendations}} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return risk.Score{}, err
		}
	}
	if len(sc.AlertHistory) == 0 {
		sc.AlertHistory = nil
	}
	if len(sc.Recommendations) == 0 {
		sc.Recommendations = nil
	}
	return sc, nil
}
