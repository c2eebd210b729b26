package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/baseline"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/obs"
)

const (
	minExceeding = 2
	gateMean     = 0.75
)

// Incident is handed to the Responder for every planned action.
type Incident struct {
	Detection Detection
	Event     activity.Event
	Severity  activity.RiskLevel
}

// Responder executes automated responses. Containment implements it.
type Responder interface {
	Execute(ctx context.Context, action ResponseType, in Incident) error
}

// Result is the outcome of scoring one activity.
type Result struct {
	IsAnomaly bool
	Score     float64
	Severity  activity.RiskLevel
	Signals   []Signal
	// ColdStart is set when no baseline existed; the activity was accepted
	// and learning was attempted.
	ColdStart bool
	Detection *Detection
	Responses []Response
}

// Scorer compares activity against learned baselines.
type Scorer struct {
	activities activity.Store
	baselines  baseline.Store
	learner    *baseline.Learner
	store      Store
	responder  Responder
	loc        *time.Location
	now        func() time.Time
}

// Option configures Scorer.
type Option func(*Scorer)

// WithResponder wires the automated response executor.
func WithResponder(r Responder) Option {
	return func(s *Scorer) { s.responder = r }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Scorer) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewScorer(activities activity.Store, baselines baseline.Store, learner *baseline.Learner, store Store, opts ...Option) *Scorer {
	s := &Scorer{
		activities: activities,
		baselines:  baselines,
		learner:    learner,
		store:      store,
		loc:        learner.Location(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score evaluates a recorded activity. An activity is anomalous only when at
// least two baselines exceed their thresholds and the mean of those scores
// exceeds 0.75.
func (s *Scorer) Score(ctx context.Context, e activity.Event) (Result, error) {
	bs, err := s.usable(ctx, e.UserID, e.DeviceID)
	if err != nil {
		return Result{}, err
	}
	if len(bs) == 0 {
		// Cold start: the first activity is accepted while the baseline is built.
		if _, err := s.learner.Learn(ctx, e.UserID, e.DeviceID); err != nil && !errors.Is(err, faults.ErrInsufficientData) {
			return Result{}, err
		}
		obs.ActivitiesScored.WithLabelValues("cold_start").Inc()
		return Result{ColdStart: true, Severity: activity.RiskLow}, nil
	}

	var (
		exceeding []Signal
		sum       float64
	)
	for _, b := range bs {
		score := ScoreSignal(b, e, s.loc)
		if score > b.Threshold {
			exceeding = append(exceeding, Signal{Kind: string(b.Kind), Score: score, Threshold: b.Threshold})
			sum += score
		}
	}
	var mean float64
	if len(exceeding) > 0 {
		// Six decimal places keep band edges such as 0.9 exact.
		mean = math.Round(sum/float64(len(exceeding))*1e6) / 1e6
	}
	res := Result{Score: mean, Severity: SeverityOf(mean), Signals: exceeding}
	if len(exceeding) < minExceeding || mean <= gateMean {
		obs.ActivitiesScored.WithLabelValues("normal").Inc()
		return res, nil
	}

	res.IsAnomaly = true
	obs.ActivitiesScored.WithLabelValues("anomaly").Inc()
	typ := TypeOf(exceeding)
	d, err := s.store.CreateDetection(ctx, Detection{
		UserID:      e.UserID,
		DeviceID:    e.DeviceID,
		ActivityID:  e.ID,
		Type:        typ,
		Score:       mean,
		Description: fmt.Sprintf("Unusual %s detected with score %.2f", typ, mean),
		Source:      SourceBaseline,
		Signals:     exceeding,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return res, fmt.Errorf("anomaly: record detection: %w", err)
	}
	res.Detection = &d

	level := activity.RiskHigh
	if res.Severity == activity.RiskCritical {
		level = activity.RiskCritical
	}
	if err := s.activities.MarkSuspicious(ctx, e.ID, level); err != nil {
		return res, fmt.Errorf("anomaly: flag activity %s: %w", e.ID, err)
	}
	e.IsSuspicious, e.RiskLevel = true, level

	res.Responses = s.respond(ctx, Incident{Detection: d, Event: e, Severity: res.Severity})
	return res, nil
}

// usable loads compatible baselines, preferring device-specific rows over
// device-independent ones of the same kind.
func (s *Scorer) usable(ctx context.Context, userID, deviceID string) ([]baseline.Baseline, error) {
	rows, err := s.baselines.ForUser(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("anomaly: load baselines: %w", err)
	}
	byKind := make(map[baseline.Kind]baseline.Baseline, len(rows))
	for _, b := range rows {
		if !baseline.Compatible(b.ModelVersion) {
			continue
		}
		if prev, ok := byKind[b.Kind]; ok && prev.DeviceID != "" {
			continue
		}
		byKind[b.Kind] = b
	}
	out := make([]baseline.Baseline, 0, len(byKind))
	for _, k := range baseline.Kinds {
		if b, ok := byKind[k]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Scorer) respond(ctx context.Context, in Incident) []Response {
	var out []Response
	for _, action := range Plan(in.Severity) {
		r, err := s.store.SaveResponse(ctx, Response{
			DetectionID: in.Detection.ID,
			ActivityID:  in.Event.ID,
			Type:        action,
			Status:      ResponsePending,
			ExecutedBy:  "SYSTEM",
			CreatedAt:   s.now(),
		})
		if err != nil {
			obs.Error("anomaly response not recorded", map[string]any{"detection_id": in.Detection.ID, "action": action, "error": err.Error()})
			continue
		}
		if s.responder != nil {
			err = s.responder.Execute(ctx, action, in)
		}
		r.ExecutedAt = s.now()
		if err != nil {
			r.Status = ResponseFailed
			r.Error = err.Error()
			obs.Error("anomaly response failed", map[string]any{"detection_id": in.Detection.ID, "action": action, "error": err.Error()})
		} else {
			r.Status = ResponseExecuted
		}
		if saved, err := s.store.SaveResponse(ctx, r); err == nil {
			r = saved
		}
		out = append(out, r)
	}
	return out
}

// Review records a human decision on a detection.
func (s *Scorer) Review(ctx context.Context, detectionID, reviewer string, falsePositive bool) (Detection, error) {
	return s.store.ReviewDetection(ctx, detectionID, reviewer, falsePositive, s.now())
}

// History lists a user's detections newest first.
func (s *Scorer) History(ctx context.Context, f Filter) ([]Detection, error) {
	return s.store.ListDetections(ctx, f)
}

// Heatmap counts a user's activity per "YYYY-MM-DD_H" bucket in the scoring timezone.
func (s *Scorer) Heatmap(ctx context.Context, userID string, from, to time.Time) (map[string]int, error) {
	events, err := s.activities.List(ctx, activity.Query{UserID: userID, Since: from, Until: to})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, e := range events {
		t := e.Timestamp.In(s.loc)
		out[fmt.Sprintf("%s_%d", t.Format("2006-01-02"), t.Hour())]++
	}
	return out, nil
}
