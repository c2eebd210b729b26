package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/alert"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/auth"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/notify"
	"repoguard.org/internal/obs"
)

const (
	window         = 30 * 24 * time.Hour
	watchThreshold = 70
	spikeFactor    = 2.5
	spikeMinEvents = 7
	defaultWorkers = 4
)

// Compute sums the weighted contributions of in and clamps to [0,100].
func Compute(in Inputs) int {
	score := 0
	switch {
	case in.Clones > 20:
		score += 15
	case in.Clones > 10:
		score += 10
	case in.Clones > 5:
		score += 5
	}
	switch {
	case in.Pushes > 50:
		score += 10
	case in.Pushes > 30:
		score += 5
	}
	score += min(in.Suspicious*8, 30)
	score += min(in.Anomalies*5, 20)
	switch {
	case in.OffHours > 10:
		score += 15
	case in.OffHours > 5:
		score += 8
	}
	switch {
	case in.IPs > 5:
		score += 12
	case in.IPs > 3:
		score += 6
	}
	if in.Repositories > 15 {
		score += 8
	}
	score += min(in.Spikes*5, 15)
	return max(0, min(score, 100))
}

// Aggregator evaluates developer risk.
type Aggregator struct {
	activities activity.Store
	detections anomaly.Store
	store      Store
	alerts     alert.Store
	directory  auth.Directory
	notifier   notify.Notifier
	loc        *time.Location
	workers    int
	now        func() time.Time
}

// Option configures Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithLocation sets the timezone off-hours are judged in.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithNotifier publishes watch-level scores to operators.
func WithNotifier(n notify.Notifier) Option {
	return func(a *Aggregator) { a.notifier = n }
}

// WithWorkers bounds RecalculateAll concurrency.
func WithWorkers(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

func NewAggregator(activities activity.Store, detections anomaly.Store, store Store, alerts alert.Store, directory auth.Directory, opts ...Option) *Aggregator {
	a := &Aggregator{
		activities: activities,
		detections: detections,
		store:      store,
		alerts:     alerts,
		directory:  directory,
		loc:        time.UTC,
		workers:    defaultWorkers,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Calculate evaluates a user over the last 30 days and replaces the stored
// score. A score of 70 or more is appended to the alert history and raises
// an alert with a matching security log.
func (a *Aggregator) Calculate(ctx context.Context, userID string) (Score, error) {
	if userID == "" {
		return Score{}, fmt.Errorf("risk: user id is required: %w", faults.ErrInvalidInput)
	}
	now := a.now()
	since := now.Add(-window)
	events, err := a.activities.List(ctx, activity.Query{UserID: userID, Since: since})
	if err != nil {
		return Score{}, fmt.Errorf("risk: activities of %s: %w", userID, err)
	}
	dets, err := a.detections.ListDetections(ctx, anomaly.Filter{UserID: userID, Since: since})
	if err != nil {
		return Score{}, fmt.Errorf("risk: anomalies of %s: %w", userID, err)
	}

	in := a.inputs(events, len(dets))
	value := Compute(in)
	sc := Score{
		UserID:          userID,
		Score:           value,
		Status:          Tier(value),
		CloneFrequency:  in.Clones,
		PushFrequency:   in.Pushes,
		AnomalyCount:    in.Anomalies,
		AccessPatterns:  a.patterns(events),
		WatchStatus:     value >= watchThreshold,
		Recommendations: recommend(value, in),
		LastEvaluated:   now,
	}

	prev, err := a.store.Get(ctx, userID)
	switch {
	case err == nil:
		sc.AlertHistory = prev.AlertHistory
	case !errors.Is(err, faults.ErrNotFound):
		return Score{}, err
	}
	if sc.WatchStatus {
		sc.AlertHistory = append(sc.AlertHistory, AlertRecord{
			Timestamp: now,
			Score:     value,
			Reason:    fmt.Sprintf("High risk score detected: %d", value),
			Triggered: true,
		})
	}
	if err := a.store.Upsert(ctx, sc); err != nil {
		return Score{}, fmt.Errorf("risk: save score of %s: %w", userID, err)
	}
	obs.RiskScores.Observe(float64(value))

	if sc.WatchStatus {
		if err := a.raise(ctx, sc); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

func (a *Aggregator) inputs(events []activity.Event, anomalies int) Inputs {
	in := Inputs{Anomalies: anomalies}
	ips := make(map[string]struct{})
	repos := make(map[string]struct{})
	for _, e := range events {
		switch e.Type {
		case activity.TypeClone:
			in.Clones++
		case activity.TypePush:
			in.Pushes++
		}
		if e.IsSuspicious {
			in.Suspicious++
		}
		if h := e.Timestamp.In(a.loc).Hour(); h < 6 || h > 22 {
			in.OffHours++
		}
		if e.IPAddress != "" {
			ips[e.IPAddress] = struct{}{}
		}
		if e.RepositoryID != "" {
			repos[e.RepositoryID] = struct{}{}
		}
	}
	in.IPs = len(ips)
	in.Repositories = len(repos)
	in.Spikes = spikes(events)
	return in
}

// spikes counts UTC days whose activity exceeds 2.5 times the mean of the
// active days. Fewer than seven events never spike.
func spikes(events []activity.Event) int {
	if len(events) < spikeMinEvents {
		return 0
	}
	perDay := make(map[string]int)
	for _, e := range events {
		perDay[e.Timestamp.UTC().Format(time.DateOnly)]++
	}
	mean := float64(len(events)) / float64(len(perDay))
	n := 0
	for _, c := range perDay {
		if float64(c) > mean*spikeFactor {
			n++
		}
	}
	return n
}

func (a *Aggregator) patterns(events []activity.Event) AccessPatterns {
	p := AccessPatterns{
		ActiveHours:        make(map[int]int),
		ActiveRepositories: make(map[string]int),
		Types:              make(map[activity.Type]int),
	}
	locations := make(map[string]struct{})
	for _, e := range events {
		p.ActiveHours[e.Timestamp.In(a.loc).Hour()]++
		if e.RepositoryID != "" {
			p.ActiveRepositories[e.RepositoryID]++
			p.Types[e.Type]++
		}
		if e.Location != "" {
			locations[e.Location] = struct{}{}
		}
	}
	p.Locations = len(locations)
	return p
}

func recommend(score int, in Inputs) []Recommendation {
	var out []Recommendation
	if score >= watchThreshold {
		out = append(out,
			Recommendation{Priority: "HIGH", Action: "Enable enhanced monitoring for this developer", Reason: "Risk score exceeds threshold"},
			Recommendation{Priority: "HIGH", Action: "Review recent activity logs", Reason: "Potential security risk detected"},
		)
	}
	if in.Anomalies > 5 {
		out = append(out, Recommendation{Priority: "MEDIUM", Action: "Investigate anomalous behavior patterns", Reason: fmt.Sprintf("%d anomalies detected in last 30 days", in.Anomalies)})
	}
	if in.OffHours > 10 {
		out = append(out, Recommendation{Priority: "MEDIUM", Action: "Review off-hours access patterns", Reason: fmt.Sprintf("%d activities outside normal hours", in.OffHours)})
	}
	if in.Suspicious > 5 {
		out = append(out, Recommendation{Priority: "HIGH", Action: "Restrict access temporarily", Reason: fmt.Sprintf("%d suspicious activities detected", in.Suspicious)})
	}
	if score < 30 {
		out = append(out, Recommendation{Priority: "LOW", Action: "No immediate action required", Reason: "Developer behavior within normal parameters"})
	}
	return out
}

func (a *Aggregator) raise(ctx context.Context, sc Score) error {
	sev := alert.SeverityWarning
	if sc.Score >= 85 {
		sev = alert.SeverityCritical
	}
	who := sc.UserID
	if a.directory != nil {
		if u, err := a.directory.User(ctx, sc.UserID); err == nil && u.Email != "" {
			who = u.Email
		}
	}
	msg := fmt.Sprintf("Developer [ID: %s] shows unusual activity pattern - risk score: %d", who, sc.Score)
	if _, err := a.alerts.Create(ctx, alert.Alert{
		UserID:    sc.UserID,
		Type:      alert.TypeHighRiskUser,
		Severity:  sev,
		Message:   msg,
		Details:   alert.Risk{UserID: sc.UserID, Score: sc.Score, Status: string(sc.Status)},
		CreatedAt: a.now(),
	}); err != nil {
		return fmt.Errorf("risk: alert for %s: %w", sc.UserID, err)
	}
	if _, err := a.alerts.AppendSecurityLog(ctx, alert.SecurityLog{
		UserID:    sc.UserID,
		Event:     string(alert.TypeSuspiciousActivity),
		Severity:  sev,
		Message:   fmt.Sprintf("High risk score detected: %d", sc.Score),
		Details:   map[string]string{"riskScore": strconv.Itoa(sc.Score), "action": "Alert created"},
		CreatedAt: a.now(),
	}); err != nil {
		return fmt.Errorf("risk: security log for %s: %w", sc.UserID, err)
	}
	obs.Warn("developer under watch", map[string]any{"user_id": sc.UserID, "score": sc.Score, "status": sc.Status})
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, notify.Notification{
			Topic:     notify.TopicRisk,
			Severity:  string(sev),
			Title:     "Developer risk elevated",
			Message:   msg,
			Timestamp: a.now(),
		}); err != nil {
			obs.Error("risk notification failed", map[string]any{"user_id": sc.UserID, "error": err.Error()})
		}
	}
	return nil
}

// Get returns the stored score, evaluating the user when none exists.
func (a *Aggregator) Get(ctx context.Context, userID string) (Score, error) {
	sc, err := a.store.Get(ctx, userID)
	if errors.Is(err, faults.ErrNotFound) {
		return a.Calculate(ctx, userID)
	}
	return sc, err
}

// List returns stored scores, highest first.
func (a *Aggregator) List(ctx context.Context, f Filter) ([]Score, error) {
	return a.store.List(ctx, f)
}

// Stats summarises every stored score.
func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	all, err := a.store.List(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(all)}
	sum := 0
	for _, sc := range all {
		sum += sc.Score
		switch sc.Status {
		case StatusCritical:
			st.Critical++
		case StatusHigh:
			st.High++
		case StatusNormal:
			st.Normal++
		}
		if sc.WatchStatus {
			st.UnderWatch++
		}
	}
	if st.Total > 0 {
		st.Average = float64(sum) / float64(st.Total)
	}
	return st, nil
}

// RecalculateAll evaluates every user with bounded concurrency. Results keep
// the order of userIDs; the first failure cancels the remaining work.
func (a *Aggregator) RecalculateAll(ctx context.Context, userIDs []string) ([]Score, error) {
	out := make([]Score, len(userIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, id := range userIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sc, err := a.Calculate(ctx, id)
			if err != nil {
				return err
			}
			out[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
