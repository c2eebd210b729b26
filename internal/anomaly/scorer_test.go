package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/baseline"
	"repoguard.org/internal/faults"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type recordingResponder struct {
	actions []ResponseType
	fail    ResponseType
}

func (r *recordingResponder) Execute(ctx context.Context, action ResponseType, in Incident) error {
	r.actions = append(r.actions, action)
	if action == r.fail {
		return errors.New("boom")
	}
	return nil
}

type fixture struct {
	acts   *activity.InMemory
	store  *InMemory
	scorer *Scorer
	resp   *recordingResponder
}

func newFixture(t *testing.T, history int) fixture {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return now }
	acts := activity.NewInMemory(activity.WithClock(clock))
	for i := 0; i < history; i++ {
		_, err := acts.Append(ctx, activity.Event{
			UserID:       "u1",
			DeviceID:     "d1",
			Type:         activity.TypeCommit,
			RepositoryID: "r1",
			Details:      activity.GitOperation{Files: []string{"main.go"}},
			Timestamp:    time.Date(2026, 6, 1+i, 10, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	bs := baseline.NewInMemory()
	learner := baseline.NewLearner(acts, bs, baseline.WithClock(clock))
	if history >= 10 {
		if _, err := learner.Learn(ctx, "u1", "d1"); err != nil {
			t.Fatalf("learn: %v", err)
		}
	}
	store := NewInMemory()
	resp := &recordingResponder{}
	return fixture{
		acts:   acts,
		store:  store,
		resp:   resp,
		scorer: NewScorer(acts, bs, learner, store, WithResponder(resp), WithClock(clock)),
	}
}

func (f fixture) record(t *testing.T, hour int, repo, file string) activity.Event {
	t.Helper()
	e, err := f.acts.Append(context.Background(), activity.Event{
		UserID:       "u1",
		DeviceID:     "d1",
		Type:         activity.TypeCommit,
		RepositoryID: repo,
		Details:      activity.GitOperation{Files: []string{file}},
		Timestamp:    time.Date(2026, 6, 15, hour, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return e
}

func TestScoreNormalActivity(t *testing.T) {
	f := newFixture(t, 12)
	res, err := f.scorer.Score(context.Background(), f.record(t, 10, "r1", "util.go"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.IsAnomaly || res.ColdStart || len(res.Signals) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.resp.actions) != 0 {
		t.Fatalf("responder should not run: %v", f.resp.actions)
	}
}

func TestScoreSingleSignalIsNotAnomalous(t *testing.T) {
	f := newFixture(t, 12)
	e := f.record(t, 3, "r1", "util.go")
	res, err := f.scorer.Score(context.Background(), e)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res.IsAnomaly {
		t.Fatalf("one exceeding signal must not flag: %+v", res)
	}
	if len(res.Signals) != 1 || res.Signals[0].Kind != string(baseline.WorkingHours) {
		t.Fatalf("unexpected signals %+v", res.Signals)
	}
	got, _ := f.acts.Get(context.Background(), e.ID)
	if got.IsSuspicious {
		t.Fatalf("activity should not be flagged")
	}
}

func TestScoreCriticalAnomalyRunsPlan(t *testing.T) {
	f := newFixture(t, 12)
	e := f.record(t, 3, "r2", "payload.exe")
	res, err := f.scorer.Score(context.Background(), e)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !res.IsAnomaly || res.Severity != activity.RiskCritical {
		t.Fatalf("expected critical anomaly, got %+v", res)
	}
	if len(res.Signals) != 3 {
		t.Fatalf("expected 3 signals, got %+v", res.Signals)
	}
	if res.Detection == nil || res.Detection.Type != UnusualTime || res.Detection.Source != SourceBaseline {
		t.Fatalf("unexpected detection %+v", res.Detection)
	}
	want := []ResponseType{SuspendRepo, EncryptRepo, NotifyAdmin}
	if len(f.resp.actions) != len(want) {
		t.Fatalf("actions %v", f.resp.actions)
	}
	for i := range want {
		if f.resp.actions[i] != want[i] || res.Responses[i].Status != ResponseExecuted {
			t.Fatalf("response %d: %v %+v", i, f.resp.actions[i], res.Responses[i])
		}
	}
	got, _ := f.acts.Get(context.Background(), e.ID)
	if !got.IsSuspicious || got.RiskLevel != activity.RiskCritical {
		t.Fatalf("activity not flagged: %+v", got)
	}
}

func TestScoreResponderFailureIsRecorded(t *testing.T) {
	f := newFixture(t, 12)
	f.resp.fail = EncryptRepo
	res, err := f.scorer.Score(context.Background(), f.record(t, 3, "r2", "payload.exe"))
	if err != nil {
		t.Fatalf("response failure must not fail scoring: %v", err)
	}
	if res.Responses[1].Status != ResponseFailed || res.Responses[1].Error != "boom" {
		t.Fatalf("unexpected response %+v", res.Responses[1])
	}
	if res.Responses[2].Status != ResponseExecuted {
		t.Fatalf("later responses should still run: %+v", res.Responses[2])
	}
	stored, _ := f.store.ListResponses(context.Background(), res.Detection.ID)
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored responses, got %d", len(stored))
	}
}

func TestScoreColdStart(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.scorer.Score(context.Background(), f.record(t, 3, "r2", "payload.exe"))
	if err != nil {
		t.Fatalf("cold start must not error: %v", err)
	}
	if !res.ColdStart || res.IsAnomaly {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGateNeverFiresBelowTwoSignals(t *testing.T) {
	f := newFixture(t, 12)
	for hour := 0; hour < 24; hour++ {
		res, err := f.scorer.Score(context.Background(), f.record(t, hour, "r1", "main.go"))
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if res.IsAnomaly && len(res.Signals) < 2 {
			t.Fatalf("hour %d flagged with %d signals", hour, len(res.Signals))
		}
	}
}

func TestReviewTwice(t *testing.T) {
	f := newFixture(t, 12)
	res, err := f.scorer.Score(context.Background(), f.record(t, 3, "r2", "payload.exe"))
	if err != nil || res.Detection == nil {
		t.Fatalf("score: %v %+v", err, res)
	}
	d, err := f.scorer.Review(context.Background(), res.Detection.ID, "admin", true)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !d.IsReviewed || !d.IsFalsePositive || d.ReviewedBy != "admin" {
		t.Fatalf("unexpected detection %+v", d)
	}
	if _, err := f.scorer.Review(context.Background(), d.ID, "admin", false); !errors.Is(err, faults.ErrAlreadyInState) {
		t.Fatalf("expected already-in-state, got %v", err)
	}
}

func TestHeatmapBuckets(t *testing.T) {
	f := newFixture(t, 12)
	f.record(t, 3, "r1", "a.go")
	f.record(t, 3, "r1", "b.go")
	m, err := f.scorer.Heatmap(context.Background(), "u1", now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if m["2026-06-15_3"] != 2 {
		t.Fatalf("unexpected heatmap %v", m)
	}
}

func TestSeverityBands(t *testing.T) {
	for _, sev := range []activity.RiskLevel{activity.RiskLow, activity.RiskMedium, activity.RiskHigh, activity.RiskCritical} {
		lo, hi := ScoreBand(sev)
		for s := lo; s < hi && s <= 1; s += 0.01 {
			if got := SeverityOf(s); got != sev {
				t.Fatalf("score %.2f: got %s want %s", s, got, sev)
			}
		}
	}
	if len(Plan(activity.RiskHigh)) != 2 || Plan(activity.RiskLow)[0] != AlertOnly {
		t.Fatalf("unexpected plans")
	}
}

func TestTypeOfPrecedence(t *testing.T) {
	got := TypeOf([]Signal{{Kind: string(baseline.FileTypes)}, {Kind: string(baseline.RepositoryPattern)}})
	if got != UnusualRepository {
		t.Fatalf("got %s", got)
	}
	if got := TypeOf([]Signal{{Kind: string(baseline.FileTypes)}}); got != DataExfiltration {
		t.Fatalf("got %s", got)
	}
}
