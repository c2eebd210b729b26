package risk

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/alert"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/auth"
)

var now = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)

type fixture struct {
	agg    *Aggregator
	acts   *activity.InMemory
	dets   *anomaly.InMemory
	alerts *alert.InMemory
	store  *InMemory
}

func newFixture() fixture {
	clock := func() time.Time { return now }
	dir := auth.NewInMemory()
	dir.PutUser(auth.User{ID: "u1", Email: "dev@example.org", Role: auth.RoleDeveloper, IsActive: true})
	f := fixture{
		acts:   activity.NewInMemory(activity.WithClock(clock)),
		dets:   anomaly.NewInMemory(),
		alerts: alert.NewInMemory(),
		store:  NewInMemory(),
	}
	f.agg = NewAggregator(f.acts, f.dets, f.store, f.alerts, dir, WithClock(clock))
	return f
}

func (f fixture) add(t *testing.T, e activity.Event) {
	t.Helper()
	if _, err := f.acts.Append(context.Background(), e); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestComputeSuspiciousIsMonotonicUpToCap(t *testing.T) {
	base := Inputs{Clones: 7, Pushes: 12, OffHours: 2, IPs: 2}
	prev := -1
	for n := 0; n <= 3; n++ {
		in := base
		in.Suspicious = n
		got := Compute(in)
		if got <= prev {
			t.Fatalf("suspicious=%d: score %d did not increase over %d", n, got, prev)
		}
		prev = got
	}
	capped := base
	capped.Suspicious = 4
	if got := Compute(capped); got != Compute(base)+30 {
		t.Fatalf("cap not applied: %d", got)
	}
	capped.Suspicious = 40
	if got := Compute(capped); got != Compute(base)+30 {
		t.Fatalf("cap exceeded: %d", got)
	}
}

func TestComputeBandsAndClamp(t *testing.T) {
	cases := []struct {
		in   Inputs
		want int
	}{
		{Inputs{}, 0},
		{Inputs{Clones: 6}, 5},
		{Inputs{Clones: 11}, 10},
		{Inputs{Clones: 21}, 15},
		{Inputs{Pushes: 31}, 5},
		{Inputs{Pushes: 51}, 10},
		{Inputs{Anomalies: 3}, 15},
		{Inputs{Anomalies: 9}, 20},
		{Inputs{OffHours: 6}, 8},
		{Inputs{OffHours: 11}, 15},
		{Inputs{IPs: 4}, 6},
		{Inputs{IPs: 6}, 12},
		{Inputs{Repositories: 15}, 0},
		{Inputs{Repositories: 16}, 8},
		{Inputs{Spikes: 2}, 10},
		{Inputs{Spikes: 5}, 15},
		{Inputs{Clones: 99, Pushes: 99, Suspicious: 99, Anomalies: 99, OffHours: 99, IPs: 99, Repositories: 99, Spikes: 99}, 100},
	}
	for _, c := range cases {
		if got := Compute(c.in); got != c.want {
			t.Fatalf("%+v: got %d want %d", c.in, got, c.want)
		}
	}
}

func TestTier(t *testing.T) {
	for score, want := range map[int]Status{
		0: StatusNormal, 29: StatusNormal, 30: StatusElevated, 49: StatusElevated,
		50: StatusHigh, 69: StatusHigh, 70: StatusUnderWatch, 84: StatusUnderWatch,
		85: StatusCritical, 100: StatusCritical,
	} {
		if got := Tier(score); got != want {
			t.Fatalf("%d: got %s want %s", score, got, want)
		}
	}
}

func TestCalculateUnderWatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		f.add(t, activity.Event{
			UserID:       "u1",
			Type:         activity.TypeClone,
			RepositoryID: "core",
			IPAddress:    fmt.Sprintf("10.0.0.%d", i%6),
			Location:     "Berlin",
			Timestamp:    time.Date(2026, 6, 10+i, 2, 0, 0, 0, time.UTC),
			IsSuspicious: true,
		})
	}
	// Older than the window.
	f.add(t, activity.Event{UserID: "u1", Type: activity.TypeClone, Timestamp: now.AddDate(0, 0, -40), IsSuspicious: true})
	for i := 0; i < 3; i++ {
		if _, err := f.dets.CreateDetection(ctx, anomaly.Detection{UserID: "u1", Score: 0.8, CreatedAt: now.Add(-time.Duration(i+1) * time.Hour)}); err != nil {
			t.Fatalf("detection: %v", err)
		}
	}

	sc, err := f.agg.Calculate(ctx, "u1")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	// clones 10 + suspicious 30 + anomalies 15 + off-hours 15 + ips 12
	if sc.Score != 82 || sc.Status != StatusUnderWatch || !sc.WatchStatus {
		t.Fatalf("unexpected score %+v", sc)
	}
	if sc.CloneFrequency != 12 || sc.AnomalyCount != 3 {
		t.Fatalf("unexpected counters %+v", sc)
	}
	if sc.AccessPatterns.ActiveHours[2] != 12 || sc.AccessPatterns.Locations != 1 || sc.AccessPatterns.Types[activity.TypeClone] != 12 {
		t.Fatalf("unexpected patterns %+v", sc.AccessPatterns)
	}
	if len(sc.Recommendations) != 4 || sc.Recommendations[3].Action != "Restrict access temporarily" {
		t.Fatalf("unexpected recommendations %+v", sc.Recommendations)
	}
	if len(sc.AlertHistory) != 1 || sc.AlertHistory[0].Score != 82 {
		t.Fatalf("unexpected history %+v", sc.AlertHistory)
	}

	alerts := f.alerts.All()
	if len(alerts) != 1 || alerts[0].Severity != alert.SeverityWarning || alerts[0].Type != alert.TypeHighRiskUser {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if !strings.Contains(alerts[0].Message, "dev@example.org") || !strings.Contains(alerts[0].Message, "82") {
		t.Fatalf("unexpected message %q", alerts[0].Message)
	}
	if logs := f.alerts.SecurityLogs(); len(logs) != 1 || logs[0].Message != "High risk score detected: 82" {
		t.Fatalf("unexpected security logs %+v", logs)
	}

	again, err := f.agg.Calculate(ctx, "u1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(again.AlertHistory) != 2 {
		t.Fatalf("alert history must accumulate, got %d", len(again.AlertHistory))
	}
}

func TestCalculateLowRiskHasNoAlert(t *testing.T) {
	f := newFixture()
	f.add(t, activity.Event{UserID: "u1", Type: activity.TypePush, RepositoryID: "core", Timestamp: now.Add(-time.Hour)})
	sc, err := f.agg.Calculate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if sc.Score != 0 || sc.Status != StatusNormal || sc.WatchStatus {
		t.Fatalf("unexpected score %+v", sc)
	}
	if len(sc.Recommendations) != 1 || sc.Recommendations[0].Priority != "LOW" {
		t.Fatalf("unexpected recommendations %+v", sc.Recommendations)
	}
	if len(f.alerts.All()) != 0 || len(sc.AlertHistory) != 0 {
		t.Fatalf("low risk must not alert")
	}
}

func TestSpikes(t *testing.T) {
	var events []activity.Event
	for d := 0; d < 6; d++ {
		events = append(events, activity.Event{Timestamp: time.Date(2026, 6, 1+d, 10, 0, 0, 0, time.UTC)})
	}
	for i := 0; i < 10; i++ {
		events = append(events, activity.Event{Timestamp: time.Date(2026, 6, 20, 10, i, 0, 0, time.UTC)})
	}
	if got := spikes(events); got != 1 {
		t.Fatalf("expected one spike, got %d", got)
	}
	if got := spikes(events[:6]); got != 0 {
		t.Fatalf("fewer than seven events must not spike, got %d", got)
	}
}

func TestGetRecalculateAllAndStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.store.Get(ctx, "u2"); err == nil {
		t.Fatalf("expected missing score")
	}
	sc, err := f.agg.Get(ctx, "u2")
	if err != nil || sc.UserID != "u2" {
		t.Fatalf("get: %+v %v", sc, err)
	}

	for i := 0; i < 4; i++ {
		f.add(t, activity.Event{UserID: "u3", Type: activity.TypePush, IsSuspicious: true, Timestamp: now.Add(-time.Duration(i+1) * time.Hour)})
	}
	users := []string{"u1", "u2", "u3"}
	all, err := f.agg.RecalculateAll(ctx, users)
	if err != nil {
		t.Fatalf("recalculate all: %v", err)
	}
	for i, sc := range all {
		if sc.UserID != users[i] {
			t.Fatalf("result %d is %s, want %s", i, sc.UserID, users[i])
		}
	}
	if all[2].Score != 30 || all[2].Status != StatusElevated {
		t.Fatalf("unexpected u3 score %+v", all[2])
	}

	st, err := f.agg.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Normal != 2 || st.Average != 10 {
		t.Fatalf("unexpected stats %+v", st)
	}
	top, _ := f.agg.List(ctx, Filter{MinScore: 1})
	if len(top) != 1 || top[0].UserID != "u3" {
		t.Fatalf("unexpected list %+v", top)
	}
}

func TestCalculateRequiresUser(t *testing.T) {
	if _, err := newFixture().agg.Calculate(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
}
