package behavior

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/faults"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newDetector(t *testing.T) (*Detector, *activity.InMemory, *InMemory, *anomaly.InMemory) {
	t.Helper()
	clock := func() time.Time { return now }
	acts := activity.NewInMemory(activity.WithClock(clock))
	patterns := NewInMemory()
	dets := anomaly.NewInMemory()
	return NewDetector(acts, patterns, dets, WithClock(clock)), acts, patterns, dets
}

func seedHistory(t *testing.T, acts *activity.InMemory) {
	t.Helper()
	for day := 1; day <= 5; day++ {
		for i := 0; i < 4; i++ {
			_, err := acts.Append(context.Background(), activity.Event{
				UserID:       "u1",
				DeviceID:     "laptop",
				Type:         activity.TypePush,
				RepositoryID: "core",
				Location:     "Berlin",
				Timestamp:    time.Date(2026, 6, day, 9+i, 0, 0, 0, time.UTC),
			})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}
}

func TestBuildProfile(t *testing.T) {
	d, acts, patterns, _ := newDetector(t)
	seedHistory(t, acts)

	p, err := d.BuildProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.AverageFrequency != 4 {
		t.Fatalf("average frequency %v", p.AverageFrequency)
	}
	if len(p.CommonHours) != 4 || p.CommonHours[0] != 9 {
		t.Fatalf("common hours %v", p.CommonHours)
	}
	if len(p.CommonRepositories) != 1 || p.CommonDevices[0] != "laptop" || p.CommonLocations[0] != "Berlin" {
		t.Fatalf("unexpected profile %+v", p)
	}
	rows, _ := patterns.ForUser(context.Background(), "u1")
	if len(rows) != len(PatternTypes) {
		t.Fatalf("expected %d patterns, got %d", len(PatternTypes), len(rows))
	}
	for _, r := range rows {
		if r.Threshold != 0.8 {
			t.Fatalf("threshold %v", r.Threshold)
		}
	}
}

func TestBuildProfileWithoutActivity(t *testing.T) {
	d, _, _, _ := newDetector(t)
	if _, err := d.BuildProfile(context.Background(), "ghost"); !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
}

func TestProfileMergeKeepsUnknownFields(t *testing.T) {
	base := Profile{CommonHours: []int{9}, CommonLocations: []string{"Berlin"}}
	merged := base.Merge(Profile{CommonHours: []int{22}})
	if merged.CommonHours[0] != 22 || merged.CommonLocations[0] != "Berlin" {
		t.Fatalf("unexpected merge %+v", merged)
	}
}

func TestAnalyzeFlagsUnknownDeviceAndRepository(t *testing.T) {
	d, acts, _, dets := newDetector(t)
	seedHistory(t, acts)
	if _, err := d.BuildProfile(context.Background(), "u1"); err != nil {
		t.Fatalf("build: %v", err)
	}
	e, _ := acts.Append(context.Background(), activity.Event{
		UserID:       "u1",
		DeviceID:     "usb-stick",
		Type:         activity.TypeClone,
		RepositoryID: "payments",
		Location:     "Berlin",
		Timestamp:    time.Date(2026, 6, 6, 10, 0, 0, 0, time.UTC),
	})
	got, err := d.Analyze(context.Background(), e)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	types := map[anomaly.Type]anomaly.Detection{}
	for _, det := range got {
		types[det.Type] = det
		if det.Source != anomaly.SourceBehavior {
			t.Fatalf("unexpected source %s", det.Source)
		}
	}
	if len(types) != 2 {
		t.Fatalf("expected device and repository detections, got %+v", got)
	}
	if types[anomaly.UnusualDevice].Score != 0.95 {
		t.Fatalf("device score %v", types[anomaly.UnusualDevice].Score)
	}
	if !strings.Contains(types[anomaly.UnusualRepository].Description, "payments") {
		t.Fatalf("description %q", types[anomaly.UnusualRepository].Description)
	}

	sum, err := d.Summary(context.Background(), "u1", Month)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 2 || sum.HighRisk != 1 || sum.Unreviewed != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := dets.ReviewDetection(context.Background(), types[anomaly.UnusualDevice].ID, "admin", false, now); err != nil {
		t.Fatalf("review: %v", err)
	}
	sum, _ = d.Summary(context.Background(), "u1", Day)
	if sum.Unreviewed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestAnalyzeWithoutPatterns(t *testing.T) {
	d, acts, _, _ := newDetector(t)
	e, _ := acts.Append(context.Background(), activity.Event{UserID: "u1", Type: activity.TypeClone, Timestamp: now})
	got, err := d.Analyze(context.Background(), e)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected nothing, got %v %v", got, err)
	}
}

func TestScoreAccessTime(t *testing.T) {
	normal := Profile{CommonHours: []int{9, 10}}
	at := func(h int) activity.Event {
		return activity.Event{Timestamp: time.Date(2026, 6, 1, h, 0, 0, 0, time.UTC)}
	}
	if got := Score(AccessTime, normal, at(13), 0, time.UTC); got != 0 {
		t.Fatalf("3h away should be normal, got %v", got)
	}
	if got := Score(AccessTime, normal, at(21), 0, time.UTC); got != 11.0/12 {
		t.Fatalf("11h away: got %v", got)
	}
	// Distance wraps around midnight.
	if got := Score(AccessTime, Profile{CommonHours: []int{23}}, at(2), 0, time.UTC); got != 0 {
		t.Fatalf("wraparound: got %v", got)
	}
	if got := Score(AccessTime, Profile{}, at(3), 0, time.UTC); got != 0 {
		t.Fatalf("empty profile: got %v", got)
	}
}

func TestScoreFrequency(t *testing.T) {
	if got := Score(CommandFrequency, Profile{}, activity.Event{}, 25, time.UTC); got != 1 {
		t.Fatalf("capped score expected, got %v", got)
	}
	if got := Score(CommandFrequency, Profile{AverageFrequency: 4}, activity.Event{}, 5, time.UTC); got != 0.25 {
		t.Fatalf("got %v", got)
	}
}
