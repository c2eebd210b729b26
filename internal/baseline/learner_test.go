package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/faults"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *activity.InMemory, n int, at func(i int) activity.Event) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := store.Append(context.Background(), at(i)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestLearnInsufficientDataWritesNothing(t *testing.T) {
	acts := activity.NewInMemory()
	seed(t, acts, 9, func(i int) activity.Event {
		return activity.Event{UserID: "u1", Type: activity.TypeCommit, Timestamp: now.Add(-time.Duration(i) * time.Hour)}
	})
	store := NewInMemory()
	l := NewLearner(acts, store, WithClock(func() time.Time { return now }))

	res, err := l.Learn(context.Background(), "u1", "")
	if !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
	if res.SampleSize != 9 {
		t.Fatalf("unexpected sample size %d", res.SampleSize)
	}
	got, _ := store.ForUser(context.Background(), "u1", "")
	if len(got) != 0 {
		t.Fatalf("expected no baselines, got %d", len(got))
	}
}

func TestLearnIgnoresSuspiciousAndOldEvents(t *testing.T) {
	acts := activity.NewInMemory()
	seed(t, acts, 8, func(i int) activity.Event {
		return activity.Event{UserID: "u1", Type: activity.TypeCommit, Timestamp: now.Add(-time.Duration(i) * time.Hour)}
	})
	seed(t, acts, 5, func(i int) activity.Event {
		return activity.Event{UserID: "u1", Type: activity.TypeCommit, Timestamp: now.Add(-61 * 24 * time.Hour)}
	})
	seed(t, acts, 5, func(i int) activity.Event {
		return activity.Event{UserID: "u1", Type: activity.TypeClone, Timestamp: now.Add(-time.Hour), IsSuspicious: true}
	})
	l := NewLearner(acts, NewInMemory(), WithClock(func() time.Time { return now }))
	if _, err := l.Learn(context.Background(), "u1", ""); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected insufficient data, got %v", err)
	}
}

func TestLearnBuildsFiveBaselines(t *testing.T) {
	acts := activity.NewInMemory()
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seed(t, acts, 40, func(i int) activity.Event {
		typ := activity.TypeCommit
		if i%4 == 0 {
			typ = activity.TypePush
		}
		return activity.Event{
			UserID:       "u1",
			DeviceID:     "d1",
			Type:         typ,
			RepositoryID: fmt.Sprintf("repo-%d", i%2),
			Timestamp:    day.Add(time.Duration(i/4)*24*time.Hour + time.Duration(9+i%4)*time.Hour),
			Details:      activity.GitOperation{Files: []string{"main.go", "README.md"}},
		}
	})
	store := NewInMemory()
	l := NewLearner(acts, store, WithClock(func() time.Time { return now }))

	res, err := l.Learn(context.Background(), "u1", "d1")
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if res.Baselines != 5 || res.SampleSize != 40 {
		t.Fatalf("unexpected result %+v", res)
	}
	bs, _ := store.ForUser(context.Background(), "u1", "d1")
	if len(bs) != 5 {
		t.Fatalf("expected 5 baselines, got %d", len(bs))
	}
	for _, b := range bs {
		if b.Threshold != Thresholds[b.Kind] || b.ModelVersion != ModelVersion {
			t.Fatalf("unexpected baseline %+v", b)
		}
		switch b.Kind {
		case WorkingHours:
			var sum float64
			for _, p := range b.Pattern.Hours.Distribution {
				sum += p
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Fatalf("hour distribution sums to %v", sum)
			}
			if fmt.Sprint(b.Pattern.Hours.PeakHours) != "[9 10 11 12]" {
				t.Fatalf("unexpected peak hours %v", b.Pattern.Hours.PeakHours)
			}
		case CommitVolume:
			if b.Pattern.Volume.AverageDaily != 4 || b.Pattern.Volume.StdDevDaily != 0 {
				t.Fatalf("unexpected volume %+v", b.Pattern.Volume)
			}
		case FileTypes:
			if b.Pattern.FileTypes.Probabilities["go"] != 0.5 || len(b.Pattern.FileTypes.Top) != 2 {
				t.Fatalf("unexpected file types %+v", b.Pattern.FileTypes)
			}
		case RepositoryPattern:
			if b.Pattern.Repositories.Unique != 2 {
				t.Fatalf("unexpected repositories %+v", b.Pattern.Repositories)
			}
		case CommandSequence:
			if b.Pattern.Commands.TypeCounts["PUSH"] != 10 || b.Pattern.Commands.CommonSequences[0] == "" {
				t.Fatalf("unexpected commands %+v", b.Pattern.Commands)
			}
		}
	}

	// Relearning overwrites in place.
	if _, err := l.Learn(context.Background(), "u1", "d1"); err != nil {
		t.Fatalf("relearn: %v", err)
	}
	again, _ := store.ForUser(context.Background(), "u1", "d1")
	if len(again) != 5 {
		t.Fatalf("relearn duplicated baselines: %d", len(again))
	}
}

func TestCompatibleAndExtension(t *testing.T) {
	for v, want := range map[string]bool{"1.0": true, "1.7.2": true, "2.0": false, "0.9": false, "garbage": false} {
		if got := Compatible(v); got != want {
			t.Fatalf("Compatible(%q)=%v", v, got)
		}
	}
	for in, want := range map[string]string{"a/b/Main.GO": "go", "Makefile": "no-ext", `C:\x\key.pem`: "pem"} {
		if got := Extension(in); got != want {
			t.Fatalf("Extension(%q)=%q want %q", in, got, want)
		}
	}
	if err := (Baseline{Threshold: 0}).Validate(); !errors.Is(err, faults.ErrInvalidInput) {
		t.Fatalf("expected invalid threshold, got %v", err)
	}
}
