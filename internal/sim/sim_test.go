package sim

import (
	"strings"
	"testing"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/containment"
)

var end = time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

func TestHistoryIsDeterministicAndInHours(t *testing.T) {
	a := NewGenerator(42).History(end, 14, 2)
	b := NewGenerator(42).History(end, 14, 2)
	if len(a) != 14*3*2 || len(a) != len(b) {
		t.Fatalf("unexpected sizes %d %d", len(a), len(b))
	}
	devs := map[string]Developer{}
	for _, d := range TeamScenario().Developers {
		devs[d.UserID] = d
	}
	for i := range a {
		if a[i].Timestamp != b[i].Timestamp || a[i].RepositoryID != b[i].RepositoryID || a[i].Type != b[i].Type {
			t.Fatalf("event %d differs for the same seed", i)
		}
		d := devs[a[i].UserID]
		if h := a[i].Timestamp.Hour(); h < d.StartHour || h >= d.EndHour {
			t.Fatalf("event %d at hour %d outside %d-%d", i, h, d.StartHour, d.EndHour)
		}
		if !a[i].Timestamp.Before(end) {
			t.Fatalf("event %d not before end", i)
		}
		if containment.SuspiciousPath(a[i].RepositoryPath()) {
			t.Fatalf("routine path flagged: %s", a[i].RepositoryPath())
		}
	}
}

func TestExfiltrationLooksSuspicious(t *testing.T) {
	g := NewGenerator(7)
	d := g.Developers()[0]
	e := g.Exfiltration(d, end.Add(3*time.Hour))
	if e.Type != activity.TypeClone || !containment.SuspiciousPath(e.RepositoryPath()) {
		t.Fatalf("unexpected event %+v", e)
	}
	if !strings.HasPrefix(e.RepositoryID, "secrets-") {
		t.Fatalf("unexpected repository %s", e.RepositoryID)
	}
}

func TestCounter(t *testing.T) {
	var c Counter
	if c.SuspiciousRatio() != 0 {
		t.Fatalf("empty ratio")
	}
	c.Add(activity.Event{Type: activity.TypePush}, false)
	c.Add(activity.Event{Type: activity.TypeClone}, true)
	if c.Events != 2 || c.ByType[activity.TypeClone] != 1 || c.SuspiciousRatio() != 0.5 {
		t.Fatalf("unexpected counter %+v", c)
	}
}
