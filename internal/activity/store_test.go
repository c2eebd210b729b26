package activity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryListFiltersAndLimit(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(func() time.Time { return base }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, Event{
			UserID:       "u1",
			DeviceID:     "d1",
			Type:         TypeCommit,
			RepositoryID: "r1",
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	clone, err := s.Append(ctx, Event{UserID: "u1", DeviceID: "d2", Type: TypeClone, RepositoryID: "r2"})
	if err != nil {
		t.Fatalf("Append clone: %v", err)
	}
	if clone.ID == "" || !clone.Timestamp.Equal(base) || clone.RiskLevel != RiskLow {
		t.Fatalf("defaults not applied: %+v", clone)
	}
	if err := s.MarkSuspicious(ctx, clone.ID, RiskCritical); err != nil {
		t.Fatalf("MarkSuspicious: %v", err)
	}

	clean, _ := s.List(ctx, Query{UserID: "u1", Suspicion: ExcludeSuspicious})
	if len(clean) != 5 {
		t.Fatalf("expected 5 clean events, got %d", len(clean))
	}
	last2, _ := s.List(ctx, Query{UserID: "u1", Types: []Type{TypeCommit}, Limit: 2})
	if len(last2) != 2 || !last2[1].Timestamp.Equal(base.Add(4*time.Hour)) {
		t.Fatalf("limit should keep the most recent events, got %+v", last2)
	}
	flagged, _ := s.List(ctx, Query{DeviceID: "d2", Suspicion: OnlySuspicious})
	if len(flagged) != 1 || flagged[0].RiskLevel != RiskCritical {
		t.Fatalf("expected flagged clone, got %+v", flagged)
	}
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	s := NewInMemory()
	if _, err := s.Append(context.Background(), Event{Type: TypeClone}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event for missing user, got %v", err)
	}
	if _, err := s.Append(context.Background(), Event{UserID: "u", Type: "FORK"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected invalid event for unknown type, got %v", err)
	}
	if err := s.MarkSuspicious(context.Background(), "nope", RiskHigh); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDetailsAccessorsAndEncoding(t *testing.T) {
	e := Event{Details: GitOperation{RepositoryPath: "/mnt/usb/repo", Files: []string{"a.go", "b.pem"}}}
	if e.RepositoryPath() != "/mnt/usb/repo" || len(e.Files()) != 2 {
		t.Fatalf("accessors failed: %q %v", e.RepositoryPath(), e.Files())
	}
	raw, err := MarshalDetails(e.Details)
	if err != nil {
		t.Fatalf("MarshalDetails: %v", err)
	}
	back, err := UnmarshalDetails(raw)
	if err != nil {
		t.Fatalf("UnmarshalDetails: %v", err)
	}
	g, ok := back.(GitOperation)
	if !ok || g.RepositoryPath != "/mnt/usb/repo" {
		t.Fatalf("unexpected decoded details: %#v", back)
	}
	if _, err := UnmarshalDetails([]byte(`{"kind":"mystery","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if (Event{Details: Other{"repositoryPath": "/x"}}).RepositoryPath() != "/x" {
		t.Fatal("Other details should expose repositoryPath")
	}
}
