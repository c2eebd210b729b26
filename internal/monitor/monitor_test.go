package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/containment"
)

type fakeScorer struct {
	res anomaly.Result
	err error
	got []activity.Event
	mu  sync.Mutex
}

func (f *fakeScorer) Score(ctx context.Context, e activity.Event) (anomaly.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, e)
	f.mu.Unlock()
	return f.res, f.err
}

type fakeAnalyzer struct {
	dets []anomaly.Detection
	err  error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, e activity.Event) ([]anomaly.Detection, error) {
	return f.dets, f.err
}

type fakeMovement struct {
	mu   sync.Mutex
	reqs []containment.MovementRequest
}

func (f *fakeMovement) DetectUnauthorizedMovement(ctx context.Context, req containment.MovementRequest) (containment.MovementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return containment.MovementResult{Detected: true, Reason: "SUSPICIOUS_PATH"}, nil
}

var at = time.Date(2026, 6, 15, 3, 0, 0, 0, time.UTC)

func newStore() *activity.InMemory {
	return activity.NewInMemory(activity.WithClock(func() time.Time { return at }))
}

func TestIngestRecordsAndScores(t *testing.T) {
	acts := newStore()
	sc := &fakeScorer{res: anomaly.Result{ColdStart: true}}
	p := New(acts, sc, WithAnalyzer(&fakeAnalyzer{}))

	out, err := p.Ingest(context.Background(), activity.Event{UserID: "u1", Type: activity.TypePush, RepositoryID: "core"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Event.ID == "" || !out.Event.Timestamp.Equal(at) {
		t.Fatalf("event not normalized: %+v", out.Event)
	}
	if _, err := acts.Get(context.Background(), out.Event.ID); err != nil {
		t.Fatalf("event not recorded: %v", err)
	}
	if len(sc.got) != 1 || sc.got[0].ID != out.Event.ID {
		t.Fatalf("scorer did not see the stored event: %+v", sc.got)
	}
	if !out.Score.ColdStart || out.Suspicious() || out.Movement != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	sc := &fakeScorer{}
	_, err := New(newStore(), sc).Ingest(context.Background(), activity.Event{Type: activity.TypePush})
	if !errors.Is(err, activity.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	if len(sc.got) != 0 {
		t.Fatalf("invalid event must not be scored")
	}
}

func TestIngestChecksMovementOnClone(t *testing.T) {
	mv := &fakeMovement{}
	p := New(newStore(), &fakeScorer{}, WithMovementDetector(mv))
	ctx := context.Background()

	out, err := p.Ingest(ctx, activity.Event{
		UserID:       "u1",
		DeviceID:     "laptop",
		Type:         activity.TypeClone,
		RepositoryID: "core",
		Details:      activity.GitOperation{RepositoryPath: "/media/usb/core", OriginalLocation: "/home/dev/core"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Movement == nil || !out.Movement.Detected || !out.Suspicious() {
		t.Fatalf("movement not reported: %+v", out)
	}
	if len(mv.reqs) != 1 || mv.reqs[0].RepositoryPath != "/media/usb/core" || mv.reqs[0].OriginalLocation != "/home/dev/core" {
		t.Fatalf("unexpected movement request %+v", mv.reqs)
	}

	// Pushes and events without a path are not movement candidates.
	if _, err := p.Ingest(ctx, activity.Event{UserID: "u1", Type: activity.TypePush, RepositoryID: "core",
		Details: activity.GitOperation{RepositoryPath: "/media/usb/core"}}); err != nil {
		t.Fatalf("ingest push: %v", err)
	}
	if _, err := p.Ingest(ctx, activity.Event{UserID: "u1", Type: activity.TypeClone, RepositoryID: "core"}); err != nil {
		t.Fatalf("ingest clone: %v", err)
	}
	if len(mv.reqs) != 1 {
		t.Fatalf("unexpected movement checks %d", len(mv.reqs))
	}
}

func TestIngestKeepsPartialResultsOnError(t *testing.T) {
	boom := errors.New("boom")
	an := &fakeAnalyzer{dets: []anomaly.Detection{{ID: "d1"}}}
	p := New(newStore(), &fakeScorer{err: boom}, WithAnalyzer(an), WithTimeout(time.Second))

	out, err := p.Ingest(context.Background(), activity.Event{UserID: "u1", Type: activity.TypeCommit})
	if !errors.Is(err, boom) {
		t.Fatalf("expected scorer error, got %v", err)
	}
	if out.Event.ID == "" || len(out.Behavior) != 1 {
		t.Fatalf("partial outcome lost: %+v", out)
	}
}

type failingAnalyzer struct {
	failed chan struct{}
}

func (f *failingAnalyzer) Analyze(ctx context.Context, e activity.Event) ([]anomaly.Detection, error) {
	defer close(f.failed)
	return nil, errors.New("pattern store down")
}

type slowMovement struct {
	wait   <-chan struct{}
	ctxErr error
}

func (s *slowMovement) DetectUnauthorizedMovement(ctx context.Context, req containment.MovementRequest) (containment.MovementResult, error) {
	<-s.wait
	time.Sleep(20 * time.Millisecond)
	s.ctxErr = ctx.Err()
	return containment.MovementResult{Detected: true, Containment: &containment.Result{Encrypted: true}}, nil
}

func TestDetectorFailureDoesNotCancelContainment(t *testing.T) {
	an := &failingAnalyzer{failed: make(chan struct{})}
	mv := &slowMovement{wait: an.failed}
	p := New(newStore(), &fakeScorer{}, WithAnalyzer(an), WithMovementDetector(mv))

	out, err := p.Ingest(context.Background(), activity.Event{
		UserID:       "u1",
		DeviceID:     "laptop",
		Type:         activity.TypeClone,
		RepositoryID: "core",
		Details:      activity.GitOperation{RepositoryPath: "/media/usb/core", OriginalLocation: "/home/dev/core"},
	})
	if err == nil {
		t.Fatalf("expected the analyzer error")
	}
	if mv.ctxErr != nil {
		t.Fatalf("movement check saw a cancelled context: %v", mv.ctxErr)
	}
	if out.Movement == nil || out.Movement.Containment == nil || !out.Movement.Containment.Encrypted {
		t.Fatalf("movement result lost: %+v", out)
	}
}
