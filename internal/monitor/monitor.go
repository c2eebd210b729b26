// Package monitor is the ingestion path for device activity. Each recorded
// event is scored by the baseline scorer and the behavior detector
// concurrently, and clones or accesses with a known location are checked
// for unauthorized movement.
package monitor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/behavior"
	"repoguard.org/internal/containment"
	"repoguard.org/internal/obs"
)

// Scorer is the baseline anomaly scorer.
type Scorer interface {
	Score(ctx context.Context, e activity.Event) (anomaly.Result, error)
}

// Analyzer is the behavior pattern detector.
type Analyzer interface {
	Analyze(ctx context.Context, e activity.Event) ([]anomaly.Detection, error)
}

// MovementDetector checks repository locations for unauthorized copies.
type MovementDetector interface {
	DetectUnauthorizedMovement(ctx context.Context, req containment.MovementRequest) (containment.MovementResult, error)
}

var (
	_ Scorer           = (*anomaly.Scorer)(nil)
	_ Analyzer         = (*behavior.Detector)(nil)
	_ MovementDetector = (*containment.Orchestrator)(nil)
)

// Outcome collects everything one ingested event produced.
type Outcome struct {
	Event    activity.Event
	Score    anomaly.Result
	Behavior []anomaly.Detection
	Movement *containment.MovementResult
}

// Suspicious reports whether any detector flagged the event.
func (o Outcome) Suspicious() bool {
	return o.Score.IsAnomaly || len(o.Behavior) > 0 || (o.Movement != nil && o.Movement.Detected)
}

// Pipeline records activity and runs the detectors.
type Pipeline struct {
	activities activity.Store
	scorer     Scorer
	analyzer   Analyzer
	movement   MovementDetector
	timeout    time.Duration
}

// Option configures Pipeline.
type Option func(*Pipeline)

// WithAnalyzer enables the behavior detector.
func WithAnalyzer(a Analyzer) Option {
	return func(p *Pipeline) { p.analyzer = a }
}

// WithMovementDetector enables movement checks on clone and access events.
func WithMovementDetector(m MovementDetector) Option {
	return func(p *Pipeline) { p.movement = m }
}

// WithTimeout bounds one ingestion. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func New(activities activity.Store, scorer Scorer, opts ...Option) *Pipeline {
	p := &Pipeline{activities: activities, scorer: scorer}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest records e and runs every configured detector on the stored event.
// Detector results gathered before a failure are returned with the error.
func (p *Pipeline) Ingest(ctx context.Context, e activity.Event) (Outcome, error) {
	stored, err := p.activities.Append(ctx, e)
	if err != nil {
		return Outcome{}, fmt.Errorf("monitor: record activity: %w", err)
	}
	out := Outcome{Event: stored}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	// Detectors share ctx but not each other's failures: one failing must not
	// cancel a containment another has already started.
	var g errgroup.Group
	g.Go(func() error {
		res, err := p.scorer.Score(ctx, stored)
		if err != nil {
			return fmt.Errorf("monitor: score %s: %w", stored.ID, err)
		}
		out.Score = res
		return nil
	})
	if p.analyzer != nil {
		g.Go(func() error {
			dets, err := p.analyzer.Analyze(ctx, stored)
			out.Behavior = dets
			if err != nil {
				return fmt.Errorf("monitor: analyze %s: %w", stored.ID, err)
			}
			return nil
		})
	}
	if req, ok := p.movementRequest(stored); ok {
		g.Go(func() error {
			res, err := p.movement.DetectUnauthorizedMovement(ctx, req)
			if err != nil {
				return fmt.Errorf("monitor: movement %s: %w", stored.ID, err)
			}
			out.Movement = &res
			return nil
		})
	}
	err = g.Wait()

	fields := map[string]any{
		"activity_id": stored.ID,
		"user_id":     stored.UserID,
		"type":        string(stored.Type),
		"anomaly":     out.Score.IsAnomaly,
		"cold_start":  out.Score.ColdStart,
		"behavior":    len(out.Behavior),
	}
	if out.Movement != nil {
		fields["movement"] = out.Movement.Detected
	}
	if err != nil {
		fields["error"] = err.Error()
		obs.Error("activity ingestion failed", fields)
		return out, err
	}
	if out.Suspicious() {
		obs.Warn("suspicious activity", fields)
	} else {
		obs.Debug("activity scored", fields)
	}
	return out, nil
}

func (p *Pipeline) movementRequest(e activity.Event) (containment.MovementRequest, bool) {
	if p.movement == nil || e.RepositoryID == "" {
		return containment.MovementRequest{}, false
	}
	if e.Type != activity.TypeClone && e.Type != activity.TypeAccess {
		return containment.MovementRequest{}, false
	}
	g, ok := e.Details.(activity.GitOperation)
	if !ok || g.RepositoryPath == "" {
		return containment.MovementRequest{}, false
	}
	return containment.MovementRequest{
		UserID:           e.UserID,
		DeviceID:         e.DeviceID,
		RepositoryID:     e.RepositoryID,
		RepositoryPath:   g.RepositoryPath,
		OriginalLocation: g.OriginalLocation,
		Operation:        e.Type,
	}, true
}
