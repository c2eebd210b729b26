package behavior

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/obs"
)

const (
	commonHourCount     = 8
	commonRepoCount     = 10
	commonLocationCount = 5
	commonDeviceCount   = 5
	hourDistanceFloor   = 4
)

// Detector is the profile-based detector that runs beside the baseline
// scorer. It has no multi-signal gate: any pattern over its threshold
// produces a detection.
type Detector struct {
	activities activity.Store
	patterns   Store
	detections anomaly.Store
	loc        *time.Location
	now        func() time.Time
}

// Option configures Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(d *Detector) {
		if fn != nil {
			d.now = fn
		}
	}
}

// WithLocation sets the timezone hours are read in.
func WithLocation(loc *time.Location) Option {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

func NewDetector(activities activity.Store, patterns Store, detections anomaly.Store, opts ...Option) *Detector {
	d := &Detector{
		activities: activities,
		patterns:   patterns,
		detections: detections,
		loc:        time.UTC,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BuildProfile derives the user's profile from their most recent activity
// and merges it into the stored patterns.
func (d *Detector) BuildProfile(ctx context.Context, userID string) (Profile, error) {
	events, err := d.activities.List(ctx, activity.Query{UserID: userID, Limit: profileSample})
	if err != nil {
		return Profile{}, fmt.Errorf("behavior: load activity: %w", err)
	}
	if len(events) == 0 {
		return Profile{}, ErrNoActivity
	}
	hours := make(map[int]int)
	repos := make(map[string]int)
	locations := make(map[string]int)
	devices := make(map[string]int)
	days := make(map[string]struct{})
	for _, e := range events {
		t := e.Timestamp.In(d.loc)
		hours[t.Hour()]++
		days[e.Timestamp.UTC().Format(time.DateOnly)] = struct{}{}
		if e.RepositoryID != "" {
			repos[e.RepositoryID]++
		}
		if e.Location != "" {
			locations[e.Location]++
		}
		if e.DeviceID != "" {
			devices[e.DeviceID]++
		}
	}
	profile := Profile{
		CommonHours:        topHours(hours, commonHourCount),
		AverageFrequency:   float64(len(events)) / float64(len(days)),
		CommonRepositories: top(repos, commonRepoCount),
		CommonLocations:    top(locations, commonLocationCount),
		CommonDevices:      top(devices, commonDeviceCount),
	}
	for _, t := range PatternTypes {
		prev, ok, err := d.patterns.Get(ctx, userID, "", t)
		if err != nil {
			return Profile{}, fmt.Errorf("behavior: load %s: %w", t, err)
		}
		p := Pattern{UserID: userID, Type: t, Threshold: defaultThreshold, Normal: profile.slice(t), LastUpdated: d.now()}
		if ok {
			p.ID = prev.ID
			p.Threshold = prev.Threshold
			p.Normal = prev.Normal.Merge(p.Normal)
		}
		if _, err := d.patterns.Upsert(ctx, p); err != nil {
			return Profile{}, fmt.Errorf("behavior: store %s: %w", t, err)
		}
	}
	return profile, nil
}

// Analyze scores e against every stored pattern of its user and records a
// detection for each pattern whose score exceeds the pattern threshold.
func (d *Detector) Analyze(ctx context.Context, e activity.Event) ([]anomaly.Detection, error) {
	patterns, err := d.patterns.ForUser(ctx, e.UserID)
	if err != nil {
		return nil, fmt.Errorf("behavior: load patterns: %w", err)
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	recent, err := d.activities.List(ctx, activity.Query{UserID: e.UserID, Since: e.Timestamp.Add(-24 * time.Hour), Until: e.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("behavior: load recent activity: %w", err)
	}
	var out []anomaly.Detection
	for _, p := range patterns {
		score := Score(p.Type, p.Normal, e, len(recent), d.loc)
		if score <= p.Threshold {
			continue
		}
		typ := p.Type.AnomalyType()
		det, err := d.detections.CreateDetection(ctx, anomaly.Detection{
			UserID:      e.UserID,
			DeviceID:    e.DeviceID,
			ActivityID:  e.ID,
			Type:        typ,
			Score:       score,
			Description: describe(typ, score, e),
			Source:      anomaly.SourceBehavior,
			Signals:     []anomaly.Signal{{Kind: string(p.Type), Score: score, Threshold: p.Threshold}},
			CreatedAt:   d.now(),
		})
		if err != nil {
			return out, fmt.Errorf("behavior: record detection: %w", err)
		}
		obs.BehaviorDetections.WithLabelValues(string(p.Type)).Inc()
		out = append(out, det)
	}
	return out, nil
}

// Summary counts a user's detections, from either detector, within w.
func (d *Detector) Summary(ctx context.Context, userID string, w Window) (Summary, error) {
	dets, err := d.detections.ListDetections(ctx, anomaly.Filter{UserID: userID, Since: d.now().Add(-w.Duration())})
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Window: w, Total: len(dets), ByType: make(map[anomaly.Type]int)}
	for _, det := range dets {
		s.ByType[det.Type]++
		if det.Score > 0.9 {
			s.HighRisk++
		}
		if !det.IsReviewed {
			s.Unreviewed++
		}
	}
	return s, nil
}

// Score rates e against one pattern's normal profile in [0,1]. recent is
// the user's activity count over the preceding 24 hours.
func Score(t PatternType, normal Profile, e activity.Event, recent int, loc *time.Location) float64 {
	var score float64
	switch t {
	case AccessTime:
		if len(normal.CommonHours) == 0 {
			return 0
		}
		hour := e.Timestamp.In(loc).Hour()
		nearest := 24
		for _, h := range normal.CommonHours {
			diff := h - hour
			if diff < 0 {
				diff = -diff
			}
			nearest = min(nearest, diff, 24-diff)
		}
		if nearest > hourDistanceFloor {
			score = float64(nearest) / 12
		}
	case CommandFrequency:
		avg := normal.AverageFrequency
		if avg == 0 {
			avg = defaultFrequency
		}
		score = math.Abs(float64(recent)-avg) / avg
	case RepositoryAccess:
		if len(normal.CommonRepositories) > 0 && !slices.Contains(normal.CommonRepositories, e.RepositoryID) {
			score = 0.9
		}
	case LocationPattern:
		if e.Location != "" && len(normal.CommonLocations) > 0 && !slices.Contains(normal.CommonLocations, e.Location) {
			score = 0.85
		}
	case DeviceUsage:
		if len(normal.CommonDevices) > 0 && !slices.Contains(normal.CommonDevices, e.DeviceID) {
			score = 0.95
		}
	}
	return math.Min(score, 1)
}

func describe(t anomaly.Type, score float64, e activity.Event) string {
	pct := fmt.Sprintf("%.0f", score*100)
	switch t {
	case anomaly.UnusualTime:
		return "Access at unusual time (" + pct + "% anomaly)"
	case anomaly.HighFrequency:
		return "Unusually high activity frequency (" + pct + "% anomaly)"
	case anomaly.UnusualRepository:
		return "Access to unusual repository: " + e.RepositoryID
	case anomaly.UnusualLocation:
		return "Access from unusual location: " + e.Location
	case anomaly.UnusualDevice:
		return "Activity from unusual device"
	}
	return "Anomalous behavior detected (" + pct + "%)"
}

func topHours(counts map[int]int, n int) []int {
	hours := make([]int, 0, len(counts))
	for h := range counts {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		if counts[hours[i]] == counts[hours[j]] {
			return hours[i] < hours[j]
		}
		return counts[hours[i]] > counts[hours[j]]
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

func top(counts map[string]int, n int) []string {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] == counts[keys[j]] {
			return keys[i] < keys[j]
		}
		return counts[keys[i]] > counts[keys[j]]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
