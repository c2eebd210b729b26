package baseline

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/obs"
)

const (
	learningWindow = 60 * 24 * time.Hour
	minSamples     = 10
	peakHourCount  = 8
	topKeys        = 10
)

// Result summarises one learning run.
type Result struct {
	Baselines  int
	SampleSize int
}

// Learner builds baselines from recent non-suspicious activity.
type Learner struct {
	activities activity.Store
	store      Store
	now        func() time.Time
	loc        *time.Location
}

// Option configures Learner.
type Option func(*Learner)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Learner) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLocation sets the timezone hours are bucketed in.
func WithLocation(loc *time.Location) Option {
	return func(l *Learner) {
		if loc != nil {
			l.loc = loc
		}
	}
}

func NewLearner(activities activity.Store, store Store, opts ...Option) *Learner {
	l := &Learner{
		activities: activities,
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
		loc:        time.UTC,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Location is the timezone the learner buckets hours in.
func (l *Learner) Location() *time.Location { return l.loc }

// Learn recomputes all five baselines for (userID, deviceID). With fewer
// than ten qualifying events it returns ErrInsufficientData and writes nothing.
func (l *Learner) Learn(ctx context.Context, userID, deviceID string) (Result, error) {
	events, err := l.activities.List(ctx, activity.Query{
		UserID:    userID,
		DeviceID:  deviceID,
		Since:     l.now().Add(-learningWindow),
		Suspicion: activity.ExcludeSuspicious,
	})
	if err != nil {
		return Result{}, fmt.Errorf("baseline: load activity: %w", err)
	}
	if len(events) < minSamples {
		return Result{SampleSize: len(events)}, fmt.Errorf("%w: %d of %d samples", ErrInsufficientData, len(events), minSamples)
	}

	trained := l.now()
	patterns := map[Kind]Pattern{
		WorkingHours:      {Hours: HoursOf(events, l.loc)},
		CommitVolume:      {Volume: VolumeOf(events)},
		FileTypes:         {FileTypes: FileTypesOf(events)},
		RepositoryPattern: {Repositories: RepositoriesOf(events)},
		CommandSequence:   {Commands: CommandsOf(events)},
	}
	bs := make([]Baseline, 0, len(Kinds))
	for _, k := range Kinds {
		bs = append(bs, Baseline{
			UserID:        userID,
			DeviceID:      deviceID,
			Kind:          k,
			Pattern:       patterns[k],
			Threshold:     Thresholds[k],
			SampleSize:    len(events),
			ModelVersion:  ModelVersion,
			LastTrainedAt: trained,
		})
	}
	if err := l.store.Upsert(ctx, bs); err != nil {
		return Result{}, fmt.Errorf("baseline: store: %w", err)
	}
	obs.Info("baseline learned", map[string]any{"user_id": userID, "device_id": deviceID, "samples": len(events)})
	return Result{Baselines: len(bs), SampleSize: len(events)}, nil
}

// HoursOf builds the hour-of-day distribution in loc.
func HoursOf(events []activity.Event, loc *time.Location) *HourPattern {
	var counts [24]int
	for _, e := range events {
		counts[e.Timestamp.In(loc).Hour()]++
	}
	p := &HourPattern{AveragePerHour: float64(len(events)) / 24}
	for h, c := range counts {
		if len(events) > 0 {
			p.Distribution[h] = float64(c) / float64(len(events))
		}
	}
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	sort.SliceStable(hours, func(i, j int) bool { return counts[hours[i]] > counts[hours[j]] })
	for _, h := range hours[:peakHourCount] {
		if counts[h] > 0 {
			p.PeakHours = append(p.PeakHours, h)
		}
	}
	sort.Ints(p.PeakHours)
	return p
}

// VolumeOf summarises events per UTC calendar day.
func VolumeOf(events []activity.Event) *VolumePattern {
	daily := map[string]int{}
	for _, e := range events {
		daily[e.Timestamp.UTC().Format("2006-01-02")]++
	}
	p := &VolumePattern{}
	if len(daily) == 0 {
		return p
	}
	p.MinDaily = math.MaxInt
	sum := 0
	for _, v := range daily {
		sum += v
		p.MaxDaily = max(p.MaxDaily, v)
		p.MinDaily = min(p.MinDaily, v)
	}
	p.AverageDaily = float64(sum) / float64(len(daily))
	var sq float64
	for _, v := range daily {
		d := float64(v) - p.AverageDaily
		sq += d * d
	}
	p.StdDevDaily = math.Sqrt(sq / float64(len(daily)))
	return p
}

// FileTypesOf builds the extension histogram of touched files.
func FileTypesOf(events []activity.Event) *Distribution {
	counts := map[string]int{}
	for _, e := range events {
		for _, f := range e.Files() {
			counts[Extension(f)]++
		}
	}
	return distribution(counts)
}

// RepositoriesOf builds the repository histogram.
func RepositoriesOf(events []activity.Event) *Distribution {
	counts := map[string]int{}
	for _, e := range events {
		if e.RepositoryID != "" {
			counts[e.RepositoryID]++
		}
	}
	return distribution(counts)
}

// CommandsOf counts activity types and consecutive type transitions.
func CommandsOf(events []activity.Event) *CommandPattern {
	types := map[string]int{}
	seqs := map[string]int{}
	for i, e := range events {
		types[string(e.Type)]++
		if i > 0 {
			seqs[string(events[i-1].Type)+"->"+string(e.Type)]++
		}
	}
	return &CommandPattern{TypeCounts: types, CommonSequences: topN(seqs, topKeys)}
}

// Extension returns the lower-cased extension of name without the dot, or
// "no-ext".
func Extension(name string) string {
	ext := strings.TrimPrefix(path.Ext(strings.ReplaceAll(name, "\\", "/")), ".")
	if ext == "" {
		return "no-ext"
	}
	return strings.ToLower(ext)
}

func distribution(counts map[string]int) *Distribution {
	d := &Distribution{Probabilities: make(map[string]float64, len(counts)), Unique: len(counts)}
	total := 0
	for _, c := range counts {
		total += c
	}
	for k, c := range counts {
		d.Probabilities[k] = float64(c) / float64(total)
	}
	d.Top = topN(counts, topKeys)
	return d
}

// topN returns the n most frequent keys, ties broken by key.
func topN(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
