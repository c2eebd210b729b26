package anomaly

import (
	"slices"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/baseline"
)

// rare is the probability under which a value counts as never seen.
const rare = 0.01

// commitVolumeScore is the fixed per-event volume score; volume spikes are
// scored by the risk aggregator instead.
const commitVolumeScore = 0.1

// ScoreSignal scores e against one baseline, returning a value in [0,1].
func ScoreSignal(b baseline.Baseline, e activity.Event, loc *time.Location) float64 {
	p := b.Pattern
	switch b.Kind {
	case baseline.WorkingHours:
		if p.Hours == nil {
			return 0
		}
		hour := e.Timestamp.In(loc).Hour()
		if slices.Contains(p.Hours.PeakHours, hour) {
			return 0
		}
		prob := p.Hours.Distribution[hour]
		if prob < rare {
			return 0.9
		}
		return clamp(1 - prob*10)
	case baseline.CommitVolume:
		return commitVolumeScore
	case baseline.FileTypes:
		files := e.Files()
		if p.FileTypes == nil || len(files) == 0 {
			return 0
		}
		unknown := 0
		for _, f := range files {
			if !slices.Contains(p.FileTypes.Top, baseline.Extension(f)) {
				unknown++
			}
		}
		return clamp(float64(unknown) / float64(len(files)))
	case baseline.RepositoryPattern:
		if p.Repositories == nil || e.RepositoryID == "" {
			return 0
		}
		if p.Repositories.Probabilities[e.RepositoryID] < rare {
			return 0.8
		}
		return 0
	case baseline.CommandSequence:
		if p.Commands == nil {
			return 0
		}
		total := 0
		for _, c := range p.Commands.TypeCounts {
			total += c
		}
		if total == 0 {
			return 0
		}
		if float64(p.Commands.TypeCounts[string(e.Type)])/float64(total) < rare {
			return 0.7
		}
		return 0
	}
	return 0
}

// TypeOf derives the detection type from the exceeding signals.
func TypeOf(signals []Signal) Type {
	has := func(k baseline.Kind) bool {
		for _, s := range signals {
			if s.Kind == string(k) {
				return true
			}
		}
		return false
	}
	switch {
	case has(baseline.WorkingHours):
		return UnusualTime
	case has(baseline.CommitVolume):
		return HighFrequency
	case has(baseline.RepositoryPattern):
		return UnusualRepository
	case has(baseline.CommandSequence):
		return UnusualCommandPattern
	}
	return DataExfiltration
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
