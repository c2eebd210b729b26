package sim

import "repoguard.org/internal/activity"

// Counter tallies generated or ingested activity.
type Counter struct {
	Events     int
	Suspicious int
	ByType     map[activity.Type]int
}

func (c *Counter) Add(e activity.Event, suspicious bool) {
	if c.ByType == nil {
		c.ByType = make(map[activity.Type]int)
	}
	c.Events++
	c.ByType[e.Type]++
	if suspicious {
		c.Suspicious++
	}
}

func (c Counter) SuspiciousRatio() float64 {
	if c.Events == 0 {
		return 0
	}
	return float64(c.Suspicious) / float64(c.Events)
}
