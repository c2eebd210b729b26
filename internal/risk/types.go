// Package risk rolls a developer's recent activity and anomaly history up
// into a 0-100 risk score.
package risk

import (
	"fmt"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/faults"
)

// Status is the tier of a risk score.
type Status string

const (
	StatusNormal     Status = "NORMAL"
	StatusElevated   Status = "ELEVATED"
	StatusHigh       Status = "HIGH"
	StatusUnderWatch Status = "UNDER_WATCH"
	StatusCritical   Status = "CRITICAL"
)

// Tier maps a score onto its status.
func Tier(score int) Status {
	switch {
	case score >= 85:
		return StatusCritical
	case score >= 70:
		return StatusUnderWatch
	case score >= 50:
		return StatusHigh
	case score >= 30:
		return StatusElevated
	}
	return StatusNormal
}

// AlertRecord is one entry of a score's alert history.
type AlertRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason"`
	Triggered bool      `json:"triggered"`
}

// Recommendation is an operator action suggested by an evaluation.
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

// AccessPatterns summarises when, where and how a developer works.
type AccessPatterns struct {
	ActiveHours        map[int]int           `json:"activeHours"`
	ActiveRepositories map[string]int        `json:"activeRepositories"`
	Types              map[activity.Type]int `json:"types"`
	Locations          int                   `json:"locations"`
}

// Score is the persisted evaluation of one developer. It is replaced
// wholesale on every evaluation.
type Score struct {
	UserID          string
	Score           int
	Status          Status
	CloneFrequency  int
	PushFrequency   int
	AnomalyCount    int
	AccessPatterns  AccessPatterns
	WatchStatus     bool
	AlertHistory    []AlertRecord
	Recommendations []Recommendation
	LastEvaluated   time.Time
}

// Inputs are the counters a score is computed from.
type Inputs struct {
	Clones       int
	Pushes       int
	Suspicious   int
	Anomalies    int
	OffHours     int
	IPs          int
	Repositories int
	Spikes       int
}

// Filter narrows score listings. Zero fields do not filter.
type Filter struct {
	MinScore int
	Status   Status
	Watch    *bool
}

// Stats summarises all stored scores.
type Stats struct {
	Total      int
	Critical   int
	UnderWatch int
	High       int
	Normal     int
	Average    float64
}

var ErrNotFound = fmt.Errorf("risk: score %w", faults.ErrNotFound)
