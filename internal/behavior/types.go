package behavior

import (
	"fmt"
	"time"

	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/faults"
)

// PatternType names one behavioral signal.
type PatternType string

const (
	AccessTime       PatternType = "ACCESS_TIME"
	CommandFrequency PatternType = "GIT_COMMAND_FREQUENCY"
	RepositoryAccess PatternType = "REPOSITORY_ACCESS"
	LocationPattern  PatternType = "LOCATION_PATTERN"
	DeviceUsage      PatternType = "DEVICE_USAGE"
)

const (
	defaultThreshold = 0.8
	defaultFrequency = 10.0
	profileSample    = 1000
)

// PatternTypes lists every signal in evaluation order.
var PatternTypes = []PatternType{AccessTime, CommandFrequency, RepositoryAccess, LocationPattern, DeviceUsage}

// AnomalyType maps a pattern onto the detection type it produces.
func (p PatternType) AnomalyType() anomaly.Type {
	switch p {
	case AccessTime:
		return anomaly.UnusualTime
	case CommandFrequency:
		return anomaly.HighFrequency
	case RepositoryAccess:
		return anomaly.UnusualRepository
	case LocationPattern:
		return anomaly.UnusualLocation
	case DeviceUsage:
		return anomaly.UnusualDevice
	}
	return anomaly.UnusualCommandPattern
}

// Profile is the rolling normal behavior of a user. Zero-valued fields are
// unknown rather than empty.
type Profile struct {
	CommonHours        []int    `json:"commonHours,omitempty"`
	AverageFrequency   float64  `json:"averageFrequency,omitempty"`
	CommonRepositories []string `json:"commonRepositories,omitempty"`
	CommonLocations    []string `json:"commonLocations,omitempty"`
	CommonDevices      []string `json:"commonDevices,omitempty"`
}

// Merge overlays the known fields of next onto p.
func (p Profile) Merge(next Profile) Profile {
	if next.CommonHours != nil {
		p.CommonHours = append([]int(nil), next.CommonHours...)
	}
	if next.AverageFrequency != 0 {
		p.AverageFrequency = next.AverageFrequency
	}
	if next.CommonRepositories != nil {
		p.CommonRepositories = append([]string(nil), next.CommonRepositories...)
	}
	if next.CommonLocations != nil {
		p.CommonLocations = append([]string(nil), next.CommonLocations...)
	}
	if next.CommonDevices != nil {
		p.CommonDevices = append([]string(nil), next.CommonDevices...)
	}
	return p
}

// slice keeps only the fields a pattern type reads.
func (p Profile) slice(t PatternType) Profile {
	switch t {
	case AccessTime:
		return Profile{CommonHours: p.CommonHours}
	case CommandFrequency:
		return Profile{AverageFrequency: p.AverageFrequency}
	case RepositoryAccess:
		return Profile{CommonRepositories: p.CommonRepositories}
	case LocationPattern:
		return Profile{CommonLocations: p.CommonLocations}
	case DeviceUsage:
		return Profile{CommonDevices: p.CommonDevices}
	}
	return Profile{}
}

// Pattern is one stored BehavioralPattern row. DeviceID "" spans all devices.
type Pattern struct {
	ID          string
	UserID      string
	DeviceID    string
	Type        PatternType
	Normal      Profile
	Threshold   float64
	LastUpdated time.Time
}

// Window is a summary period.
type Window string

const (
	Day   Window = "24h"
	Week  Window = "7d"
	Month Window = "30d"
)

// Duration returns the length of the window; unknown windows default to a week.
func (w Window) Duration() time.Duration {
	switch w {
	case Day:
		return 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// Summary aggregates a user's detections over a window.
type Summary struct {
	Window     Window
	Total      int
	ByType     map[anomaly.Type]int
	HighRisk   int
	Unreviewed int
}

var ErrNoActivity = fmt.Errorf("behavior: no activity to profile: %w", faults.ErrInsufficientData)
