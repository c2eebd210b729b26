package baseline

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"

	"repoguard.org/internal/faults"
)

// Kind is one of the five baseline signal types.
type Kind string

const (
	WorkingHours      Kind = "WORKING_HOURS"
	CommitVolume      Kind = "COMMIT_VOLUME"
	FileTypes         Kind = "FILE_TYPES"
	RepositoryPattern Kind = "REPOSITORY_PATTERN"
	CommandSequence   Kind = "COMMAND_SEQUENCE"
)

// Kinds lists every baseline kind in learning order.
var Kinds = []Kind{WorkingHours, CommitVolume, FileTypes, RepositoryPattern, CommandSequence}

// Thresholds are fixed per kind and never learned.
var Thresholds = map[Kind]float64{
	WorkingHours:      0.75,
	CommitVolume:      0.75,
	FileTypes:         0.8,
	RepositoryPattern: 0.7,
	CommandSequence:   0.75,
}

// ModelVersion is stamped on every learned baseline.
const ModelVersion = "1.0"

var supported = mustConstraint(">= 1.0, < 2.0")

func mustConstraint(expr string) version.Constraints {
	c, err := version.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Compatible reports whether a stored baseline's model version can be scored.
func Compatible(modelVersion string) bool {
	v, err := version.NewVersion(modelVersion)
	if err != nil {
		return false
	}
	return supported.Check(v)
}

// HourPattern is the 24-bucket activity distribution.
type HourPattern struct {
	Distribution   [24]float64 `json:"distribution"`
	PeakHours      []int       `json:"peakHours"`
	AveragePerHour float64     `json:"averagePerHour"`
}

// VolumePattern summarises daily activity volume.
type VolumePattern struct {
	AverageDaily float64 `json:"averageDaily"`
	StdDevDaily  float64 `json:"stdDevDaily"`
	MaxDaily     int     `json:"maxDaily"`
	MinDaily     int     `json:"minDaily"`
}

// Distribution is a normalised histogram with its most frequent keys.
type Distribution struct {
	Probabilities map[string]float64 `json:"probabilities"`
	Top           []string           `json:"top"`
	Unique        int                `json:"unique"`
}

// CommandPattern holds activity-type shares and frequent transitions.
type CommandPattern struct {
	TypeCounts      map[string]int `json:"typeCounts"`
	CommonSequences []string       `json:"commonSequences"`
}

// Pattern is the normal pattern of one baseline. Exactly one field is set,
// matching the baseline kind.
type Pattern struct {
	Hours        *HourPattern    `json:"hours,omitempty"`
	Volume       *VolumePattern  `json:"volume,omitempty"`
	FileTypes    *Distribution   `json:"fileTypes,omitempty"`
	Repositories *Distribution   `json:"repositories,omitempty"`
	Commands     *CommandPattern `json:"commands,omitempty"`
}

// Baseline is the stored profile for one (user, device, kind).
// DeviceID "" means the profile spans all of the user's devices.
type Baseline struct {
	ID            string
	UserID        string
	DeviceID      string
	Kind          Kind
	Pattern       Pattern
	Threshold     float64
	SampleSize    int
	ModelVersion  string
	LastTrainedAt time.Time
}

var (
	ErrInsufficientData = fmt.Errorf("baseline: %w", faults.ErrInsufficientData)
	ErrInvalidThreshold = fmt.Errorf("baseline: threshold outside (0,1]: %w", faults.ErrInvalidInput)
)

// Validate checks the threshold invariant.
func (b Baseline) Validate() error {
	if b.Threshold <= 0 || b.Threshold > 1 {
		return ErrInvalidThreshold
	}
	return nil
}
