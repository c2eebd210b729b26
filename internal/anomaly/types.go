package anomaly

import (
	"fmt"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/faults"
)

// Type names the kind of anomaly a detection describes.
type Type string

const (
	UnusualTime           Type = "UNUSUAL_TIME"
	HighFrequency         Type = "HIGH_FREQUENCY"
	UnusualRepository     Type = "UNUSUAL_REPOSITORY"
	UnusualCommandPattern Type = "UNUSUAL_COMMAND_PATTERN"
	UnusualLocation       Type = "UNUSUAL_LOCATION"
	UnusualDevice         Type = "UNUSUAL_DEVICE"
	DataExfiltration      Type = "DATA_EXFILTRATION"
)

// Source identifies which detector produced a detection.
type Source string

const (
	SourceBaseline Source = "BASELINE"
	SourceBehavior Source = "BEHAVIOR"
)

// Signal is one per-type score that exceeded its threshold.
type Signal struct {
	Kind      string  `json:"kind"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
}

// Detection is one flagged activity. Only review fields change after creation.
type Detection struct {
	ID              string
	UserID          string
	DeviceID        string
	ActivityID      string
	Type            Type
	Score           float64
	Description     string
	Source          Source
	Signals         []Signal
	IsReviewed      bool
	ReviewedBy      string
	ReviewedAt      time.Time
	IsFalsePositive bool
	CreatedAt       time.Time
}

// Severity grades the detection score.
func (d Detection) Severity() activity.RiskLevel { return SeverityOf(d.Score) }

// ResponseType is one automated action taken for an anomaly.
type ResponseType string

const (
	SuspendRepo ResponseType = "SUSPEND_REPO"
	EncryptRepo ResponseType = "ENCRYPT_REPO"
	NotifyAdmin ResponseType = "NOTIFY_ADMIN"
	AlertOnly   ResponseType = "ALERT_ONLY"
)

// Describe returns the operator-facing wording of the action.
func (r ResponseType) Describe() string {
	switch r {
	case SuspendRepo:
		return "Repository access suspended temporarily"
	case EncryptRepo:
		return "Repository encrypted automatically"
	case NotifyAdmin:
		return "Administrator notified"
	case AlertOnly:
		return "Alert generated - monitoring continued"
	}
	return "Unknown action"
}

// ResponseStatus tracks execution of a Response.
type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "PENDING"
	ResponseExecuted ResponseStatus = "EXECUTED"
	ResponseFailed   ResponseStatus = "FAILED"
)

// Response records one automated action against a detection.
type Response struct {
	ID          string
	DetectionID string
	ActivityID  string
	Type        ResponseType
	Status      ResponseStatus
	ExecutedBy  string
	Error       string
	CreatedAt   time.Time
	ExecutedAt  time.Time
}

var (
	ErrNotFound        = fmt.Errorf("anomaly: detection %w", faults.ErrNotFound)
	ErrAlreadyReviewed = fmt.Errorf("anomaly: detection reviewed: %w", faults.ErrAlreadyInState)
)

// SeverityOf maps a score in [0,1] onto a risk level.
func SeverityOf(score float64) activity.RiskLevel {
	switch {
	case score >= 0.9:
		return activity.RiskCritical
	case score >= 0.8:
		return activity.RiskHigh
	case score >= 0.6:
		return activity.RiskMedium
	default:
		return activity.RiskLow
	}
}

// ScoreBand returns the [lo, hi) score range of a severity.
func ScoreBand(sev activity.RiskLevel) (float64, float64) {
	switch sev {
	case activity.RiskLow:
		return 0, 0.6
	case activity.RiskMedium:
		return 0.6, 0.8
	case activity.RiskHigh:
		return 0.8, 0.9
	case activity.RiskCritical:
		return 0.9, 1.0000001
	}
	return 0, 1.0000001
}

// Plan returns the graduated responses for a severity. Only critical
// detections contain the repository.
func Plan(sev activity.RiskLevel) []ResponseType {
	switch sev {
	case activity.RiskCritical:
		return []ResponseType{SuspendRepo, EncryptRepo, NotifyAdmin}
	case activity.RiskHigh:
		return []ResponseType{AlertOnly, NotifyAdmin}
	default:
		return []ResponseType{AlertOnly}
	}
}
