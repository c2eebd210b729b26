package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"repoguard.org/internal/faults"
)

// Severity of an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Type classifies the condition an alert reports.
type Type string

const (
	TypeRepoCopyDetected   Type = "REPO_COPY_DETECTED"
	TypeUnauthorizedDevice Type = "UNAUTHORIZED_DEVICE"
	TypeSuspiciousActivity Type = "SUSPICIOUS_ACTIVITY"
	TypeIntegrityViolation Type = "INTEGRITY_VIOLATION"
	TypeHighRiskUser       Type = "HIGH_RISK_USER"
	TypeTokenRotated       Type = "TOKEN_ROTATED"
	TypeTokenCompromised   Type = "TOKEN_COMPROMISED"
	TypeContainmentFailure Type = "CONTAINMENT_FAILURE"
)

// Containable reports whether alerts of this type may trigger repository containment.
func (t Type) Containable() bool {
	switch t {
	case TypeRepoCopyDetected, TypeUnauthorizedDevice, TypeSuspiciousActivity, TypeIntegrityViolation:
		return true
	}
	return false
}

// Details is the typed payload of an alert.
type Details interface {
	detailsKind() string
}

// Repository details identify the repository an alert is about.
type Repository struct {
	RepositoryID   string   `json:"repositoryId"`
	RepositoryPath string   `json:"repositoryPath"`
	Reason         string   `json:"reason,omitempty"`
	Indicators     []string `json:"indicators,omitempty"`
	RiskLevel      string   `json:"riskLevel,omitempty"`
	AnomalyScore   float64  `json:"anomalyScore,omitempty"`
	IncidentID     string   `json:"incidentId,omitempty"`
}

// Token details reference a vaulted credential.
type Token struct {
	TokenID string `json:"tokenId"`
	Reason  string `json:"reason"`
}

// Risk details carry a developer risk evaluation.
type Risk struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
	Status string `json:"status"`
}

// Other carries uninterpreted details.
type Other map[string]string

func (Repository) detailsKind() string { return "repository" }
func (Token) detailsKind() string      { return "token" }
func (Risk) detailsKind() string       { return "risk" }
func (Other) detailsKind() string      { return "other" }

// EncryptionDetails annotates an alert whose repository was contained.
type EncryptionDetails struct {
	IncidentID     string    `json:"incidentId"`
	RepositoryID   string    `json:"repositoryId"`
	RepositoryPath string    `json:"repositoryPath"`
	EncryptedFiles int       `json:"encryptedFiles"`
	SkippedFiles   int       `json:"skippedFiles"`
	EncryptedAt    time.Time `json:"encryptedAt"`
}

// Alert is an operator-facing notification of a security condition.
type Alert struct {
	ID            string
	ActivityID    string
	UserID        string
	Type          Type
	Severity      Severity
	Message       string
	Details       Details
	Resolved      bool
	ResolvedBy    string
	ResolvedAt    time.Time
	Notified      bool
	NotifiedAt    time.Time
	AutoEncrypted bool
	Encryption    *EncryptionDetails
	CreatedAt     time.Time
}

// Repository returns the repository details when the alert carries them.
func (a Alert) Repository() (Repository, bool) {
	r, ok := a.Details.(Repository)
	if !ok || r.RepositoryID == "" {
		return Repository{}, false
	}
	return r, true
}

// RepositoryID is the referenced repository or "".
func (a Alert) RepositoryID() string {
	r, _ := a.Repository()
	return r.RepositoryID
}

// SecurityLog is a persistent security event record paired with some alerts.
type SecurityLog struct {
	ID        string
	UserID    string
	Event     string
	Severity  Severity
	Message   string
	Details   map[string]string
	CreatedAt time.Time
}

var ErrNotFound = fmt.Errorf("alert: %w", faults.ErrNotFound)

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDetails encodes d with its variant tag.
func MarshalDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: d.detailsKind(), Data: data})
}

// UnmarshalDetails decodes a payload produced by MarshalDetails.
func UnmarshalDetails(raw []byte) (Details, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var (
		d   Details
		err error
	)
	switch env.Kind {
	case "repository":
		var v Repository
		err = json.Unmarshal(env.Data, &v)
		d = v
	case "token":
		var v Token
		err = json.Unmarshal(env.Data, &v)
		d = v
	case "risk":
		var v Risk
		err = json.Unmarshal(env.Data, &v)
		d = v
	case "other":
		var v Other
		err = json.Unmarshal(env.Data, &v)
		d = v
	default:
		return nil, fmt.Errorf("alert: unknown details kind %q", env.Kind)
	}
	return d, err
}
