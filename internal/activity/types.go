package activity

import (
	"fmt"
	"time"

	"repoguard.org/internal/faults"
	"repoguard.org/internal/ids"
)

// Type enumerates device-originated git activity.
type Type string

const (
	TypeClone              Type = "CLONE"
	TypePull               Type = "PULL"
	TypePush               Type = "PUSH"
	TypeCommit             Type = "COMMIT"
	TypeCheckout           Type = "CHECKOUT"
	TypeAccess             Type = "ACCESS"
	TypeUnauthorizedAccess Type = "UNAUTHORIZED_ACCESS"
	TypeLogin              Type = "LOGIN"
	TypeLogout             Type = "LOGOUT"
)

// Valid reports whether t is a known activity type.
func (t Type) Valid() bool {
	switch t {
	case TypeClone, TypePull, TypePush, TypeCommit, TypeCheckout,
		TypeAccess, TypeUnauthorizedAccess, TypeLogin, TypeLogout:
		return true
	}
	return false
}

// RiskLevel grades an activity or detection.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Event is an immutable record of one device action against a repository.
// Only IsSuspicious and RiskLevel change after creation.
type Event struct {
	ID           string
	UserID       string
	DeviceID     string
	Type         Type
	RepositoryID string
	Branch       string
	CommitHash   string
	IPAddress    string
	Location     string
	Details      Details
	Timestamp    time.Time
	IsSuspicious bool
	RiskLevel    RiskLevel
}

var (
	ErrNotFound     = fmt.Errorf("activity: %w", faults.ErrNotFound)
	ErrInvalidEvent = fmt.Errorf("activity: %w", faults.ErrInvalidInput)
)

// Normalize fills defaults and validates required fields.
func (e *Event) Normalize(now time.Time) error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.RiskLevel == "" {
		e.RiskLevel = RiskLow
	}
	return nil
}

// Files returns the paths touched by a git operation, if any.
func (e Event) Files() []string {
	if g, ok := e.Details.(GitOperation); ok {
		return g.Files
	}
	return nil
}

// RepositoryPath returns the on-disk location the event refers to, if known.
func (e Event) RepositoryPath() string {
	switch d := e.Details.(type) {
	case GitOperation:
		return d.RepositoryPath
	case UnauthorizedAccess:
		return d.RepositoryPath
	case Other:
		return d["repositoryPath"]
	}
	return ""
}
