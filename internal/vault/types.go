// Package vault keeps long-lived git access tokens encrypted at rest and
// rotates them on schedule or when their use looks compromised.
package vault

import (
	"fmt"
	"time"

	"repoguard.org/internal/faults"
)

// Access log actions.
const (
	ActionCreated  = "TOKEN_CREATED"
	ActionAccessed = "TOKEN_ACCESSED"
	ActionDenied   = "TOKEN_ACCESS_DENIED"
)

// Rotation reasons.
const (
	ReasonScheduled  = "SCHEDULED"
	ReasonManual     = "MANUAL"
	ReasonSuspicious = "SUSPICIOUS_ACTIVITY"
)

// Suspicious usage thresholds over the trailing window.
const (
	maxIPs          = 5
	maxDevices      = 3
	maxUnauthorized = 5
	usageWindow     = 24 * time.Hour
)

// Token is a vaulted credential. The payload key is stored wrapped by the
// vault master key; plaintext never leaves Reveal and Rotate.
type Token struct {
	ID            string
	UserID        string
	DeviceID      string
	Name          string
	Type          string
	Ciphertext    []byte
	WrappedKey    []byte
	Scope         []string
	RotationDays  int
	NextRotation  time.Time
	LastRotated   time.Time
	LastUsed      time.Time
	RotationCount int
	AccessCount   int
	IsActive      bool
	IsCompromised bool
	CompromisedAt time.Time
	RevokedAt     time.Time
	CreatedAt     time.Time
}

// AccessLog records one use or attempted use of a token.
type AccessLog struct {
	ID         string
	TokenID    string
	DeviceID   string
	IPAddress  string
	Location   string
	Action     string
	Authorized bool
	Timestamp  time.Time
}

// Rotation records a rotation by token hashes, never plaintext.
type Rotation struct {
	ID        string
	TokenID   string
	OldHash   string
	NewHash   string
	Reason    string
	RotatedBy string
	DeviceID  string
	RotatedAt time.Time
}

// CreateRequest describes a token to vault.
type CreateRequest struct {
	UserID       string
	DeviceID     string
	Name         string
	Type         string
	Value        string
	RotationDays int
	Scope        []string
}

// Revealed is a decrypted token handed to its owner.
type Revealed struct {
	Value string
	Name  string
	Type  string
	Scope []string
}

// Rotated is the result of a rotation. NewValue is returned once and never
// stored.
type Rotated struct {
	TokenID      string
	Name         string
	NewValue     string
	NextRotation time.Time
}

// SweepItem is the outcome for one token of RotateDue.
type SweepItem struct {
	TokenID string
	Name    string
	OK      bool
	Error   string
}

// Usage is the outcome of the suspicious usage detector.
type Usage struct {
	Suspicious   bool
	Rotated      bool
	IPs          int
	Devices      int
	Unauthorized int
}

// Activity summarises recent access logs of a token.
type Activity struct {
	Total        int
	IPs          int
	Devices      int
	Unauthorized int
	Daily        map[string]int
	Recent       []AccessLog
}

// Stats summarises the vault.
type Stats struct {
	Total           int
	Active          int
	Compromised     int
	PendingRotation int
}

var (
	ErrNotFound     = fmt.Errorf("vault: token %w", faults.ErrNotFound)
	ErrRevoked      = fmt.Errorf("vault: token revoked: %w", faults.ErrConflict)
	ErrNotOwner     = fmt.Errorf("vault: token belongs to another user: %w", faults.ErrUnauthorized)
	ErrInvalidInput = fmt.Errorf("vault: user id, name and value are required: %w", faults.ErrInvalidInput)
)
