package auth

import "time"

// Roles recognised by the containment core.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
)

// Device approval states.
const (
	DeviceApproved = "APPROVED"
	DevicePending  = "PENDING"
	DeviceRevoked  = "REVOKED"
)

// User is a developer or operator known to the organization directory.
type User struct {
	ID       string
	Email    string
	Name     string
	Role     string
	IsActive bool
}

// IsAdmin reports whether the user may take manual verification decisions.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Device is a developer machine registered for repository access.
type Device struct {
	ID         string
	UserID     string
	Name       string
	Status     string
	LastSeenAt time.Time
}
