package containment

import (
	"fmt"

	"repoguard.org/internal/faults"
)

// Status is the security status of a repository.
type Status string

const (
	StatusSecure      Status = "SECURE"
	StatusWarning     Status = "WARNING"
	StatusEncrypted   Status = "ENCRYPTED"
	StatusCompromised Status = "COMPROMISED"
)

// Event drives the repository state machine.
type Event string

const (
	EventSuspend  Event = "suspend"
	EventEncrypt  Event = "encrypt"
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventTamper   Event = "tamper"
	EventOverride Event = "override"
)

type edge struct {
	from Status
	ev   Event
}

var transitions = map[edge]Status{
	{StatusSecure, EventSuspend}:       StatusWarning,
	{StatusSecure, EventEncrypt}:       StatusEncrypted,
	{StatusWarning, EventEncrypt}:      StatusEncrypted,
	{StatusCompromised, EventEncrypt}:  StatusCompromised,
	{StatusEncrypted, EventApprove}:    StatusSecure,
	{StatusEncrypted, EventReject}:     StatusCompromised,
	{StatusSecure, EventTamper}:        StatusCompromised,
	{StatusWarning, EventTamper}:       StatusCompromised,
	{StatusEncrypted, EventTamper}:     StatusCompromised,
	{StatusCompromised, EventOverride}: StatusSecure,
}

var (
	ErrInvalidTransition = fmt.Errorf("containment: invalid transition: %w", faults.ErrConflict)
	ErrAlreadyContained  = fmt.Errorf("containment: repository already contained: %w", faults.ErrAlreadyInState)
)

// Next returns the status reached from "from" on ev.
func Next(from Status, ev Event) (Status, error) {
	if from == "" {
		from = StatusSecure
	}
	if to, ok := transitions[edge{from, ev}]; ok {
		return to, nil
	}
	switch {
	case ev == EventEncrypt && from == StatusEncrypted,
		ev == EventSuspend && from != StatusSecure,
		ev == EventTamper && from == StatusCompromised:
		return from, ErrAlreadyContained
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}
