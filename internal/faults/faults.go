// Package faults holds the error taxonomy shared by the detection and
// containment core.
package faults

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyInState     = errors.New("already in state")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrEncryption         = errors.New("encryption failure")
	ErrDecryption         = errors.New("decryption failure")
	ErrInconsistentState  = errors.New("inconsistent state")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
)

// Code maps an error onto the gRPC code external callers should see.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, ErrInsufficientData):
		return codes.FailedPrecondition
	case errors.Is(err, ErrAlreadyInState):
		return codes.AlreadyExists
	case errors.Is(err, ErrIntegrityViolation):
		return codes.DataLoss
	case errors.Is(err, ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, ErrConflict):
		return codes.Aborted
	case errors.Is(err, ErrEncryption), errors.Is(err, ErrDecryption), errors.Is(err, ErrInconsistentState):
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Status converts err into a gRPC status carrying the mapped code.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(Code(err), err.Error())
}

// Recoverable reports whether the caller should keep ingesting rather than alert.
func Recoverable(err error) bool {
	return errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrAlreadyInState)
}
