package faults

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestCodeMapsWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{fmt.Errorf("repository r1: %w", ErrNotFound), codes.NotFound},
		{fmt.Errorf("manual verify: %w", ErrUnauthorized), codes.PermissionDenied},
		{ErrInsufficientData, codes.FailedPrecondition},
		{ErrAlreadyInState, codes.AlreadyExists},
		{fmt.Errorf("block 4: %w", ErrIntegrityViolation), codes.DataLoss},
		{ErrEncryption, codes.Internal},
		{ErrInconsistentState, codes.Internal},
		{errors.New("boom"), codes.Unknown},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestStatusCarriesMessage(t *testing.T) {
	st := Status(fmt.Errorf("token t1: %w", ErrNotFound))
	if st.Code() != codes.NotFound {
		t.Fatalf("unexpected code %v", st.Code())
	}
	if st.Message() != "token t1: not found" {
		t.Fatalf("unexpected message %q", st.Message())
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(fmt.Errorf("learn: %w", ErrInsufficientData)) {
		t.Fatal("insufficient data should be recoverable")
	}
	if Recoverable(ErrEncryption) {
		t.Fatal("encryption failure is not recoverable")
	}
}
