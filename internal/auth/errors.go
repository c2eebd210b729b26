package auth

import (
	"fmt"

	"repoguard.org/internal/faults"
)

var (
	ErrNotFound       = fmt.Errorf("auth: %w", faults.ErrNotFound)
	ErrDeviceNotFound = fmt.Errorf("auth: device %w", faults.ErrNotFound)
	ErrUnauthorized   = fmt.Errorf("auth: %w", faults.ErrUnauthorized)
)
