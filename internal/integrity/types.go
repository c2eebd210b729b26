// Package integrity registers per-commit file digests and re-verifies them
// to detect tampered working trees.
package integrity

import (
	"context"
	"fmt"
	"time"

	"repoguard.org/internal/faults"
)

// Algorithm tags every stored digest.
const Algorithm = "sha256"

// Status of one registered file.
type Status string

const (
	StatusVerified  Status = "VERIFIED"
	StatusTampered  Status = "TAMPERED"
	StatusCorrupted Status = "CORRUPTED"
	StatusEncrypted Status = "ENCRYPTED"
)

// Check is one entry of a file's verification log.
type Check struct {
	At       time.Time `json:"at"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
	Status   Status    `json:"status"`
}

// Hash is the registered digest of one file at one commit.
type Hash struct {
	ID           string
	RepositoryID string
	CommitHash   string
	FilePath     string
	Digest       string
	Algorithm    string
	Status       Status
	Log          []Check
	CreatedAt    time.Time
	VerifiedAt   time.Time
}

// File is a working-tree file offered for registration or verification.
// Err is set when the file could not be read.
type File struct {
	Path    string
	Content []byte
	Err     error
}

// Report is the outcome of verifying one commit.
type Report struct {
	RepositoryID  string
	CommitHash    string
	Status        Status
	Tampered      []string
	// NewlyTampered lists the files that flipped to TAMPERED in this pass.
	NewlyTampered []string
	Corrupted     []string
	Encrypted     []string
	Unregistered  []string
	Files         []Hash
}

// Summary counts a repository's registered files by status.
type Summary struct {
	RepositoryID string
	Total        int
	ByStatus     map[Status]int
	LastVerified time.Time
}

// Escalator reacts to tampered files. The containment orchestrator
// implements it.
type Escalator interface {
	Escalate(ctx context.Context, repositoryID, commitHash string, tampered []string) error
}

var (
	ErrNotFound     = fmt.Errorf("integrity: hash %w", faults.ErrNotFound)
	ErrInvalidInput = fmt.Errorf("integrity: repository id, commit hash and files are required: %w", faults.ErrInvalidInput)
)
