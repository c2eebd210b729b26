package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"repoguard.org/internal/ids"
	"repoguard.org/internal/keylock"
	"repoguard.org/internal/obs"
	"repoguard.org/internal/seal"
)

// Digest returns the hex SHA-256 of content.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Verifier registers and verifies file digests. Work on one repository is
// serialized.
type Verifier struct {
	store     Store
	escalator Escalator
	now       func() time.Time

	locks keylock.Map
}

// Option configures Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithEscalator sets who is told about tampered files.
func WithEscalator(e Escalator) Option {
	return func(v *Verifier) { v.escalator = e }
}

func NewVerifier(store Store, opts ...Option) *Verifier {
	v := &Verifier{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register stores one digest per file for the commit. Files already
// registered for the commit keep their existing row and status.
func (v *Verifier) Register(ctx context.Context, repositoryID, commitHash string, files []File) ([]Hash, error) {
	if repositoryID == "" || commitHash == "" || len(files) == 0 {
		return nil, ErrInvalidInput
	}
	unlock := v.locks.Lock(repositoryID)
	defer unlock()

	now := v.now()
	out := make([]Hash, 0, len(files))
	for _, f := range files {
		if f.Err != nil {
			obs.Warn("integrity file unreadable at registration", map[string]any{
				"repository_id": repositoryID,
				"commit":        commitHash,
				"path":          f.Path,
				"error":         f.Err.Error(),
			})
			continue
		}
		h, _, err := v.store.Insert(ctx, Hash{
			ID:           ids.New(),
			RepositoryID: repositoryID,
			CommitHash:   commitHash,
			FilePath:     f.Path,
			Digest:       Digest(f.Content),
			Algorithm:    Algorithm,
			Status:       StatusVerified,
			CreatedAt:    now,
		})
		if err != nil {
			return out, fmt.Errorf("integrity: register %s@%s %s: %w", repositoryID, commitHash, f.Path, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Verify recomputes the digests of files and compares them with the
// registered ones. A mismatch marks the row TAMPERED for good and is
// escalated once, on the pass that flips it; sealed content is reported ENCRYPTED and unreadable files
// CORRUPTED.
func (v *Verifier) Verify(ctx context.Context, repositoryID, commitHash string, files []File) (Report, error) {
	if repositoryID == "" || commitHash == "" || len(files) == 0 {
		return Report{}, ErrInvalidInput
	}
	unlock := v.locks.Lock(repositoryID)
	rep, err := v.verify(ctx, repositoryID, commitHash, files)
	unlock()
	if err != nil {
		return rep, err
	}

	if len(rep.Tampered) > 0 {
		obs.Warn("integrity violation", map[string]any{
			"repository_id": repositoryID,
			"commit":        commitHash,
			"tampered":      rep.Tampered,
		})
		if v.escalator != nil && len(rep.NewlyTampered) > 0 {
			if err := v.escalator.Escalate(ctx, repositoryID, commitHash, rep.NewlyTampered); err != nil {
				return rep, fmt.Errorf("integrity: escalate %s: %w", repositoryID, err)
			}
		}
	}
	return rep, nil
}

func (v *Verifier) verify(ctx context.Context, repositoryID, commitHash string, files []File) (Report, error) {
	rep := Report{RepositoryID: repositoryID, CommitHash: commitHash}
	now := v.now()
	for _, f := range files {
		h, err := v.store.Get(ctx, repositoryID, commitHash, f.Path)
		if errors.Is(err, ErrNotFound) {
			rep.Unregistered = append(rep.Unregistered, f.Path)
			continue
		}
		if err != nil {
			return rep, err
		}

		check := Check{At: now, Expected: h.Digest}
		switch {
		case f.Err != nil:
			check.Status = StatusCorrupted
		case seal.IsSealed(f.Content):
			check.Actual = Digest(f.Content)
			check.Status = StatusEncrypted
		default:
			check.Actual = Digest(f.Content)
			check.Status = StatusVerified
			if check.Actual != h.Digest {
				check.Status = StatusTampered
			}
		}

		h.Log = append(h.Log, check)
		h.VerifiedAt = now
		if h.Status != StatusTampered {
			if check.Status == StatusTampered {
				rep.NewlyTampered = append(rep.NewlyTampered, f.Path)
			}
			h.Status = check.Status
		}
		if err := v.store.Update(ctx, h); err != nil {
			return rep, fmt.Errorf("integrity: update %s@%s %s: %w", repositoryID, commitHash, f.Path, err)
		}
		obs.IntegrityFiles.WithLabelValues(string(h.Status)).Inc()

		switch h.Status {
		case StatusTampered:
			rep.Tampered = append(rep.Tampered, f.Path)
		case StatusCorrupted:
			rep.Corrupted = append(rep.Corrupted, f.Path)
		case StatusEncrypted:
			rep.Encrypted = append(rep.Encrypted, f.Path)
		}
		rep.Files = append(rep.Files, h)
	}

	switch {
	case len(rep.Tampered) > 0:
		rep.Status = StatusTampered
	case len(rep.Corrupted) > 0:
		rep.Status = StatusCorrupted
	case len(rep.Encrypted) > 0:
		rep.Status = StatusEncrypted
	default:
		rep.Status = StatusVerified
	}
	return rep, nil
}

// Summary counts the registered files of a repository by status.
func (v *Verifier) Summary(ctx context.Context, repositoryID string) (Summary, error) {
	rows, err := v.store.ListByRepository(ctx, repositoryID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{RepositoryID: repositoryID, Total: len(rows), ByStatus: make(map[Status]int)}
	for _, h := range rows {
		s.ByStatus[h.Status]++
		if h.VerifiedAt.After(s.LastVerified) {
			s.LastVerified = h.VerifiedAt
		}
	}
	return s, nil
}

// Timeline lists the registered digests of one file across commits, oldest
// first.
func (v *Verifier) Timeline(ctx context.Context, repositoryID, path string) ([]Hash, error) {
	return v.store.Timeline(ctx, repositoryID, path)
}

// Commit lists the rows registered for one commit ordered by path.
func (v *Verifier) Commit(ctx context.Context, repositoryID, commitHash string) ([]Hash, error) {
	rows, err := v.store.ListByCommit(ctx, repositoryID, commitHash)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FilePath < rows[j].FilePath })
	return rows, nil
}
