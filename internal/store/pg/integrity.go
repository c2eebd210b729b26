package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repoguard.org/internal/ids"
	"repoguard.org/internal/integrity"
)

// Hashes implements integrity.Store.
type Hashes struct {
	db *sql.DB
}

var _ integrity.Store = (*Hashes)(nil)

const hashColumns = `id, repository_id, commit_hash, file_path, digest, algorithm, status, verification_log, created_at, verified_at`

func (s *Hashes) Get(ctx context.Context, repositoryID, commitHash, path string) (integrity.Hash, error) {
	h, err := scanHash(s.db.QueryRowContext(ctx, `select `+hashColumns+` from repository_hashes
		where repository_id = $1 and commit_hash = $2 and file_path = $3`, repositoryID, commitHash, path))
	if errors.Is(err, sql.ErrNoRows) {
		return integrity.Hash{}, integrity.ErrNotFound
	}
	return h, err
}

// Insert writes h unless the (repository, commit, path) row exists, in which
// case the stored row is returned with inserted=false.
func (s *Hashes) Insert(ctx context.Context, h integrity.Hash) (integrity.Hash, bool, error) {
	if h.ID == "" {
		h.ID = ids.New()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Algorithm == "" {
		h.Algorithm = integrity.Algorithm
	}
	log, err := encodeJSON(nonNilChecks(h.Log))
	if err != nil {
		return integrity.Hash{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into repository_hashes(`+hashColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (repository_id, commit_hash, file_path) do nothing
	`, h.ID, h.RepositoryID, h.CommitHash, h.FilePath, h.Digest, h.Algorithm, string(h.Status), log, h.CreatedAt.UTC(), nullTime(h.VerifiedAt))
	if err != nil {
		return integrity.Hash{}, false, fmt.Errorf("insert hash %s: %w", h.FilePath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return integrity.Hash{}, false, err
	}
	if n == 0 {
		existing, err := s.Get(ctx, h.RepositoryID, h.CommitHash, h.FilePath)
		return existing, false, err
	}
	return h, true, nil
}

func (s *Hashes) Update(ctx context.Context, h integrity.Hash) error {
	log, err := encodeJSON(nonNilChecks(h.Log))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update repository_hashes
		set digest = $4, status = $5, verification_log = $6, verified_at = $7
		where repository_id = $1 and commit_hash = $2 and file_path = $3
	`, h.RepositoryID, h.CommitHash, h.FilePath, h.Digest, string(h.Status), log, nullTime(h.VerifiedAt))
	if err != nil {
		return err
	}
	return affected(res, integrity.ErrNotFound)
}

func (s *Hashes) ListByCommit(ctx context.Context, repositoryID, commitHash string) ([]integrity.Hash, error) {
	return s.list(ctx, `where repository_id = $1 and commit_hash = $2 order by file_path`, repositoryID, commitHash)
}

func (s *Hashes) ListByRepository(ctx context.Context, repositoryID string) ([]integrity.Hash, error) {
	return s.list(ctx, `where repository_id = $1 order by commit_hash, file_path`, repositoryID)
}

func (s *Hashes) Timeline(ctx context.Context, repositoryID, path string) ([]integrity.Hash, error) {
	return s.list(ctx, `where repository_id = $1 and file_path = $2 order by created_at, commit_hash`, repositoryID, path)
}

func (s *Hashes) list(ctx context.Context, clause string, args ...any) ([]integrity.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `select `+hashColumns+` from repository_hashes `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []integrity.Hash
	for rows.Next() {
		h, err := scanHash(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHash(sc scanner) (integrity.Hash, error) {
	var (
		h          integrity.Hash
		status     string
		log        []byte
		verifiedAt sql.NullTime
	)
	if err := sc.Scan(&h.ID, &h.RepositoryID, &h.CommitHash, &h.FilePath, &h.Digest, &h.Algorithm, &status, &log, &h.CreatedAt, &verifiedAt); err != nil {
		return integrity.Hash{}, err
	}
	h.Status = integrity.Status(status)
	h.CreatedAt = h.CreatedAt.UTC()
	h.VerifiedAt = timeOf(verifiedAt)
	if err := decodeJSON(log, &h.Log); err != nil {
		return integrity.Hash{}, err
	}
	if len(h.Log) == 0 {
		h.Log = nil
	}
	return h, nil
}

func nonNilChecks(c []integrity.Check) []integrity.Check {
	if c == nil {
		return []integrity.Check{}
	}
	return c
}
