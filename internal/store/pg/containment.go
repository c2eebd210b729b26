package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"repoguard.org/internal/containment"
)

// Repositories implements containment.Store.
type Repositories struct {
	db *sql.DB
}

var _ containment.Store = (*Repositories)(nil)

const repositoryColumns = `id, name, path, original_location, is_encrypted, encrypted_at, security_status, trusted_paths, updated_at`

func (s *Repositories) Get(ctx context.Context, id string) (containment.Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx, `select `+repositoryColumns+` from repositories where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return containment.Repository{}, containment.ErrRepositoryNotFound
	}
	return r, err
}

func (s *Repositories) Save(ctx context.Context, r containment.Repository) error {
	if r.Status == "" {
		r.Status = containment.StatusSecure
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	trusted := r.TrustedPaths
	if trusted == nil {
		trusted = []string{}
	}
	raw, err := encodeJSON(trusted)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into repositories(`+repositoryColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do update
		set name = excluded.name,
		    path = excluded.path,
		    original_location = excluded.original_location,
		    is_encrypted = excluded.is_encrypted,
		    encrypted_at = excluded.encrypted_at,
		    security_status = excluded.security_status,
		    trusted_paths = excluded.trusted_paths,
		    updated_at = excluded.updated_at
	`, r.ID, r.Name, r.Path, r.OriginalLocation, r.IsEncrypted, nullTime(r.EncryptedAt), string(r.Status), raw, r.UpdatedAt.UTC())
	return err
}

func (s *Repositories) ListByStatus(ctx context.Context, status containment.Status) ([]containment.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `select `+repositoryColumns+` from repositories where security_status = $1 order by id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []containment.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRepository(sc scanner) (containment.Repository, error) {
	var (
		r           containment.Repository
		encryptedAt sql.NullTime
		status      string
		trusted     []byte
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Path, &r.OriginalLocation, &r.IsEncrypted, &encryptedAt, &status, &trusted, &r.UpdatedAt); err != nil {
		return containment.Repository{}, err
	}
	r.EncryptedAt = timeOf(encryptedAt)
	r.Status = containment.Status(status)
	r.UpdatedAt = r.UpdatedAt.UTC()
	if err := decodeJSON(trusted, &r.TrustedPaths); err != nil {
		return containment.Repository{}, err
	}
	return r, nil
}
