package pg

import (
	"context"
	"database/sql"
	"errors"

	"repoguard.org/internal/auth"
)

// Directory implements auth.Directory over the users and devices tables.
type Directory struct {
	db *sql.DB
}

var _ auth.Directory = (*Directory)(nil)

func (d *Directory) User(ctx context.Context, id string) (auth.User, error) {
	var u auth.User
	err := d.db.QueryRowContext(ctx, `select id, email, name, role, is_active from users where id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func (d *Directory) Device(ctx context.Context, id string) (auth.Device, error) {
	var (
		dev      auth.Device
		lastSeen sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, `select id, user_id, name, status, last_seen_at from devices where id = $1`, id).
		Scan(&dev.ID, &dev.UserID, &dev.Name, &dev.Status, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Device{}, auth.ErrDeviceNotFound
	}
	dev.LastSeenAt = timeOf(lastSeen)
	return dev, err
}

// Admins returns active administrators ordered by id.
func (d *Directory) Admins(ctx context.Context) ([]auth.User, error) {
	rows, err := d.db.QueryContext(ctx, `select id, email, name, role, is_active from users
		where role = $1 and is_active order by id`, auth.RoleAdmin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		var u auth.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.IsActive); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (d *Directory) PutUser(ctx context.Context, u auth.User) error {
	role := u.Role
	if role == "" {
		role = auth.RoleDeveloper
	}
	_, err := d.db.ExecContext(ctx, `
		insert into users(id, email, name, role, is_active) values ($1,$2,$3,$4,$5)
		on conflict (id) do update
		set email = excluded.email, name = excluded.name, role = excluded.role, is_active = excluded.is_active
	`, u.ID, u.Email, u.Name, role, u.IsActive)
	return err
}

func (d *Directory) PutDevice(ctx context.Context, dev auth.Device) error {
	status := dev.Status
	if status == "" {
		status = auth.DevicePending
	}
	_, err := d.db.ExecContext(ctx, `
		insert into devices(id, user_id, name, status, last_seen_at) values ($1,$2,$3,$4,$5)
		on conflict (id) do update
		set user_id = excluded.user_id, name = excluded.name, status = excluded.status, last_seen_at = excluded.last_seen_at
	`, dev.ID, dev.UserID, dev.Name, status, nullTime(dev.LastSeenAt))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}
