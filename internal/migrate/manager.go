// Package migrate applies the PostgreSQL schema and seed files. Every applied
// file is recorded with its SHA-256 so that an edited migration is refused
// instead of leaving the database and the repository out of step.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"repoguard.org/internal/faults"
	"repoguard.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

var (
	ErrChecksumMismatch = fmt.Errorf("migrate: applied file was modified: %w", faults.ErrConflict)
	ErrNothingApplied   = fmt.Errorf("migrate: no migrations applied: %w", faults.ErrNotFound)
	ErrMissingDown      = fmt.Errorf("migrate: down migration missing: %w", faults.ErrNotFound)
)

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
	// Drift is set when the file is gone or no longer matches Checksum.
	Drift bool
}

// Manager executes SQL migrations and seed files read from an fs.FS.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithClock overrides the time recorded for applied files.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager reads migrationsDir and seedsDir from fsys. Use os.DirFS for
// files on disk.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.apply(ctx, "migration", m.migrationsTable, m.migrationsDir, ".up.sql")
}

// Seed applies pending seed files in name order.
func (m *Manager) Seed(ctx context.Context) error {
	return m.apply(ctx, "seed", m.seedsTable, m.seedsDir, ".sql")
}

func (m *Manager) apply(ctx context.Context, kind, table, dir, suffix string) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	rows, err := m.history(ctx, table)
	if err != nil {
		return err
	}
	applied := make(map[string]string, len(rows))
	for _, r := range rows {
		applied[r.Name] = r.Checksum
	}
	files, err := collectSQL(m.fsys, dir, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if sum, ok := applied[f.Base]; ok {
			// Rows recorded before checksums existed carry none.
			if sum != "" && sum != f.Checksum {
				return fmt.Errorf("%s %s: %w", kind, f.Base, ErrChecksumMismatch)
			}
			continue
		}
		record := fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, table)
		if err := m.run(ctx, f.Body, record, f.Base, f.Checksum, m.now()); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
		obs.Info("schema file applied", map[string]any{"kind": kind, "name": f.Base, "checksum": f.Checksum})
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	rows, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNothingApplied
	}
	last := rows[len(rows)-1].Name
	downPath := strings.TrimSuffix(path.Join(m.migrationsDir, last), ".up.sql") + ".down.sql"
	body, err := fs.ReadFile(m.fsys, downPath)
	if err != nil {
		return fmt.Errorf("%s: %w", last, ErrMissingDown)
	}
	forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.run(ctx, string(body), forget, last); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	obs.Info("schema migration rolled back", map[string]any{"name": last})
	return nil
}

// Status lists applied migrations oldest first and flags the ones whose file
// changed or disappeared.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	current := make(map[string]string, len(files))
	for _, f := range files {
		current[f.Base] = f.Checksum
	}
	for i, r := range rows {
		sum, ok := current[r.Name]
		rows[i].Drift = !ok || (r.Checksum != "" && r.Checksum != sum)
	}
	return rows, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			checksum text not null default '',
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
		alter := fmt.Sprintf(`alter table %s add column if not exists checksum text not null default ''`, table)
		if _, err := m.db.ExecContext(ctx, alter); err != nil {
			return err
		}
	}
	return nil
}

// run executes script and the bookkeeping statement in one transaction.
func (m *Manager) run(ctx context.Context, script, bookkeeping string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, table string) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base     string
	Path     string
	Body     string
	Checksum string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(body)
		files = append(files, sqlFile{
			Base:     d.Name(),
			Path:     p,
			Body:     string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits a script on semicolons outside string literals,
// dollar-quoted bodies and line comments. Comments are dropped.
func splitStatements(script string) []string {
	var (
		stmts  []string
		cur    strings.Builder
		quoted bool
		dollar string
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case dollar != "":
			if strings.HasPrefix(script[i:], dollar) {
				cur.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
		case quoted:
			if c == '\'' {
				quoted = false
			}
		case c == '\'':
			quoted = true
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			for i < len(script) && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
			continue
		case c == '$':
			if tag := dollarTag(script[i:]); tag != "" {
				dollar = tag
				cur.WriteString(tag)
				i += len(tag) - 1
				continue
			}
		case c == ';':
			cur.WriteByte(c)
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return stmts
}

// dollarTag returns the opening $tag$ at the start of s, or "".
func dollarTag(s string) string {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return ""
	}
	tag := s[:end+2]
	for i, r := range tag[1 : len(tag)-1] {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return ""
		}
	}
	return tag
}
