package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"repoguard.org/internal/faults"
	"repoguard.org/ops/migrations"
)

func TestSplitStatementsHonoursDollarQuotesAndComments(t *testing.T) {
	script := `-- schema; header
create function touch() returns trigger as $body$
begin
  new.updated_at = now(); -- keep; this
  return new;
end;
$body$ language plpgsql; -- trailing; note
select 'it''s; fine';
`
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "create function") || !strings.HasSuffix(stmts[0], "language plpgsql;") {
		t.Fatalf("function body split: %q", stmts[0])
	}
	if !strings.Contains(stmts[0], "now(); -- keep; this") {
		t.Fatalf("function body altered: %q", stmts[0])
	}
	if stmts[1] != "select 'it''s; fine';" {
		t.Fatalf("unexpected literal statement %q", stmts[1])
	}
}

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b');\ncreate table x (id int);\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "insert into t values ('a;b');" {
		t.Fatalf("unexpected first statement %q", stmts[0])
	}
}

func TestCollectSQLSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/0002_b.up.sql":   {Data: []byte("select 2;")},
		"sql/0001_a.up.sql":   {Data: []byte("select 1;")},
		"sql/0001_a.down.sql": {Data: []byte("select 0;")},
	}
	files, err := collectSQL(fsys, "sql", ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) != 2 || files[0].Base != "0001_a.up.sql" || files[1].Path != "sql/0002_b.up.sql" {
		t.Fatalf("unexpected files %+v", files)
	}
	missing, err := collectSQL(fsys, "seeds", ".sql")
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir should be empty: %v %v", missing, err)
	}
}

var applied = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func expectTables(mock sqlmock.Sqlmock) {
	for _, table := range []string{"schema_migrations", "schema_seeds"} {
		mock.ExpectExec("create table if not exists " + table).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("alter table " + table + " add column if not exists checksum").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func historyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "checksum", "applied_at"})
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	a := "create table a (id int);"
	b := "create table b (id int); create index b_id on b(id);"
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte(a)},
		"sql/0002_b.up.sql": {Data: []byte(b)},
	}
	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows().AddRow("0001_a.up.sql", checksum(a), applied))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", checksum(b), applied).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, fsys, "sql", "seeds", WithClock(func() time.Time { return applied }))
	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRefusesEditedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte("create table a (id bigint);")},
		"sql/0002_b.up.sql": {Data: []byte("create table b (id int);")},
	}
	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows().AddRow("0001_a.up.sql", checksum("create table a (id int);"), applied))

	err = NewManager(db, fsys, "sql", "").Up(context.Background())
	if !errors.Is(err, ErrChecksumMismatch) || !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("later migrations must not run: %v", err)
	}
}

func TestUpAcceptsRowsWithoutChecksum(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{"sql/0001_a.up.sql": {Data: []byte("create table a (id int);")}}
	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows().AddRow("0001_a.up.sql", "", applied))

	if err := NewManager(db, fsys, "sql", "").Up(context.Background()); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRollsBackInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations order by").
		WillReturnRows(historyRows().AddRow("0001_a.up.sql", "", applied))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name").
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewManager(db, fsys, "sql", "").Down(context.Background()); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{"sql/0001_a.up.sql": {Data: []byte("select 1;")}}
	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations order by").
		WillReturnRows(historyRows().AddRow("0001_a.up.sql", "", applied))

	if err := NewManager(db, fsys, "sql", "").Down(context.Background()); !errors.Is(err, ErrMissingDown) {
		t.Fatalf("expected missing down migration, got %v", err)
	}
}

func TestStatusFlagsDrift(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	a := "create table a (id int);"
	fsys := fstest.MapFS{
		"sql/0001_a.up.sql": {Data: []byte(a)},
		"sql/0002_b.up.sql": {Data: []byte("create table b (id bigint);")},
	}
	expectTables(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows().
			AddRow("0001_a.up.sql", checksum(a), applied).
			AddRow("0002_b.up.sql", checksum("create table b (id int);"), applied).
			AddRow("0003_c.up.sql", "", applied))

	rows, err := NewManager(db, fsys, "sql", "").Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(rows) != 3 || rows[0].Drift || !rows[1].Drift || !rows[2].Drift {
		t.Fatalf("unexpected status %+v", rows)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(migrations.FS, "sql", ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("no embedded migrations")
	}
	downs, err := collectSQL(migrations.FS, "sql", ".down.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(downs) != len(ups) {
		t.Fatalf("%d up migrations but %d down", len(ups), len(downs))
	}
}
