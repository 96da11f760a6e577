package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	body := `-- accounts
create table a (id text primary key, note text default 'x;y');
insert into a (id) values ('1');

`
	stmts := splitStatements(body)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "create table a (id text primary key, note text default 'x;y')" {
		t.Fatalf("unexpected first statement: %q", stmts[0])
	}
}

func TestCollectSQLFiltersAndSorts(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0002_b.up.sql":   {Data: []byte("select 2;")},
		"m/0001_a.up.sql":   {Data: []byte("select 1;")},
		"m/0001_a.down.sql": {Data: []byte("select 0;")},
	}
	files, err := collectSQL(Source{FS: fsys, Dir: "m"}, ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) != 2 || files[0] != "0001_a.up.sql" || files[1] != "0002_b.up.sql" {
		t.Fatalf("unexpected files: %v", files)
	}
	missing, err := collectSQL(Source{FS: fsys, Dir: "nope"}, ".sql")
	if err != nil || missing != nil {
		t.Fatalf("missing dir should be empty, got %v %v", missing, err)
	}
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"migrations/0001_init.up.sql": {Data: []byte("create table one (id int);")},
		"migrations/0002_next.up.sql": {Data: []byte("create table two (id int);\ncreate index two_idx on two (id);")},
	}

	mock.ExpectExec("select pg_advisory_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table two").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index two_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_next.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("select pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	m := NewManager(db, Source{FS: fsys, Dir: "migrations"}, Source{})
	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_next.up.sql" {
		t.Fatalf("unexpected applied: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("select pg_advisory_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectExec("select pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	m := NewManager(db, Source{FS: fstest.MapFS{}, Dir: "migrations"}, Source{})
	if _, err := m.Down(context.Background()); err != ErrNoMigrations {
		t.Fatalf("expected ErrNoMigrations, got %v", err)
	}
}
