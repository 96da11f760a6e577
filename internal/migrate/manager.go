// Package migrate applies the embedded schema and seed files.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey serialises concurrent migrators on the same database.
	lockKey int64 = 0x61676e74626b
)

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("no migrations applied")

// Source is a directory inside a file system, typically an embed.FS.
type Source struct {
	FS  fs.FS
	Dir string
}

// Manager executes SQL migrations and seed files.
type Manager struct {
	db              *sql.DB
	migrations      Source
	seeds           Source
	migrationsTable string
	seedsTable      string
	log             *zap.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(db *sql.DB, migrations, seeds Source, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		log:             obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order and returns the names applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.applyAll(ctx, m.migrations, ".up.sql", m.migrationsTable)
}

// Seed applies seed files not yet recorded.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.applyAll(ctx, m.seeds, ".sql", m.seedsTable)
}

func (m *Manager) applyAll(ctx context.Context, src Source, suffix, table string) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		executed, err := listExecuted(ctx, conn, table)
		if err != nil {
			return err
		}
		files, err := collectSQL(src, suffix)
		if err != nil {
			return err
		}
		for _, name := range files {
			if executed[name] {
				continue
			}
			if err := m.exec(ctx, conn, src, name, table, true); err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
			m.log.Info("sql file applied", zap.String("table", table), zap.String("file", name))
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var last string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		executed, err := history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(executed) == 0 {
			return ErrNoMigrations
		}
		last = executed[len(executed)-1]
		down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.migrations.FS, path.Join(m.migrations.Dir, down)); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.exec(ctx, conn, m.migrations, down, m.migrationsTable, false); err != nil {
			return fmt.Errorf("rollback %s: %w", last, err)
		}
		_, err = conn.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
		return err
	})
	return last, err
}

// Status returns applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var out []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		var err error
		out, err = history(ctx, conn, m.migrationsTable)
		return err
	})
	return out, err
}

// locked holds a session advisory lock on a dedicated connection while fn runs.
func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, lockKey)
	}()
	return fn(conn)
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (name text primary key, applied_at timestamptz not null default now())`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// exec runs every statement of one file and its bookkeeping row in a single transaction.
func (m *Manager) exec(ctx context.Context, conn *sql.Conn, src Source, name, table string, record bool) error {
	body, err := fs.ReadFile(src.FS, path.Join(src.Dir, name))
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if record {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
			name, time.Now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func listExecuted(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	names, err := history(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, n := range names {
		result[n] = true
	}
	return result, nil
}

func history(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func collectSQL(src Source, suffix string) ([]string, error) {
	if src.FS == nil {
		return nil, nil
	}
	dir := src.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(src.FS, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted literals and
// drops line comments and empty statements.
func splitStatements(body string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for _, line := range strings.Split(body, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			switch {
			case r == '\'':
				inString = !inString
				current.WriteRune(r)
			case r == ';' && !inString:
				flush()
			default:
				current.WriteRune(r)
			}
		}
		current.WriteByte('\n')
	}
	flush()
	return stmts
}
