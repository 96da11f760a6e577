package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"agentbank.org/internal/ledger"
)

// Migrations holds the schema, applied by internal/migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seeds holds the default chart of accounts and global mappings.
//
//go:embed seeds/*.sql
var Seeds embed.FS

type Store struct {
	db      *sql.DB
	retries int
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, retries: 3}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return storeErr(s.db.PingContext(ctx))
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == codeUniqueViolation }

func isRetryable(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

// storeErr maps connectivity and timeout failures to ErrStoreUnavailable and
// leaves everything else untouched.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrStoreUnavailable) {
		return err
	}
	unavailable := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone)
	if !unavailable {
		var connErr *pgconn.ConnectError
		var netErr net.Error
		unavailable = errors.As(err, &connErr) || errors.As(err, &netErr)
	}
	if !unavailable {
		code := pgCode(err)
		unavailable = isRetryable(err) || (len(code) == 5 && (code[:2] == "08" || code[:2] == "53" || code[:3] == "57P"))
	}
	if unavailable {
		return fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return err
}

// inTx runs fn in a transaction at the given isolation level, retrying
// serialization failures and deadlocks.
func (s *Store) inTx(ctx context.Context, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return storeErr(ctx.Err())
			case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
			}
		}
		err = s.runTx(ctx, level, fn)
		if !isRetryable(err) {
			return storeErr(err)
		}
	}
	return storeErr(err)
}

func (s *Store) runTx(ctx context.Context, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
