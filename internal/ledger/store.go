package ledger

import (
	"context"
	"time"

	"agentbank.org/internal/outbox"
)

// Store is the durable state behind the ledger. Every method is atomic on its own;
// implementations are the sole synchronisation point between concurrent producers.
type Store interface {
	AccountStore
	JournalStore
	FloatStore
	MappingStore
	ReportStore
}

// AccountStore persists the chart of accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, code string) (Account, error)
	// EnsureAccount inserts acc unless the code exists and returns the stored row.
	EnsureAccount(ctx context.Context, acc Account) (Account, bool, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	SetAccountActive(ctx context.Context, code string, active bool) error
}

// JournalStore persists journal transactions and keeps cached balances current.
type JournalStore interface {
	// FindActiveJournal returns the non-reversed transaction for the idempotency key.
	FindActiveJournal(ctx context.Context, sourceModule, sourceTransactionID string) (JournalTransaction, error)
	GetJournal(ctx context.Context, id string) (JournalTransaction, error)
	// InsertJournal writes header and lines, flips the status to posted and updates
	// account balances in one unit. If a non-reversed transaction with the same key
	// exists it is returned with replayed=true and nothing is written.
	InsertJournal(ctx context.Context, tx JournalTransaction) (stored JournalTransaction, replayed bool, err error)
	// ReverseJournal locks the original, refuses unless it is posted, inserts the
	// transaction returned by build and flips the original to reversed.
	ReverseJournal(ctx context.Context, originalID string, build func(JournalTransaction) JournalTransaction) (JournalTransaction, error)
}

// FloatStore persists float accounts and their movements.
type FloatStore interface {
	CreateFloatAccount(ctx context.Context, acc FloatAccount) (FloatAccount, error)
	GetFloatAccount(ctx context.Context, id string) (FloatAccount, error)
	ListFloatAccounts(ctx context.Context, branchID string) ([]FloatAccount, error)
	// ApplyFloatDeltas applies all deltas or none. A delta whose cause was already
	// applied to that account is replayed from the stored movement. The returned
	// accounts hold the post-update state, index-aligned with the movements.
	// A non-nil followUp is enqueued in the same transaction when at least one
	// delta is newly applied.
	ApplyFloatDeltas(ctx context.Context, deltas []FloatDelta, followUp *outbox.Task) ([]FloatMovement, []FloatAccount, error)
	FloatMovements(ctx context.Context, floatAccountID string, limit int) ([]FloatMovement, error)
	MovementsByCause(ctx context.Context, cause string) ([]FloatMovement, error)
	// SetFloatActive toggles the flag; deactivation fails with ErrNonZeroBalance.
	SetFloatActive(ctx context.Context, id string, active bool) error
}

// MappingStore persists versioned float-to-GL mappings.
type MappingStore interface {
	// PutMapping stores a new version for the scope and role and deactivates older ones.
	PutMapping(ctx context.Context, m Mapping) (Mapping, error)
	// FindMapping returns the latest active mapping for the exact scope.
	FindMapping(ctx context.Context, branchID, floatAccountID string, role Role) (Mapping, error)
	ListMappings(ctx context.Context, floatAccountID string) ([]Mapping, error)
}

// ReportStore answers aggregate queries.
type ReportStore interface {
	// AccountTotals aggregates lines of non-pending transactions created at or before asOf.
	AccountTotals(ctx context.Context, asOf time.Time) ([]AccountTotal, error)
	// FloatStatement returns the net (debit-credit) before from and the entries in [from, to).
	FloatStatement(ctx context.Context, floatAccountID string, from, to time.Time) (int64, []StatementEntry, error)
}
