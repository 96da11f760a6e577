package ledger

import (
	"time"

	"agentbank.org/internal/ids"
)

// Amounts are int64 minor units (e.g. pesewas). No floats.

// AccountType classifies a general ledger account.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// Valid reports whether t is one of the known account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountRevenue, AccountExpense:
		return true
	}
	return false
}

// DebitNormal reports whether debits increase accounts of this type.
func (t AccountType) DebitNormal() bool {
	return t == AccountAsset || t == AccountExpense
}

// Delta is the change a line applies to the cached balance of an account of type t.
func (t AccountType) Delta(debit, credit int64) int64 {
	if t.DebitNormal() {
		return debit - credit
	}
	return credit - debit
}

// Account is a general ledger account with a cached running balance.
type Account struct {
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	Active    bool        `json:"active"`
	Balance   int64       `json:"balance"`
	CreatedAt time.Time   `json:"created_at"`
}

// Status is the lifecycle state of a journal transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPosted   Status = "posted"
	StatusReversed Status = "reversed"
)

// Role names the purpose a ledger account plays for a float account.
type Role string

const (
	RoleMain       Role = "main"
	RoleLiability  Role = "liability"
	RoleRevenue    Role = "revenue"
	RoleFee        Role = "fee"
	RoleAdjustment Role = "adjustment"
	RoleExpense    Role = "expense"
)

// Valid reports whether r is a known mapping role.
func (r Role) Valid() bool {
	switch r {
	case RoleMain, RoleLiability, RoleRevenue, RoleFee, RoleAdjustment, RoleExpense:
		return true
	}
	return false
}

// JournalLine is one debit or credit against a ledger account.
type JournalLine struct {
	LineNo      int    `json:"line_no"`
	AccountCode string `json:"account_code"`
	Debit       int64  `json:"debit"`
	Credit      int64  `json:"credit"`
	Description string `json:"description,omitempty"`
	// FloatAccountID and Role record the mapping the account was resolved through.
	FloatAccountID string `json:"float_account_id,omitempty"`
	Role           Role   `json:"role,omitempty"`
}

// JournalTransaction is one balanced economic event.
type JournalTransaction struct {
	ID                  string            `json:"id"`
	CreatedAt           time.Time         `json:"created_at"`
	SourceModule        string            `json:"source_module"`
	SourceTransactionID string            `json:"source_transaction_id"`
	SourceType          string            `json:"source_type"`
	Description         string            `json:"description,omitempty"`
	Status              Status            `json:"status"`
	CreatedBy           string            `json:"created_by,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Lines               []JournalLine     `json:"lines"`
}

// Totals sums the debit and credit side of the transaction.
func (t JournalTransaction) Totals() (debit, credit int64) {
	for _, l := range t.Lines {
		debit += l.Debit
		credit += l.Credit
	}
	return debit, credit
}

// FloatType classifies a float account.
type FloatType string

const (
	FloatMobileMoney   FloatType = "mobile_money"
	FloatCashInTill    FloatType = "cash_in_till"
	FloatSettlement    FloatType = "settlement"
	FloatAgencyBanking FloatType = "agency_banking"
	FloatCard          FloatType = "card"
	FloatUtility       FloatType = "utility"
	FloatMarketplace   FloatType = "marketplace"
)

// Valid reports whether t is a known float type.
func (t FloatType) Valid() bool {
	switch t {
	case FloatMobileMoney, FloatCashInTill, FloatSettlement, FloatAgencyBanking, FloatCard, FloatUtility, FloatMarketplace:
		return true
	}
	return false
}

// RequiredRoles lists the mapping roles that must resolve before an account of type t is usable.
func (t FloatType) RequiredRoles() []Role {
	if t == FloatCashInTill {
		return []Role{RoleMain}
	}
	return []Role{RoleMain, RoleLiability, RoleFee}
}

// FloatAccount is a pre-funded balance held by a branch for one provider.
type FloatAccount struct {
	ID           string    `json:"id"`
	BranchID     string    `json:"branch_id"`
	Provider     string    `json:"provider"`
	Type         FloatType `json:"account_type"`
	Balance      int64     `json:"current_balance"`
	MinThreshold int64     `json:"min_threshold"`
	MaxThreshold int64     `json:"max_threshold"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// FloatMovement is the append-only record of one balance change.
type FloatMovement struct {
	ID             string    `json:"id"`
	FloatAccountID string    `json:"float_account_id"`
	Delta          int64     `json:"delta"`
	BalanceBefore  int64     `json:"balance_before"`
	BalanceAfter   int64     `json:"balance_after"`
	CauseReference string    `json:"cause_reference"`
	CreatedAt      time.Time `json:"created_at"`
	// Replayed is set when the cause had already been applied and nothing changed.
	Replayed bool `json:"replayed,omitempty"`
}

// FloatDelta is a requested change to a float account.
type FloatDelta struct {
	FloatAccountID string `json:"float_account_id"`
	Delta          int64  `json:"delta"`
	Cause          string `json:"cause_reference"`
}

// Mapping binds a (branch, float account, role) scope to a ledger account code.
// Empty FloatAccountID is a branch default; empty BranchID as well is the global default.
type Mapping struct {
	ID             string    `json:"id"`
	BranchID       string    `json:"branch_id,omitempty"`
	FloatAccountID string    `json:"float_account_id,omitempty"`
	Role           Role      `json:"role"`
	AccountCode    string    `json:"account_code"`
	Version        int       `json:"version"`
	Active         bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// AccountTotal is the aggregate of lines hitting one account.
type AccountTotal struct {
	Code   string      `json:"code"`
	Name   string      `json:"name"`
	Type   AccountType `json:"type"`
	Debit  int64       `json:"debit"`
	Credit int64       `json:"credit"`
}

// StatementEntry is one journal line linked to a float account.
type StatementEntry struct {
	JournalTransactionID string    `json:"journal_transaction_id"`
	PostedAt             time.Time `json:"posted_at"`
	SourceModule         string    `json:"source_module"`
	SourceTransactionID  string    `json:"source_transaction_id"`
	SourceType           string    `json:"source_type"`
	AccountCode          string    `json:"account_code"`
	Role                 Role      `json:"role"`
	MappingVersion       int       `json:"mapping_version,omitempty"`
	Description          string    `json:"description,omitempty"`
	Debit                int64     `json:"debit"`
	Credit               int64     `json:"credit"`
	Balance              int64     `json:"balance"`
}

// Source modules of journal transactions.
const (
	ModuleMobileMoney   = "mobile_money"
	ModuleAgencyBanking = "agency_banking"
	ModuleCard          = "card"
	ModuleUtility       = "utility"
	ModuleMarketplace   = "marketplace"
	ModuleExpenses      = "expenses"
	ModuleFloat         = "float"
	ModuleManual        = "manual"
	ModuleReversal      = "reversal"
)

func newID() string {
	return ids.New()
}
