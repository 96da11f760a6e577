package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agentbank.org/internal/audit"
)

type deferredCall struct {
	kind, key string
	payload   json.RawMessage
}

type recordingDeferrer struct {
	mu    sync.Mutex
	calls []deferredCall
}

func (d *recordingDeferrer) Defer(_ context.Context, kind, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.calls = append(d.calls, deferredCall{kind: kind, key: key, payload: data})
	d.mu.Unlock()
	return nil
}

func (d *recordingDeferrer) ofKind(kind string) []deferredCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []deferredCall
	for _, c := range d.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	store    *InMemory
	floats   *FloatAccounts
	coord    *Coordinator
	audit    *audit.Memory
	deferred *recordingDeferrer
	provider FloatAccount
	till     FloatAccount
}

// Account codes used by the fixture.
const (
	codeCash      = "1000-CASH"
	codeExpense   = "6100-EXPENSES"
	codeMTNFloat  = "1100-MTN-FLOAT"
	codeMTNLiab   = "2100-MTN-CUSTOMER"
	codeFeeIncome = "4100-FEE-INCOME"
	codeCommInc   = "4200-COMMISSION"
	codeFloatAdj  = "5100-FLOAT-ADJ"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

// newFixture builds a branch with a mobile-money float and a cash till,
// balances in minor units with two decimal places.
func newFixture(t *testing.T, providerOpening, tillOpening int64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: NewInMemory(), audit: &audit.Memory{}, deferred: &recordingDeferrer{}}
	c := Collaborators{Audit: f.audit, Deferrer: f.deferred, Logger: zap.NewNop()}
	f.floats = NewFloatAccounts(f.store, c)
	f.coord = NewCoordinator(f.store, NewBuilder(2), nil, c)

	var err error
	f.till, err = f.floats.Create(ctx, FloatAccountSpec{
		BranchID:       "br-1",
		Provider:       "cash",
		Type:           FloatCashInTill,
		OpeningBalance: tillOpening,
		Mappings: []MappingSpec{
			{Role: RoleMain, AccountCode: codeCash, AccountName: "Cash in till", AccountType: AccountAsset},
			{Role: RoleExpense, AccountCode: codeExpense, AccountName: "Branch expenses", AccountType: AccountExpense},
		},
	})
	if err != nil {
		t.Fatalf("create till: %v", err)
	}
	f.provider, err = f.floats.Create(ctx, FloatAccountSpec{
		BranchID:       "br-1",
		Provider:       "mtn",
		Type:           FloatMobileMoney,
		OpeningBalance: providerOpening,
		MinThreshold:   1_000_00,
		Mappings: []MappingSpec{
			{Role: RoleMain, AccountCode: codeMTNFloat, AccountName: "MTN float", AccountType: AccountAsset},
			{Role: RoleLiability, AccountCode: codeMTNLiab, AccountName: "MTN customer liability", AccountType: AccountLiability},
			{Role: RoleFee, AccountCode: codeFeeIncome, AccountName: "Fee income", AccountType: AccountRevenue},
			{Role: RoleRevenue, AccountCode: codeCommInc, AccountName: "Commission income", AccountType: AccountRevenue},
			{Role: RoleAdjustment, AccountCode: codeFloatAdj, AccountName: "Float adjustments", AccountType: AccountExpense},
		},
	})
	if err != nil {
		t.Fatalf("create provider float: %v", err)
	}
	return f
}

func (f *fixture) event(t *testing.T, sourceID string, typ TxType, amount, fee string) Event {
	t.Helper()
	rule, ok := RuleFor(typ)
	if !ok {
		t.Fatalf("no rule for %s", typ)
	}
	return Event{
		SourceModule:        rule.Module,
		SourceTransactionID: sourceID,
		Type:                typ,
		BranchID:            "br-1",
		FloatAccountID:      f.provider.ID,
		TillAccountID:       f.till.ID,
		Amount:              mustDecimal(t, amount),
		Fee:                 mustDecimal(t, fee),
		Actor:               "teller-1",
		OccurredAt:          time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) balance(t *testing.T, code string) int64 {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), code)
	if err != nil {
		t.Fatalf("GetAccount %s: %v", code, err)
	}
	return acc.Balance
}

func (f *fixture) journalCount() int {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return len(f.store.journals)
}

func (f *fixture) movementCount() int {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return len(f.store.movements)
}
