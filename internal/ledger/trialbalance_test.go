package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/audit"
)

func TestTrialBalanceAfterPostingsAndReversal(t *testing.T) {
	f := newFixture(t, 50_000_00, 20_000_00)
	ctx := context.Background()
	for i, typ := range []TxType{TxCashIn, TxCashOut, TxFloatTopUp, TxCommission, TxAdjustmentDecrease} {
		ev := f.event(t, string(rune('a'+i)), typ, "125.40", "0")
		if _, err := f.coord.Post(ctx, ev); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
	}
	res, err := f.coord.Post(ctx, f.event(t, "z", TxCashIn, "10", "1"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := f.coord.Reverse(ctx, res.JournalTransactionID, "", "test"); err != nil {
		t.Fatalf("Reverse: %v", err)
	}

	checker := NewChecker(f.store, 0, nil, Collaborators{Logger: zap.NewNop()})
	tb, err := checker.Run(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !tb.Balanced || tb.TotalDebit != tb.TotalCredit || tb.DebitColumn != tb.CreditColumn {
		t.Fatalf("ledger should balance: %+v", tb)
	}
	if tb.TotalDebit == 0 {
		t.Fatal("expected activity in the trial balance")
	}

	// Everything happened after this cut-off.
	early, err := checker.Run(ctx, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || early.TotalDebit != 0 {
		t.Fatalf("as_of filter: %+v, %v", early, err)
	}
}

type staticTotals []AccountTotal

func (s staticTotals) AccountTotals(context.Context, time.Time) ([]AccountTotal, error) {
	return s, nil
}

func (s staticTotals) FloatStatement(context.Context, string, time.Time, time.Time) (int64, []StatementEntry, error) {
	return 0, nil, nil
}

type recordingAlerter struct{ got []TrialBalance }

func (a *recordingAlerter) IntegrityViolation(_ context.Context, tb TrialBalance) {
	a.got = append(a.got, tb)
}

func TestTrialBalanceViolation(t *testing.T) {
	totals := staticTotals{
		{Code: "1000", Type: AccountAsset, Debit: 1000},
		{Code: "2000", Type: AccountLiability, Credit: 990},
	}
	mem := &audit.Memory{}
	alerter := &recordingAlerter{}
	checker := NewChecker(totals, 0, alerter, Collaborators{Audit: mem, Logger: zap.NewNop()})

	tb, err := checker.Run(context.Background(), time.Now())
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
	if tb.Difference != 10 || tb.Balanced {
		t.Fatalf("unexpected report: %+v", tb)
	}
	entries := mem.Entries()
	if len(entries) != 1 || entries[0].Severity != audit.SeverityCritical {
		t.Fatalf("expected a critical audit entry, got %+v", entries)
	}
	if len(alerter.got) != 1 {
		t.Fatal("operator alert not raised")
	}

	tolerant := NewChecker(totals, 10, nil, Collaborators{Logger: zap.NewNop()})
	if _, err := tolerant.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("difference within epsilon: %v", err)
	}
}

func TestBuildTrialBalanceColumns(t *testing.T) {
	tb := BuildTrialBalance(time.Now(), []AccountTotal{
		{Code: "cash", Type: AccountAsset, Debit: 500, Credit: 200},
		{Code: "liab", Type: AccountLiability, Debit: 50, Credit: 350},
		{Code: "contra", Type: AccountRevenue, Debit: 20},
		{Code: "exp", Type: AccountExpense, Credit: 20},
	}, 0)
	if tb.DebitColumn != 280 || tb.CreditColumn != 280 || !tb.Balanced {
		t.Fatalf("unexpected columns: %+v", tb)
	}
	if tb.Rows[2].CreditBalance != -20 || tb.Rows[2].DebitBalance != 0 {
		t.Fatalf("contra revenue must stay in the credit column: %+v", tb.Rows[2])
	}
	if tb.Rows[3].DebitBalance != -20 || tb.Rows[3].CreditBalance != 0 {
		t.Fatalf("contra expense must stay in the debit column: %+v", tb.Rows[3])
	}
}

func TestBuildTrialBalanceOverdrawnAsset(t *testing.T) {
	tb := BuildTrialBalance(time.Now(), []AccountTotal{
		{Code: "cash", Type: AccountAsset, Debit: 100, Credit: 300},
		{Code: "liab", Type: AccountLiability, Debit: 200},
	}, 0)
	if tb.Rows[0].DebitBalance != -200 || tb.Rows[0].CreditBalance != 0 {
		t.Fatalf("overdrawn asset = %+v", tb.Rows[0])
	}
	if tb.Rows[1].CreditBalance != -200 {
		t.Fatalf("debit-balance liability = %+v", tb.Rows[1])
	}
	if tb.DebitColumn != -200 || tb.CreditColumn != -200 || !tb.Balanced {
		t.Fatalf("unexpected columns: %+v", tb)
	}
}
