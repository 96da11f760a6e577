package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/obs"
)

// TrialBalanceRow is one account in the trial balance. Debit-normal accounts
// report debits minus credits in the debit column, the rest report credits
// minus debits in the credit column. A contra balance shows as a negative amount
// in the account's normal column.
type TrialBalanceRow struct {
	Code          string      `json:"code"`
	Name          string      `json:"name"`
	Type          AccountType `json:"type"`
	TotalDebit    int64       `json:"total_debit"`
	TotalCredit   int64       `json:"total_credit"`
	DebitBalance  int64       `json:"debit_balance"`
	CreditBalance int64       `json:"credit_balance"`
}

// TrialBalance is the ledger-wide consistency report at a point in time.
type TrialBalance struct {
	AsOf         time.Time         `json:"as_of"`
	Rows         []TrialBalanceRow `json:"rows"`
	TotalDebit   int64             `json:"total_debit"`
	TotalCredit  int64             `json:"total_credit"`
	DebitColumn  int64             `json:"debit_column"`
	CreditColumn int64             `json:"credit_column"`
	Difference   int64             `json:"difference"`
	Balanced     bool              `json:"balanced"`
}

// BuildTrialBalance folds account totals into a trial balance. The larger of
// the raw and column differences is reported.
func BuildTrialBalance(asOf time.Time, totals []AccountTotal, epsilon int64) TrialBalance {
	tb := TrialBalance{AsOf: asOf, Rows: make([]TrialBalanceRow, 0, len(totals))}
	for _, t := range totals {
		row := TrialBalanceRow{Code: t.Code, Name: t.Name, Type: t.Type, TotalDebit: t.Debit, TotalCredit: t.Credit}
		if t.Type.DebitNormal() {
			row.DebitBalance = t.Debit - t.Credit
		} else {
			row.CreditBalance = t.Credit - t.Debit
		}
		tb.TotalDebit += t.Debit
		tb.TotalCredit += t.Credit
		tb.DebitColumn += row.DebitBalance
		tb.CreditColumn += row.CreditBalance
		tb.Rows = append(tb.Rows, row)
	}
	tb.Difference = abs(tb.TotalDebit - tb.TotalCredit)
	if d := abs(tb.DebitColumn - tb.CreditColumn); d > tb.Difference {
		tb.Difference = d
	}
	if epsilon < 0 {
		epsilon = 0
	}
	tb.Balanced = tb.Difference <= epsilon
	return tb
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Alerter pages an operator. It must not block.
type Alerter interface {
	IntegrityViolation(ctx context.Context, tb TrialBalance)
}

// Checker runs trial balances and raises integrity violations. It never gates
// live traffic.
type Checker struct {
	store   ReportStore
	epsilon int64
	alert   Alerter
	c       Collaborators
}

func NewChecker(store ReportStore, epsilon int64, alert Alerter, c Collaborators) *Checker {
	return &Checker{store: store, epsilon: epsilon, alert: alert, c: c.withDefaults()}
}

// Run computes the trial balance as of asOf. A difference beyond epsilon is
// returned together with ErrIntegrityViolation.
func (k *Checker) Run(ctx context.Context, asOf time.Time) (TrialBalance, error) {
	if asOf.IsZero() {
		asOf = k.c.Now()
	}
	totals, err := k.store.AccountTotals(ctx, asOf)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := BuildTrialBalance(asOf, totals, k.epsilon)
	obs.ObserveTrialBalance(tb.Difference, !tb.Balanced)
	if tb.Balanced {
		return tb, nil
	}

	k.c.Logger.Error("trial balance out of balance",
		zap.Time("as_of", asOf),
		zap.Int64("total_debit", tb.TotalDebit),
		zap.Int64("total_credit", tb.TotalCredit),
		zap.Int64("difference", tb.Difference),
	)
	k.c.audit(ctx, audit.Entry{
		ActionType:  "trial_balance.violation",
		EntityType:  "ledger",
		EntityID:    asOf.Format(time.RFC3339),
		Description: "trial balance difference exceeds tolerance",
		Details: map[string]any{
			"total_debit":  tb.TotalDebit,
			"total_credit": tb.TotalCredit,
			"difference":   tb.Difference,
			"epsilon":      k.epsilon,
		},
		Severity: audit.SeverityCritical,
		Status:   audit.StatusFailure,
	})
	if k.alert != nil {
		k.alert.IntegrityViolation(ctx, tb)
	}
	return tb, fmt.Errorf("difference %d exceeds %d: %w", tb.Difference, k.epsilon, ErrIntegrityViolation)
}

// Start runs the check every interval until ctx is done.
func (k *Checker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.Run(ctx, time.Time{}); err != nil && ctx.Err() == nil {
				k.c.Logger.Warn("scheduled trial balance", zap.Error(err))
			}
		}
	}
}
