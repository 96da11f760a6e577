package ledger

import (
	"context"
	"time"
)

// Statement is the GL view of one float account over a period.
type Statement struct {
	FloatAccountID string           `json:"float_account_id"`
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	Opening        int64            `json:"opening_balance"`
	Closing        int64            `json:"closing_balance"`
	Entries        []StatementEntry `json:"entries"`
}

// Statement lists journal lines resolved through floatAccountID in [from, to)
// with a running debit-minus-credit balance. A zero to means now.
func (f *FloatAccounts) Statement(ctx context.Context, floatAccountID string, from, to time.Time) (Statement, error) {
	if to.IsZero() {
		to = f.c.Now()
	}
	if !from.IsZero() && !from.Before(to) {
		return Statement{}, invalid("from", "must be before to")
	}
	if _, err := f.store.GetFloatAccount(ctx, floatAccountID); err != nil {
		return Statement{}, err
	}
	opening, entries, err := f.store.FloatStatement(ctx, floatAccountID, from, to)
	if err != nil {
		return Statement{}, err
	}
	running := opening
	for i := range entries {
		running += entries[i].Debit - entries[i].Credit
		entries[i].Balance = running
	}
	if entries == nil {
		entries = []StatementEntry{}
	}
	return Statement{
		FloatAccountID: floatAccountID,
		From:           from,
		To:             to,
		Opening:        opening,
		Closing:        running,
		Entries:        entries,
	}, nil
}
