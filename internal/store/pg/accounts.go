package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agentbank.org/internal/ledger"
)

const accountColumns = `code, name, type, active, balance, created_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var a ledger.Account
	var typ string
	if err := row.Scan(&a.Code, &a.Name, &typ, &a.Active, &a.Balance, &a.CreatedAt); err != nil {
		return ledger.Account{}, err
	}
	a.Type = ledger.AccountType(typ)
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, code string) (ledger.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from ledger_account where code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("ledger account %s: %w", code, ledger.ErrNotFound)
	}
	return acc, storeErr(err)
}

func (s *Store) EnsureAccount(ctx context.Context, acc ledger.Account) (ledger.Account, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into ledger_account(code, name, type, active, balance, created_at)
		values ($1, $2, $3, $4, 0, now())
		on conflict (code) do nothing
	`, acc.Code, acc.Name, string(acc.Type), acc.Active)
	if err != nil {
		return ledger.Account{}, false, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Account{}, false, storeErr(err)
	}
	stored, err := s.GetAccount(ctx, acc.Code)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `select `+accountColumns+` from ledger_account order by code`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, a)
	}
	return out, storeErr(rows.Err())
}

func (s *Store) SetAccountActive(ctx context.Context, code string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update ledger_account set active = $2 where code = $1`, code, active)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger account %s: %w", code, ledger.ErrNotFound)
	}
	return nil
}
