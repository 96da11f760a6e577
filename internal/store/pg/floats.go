package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentbank.org/internal/ids"
	"agentbank.org/internal/ledger"
	"agentbank.org/internal/outbox"
)

const floatColumns = `id, branch_id, provider, account_type, current_balance, min_threshold, max_threshold, is_active, created_at`

const movementColumns = `id, float_account_id, delta, balance_before, balance_after, cause_reference, created_at`

func scanFloat(row interface{ Scan(...any) error }) (ledger.FloatAccount, error) {
	var (
		f   ledger.FloatAccount
		typ string
	)
	err := row.Scan(&f.ID, &f.BranchID, &f.Provider, &typ, &f.Balance, &f.MinThreshold, &f.MaxThreshold, &f.Active, &f.CreatedAt)
	f.Type = ledger.FloatType(typ)
	return f, err
}

func scanMovement(row interface{ Scan(...any) error }) (ledger.FloatMovement, error) {
	var m ledger.FloatMovement
	err := row.Scan(&m.ID, &m.FloatAccountID, &m.Delta, &m.BalanceBefore, &m.BalanceAfter, &m.CauseReference, &m.CreatedAt)
	return m, err
}

func (s *Store) CreateFloatAccount(ctx context.Context, acc ledger.FloatAccount) (ledger.FloatAccount, error) {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into float_account(id, branch_id, provider, account_type, current_balance, min_threshold, max_threshold, is_active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acc.ID, acc.BranchID, acc.Provider, string(acc.Type), acc.Balance, acc.MinThreshold, acc.MaxThreshold, acc.Active, acc.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.FloatAccount{}, fmt.Errorf("float account for %s/%s: %w", acc.BranchID, acc.Provider, ledger.ErrConflict)
	}
	if err != nil {
		return ledger.FloatAccount{}, storeErr(err)
	}
	return acc, nil
}

func (s *Store) GetFloatAccount(ctx context.Context, id string) (ledger.FloatAccount, error) {
	f, err := scanFloat(s.db.QueryRowContext(ctx, `select `+floatColumns+` from float_account where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FloatAccount{}, fmt.Errorf("float account %s: %w", id, ledger.ErrNotFound)
	}
	return f, storeErr(err)
}

func (s *Store) ListFloatAccounts(ctx context.Context, branchID string) ([]ledger.FloatAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+floatColumns+` from float_account
		where $1 = '' or branch_id = $1
		order by id
	`, branchID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ledger.FloatAccount
	for rows.Next() {
		f, err := scanFloat(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, f)
	}
	return out, storeErr(rows.Err())
}

func (s *Store) ApplyFloatDeltas(ctx context.Context, deltas []ledger.FloatDelta, followUp *outbox.Task) ([]ledger.FloatMovement, []ledger.FloatAccount, error) {
	var (
		movements []ledger.FloatMovement
		accounts  []ledger.FloatAccount
	)
	err := s.inTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		movements = make([]ledger.FloatMovement, 0, len(deltas))
		accounts = make([]ledger.FloatAccount, 0, len(deltas))

		floatIDs := make([]string, 0, len(deltas))
		for _, d := range deltas {
			floatIDs = append(floatIDs, d.FloatAccountID)
		}
		// Lock in a stable order so concurrent multi-account updates cannot deadlock.
		locked := make(map[string]*ledger.FloatAccount, len(floatIDs))
		for _, id := range sortedUnique(floatIDs) {
			f, err := scanFloat(tx.QueryRowContext(ctx, `select `+floatColumns+` from float_account where id = $1 for update`, id))
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("float account %s: %w", id, ledger.ErrNotFound)
			}
			if err != nil {
				return err
			}
			locked[id] = &f
		}

		now := time.Now().UTC()
		dirty := make(map[string]bool, len(locked))
		for _, d := range deltas {
			f := locked[d.FloatAccountID]
			prior, err := scanMovement(tx.QueryRowContext(ctx, `
				select `+movementColumns+` from float_movement
				where float_account_id = $1 and cause_reference = $2
			`, d.FloatAccountID, d.Cause))
			if err == nil {
				prior.Replayed = true
				movements = append(movements, prior)
				accounts = append(accounts, *f)
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if !f.Active {
				return fmt.Errorf("float account %s: %w", f.ID, ledger.ErrAccountInactive)
			}
			if f.Balance+d.Delta < 0 {
				return fmt.Errorf("float account %s balance %d, delta %d: %w", f.ID, f.Balance, d.Delta, ledger.ErrInsufficientFunds)
			}
			m := ledger.FloatMovement{
				ID:             ids.New(),
				FloatAccountID: f.ID,
				Delta:          d.Delta,
				BalanceBefore:  f.Balance,
				BalanceAfter:   f.Balance + d.Delta,
				CauseReference: d.Cause,
				CreatedAt:      now,
			}
			if _, err := tx.ExecContext(ctx, `
				insert into float_movement(`+movementColumns+`)
				values ($1, $2, $3, $4, $5, $6, $7)
			`, m.ID, m.FloatAccountID, m.Delta, m.BalanceBefore, m.BalanceAfter, m.CauseReference, m.CreatedAt); err != nil {
				return err
			}
			f.Balance = m.BalanceAfter
			dirty[f.ID] = true
			movements = append(movements, m)
			accounts = append(accounts, *f)
		}
		for _, id := range sortedUnique(floatIDs) {
			if !dirty[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `update float_account set current_balance = $2 where id = $1`, id, locked[id].Balance); err != nil {
				return err
			}
		}
		if followUp != nil && len(dirty) > 0 {
			if _, err := enqueueTask(ctx, tx, *followUp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return movements, accounts, nil
}

func (s *Store) FloatMovements(ctx context.Context, floatID string, limit int) ([]ledger.FloatMovement, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.movements(ctx, `
		select `+movementColumns+` from float_movement
		where float_account_id = $1
		order by created_at desc, id desc
		limit $2
	`, floatID, limit)
}

func (s *Store) MovementsByCause(ctx context.Context, cause string) ([]ledger.FloatMovement, error) {
	return s.movements(ctx, `
		select `+movementColumns+` from float_movement
		where cause_reference = $1
		order by id
	`, cause)
}

func (s *Store) movements(ctx context.Context, query string, args ...any) ([]ledger.FloatMovement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ledger.FloatMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, m)
	}
	return out, storeErr(rows.Err())
}

func (s *Store) SetFloatActive(ctx context.Context, id string, active bool) error {
	return s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `select current_balance from float_account where id = $1 for update`, id).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("float account %s: %w", id, ledger.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !active && balance != 0 {
			return fmt.Errorf("float account %s holds %d: %w", id, balance, ledger.ErrNonZeroBalance)
		}
		_, err = tx.ExecContext(ctx, `update float_account set is_active = $2 where id = $1`, id, active)
		return err
	})
}
