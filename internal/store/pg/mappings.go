package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentbank.org/internal/ids"
	"agentbank.org/internal/ledger"
)

const mappingColumns = `id, branch_id, float_account_id, role, account_code, version, is_active, created_at`

func scanMapping(row interface{ Scan(...any) error }) (ledger.Mapping, error) {
	var (
		m    ledger.Mapping
		role string
	)
	err := row.Scan(&m.ID, &m.BranchID, &m.FloatAccountID, &role, &m.AccountCode, &m.Version, &m.Active, &m.CreatedAt)
	m.Role = ledger.Role(role)
	return m, err
}

func (s *Store) PutMapping(ctx context.Context, m ledger.Mapping) (ledger.Mapping, error) {
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.inTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		var version int
		if err := tx.QueryRowContext(ctx, `
			select coalesce(max(version), 0) from float_gl_mapping
			where branch_id = $1 and float_account_id = $2 and role = $3
		`, m.BranchID, m.FloatAccountID, string(m.Role)).Scan(&version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update float_gl_mapping set is_active = false
			where branch_id = $1 and float_account_id = $2 and role = $3 and is_active
		`, m.BranchID, m.FloatAccountID, string(m.Role)); err != nil {
			return err
		}
		m.Version = version + 1
		m.Active = true
		_, err := tx.ExecContext(ctx, `
			insert into float_gl_mapping(`+mappingColumns+`)
			values ($1, $2, $3, $4, $5, $6, true, $7)
		`, m.ID, m.BranchID, m.FloatAccountID, string(m.Role), m.AccountCode, m.Version, m.CreatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return ledger.Mapping{}, fmt.Errorf("mapping %s/%s/%s: %w", m.BranchID, m.FloatAccountID, m.Role, ledger.ErrConflict)
	}
	if err != nil {
		return ledger.Mapping{}, err
	}
	return m, nil
}

func (s *Store) FindMapping(ctx context.Context, branchID, floatID string, role ledger.Role) (ledger.Mapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx, `
		select `+mappingColumns+` from float_gl_mapping
		where branch_id = $1 and float_account_id = $2 and role = $3 and is_active
		order by version desc
		limit 1
	`, branchID, floatID, string(role)))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Mapping{}, ledger.ErrNotFound
	}
	return m, storeErr(err)
}

func (s *Store) ListMappings(ctx context.Context, floatID string) ([]ledger.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+mappingColumns+` from float_gl_mapping
		where $1 = '' or float_account_id = $1
		order by created_at, version
	`, floatID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ledger.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, m)
	}
	return out, storeErr(rows.Err())
}
