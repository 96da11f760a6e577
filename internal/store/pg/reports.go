package pg

import (
	"context"
	"time"

	"agentbank.org/internal/ledger"
)

func (s *Store) AccountTotals(ctx context.Context, asOf time.Time) ([]ledger.AccountTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		select a.code, a.name, a.type, coalesce(x.debit, 0), coalesce(x.credit, 0)
		from ledger_account a
		left join (
			select l.account_code, sum(l.debit) as debit, sum(l.credit) as credit
			from journal_line l
			join journal_transaction t on t.id = l.transaction_id
			where t.status <> 'pending' and t.created_at <= $1
			group by l.account_code
		) x on x.account_code = a.code
		order by a.code
	`, asOf)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []ledger.AccountTotal
	for rows.Next() {
		var (
			t   ledger.AccountTotal
			typ string
		)
		if err := rows.Scan(&t.Code, &t.Name, &typ, &t.Debit, &t.Credit); err != nil {
			return nil, storeErr(err)
		}
		t.Type = ledger.AccountType(typ)
		out = append(out, t)
	}
	return out, storeErr(rows.Err())
}

func (s *Store) FloatStatement(ctx context.Context, floatID string, from, to time.Time) (int64, []ledger.StatementEntry, error) {
	var opening int64
	if err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(l.debit - l.credit), 0)
		from journal_line l
		join journal_transaction t on t.id = l.transaction_id
		where l.float_account_id = $1 and t.status <> 'pending' and t.created_at < $2
	`, floatID, from).Scan(&opening); err != nil {
		return 0, nil, storeErr(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.created_at, t.source_module, t.source_transaction_id, t.source_type,
		       l.account_code, l.role, coalesce(m.version, 0), l.description, l.debit, l.credit
		from journal_line l
		join journal_transaction t on t.id = l.transaction_id
		left join lateral (
			select max(g.version) as version from float_gl_mapping g
			where g.float_account_id = l.float_account_id and g.role = l.role and g.account_code = l.account_code
		) m on true
		where l.float_account_id = $1 and t.status <> 'pending' and t.created_at >= $2 and t.created_at < $3
		order by t.created_at, t.id, l.line_no
	`, floatID, from, to)
	if err != nil {
		return 0, nil, storeErr(err)
	}
	defer rows.Close()
	var entries []ledger.StatementEntry
	for rows.Next() {
		var (
			e    ledger.StatementEntry
			role string
		)
		if err := rows.Scan(&e.JournalTransactionID, &e.PostedAt, &e.SourceModule, &e.SourceTransactionID, &e.SourceType,
			&e.AccountCode, &role, &e.MappingVersion, &e.Description, &e.Debit, &e.Credit); err != nil {
			return 0, nil, storeErr(err)
		}
		e.Role = ledger.Role(role)
		entries = append(entries, e)
	}
	return opening, entries, storeErr(rows.Err())
}
