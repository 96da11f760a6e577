package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentbank.org/internal/ledger"
)

const journalColumns = `id, created_at, source_module, source_transaction_id, source_type, description, status, created_by, metadata`

func scanJournal(row interface{ Scan(...any) error }) (ledger.JournalTransaction, error) {
	var (
		tx     ledger.JournalTransaction
		status string
		meta   []byte
	)
	if err := row.Scan(&tx.ID, &tx.CreatedAt, &tx.SourceModule, &tx.SourceTransactionID, &tx.SourceType,
		&tx.Description, &status, &tx.CreatedBy, &meta); err != nil {
		return ledger.JournalTransaction{}, err
	}
	tx.Status = ledger.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return ledger.JournalTransaction{}, fmt.Errorf("decode metadata of %s: %w", tx.ID, err)
		}
		if len(tx.Metadata) == 0 {
			tx.Metadata = nil
		}
	}
	return tx, nil
}

func loadLines(ctx context.Context, q queryer, tx *ledger.JournalTransaction) error {
	rows, err := q.QueryContext(ctx, `
		select line_no, account_code, debit, credit, description, float_account_id, role
		from journal_line where transaction_id = $1 order by line_no
	`, tx.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	tx.Lines = tx.Lines[:0]
	for rows.Next() {
		var (
			l    ledger.JournalLine
			role string
		)
		if err := rows.Scan(&l.LineNo, &l.AccountCode, &l.Debit, &l.Credit, &l.Description, &l.FloatAccountID, &role); err != nil {
			return err
		}
		l.Role = ledger.Role(role)
		tx.Lines = append(tx.Lines, l)
	}
	return rows.Err()
}

func findActive(ctx context.Context, q queryer, module, sourceID string) (ledger.JournalTransaction, error) {
	tx, err := scanJournal(q.QueryRowContext(ctx, `
		select `+journalColumns+` from journal_transaction
		where source_module = $1 and source_transaction_id = $2 and status <> 'reversed'
	`, module, sourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.JournalTransaction{}, ledger.ErrNotFound
		}
		return ledger.JournalTransaction{}, err
	}
	if err := loadLines(ctx, q, &tx); err != nil {
		return ledger.JournalTransaction{}, err
	}
	return tx, nil
}

func (s *Store) FindActiveJournal(ctx context.Context, module, sourceID string) (ledger.JournalTransaction, error) {
	tx, err := findActive(ctx, s.db, module, sourceID)
	return tx, storeErr(err)
}

func (s *Store) GetJournal(ctx context.Context, id string) (ledger.JournalTransaction, error) {
	tx, err := scanJournal(s.db.QueryRowContext(ctx, `select `+journalColumns+` from journal_transaction where id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.JournalTransaction{}, fmt.Errorf("journal %s: %w", id, ledger.ErrNotFound)
		}
		return ledger.JournalTransaction{}, storeErr(err)
	}
	if err := loadLines(ctx, s.db, &tx); err != nil {
		return ledger.JournalTransaction{}, storeErr(err)
	}
	return tx, nil
}

func (s *Store) InsertJournal(ctx context.Context, in ledger.JournalTransaction) (ledger.JournalTransaction, bool, error) {
	var (
		out      ledger.JournalTransaction
		replayed bool
	)
	err := s.inTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		// Idempotency fast path inside the tx.
		existing, err := findActive(ctx, tx, in.SourceModule, in.SourceTransactionID)
		if err == nil {
			out, replayed = existing, true
			return nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		posted, err := insertPosted(ctx, tx, in, true)
		if err != nil {
			return err
		}
		out, replayed = posted, false
		return nil
	})
	if isUniqueViolation(err) {
		// Lost the race on the partial unique index: return the winner.
		existing, ferr := s.FindActiveJournal(ctx, in.SourceModule, in.SourceTransactionID)
		if ferr != nil {
			return ledger.JournalTransaction{}, false, ferr
		}
		return existing, true, nil
	}
	if err != nil {
		return ledger.JournalTransaction{}, false, err
	}
	return out, replayed, nil
}

// insertPosted locks and checks the touched accounts, writes the header as
// pending, the lines, the balance updates and finally flips the status.
func insertPosted(ctx context.Context, tx *sql.Tx, in ledger.JournalTransaction, requireActive bool) (ledger.JournalTransaction, error) {
	codes := make([]string, 0, len(in.Lines))
	for _, l := range in.Lines {
		codes = append(codes, l.AccountCode)
	}
	types := make(map[string]ledger.AccountType, len(codes))
	for _, code := range sortedUnique(codes) {
		var (
			typ    string
			active bool
		)
		err := tx.QueryRowContext(ctx, `select type, active from ledger_account where code = $1 for update`, code).Scan(&typ, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.JournalTransaction{}, fmt.Errorf("ledger account %s: %w", code, ledger.ErrNotFound)
		}
		if err != nil {
			return ledger.JournalTransaction{}, err
		}
		if requireActive && !active {
			return ledger.JournalTransaction{}, fmt.Errorf("ledger account %s: %w", code, ledger.ErrAccountInactive)
		}
		types[code] = ledger.AccountType(typ)
	}

	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return ledger.JournalTransaction{}, err
	}
	if in.Metadata == nil {
		meta = []byte("{}")
	}
	if _, err := tx.ExecContext(ctx, `
		insert into journal_transaction(id, created_at, source_module, source_transaction_id, source_type, description, status, created_by, metadata)
		values ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
	`, in.ID, in.CreatedAt, in.SourceModule, in.SourceTransactionID, in.SourceType, in.Description, in.CreatedBy, string(meta)); err != nil {
		return ledger.JournalTransaction{}, err
	}

	deltas := make(map[string]int64, len(types))
	for _, l := range in.Lines {
		if _, err := tx.ExecContext(ctx, `
			insert into journal_line(transaction_id, line_no, account_code, debit, credit, description, float_account_id, role)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
		`, in.ID, l.LineNo, l.AccountCode, l.Debit, l.Credit, l.Description, l.FloatAccountID, string(l.Role)); err != nil {
			return ledger.JournalTransaction{}, err
		}
		deltas[l.AccountCode] += types[l.AccountCode].Delta(l.Debit, l.Credit)
	}
	for _, code := range sortedUnique(codes) {
		if deltas[code] == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `update ledger_account set balance = balance + $2 where code = $1`, code, deltas[code]); err != nil {
			return ledger.JournalTransaction{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `update journal_transaction set status = 'posted' where id = $1`, in.ID); err != nil {
		return ledger.JournalTransaction{}, err
	}
	in.Status = ledger.StatusPosted
	return in, nil
}

func (s *Store) ReverseJournal(ctx context.Context, originalID string, build func(ledger.JournalTransaction) ledger.JournalTransaction) (ledger.JournalTransaction, error) {
	var rev ledger.JournalTransaction
	err := s.inTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		orig, err := scanJournal(tx.QueryRowContext(ctx, `select `+journalColumns+` from journal_transaction where id = $1 for update`, originalID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("journal %s: %w", originalID, ledger.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if orig.Status != ledger.StatusPosted {
			return fmt.Errorf("journal %s is %s: %w", orig.ID, orig.Status, ledger.ErrAlreadyReversed)
		}
		if err := loadLines(ctx, tx, &orig); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update journal_transaction set status = 'reversed' where id = $1`, orig.ID); err != nil {
			return err
		}
		// Reversals may touch accounts deactivated since the original posted.
		rev, err = insertPosted(ctx, tx, build(orig), false)
		if isUniqueViolation(err) {
			return fmt.Errorf("journal %s: %w", orig.ID, ledger.ErrAlreadyReversed)
		}
		return err
	})
	if err != nil {
		return ledger.JournalTransaction{}, err
	}
	return rev, nil
}
