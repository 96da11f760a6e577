package pg

import (
	"context"
	"database/sql"
	"time"

	"agentbank.org/internal/outbox"
)

// Queue is the Postgres outbox.
type Queue struct {
	db *sql.DB
}

var _ outbox.Queue = (*Queue)(nil)

func (s *Store) Queue() *Queue { return &Queue{db: s.db} }

func (q *Queue) Enqueue(ctx context.Context, t outbox.Task) (bool, error) {
	created, err := enqueueTask(ctx, q.db, t)
	return created, storeErr(err)
}

// enqueueTask inserts t through db, which may be a transaction.
func enqueueTask(ctx context.Context, db queryer, t outbox.Task) (bool, error) {
	res, err := db.ExecContext(ctx, `
		insert into ledger_outbox(id, kind, dedup_key, payload, attempts, next_attempt_at, last_error, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
		on conflict (kind, dedup_key) where status = 'pending' do nothing
	`, t.ID, t.Kind, t.Key, string(t.Payload), t.Attempts, t.NextAttemptAt, t.LastError, t.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Claim leases up to limit due tasks; rows held by another dispatcher are skipped.
func (q *Queue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]outbox.Task, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id, kind, dedup_key, payload, attempts, next_attempt_at, last_error, status, created_at
		from ledger_outbox
		where status = 'pending' and next_attempt_at <= $1
		order by next_attempt_at
		limit $2
		for update skip locked
	`, now, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	var tasks []outbox.Task
	for rows.Next() {
		var (
			t       outbox.Task
			payload []byte
			status  string
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.Key, &payload, &t.Attempts, &t.NextAttemptAt, &t.LastError, &status, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, storeErr(err)
		}
		t.Payload = payload
		t.Status = outbox.Status(status)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	until := now.Add(lease)
	for i := range tasks {
		if _, err := tx.ExecContext(ctx, `update ledger_outbox set next_attempt_at = $2 where id = $1`, tasks[i].ID, until); err != nil {
			return nil, storeErr(err)
		}
		tasks[i].NextAttemptAt = until
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(err)
	}
	return tasks, nil
}

func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `update ledger_outbox set status = 'done' where id = $1`, id)
	return storeErr(err)
}

func (q *Queue) Retry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	_, err := q.db.ExecContext(ctx, `
		update ledger_outbox set attempts = $2, next_attempt_at = $3, last_error = $4 where id = $1
	`, id, attempts, next, lastErr)
	return storeErr(err)
}

func (q *Queue) Kill(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := q.db.ExecContext(ctx, `
		update ledger_outbox set attempts = $2, last_error = $3, status = 'dead' where id = $1
	`, id, attempts, lastErr)
	return storeErr(err)
}
