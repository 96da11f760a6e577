// Package outbox runs best-effort side effects out of band. Producers enqueue a
// task and return; a dispatcher delivers it with backoff until it succeeds or
// exhausts its attempts.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentbank.org/internal/ids"
)

// Task kinds.
const (
	KindLedgerPost      = "ledger.post"
	KindLedgerReverse   = "ledger.reverse"
	KindAuditLog        = "audit.log"
	KindNotifyThreshold = "notify.float_threshold"
	KindEventsJournal   = "events.journal"
)

// Status of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Task is one deferred side effect.
type Task struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Key           string          `json:"dedup_key"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewTask builds a pending task due at at. Stores that persist a task inside
// their own transaction take it from here rather than going through Defer.
func NewTask(kind, key string, payload any, at time.Time) (Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("outbox: encode %s payload: %w", kind, err)
	}
	return Task{
		ID:            ids.Prefixed("obx"),
		Kind:          kind,
		Key:           key,
		Payload:       data,
		NextAttemptAt: at,
		Status:        StatusPending,
		CreatedAt:     at,
	}, nil
}

// Queue stores tasks. Claim leases due tasks until lease so that concurrent
// dispatchers do not deliver the same task twice.
type Queue interface {
	// Enqueue stores t unless a pending task with the same kind and key exists.
	Enqueue(ctx context.Context, t Task) (bool, error)
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Task, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	Kill(ctx context.Context, id string, attempts int, lastErr string) error
}

// Handler delivers one payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the task goes straight to dead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}
