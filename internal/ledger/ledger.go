// Package ledger posts balanced double-entry journal transactions for agent
// banking service events and keeps float and cash-till balances in step with them.
//
// Float adjustments are synchronous and authoritative. General ledger posting is
// a side effect: failures are audited and deferred through an outbox, never
// surfaced to the producer whose business transaction already happened.
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/obs"
)

// Deferrer enqueues a best-effort side effect for out-of-band delivery.
type Deferrer interface {
	Defer(ctx context.Context, kind, key string, payload any) error
}

// MappingCache is told about mapping writes so cached resolutions can be dropped.
type MappingCache interface {
	Invalidate(ctx context.Context, branchID, floatAccountID string, role Role) error
}

// Collaborators are the side channels shared by the ledger services. Zero
// values are replaced with no-op or process-wide defaults.
type Collaborators struct {
	Audit    audit.Logger
	Deferrer Deferrer
	Cache    MappingCache
	Logger   *zap.Logger
	Now      func() time.Time
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Audit == nil {
		c.Audit = audit.Nop{}
	}
	if c.Logger == nil {
		c.Logger = obs.Logger()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// deferOrLog enqueues a side effect; without a queue, or if enqueueing fails,
// the effect is dropped with an error log.
func (c Collaborators) deferOrLog(ctx context.Context, kind, key string, payload any) {
	if c.Deferrer == nil {
		c.Logger.Warn("no deferrer configured, side effect dropped", zap.String("kind", kind), zap.String("key", key))
		return
	}
	if err := c.Deferrer.Defer(ctx, kind, key, payload); err != nil {
		c.Logger.Error("defer side effect failed", zap.String("kind", kind), zap.String("key", key), zap.Error(err))
	}
}

func (c Collaborators) audit(ctx context.Context, e audit.Entry) {
	if err := c.Audit.Log(ctx, e); err != nil {
		c.Logger.Error("audit failed", zap.String("action_type", e.ActionType), zap.Error(err))
	}
}
