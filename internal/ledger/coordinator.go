package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/auth"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/outbox"
)

// Outcome of an isolated posting attempt.
type Outcome string

const (
	OutcomePosted   Outcome = "posted"
	OutcomeReplayed Outcome = "replayed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeRejected Outcome = "rejected"
)

// Journal event types.
const (
	EventJournalPosted   = "journal.posted"
	EventJournalReversed = "journal.reversed"
)

// Event is a service transaction as reported by a producer.
type Event struct {
	SourceModule        string            `json:"source_module"`
	SourceTransactionID string            `json:"source_transaction_id"`
	Type                TxType            `json:"transaction_type"`
	BranchID            string            `json:"branch_id"`
	FloatAccountID      string            `json:"float_account_id,omitempty"`
	TillAccountID       string            `json:"till_account_id,omitempty"`
	Amount              decimal.Decimal   `json:"amount"`
	Fee                 decimal.Decimal   `json:"fee"`
	Description         string            `json:"description,omitempty"`
	Actor               string            `json:"actor,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	OccurredAt          time.Time         `json:"occurred_at"`
}

// Key is the idempotency key of the event.
func (e Event) Key() string {
	return e.SourceModule + ":" + e.SourceTransactionID
}

// PostingRequest asks for one journal transaction built from explicit lines.
type PostingRequest struct {
	SourceModule        string            `json:"source_module"`
	SourceTransactionID string            `json:"source_transaction_id"`
	SourceType          string            `json:"source_type"`
	Description         string            `json:"description,omitempty"`
	Lines               []JournalLine     `json:"lines"`
	Actor               string            `json:"actor,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	PostedAt            time.Time         `json:"posted_at"`
}

// PostResult identifies the journal transaction that holds the posting.
type PostResult struct {
	JournalTransactionID string `json:"journal_transaction_id"`
	Replayed             bool   `json:"replayed"`
}

// RecordResult is what an isolated posting reports back to a producer.
type RecordResult struct {
	Outcome              Outcome `json:"outcome"`
	JournalTransactionID string  `json:"journal_transaction_id,omitempty"`
	// Error is logged and audited but never serialised to producers.
	Error                string  `json:"-"`
}

// JournalEvent is published after a journal transaction is posted or reversed.
type JournalEvent struct {
	Type        string             `json:"type"`
	Transaction JournalTransaction `json:"transaction"`
	At          time.Time          `json:"at"`
}

// Coordinator posts journal transactions exactly once per idempotency key.
type Coordinator struct {
	store    Store
	builder  *Builder
	resolver Resolver
	c        Collaborators
}

// NewCoordinator wires a coordinator. A nil resolver resolves against store.
func NewCoordinator(store Store, builder *Builder, resolver Resolver, c Collaborators) *Coordinator {
	if builder == nil {
		builder = NewBuilder(2)
	}
	if resolver == nil {
		resolver = NewStoreResolver(store)
	}
	return &Coordinator{store: store, builder: builder, resolver: resolver, c: c.withDefaults()}
}

// Builder exposes the entry builder the coordinator posts with.
func (c *Coordinator) Builder() *Builder { return c.builder }

// PostTransaction validates and stores req. An existing non-reversed
// transaction for the same key is returned instead of posting again.
func (c *Coordinator) PostTransaction(ctx context.Context, req PostingRequest) (PostResult, error) {
	req.SourceModule = strings.TrimSpace(req.SourceModule)
	req.SourceTransactionID = strings.TrimSpace(req.SourceTransactionID)
	if req.SourceModule == "" {
		return PostResult{}, invalid("source_module", "required")
	}
	if req.SourceTransactionID == "" {
		return PostResult{}, invalid("source_transaction_id", "required")
	}

	existing, err := c.store.FindActiveJournal(ctx, req.SourceModule, req.SourceTransactionID)
	switch {
	case err == nil:
		obs.ObservePosting(string(OutcomeReplayed))
		return PostResult{JournalTransactionID: existing.ID, Replayed: true}, nil
	case !errors.Is(err, ErrNotFound):
		return PostResult{}, err
	}

	if err := c.validateLines(ctx, req.Lines); err != nil {
		return PostResult{}, err
	}

	lines := make([]JournalLine, len(req.Lines))
	for i, l := range req.Lines {
		l.LineNo = i + 1
		lines[i] = l
	}
	at := req.PostedAt
	if at.IsZero() {
		at = c.c.Now()
	}
	actor := req.Actor
	if actor == "" {
		actor = auth.ActorID(ctx, auth.System)
	}
	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = req.SourceModule
	}

	stored, replayed, err := c.store.InsertJournal(ctx, JournalTransaction{
		ID:                  newID(),
		CreatedAt:           at.UTC(),
		SourceModule:        req.SourceModule,
		SourceTransactionID: req.SourceTransactionID,
		SourceType:          sourceType,
		Description:         req.Description,
		Status:              StatusPending,
		CreatedBy:           actor,
		Metadata:            req.Metadata,
		Lines:               lines,
	})
	if err != nil {
		return PostResult{}, err
	}
	if replayed {
		obs.ObservePosting(string(OutcomeReplayed))
		return PostResult{JournalTransactionID: stored.ID, Replayed: true}, nil
	}

	obs.ObservePosting(string(OutcomePosted))
	c.c.deferOrLog(ctx, outbox.KindEventsJournal, EventJournalPosted+":"+stored.ID, JournalEvent{Type: EventJournalPosted, Transaction: stored, At: c.c.Now()})
	return PostResult{JournalTransactionID: stored.ID}, nil
}

func (c *Coordinator) validateLines(ctx context.Context, lines []JournalLine) error {
	if len(lines) < 2 {
		return unbalanced("lines", "at least two lines are required")
	}
	var debit, credit int64
	seen := make(map[string]bool, len(lines))
	for i, l := range lines {
		field := fmt.Sprintf("lines[%d]", i)
		if strings.TrimSpace(l.AccountCode) == "" {
			return invalid(field+".account_code", "required")
		}
		if l.Debit < 0 || l.Credit < 0 {
			return unbalanced(field, "amounts must not be negative")
		}
		if (l.Debit == 0) == (l.Credit == 0) {
			return unbalanced(field, "exactly one of debit or credit must be set")
		}
		if l.Debit > maxMinor || l.Credit > maxMinor {
			return unbalanced(field, "amount too large")
		}
		debit += l.Debit
		credit += l.Credit
		if seen[l.AccountCode] {
			continue
		}
		seen[l.AccountCode] = true
		acc, err := c.store.GetAccount(ctx, l.AccountCode)
		if errors.Is(err, ErrNotFound) {
			return &ValidationError{Field: field + ".account_code", Reason: fmt.Sprintf("unknown account %s", l.AccountCode), Err: ErrNotFound}
		}
		if err != nil {
			return err
		}
		if !acc.Active {
			return fmt.Errorf("ledger account %s: %w", acc.Code, ErrAccountInactive)
		}
	}
	if debit != credit {
		return unbalanced("lines", fmt.Sprintf("debits %d != credits %d", debit, credit))
	}
	return nil
}

// Post builds, resolves and posts ev, returning any failure.
func (c *Coordinator) Post(ctx context.Context, ev Event) (PostResult, error) {
	if strings.TrimSpace(ev.SourceModule) == "" {
		return PostResult{}, invalid("source_module", "required")
	}
	if strings.TrimSpace(ev.SourceTransactionID) == "" {
		return PostResult{}, invalid("source_transaction_id", "required")
	}
	// Replays must not depend on mappings that may have changed since the first post.
	if existing, err := c.store.FindActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID); err == nil {
		obs.ObservePosting(string(OutcomeReplayed))
		return PostResult{JournalTransactionID: existing.ID, Replayed: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return PostResult{}, err
	}

	entry, err := c.builder.Build(ev.SourceModule, ev.Type, ev.Amount, ev.Fee, ev.Metadata)
	if err != nil {
		return PostResult{}, err
	}
	lines, err := ResolveLines(ctx, c.resolver, ev.BranchID, ev.FloatAccountID, ev.TillAccountID, entry.Lines)
	if err != nil {
		return PostResult{}, err
	}

	meta := entry.Metadata
	if ev.BranchID != "" {
		meta["branch_id"] = ev.BranchID
	}
	desc := ev.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s", ev.SourceModule, ev.Type)
	}
	return c.PostTransaction(ctx, PostingRequest{
		SourceModule:        ev.SourceModule,
		SourceTransactionID: ev.SourceTransactionID,
		SourceType:          string(ev.Type),
		Description:         desc,
		Lines:               lines,
		Actor:               ev.Actor,
		Metadata:            meta,
		PostedAt:            ev.OccurredAt,
	})
}

// Record posts ev without ever failing the caller. Errors are logged and
// audited; those that may clear on their own are queued for retry.
func (c *Coordinator) Record(ctx context.Context, ev Event) RecordResult {
	res, err := c.Post(ctx, ev)
	if err == nil {
		out := RecordResult{Outcome: OutcomePosted, JournalTransactionID: res.JournalTransactionID}
		if res.Replayed {
			out.Outcome = OutcomeReplayed
		}
		return out
	}

	outcome := OutcomeDeferred
	if errors.Is(err, ErrValidation) {
		outcome = OutcomeRejected
	}
	obs.ObservePosting(string(outcome))
	c.c.Logger.Error("journal posting failed",
		zap.String("source_module", ev.SourceModule),
		zap.String("source_transaction_id", ev.SourceTransactionID),
		zap.String("transaction_type", string(ev.Type)),
		zap.String("outcome", string(outcome)),
		zap.Error(err),
	)
	c.c.audit(ctx, audit.Entry{
		Actor:       ev.Actor,
		ActionType:  "journal.post_failed",
		EntityType:  "journal_transaction",
		EntityID:    ev.Key(),
		Description: "journal posting " + string(outcome),
		Details: map[string]any{
			"transaction_type": ev.Type,
			"branch_id":        ev.BranchID,
			"amount":           ev.Amount.String(),
			"error":            err.Error(),
		},
		Severity: audit.SeverityHigh,
		Status:   audit.StatusFailure,
	})
	if outcome == OutcomeDeferred {
		c.c.deferOrLog(ctx, outbox.KindLedgerPost, ev.Key(), ev)
	}
	return RecordResult{Outcome: outcome, Error: err.Error()}
}

// RetryHandler delivers deferred ledger.post tasks. Validation failures are
// permanent; everything else is retried by the outbox.
func (c *Coordinator) RetryHandler() outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return outbox.Permanent(fmt.Errorf("decode event: %w", err))
		}
		_, err := c.Post(ctx, ev)
		if errors.Is(err, ErrValidation) {
			return outbox.Permanent(err)
		}
		return err
	}
}

// Journal returns one journal transaction with its lines.
func (c *Coordinator) Journal(ctx context.Context, id string) (JournalTransaction, error) {
	return c.store.GetJournal(ctx, id)
}

// ActiveJournal returns the non-reversed transaction for a source key.
func (c *Coordinator) ActiveJournal(ctx context.Context, sourceModule, sourceTransactionID string) (JournalTransaction, error) {
	return c.store.FindActiveJournal(ctx, sourceModule, sourceTransactionID)
}

// Reverse posts the mirror image of a posted transaction and marks the
// original reversed. The original lines are never changed.
func (c *Coordinator) Reverse(ctx context.Context, journalTransactionID, actor, reason string) (JournalTransaction, error) {
	if strings.TrimSpace(journalTransactionID) == "" {
		return JournalTransaction{}, invalid("journal_transaction_id", "required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return JournalTransaction{}, invalid("reason", "required")
	}
	if actor == "" {
		actor = auth.ActorID(ctx, auth.System)
	}
	now := c.c.Now()
	rev, err := c.store.ReverseJournal(ctx, journalTransactionID, func(orig JournalTransaction) JournalTransaction {
		return ReversalOf(orig, newID(), actor, reason, now)
	})
	if err != nil {
		return JournalTransaction{}, err
	}

	obs.ObservePosting("reversed")
	c.c.audit(ctx, audit.Entry{
		Actor:       actor,
		ActionType:  "journal.reverse",
		EntityType:  "journal_transaction",
		EntityID:    journalTransactionID,
		Description: "journal transaction reversed",
		Details:     map[string]any{"reversal_id": rev.ID, "reason": reason},
		Severity:    audit.SeverityMedium,
	})
	c.c.deferOrLog(ctx, outbox.KindEventsJournal, EventJournalReversed+":"+journalTransactionID, JournalEvent{Type: EventJournalReversed, Transaction: rev, At: now})
	return rev, nil
}

// ReversalRequest is the payload of a deferred GL reversal.
type ReversalRequest struct {
	JournalTransactionID string `json:"journal_transaction_id"`
	Actor                string `json:"actor,omitempty"`
	Reason               string `json:"reason"`
}

// RecordReversal reverses without failing the caller. An already reversed
// transaction counts as replayed; other failures are audited and queued.
func (c *Coordinator) RecordReversal(ctx context.Context, req ReversalRequest) RecordResult {
	rev, err := c.Reverse(ctx, req.JournalTransactionID, req.Actor, req.Reason)
	switch {
	case err == nil:
		return RecordResult{Outcome: OutcomePosted, JournalTransactionID: rev.ID}
	case errors.Is(err, ErrAlreadyReversed):
		return RecordResult{Outcome: OutcomeReplayed}
	}

	outcome := OutcomeDeferred
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		outcome = OutcomeRejected
	}
	c.c.Logger.Error("journal reversal failed",
		zap.String("journal_transaction_id", req.JournalTransactionID),
		zap.String("outcome", string(outcome)),
		zap.Error(err),
	)
	c.c.audit(ctx, audit.Entry{
		Actor:       req.Actor,
		ActionType:  "journal.reverse_failed",
		EntityType:  "journal_transaction",
		EntityID:    req.JournalTransactionID,
		Description: "journal reversal " + string(outcome),
		Details:     map[string]any{"reason": req.Reason, "error": err.Error()},
		Severity:    audit.SeverityHigh,
		Status:      audit.StatusFailure,
	})
	if outcome == OutcomeDeferred {
		c.c.deferOrLog(ctx, outbox.KindLedgerReverse, req.JournalTransactionID, req)
	}
	return RecordResult{Outcome: outcome, Error: err.Error()}
}

// ReverseRetryHandler delivers deferred ledger.reverse tasks.
func (c *Coordinator) ReverseRetryHandler() outbox.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var req ReversalRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return outbox.Permanent(fmt.Errorf("decode reversal: %w", err))
		}
		_, err := c.Reverse(ctx, req.JournalTransactionID, req.Actor, req.Reason)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyReversed):
			return nil
		case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
			return outbox.Permanent(err)
		}
		return err
	}
}

// ReversalOf builds the reversing transaction for orig: same accounts, sides swapped.
func ReversalOf(orig JournalTransaction, id, actor, reason string, at time.Time) JournalTransaction {
	lines := make([]JournalLine, len(orig.Lines))
	for i, l := range orig.Lines {
		l.Debit, l.Credit = l.Credit, l.Debit
		l.LineNo = i + 1
		if l.Description != "" {
			l.Description = "reversal: " + l.Description
		}
		lines[i] = l
	}
	return JournalTransaction{
		ID:                  id,
		CreatedAt:           at.UTC(),
		SourceModule:        ModuleReversal,
		SourceTransactionID: orig.ID,
		SourceType:          ModuleReversal,
		Description:         "reversal of " + orig.ID,
		Status:              StatusPending,
		CreatedBy:           actor,
		Metadata:            map[string]string{"reverses": orig.ID, "reason": reason},
		Lines:               lines,
	}
}
