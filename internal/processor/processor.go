// Package processor is the producer-facing entry point for service
// transactions: it applies the float effect synchronously and hands the
// economic event to the ledger as an isolated side effect.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/ledger"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/outbox"
)

// Result reports both halves of a processed transaction.
type Result struct {
	Movements []ledger.FloatMovement `json:"movements"`
	Posting   ledger.RecordResult    `json:"posting"`
}

// ReversalResult reports a reversed service transaction.
type ReversalResult struct {
	Movements []ledger.FloatMovement `json:"movements"`
	Reversal  ledger.RecordResult    `json:"reversal"`
}

// FollowUps marks a follow-up task done once the posting it guards has landed.
type FollowUps interface {
	Complete(ctx context.Context, id string) error
}

// followUpDelay is how long the committed ledger.post follow-up waits before a
// dispatcher may deliver it.
const followUpDelay = time.Minute

type Processor struct {
	floats    *ledger.FloatAccounts
	coord     *ledger.Coordinator
	followUps FollowUps
	log       *zap.Logger
	now       func() time.Time
}

// New builds a Processor. followUps may be nil, in which case follow-up tasks
// are left for the dispatcher to replay.
func New(floats *ledger.FloatAccounts, coord *ledger.Coordinator, followUps FollowUps, log *zap.Logger) *Processor {
	if log == nil {
		log = obs.Logger()
	}
	return &Processor{
		floats:    floats,
		coord:     coord,
		followUps: followUps,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func reversalCause(key string) string { return "reversal:" + key }

// Process validates ev, applies its float effect and records the journal.
// Float errors are returned; ledger errors are not.
func (p *Processor) Process(ctx context.Context, ev ledger.Event) (Result, error) {
	ev.SourceModule = strings.TrimSpace(ev.SourceModule)
	ev.SourceTransactionID = strings.TrimSpace(ev.SourceTransactionID)
	if ev.SourceModule == "" {
		return Result{}, &ledger.ValidationError{Field: "source_module", Reason: "required"}
	}
	if ev.SourceTransactionID == "" {
		return Result{}, &ledger.ValidationError{Field: "source_transaction_id", Reason: "required"}
	}

	// Building first keeps invalid requests from touching any balance.
	entry, err := p.coord.Builder().Build(ev.SourceModule, ev.Type, ev.Amount, ev.Fee, ev.Metadata)
	if err != nil {
		return Result{}, err
	}
	if err := p.checkAccounts(ctx, &ev, entry.Rule); err != nil {
		return Result{}, err
	}

	cause := ev.Key()
	if prior, err := p.floats.MovementsByCause(ctx, reversalCause(cause)); err != nil {
		return Result{}, err
	} else if len(prior) > 0 {
		return Result{}, fmt.Errorf("service transaction %s: %w", cause, ledger.ErrAlreadyReversed)
	}

	var deltas []ledger.FloatDelta
	if entry.ProviderDelta != 0 {
		deltas = append(deltas, ledger.FloatDelta{FloatAccountID: ev.FloatAccountID, Delta: entry.ProviderDelta, Cause: cause})
	}
	if entry.TillDelta != 0 {
		deltas = append(deltas, ledger.FloatDelta{FloatAccountID: ev.TillAccountID, Delta: entry.TillDelta, Cause: cause})
	}
	if err := p.checkReplay(ctx, ev, entry, deltas); err != nil {
		return Result{}, err
	}

	// The follow-up commits with the movements, so a crash before Record still
	// leaves a posting queued.
	followUp, err := outbox.NewTask(outbox.KindLedgerPost, cause, ev, p.now())
	if err != nil {
		return Result{}, err
	}
	followUp.NextAttemptAt = followUp.NextAttemptAt.Add(followUpDelay)
	movements, err := p.floats.ApplyWithFollowUp(ctx, deltas, followUp)
	if err != nil {
		return Result{}, err
	}

	posting := p.coord.Record(ctx, ev)
	// A deferred posting keeps the follow-up as its retry.
	if p.followUps != nil && !allReplayed(movements) && posting.Outcome != ledger.OutcomeDeferred {
		if err := p.followUps.Complete(ctx, followUp.ID); err != nil {
			p.log.Warn("follow-up completion failed", zap.String("key", cause), zap.Error(err))
		}
	}
	return Result{Movements: movements, Posting: posting}, nil
}

// checkReplay refuses a reused idempotency key whose payload differs from what
// was already applied or posted under it.
func (p *Processor) checkReplay(ctx context.Context, ev ledger.Event, entry ledger.Entry, deltas []ledger.FloatDelta) error {
	key := ev.Key()
	prior, err := p.floats.MovementsByCause(ctx, key)
	if err != nil {
		return err
	}
	if len(prior) > 0 {
		want := make(map[string]int64, len(deltas))
		for _, d := range deltas {
			want[d.FloatAccountID] += d.Delta
		}
		got := make(map[string]int64, len(prior))
		for _, m := range prior {
			got[m.FloatAccountID] += m.Delta
		}
		if !maps.Equal(want, got) {
			return fmt.Errorf("service transaction %s was applied with a different float effect: %w", key, ledger.ErrConflict)
		}
	}

	journal, err := p.coord.ActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if journal.SourceType != string(ev.Type) ||
		journal.Metadata[ledger.MetaAmount] != entry.Metadata[ledger.MetaAmount] ||
		journal.Metadata[ledger.MetaFee] != entry.Metadata[ledger.MetaFee] {
		return fmt.Errorf("service transaction %s was posted with a different payload: %w", key, ledger.ErrConflict)
	}
	return nil
}

func allReplayed(ms []ledger.FloatMovement) bool {
	for _, m := range ms {
		if !m.Replayed {
			return false
		}
	}
	return len(ms) > 0
}

// checkAccounts validates the floats ev touches. An empty branch is taken from
// the accounts so that mapping resolution runs at branch scope.
func (p *Processor) checkAccounts(ctx context.Context, ev *ledger.Event, rule ledger.Rule) error {
	if rule.NeedsProvider() {
		if ev.FloatAccountID == "" {
			return &ledger.ValidationError{Field: "float_account_id", Reason: fmt.Sprintf("required for %s", ev.Type)}
		}
		acc, err := p.floats.Get(ctx, ev.FloatAccountID)
		if err != nil {
			return err
		}
		if acc.Type == ledger.FloatCashInTill {
			return &ledger.ValidationError{Field: "float_account_id", Reason: "must be a provider float, not a cash till"}
		}
		if ev.BranchID == "" {
			ev.BranchID = acc.BranchID
		}
		if acc.BranchID != ev.BranchID {
			return &ledger.ValidationError{Field: "float_account_id", Reason: "belongs to another branch"}
		}
	}
	if rule.NeedsTill() {
		if ev.TillAccountID == "" {
			return &ledger.ValidationError{Field: "till_account_id", Reason: fmt.Sprintf("required for %s", ev.Type)}
		}
		acc, err := p.floats.Get(ctx, ev.TillAccountID)
		if err != nil {
			return err
		}
		if acc.Type != ledger.FloatCashInTill {
			return &ledger.ValidationError{Field: "till_account_id", Reason: "must be a cash till"}
		}
		if ev.BranchID == "" {
			ev.BranchID = acc.BranchID
		}
		if acc.BranchID != ev.BranchID {
			return &ledger.ValidationError{Field: "till_account_id", Reason: "belongs to another branch"}
		}
	}
	return nil
}

// Reverse undoes a processed service transaction: compensating float
// movements first, then the GL reversal of its active journal.
func (p *Processor) Reverse(ctx context.Context, sourceModule, sourceTransactionID, actor, reason string) (ReversalResult, error) {
	if strings.TrimSpace(reason) == "" {
		return ReversalResult{}, &ledger.ValidationError{Field: "reason", Reason: "required"}
	}
	key := ledger.Event{SourceModule: sourceModule, SourceTransactionID: sourceTransactionID}.Key()

	original, err := p.floats.MovementsByCause(ctx, key)
	if err != nil {
		return ReversalResult{}, err
	}
	journal, err := p.coord.ActiveJournal(ctx, sourceModule, sourceTransactionID)
	hasJournal := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return ReversalResult{}, err
	}
	if len(original) == 0 && !hasJournal {
		return ReversalResult{}, fmt.Errorf("service transaction %s: %w", key, ledger.ErrNotFound)
	}

	var res ReversalResult
	if len(original) > 0 {
		deltas := make([]ledger.FloatDelta, 0, len(original))
		for _, m := range original {
			deltas = append(deltas, ledger.FloatDelta{FloatAccountID: m.FloatAccountID, Delta: -m.Delta, Cause: reversalCause(key)})
		}
		res.Movements, err = p.floats.Apply(ctx, deltas)
		if err != nil {
			return ReversalResult{}, err
		}
	}

	if !hasJournal {
		replayed := len(res.Movements) > 0
		for _, m := range res.Movements {
			replayed = replayed && m.Replayed
		}
		if replayed {
			return res, fmt.Errorf("service transaction %s: %w", key, ledger.ErrAlreadyReversed)
		}
		p.log.Warn("reversed float effect of a transaction with no active journal",
			zap.String("source_module", sourceModule),
			zap.String("source_transaction_id", sourceTransactionID))
		res.Reversal = ledger.RecordResult{Outcome: ledger.OutcomeRejected, Error: ledger.ErrNotFound.Error()}
		return res, nil
	}
	res.Reversal = p.coord.RecordReversal(ctx, ledger.ReversalRequest{JournalTransactionID: journal.ID, Actor: actor, Reason: reason})
	return res, nil
}

// RetryHandler delivers deferred ledger.post tasks, skipping transactions whose
// float effect was reversed while the posting waited in the queue.
func (p *Processor) RetryHandler() outbox.Handler {
	post := p.coord.RetryHandler()
	return func(ctx context.Context, payload json.RawMessage) error {
		var ev ledger.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return outbox.Permanent(fmt.Errorf("decode event: %w", err))
		}
		reversed, err := p.floats.MovementsByCause(ctx, reversalCause(ev.Key()))
		if err != nil {
			return err
		}
		if len(reversed) > 0 {
			p.log.Info("skipping deferred posting of reversed transaction", zap.String("key", ev.Key()))
			return nil
		}
		return post(ctx, payload)
	}
}
