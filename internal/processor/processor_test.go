package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agentbank.org/internal/ledger"
	"agentbank.org/internal/outbox"
)

type env struct {
	store    *ledger.InMemory
	floats   *ledger.FloatAccounts
	coord    *ledger.Coordinator
	proc     *Processor
	queue    *outbox.Memory
	provider ledger.FloatAccount
	till     ledger.FloatAccount
}

func newEnv(t *testing.T, providerOpening, tillOpening int64) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{store: ledger.NewInMemory()}
	e.queue = e.store.Queue()
	c := ledger.Collaborators{Deferrer: outbox.NewDispatcher(e.queue, outbox.Options{Logger: zap.NewNop()}), Logger: zap.NewNop()}
	e.floats = ledger.NewFloatAccounts(e.store, c)
	e.coord = ledger.NewCoordinator(e.store, ledger.NewBuilder(2), nil, c)
	e.proc = New(e.floats, e.coord, e.queue, zap.NewNop())

	var err error
	e.till, err = e.floats.Create(ctx, ledger.FloatAccountSpec{
		BranchID: "br-1", Provider: "cash", Type: ledger.FloatCashInTill, OpeningBalance: tillOpening,
		Mappings: []ledger.MappingSpec{{Role: ledger.RoleMain, AccountCode: "1000", AccountName: "Cash", AccountType: ledger.AccountAsset}},
	})
	if err != nil {
		t.Fatalf("till: %v", err)
	}
	e.provider, err = e.floats.Create(ctx, ledger.FloatAccountSpec{
		BranchID: "br-1", Provider: "mtn", Type: ledger.FloatMobileMoney, OpeningBalance: providerOpening,
		Mappings: []ledger.MappingSpec{
			{Role: ledger.RoleMain, AccountCode: "1100", AccountName: "MTN float", AccountType: ledger.AccountAsset},
			{Role: ledger.RoleLiability, AccountCode: "2100", AccountName: "Customer liability", AccountType: ledger.AccountLiability},
			{Role: ledger.RoleFee, AccountCode: "4100", AccountName: "Fee revenue", AccountType: ledger.AccountRevenue},
		},
	})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return e
}

func (e *env) event(id string, typ ledger.TxType, amount, fee int64) ledger.Event {
	rule, _ := ledger.RuleFor(typ)
	return ledger.Event{
		SourceModule:        rule.Module,
		SourceTransactionID: id,
		Type:                typ,
		BranchID:            "br-1",
		FloatAccountID:      e.provider.ID,
		TillAccountID:       e.till.ID,
		Amount:              decimal.NewFromInt(amount),
		Fee:                 decimal.NewFromInt(fee),
		OccurredAt:          time.Now().UTC(),
	}
}

func (e *env) floatBalance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := e.floats.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return acc.Balance
}

func (e *env) glBalance(t *testing.T, code string) int64 {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), code)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acc.Balance
}

func TestScenarioACashInWithFee(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	res, err := e.proc.Process(context.Background(), e.event("mm-1", ledger.TxCashIn, 1000, 20))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Posting.Outcome != ledger.OutcomePosted {
		t.Fatalf("posting = %+v", res.Posting)
	}
	if got := e.floatBalance(t, e.provider.ID); got != 49_000_00 {
		t.Fatalf("float balance = %d", got)
	}
	if got := e.floatBalance(t, e.till.ID); got != 1000_00 {
		t.Fatalf("till balance = %d", got)
	}
	if e.glBalance(t, "1000") != 1020_00 || e.glBalance(t, "2100") != 1000_00 || e.glBalance(t, "4100") != 20_00 {
		t.Fatalf("GL balances: cash %d liability %d fee %d", e.glBalance(t, "1000"), e.glBalance(t, "2100"), e.glBalance(t, "4100"))
	}
}

func TestScenarioBReversalRestoresBalances(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	if _, err := e.proc.Process(ctx, e.event("mm-1", ledger.TxCashIn, 1000, 20)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	res, err := e.proc.Reverse(ctx, ledger.ModuleMobileMoney, "mm-1", "supervisor", "wrong number")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if res.Reversal.Outcome != ledger.OutcomePosted || len(res.Movements) != 2 {
		t.Fatalf("unexpected reversal: %+v", res)
	}
	if e.floatBalance(t, e.provider.ID) != 50_000_00 || e.floatBalance(t, e.till.ID) != 0 {
		t.Fatalf("float balances not restored")
	}
	for _, code := range []string{"1000", "2100", "4100"} {
		if b := e.glBalance(t, code); b != 0 {
			t.Fatalf("%s = %d after reversal", code, b)
		}
	}

	if _, err := e.proc.Reverse(ctx, ledger.ModuleMobileMoney, "mm-1", "supervisor", "again"); !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("second reversal: %v", err)
	}
	if _, err := e.proc.Process(ctx, e.event("mm-1", ledger.TxCashIn, 1000, 20)); !errors.Is(err, ledger.ErrAlreadyReversed) {
		t.Fatalf("reprocessing a reversed transaction: %v", err)
	}
	if _, err := e.proc.Reverse(ctx, ledger.ModuleMobileMoney, "never", "supervisor", "x"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("unknown transaction: %v", err)
	}
}

func TestScenarioCReplayIsIdempotent(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	ev := e.event("mm-7", ledger.TxCashIn, 250, 5)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.proc.Process(ctx, ev); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()

	ms, _ := e.floats.MovementsByCause(ctx, ev.Key())
	if len(ms) != 2 {
		t.Fatalf("expected one movement per float account, got %d", len(ms))
	}
	if e.floatBalance(t, e.provider.ID) != 49_750_00 {
		t.Fatalf("provider balance = %d", e.floatBalance(t, e.provider.ID))
	}
	if _, err := e.coord.ActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID); err != nil {
		t.Fatalf("journal missing: %v", err)
	}
	if e.glBalance(t, "1000") != 255_00 {
		t.Fatalf("journal posted more than once: cash = %d", e.glBalance(t, "1000"))
	}
}

func TestScenarioDInsufficientFunds(t *testing.T) {
	e := newEnv(t, 50_000_00, 500_00)
	ctx := context.Background()
	ev := e.event("co-1", ledger.TxCashOut, 1000, 0)

	_, err := e.proc.Process(ctx, ev)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if ms, _ := e.floats.MovementsByCause(ctx, ev.Key()); len(ms) != 0 {
		t.Fatalf("no movement may be written: %+v", ms)
	}
	if _, err := e.coord.ActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("no journal may be written: %v", err)
	}
}

func TestProcessSurvivesLedgerFailure(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()

	// The GL account behind the till is deactivated: posting fails, the float effect stands.
	if err := ledger.NewRegistry(e.store).Deactivate(ctx, "1000"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	ev := e.event("mm-9", ledger.TxCashIn, 100, 0)
	res, err := e.proc.Process(ctx, ev)
	if err != nil {
		t.Fatalf("ledger failure leaked to the producer: %v", err)
	}
	if res.Posting.Outcome != ledger.OutcomeDeferred {
		t.Fatalf("expected deferred posting, got %+v", res.Posting)
	}
	if e.floatBalance(t, e.provider.ID) != 49_900_00 {
		t.Fatal("float effect must stand")
	}

	var task outbox.Task
	for _, tk := range e.queue.Tasks() {
		if tk.Kind == outbox.KindLedgerPost {
			task = tk
		}
	}
	if task.Key != ev.Key() {
		t.Fatalf("expected ledger.post task for %s, got %+v", ev.Key(), e.queue.Tasks())
	}

	if err := ledger.NewRegistry(e.store).Activate(ctx, "1000"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := e.proc.RetryHandler()(ctx, task.Payload); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.glBalance(t, "1000") != 100_00 {
		t.Fatalf("retried posting not applied")
	}
}

func TestRetrySkipsReversedTransaction(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	if err := ledger.NewRegistry(e.store).Deactivate(ctx, "1000"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	ev := e.event("mm-10", ledger.TxCashIn, 100, 0)
	if _, err := e.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := e.proc.Reverse(ctx, ev.SourceModule, ev.SourceTransactionID, "sup", "void"); err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	_ = ledger.NewRegistry(e.store).Activate(ctx, "1000")

	payload, _ := json.Marshal(ev)
	if err := e.proc.RetryHandler()(ctx, payload); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := e.coord.ActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("reversed transaction must not be posted late: %v", err)
	}
}

func TestProcessValidatesBeforeWriting(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()

	ev := e.event("bad-1", ledger.TxCashIn, 100, 0)
	ev.TillAccountID = e.provider.ID
	if _, err := e.proc.Process(ctx, ev); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("provider float as till: %v", err)
	}
	ev = e.event("bad-2", ledger.TxCashIn, -1, 0)
	if _, err := e.proc.Process(ctx, ev); !errors.Is(err, ledger.ErrUnbalancedEntry) {
		t.Fatalf("negative amount: %v", err)
	}
	ev = e.event("bad-3", ledger.TxCashIn, 1, 0)
	ev.BranchID = "br-2"
	if _, err := e.proc.Process(ctx, ev); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("foreign branch: %v", err)
	}
	if e.floatBalance(t, e.provider.ID) != 50_000_00 {
		t.Fatal("rejected requests must not move balances")
	}
}

func (e *env) ledgerPosts() []outbox.Task {
	var out []outbox.Task
	for _, tk := range e.queue.Tasks() {
		if tk.Kind == outbox.KindLedgerPost {
			out = append(out, tk)
		}
	}
	return out
}

func (e *env) claimLedgerPosts(t *testing.T, now time.Time) []outbox.Task {
	t.Helper()
	due, err := e.queue.Claim(context.Background(), now, time.Second, 100)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	var out []outbox.Task
	for _, tk := range due {
		if tk.Kind == outbox.KindLedgerPost {
			out = append(out, tk)
		}
	}
	return out
}

func TestProcessRejectsReusedKeyWithDifferentFloatEffect(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	reg := ledger.NewRegistry(e.store)

	// The posting is deferred, so only the float movements carry the first payload.
	if err := reg.Deactivate(ctx, "2100"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	first := e.event("mm-20", ledger.TxCashIn, 100, 0)
	res, err := e.proc.Process(ctx, first)
	if err != nil || res.Posting.Outcome != ledger.OutcomeDeferred {
		t.Fatalf("first Process = %+v, %v", res, err)
	}
	if err := reg.Activate(ctx, "2100"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	_, err = e.proc.Process(ctx, e.event("mm-20", ledger.TxCashIn, 5000, 0))
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if ms, _ := e.floats.MovementsByCause(ctx, first.Key()); len(ms) != 2 {
		t.Fatalf("conflicting replay must not add movements: %+v", ms)
	}
	if _, err := e.coord.ActiveJournal(ctx, first.SourceModule, first.SourceTransactionID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("conflicting replay must not post: %v", err)
	}
	if e.floatBalance(t, e.provider.ID) != 49_900_00 {
		t.Fatalf("provider balance = %d", e.floatBalance(t, e.provider.ID))
	}
}

func TestProcessRejectsReusedKeyWithDifferentJournalPayload(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	ev := e.event("mm-21", ledger.TxCashIn, 100, 0)
	if _, err := e.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// A fee leaves the float effect unchanged but not the journal.
	withFee := e.event("mm-21", ledger.TxCashIn, 100, 5)
	if _, err := e.proc.Process(ctx, withFee); !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if e.glBalance(t, "1000") != 100_00 {
		t.Fatalf("cash = %d", e.glBalance(t, "1000"))
	}

	res, err := e.proc.Process(ctx, ev)
	if err != nil {
		t.Fatalf("identical replay: %v", err)
	}
	if !allReplayed(res.Movements) || res.Posting.Outcome != ledger.OutcomeReplayed {
		t.Fatalf("identical replay = %+v", res)
	}
}

func TestProcessTakesBranchFromFloatAccounts(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	ev := e.event("mm-22", ledger.TxCashIn, 100, 0)
	ev.BranchID = ""

	res, err := e.proc.Process(ctx, ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Posting.Outcome != ledger.OutcomePosted {
		t.Fatalf("branch-scoped mappings must resolve without an explicit branch: %+v", res.Posting)
	}
	tx, err := e.coord.ActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID)
	if err != nil {
		t.Fatalf("ActiveJournal: %v", err)
	}
	if tx.Metadata["branch_id"] != "br-1" {
		t.Fatalf("metadata = %v", tx.Metadata)
	}
}

func TestProcessCompletesFollowUpAfterPosting(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ev := e.event("mm-23", ledger.TxCashIn, 100, 0)
	if _, err := e.proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	tasks := e.ledgerPosts()
	if len(tasks) != 1 || tasks[0].Key != ev.Key() || tasks[0].Status != outbox.StatusDone {
		t.Fatalf("expected one completed follow-up, got %+v", tasks)
	}
}

func TestDeferredPostingKeepsCommittedFollowUp(t *testing.T) {
	e := newEnv(t, 50_000_00, 0)
	ctx := context.Background()
	if err := ledger.NewRegistry(e.store).Deactivate(ctx, "1000"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	before := time.Now().UTC()
	ev := e.event("mm-24", ledger.TxCashIn, 100, 0)
	if _, err := e.proc.Process(ctx, ev); err != nil {
		t.Fatalf("Process: %v", err)
	}

	tasks := e.ledgerPosts()
	if len(tasks) != 1 || tasks[0].Status != outbox.StatusPending {
		t.Fatalf("expected a single pending ledger.post, got %+v", tasks)
	}
	if tasks[0].NextAttemptAt.Before(before.Add(followUpDelay)) {
		t.Fatalf("follow-up due too early: %v", tasks[0].NextAttemptAt)
	}
	if due := e.claimLedgerPosts(t, time.Now().UTC()); len(due) != 0 {
		t.Fatalf("follow-up must wait out its delay: %+v", due)
	}

	if err := ledger.NewRegistry(e.store).Activate(ctx, "1000"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	due := e.claimLedgerPosts(t, time.Now().UTC().Add(2*followUpDelay))
	if len(due) != 1 {
		t.Fatalf("expected the follow-up to be due, got %+v", due)
	}
	if err := e.proc.RetryHandler()(ctx, due[0].Payload); err != nil {
		t.Fatalf("deliver follow-up: %v", err)
	}
	if _, err := e.coord.ActiveJournal(ctx, ev.SourceModule, ev.SourceTransactionID); err != nil {
		t.Fatalf("follow-up did not post: %v", err)
	}
}
