package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/outbox"
)

func TestPostEventScenarioA(t *testing.T) {
	f := newFixture(t, 50_000_00, 0)
	ctx := context.Background()

	res, err := f.coord.Post(ctx, f.event(t, "mm-1", TxCashIn, "1000", "20"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Replayed {
		t.Fatal("first post must not be a replay")
	}
	tx, err := f.coord.Journal(ctx, res.JournalTransactionID)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if tx.Status != StatusPosted || tx.SourceType != string(TxCashIn) || tx.CreatedBy != "teller-1" {
		t.Fatalf("unexpected header: %+v", tx)
	}
	got := map[string][2]int64{}
	for _, l := range tx.Lines {
		got[l.AccountCode] = [2]int64{l.Debit, l.Credit}
	}
	want := map[string][2]int64{
		codeCash:      {1020_00, 0},
		codeMTNLiab:   {0, 1000_00},
		codeFeeIncome: {0, 20_00},
	}
	for code, w := range want {
		if got[code] != w {
			t.Fatalf("%s = %v, want %v (lines %+v)", code, got[code], w, tx.Lines)
		}
	}
	if f.balance(t, codeCash) != 1020_00 || f.balance(t, codeMTNLiab) != 1000_00 || f.balance(t, codeFeeIncome) != 20_00 {
		t.Fatalf("cached balances not updated")
	}
	if len(f.deferred.ofKind(outbox.KindEventsJournal)) != 1 {
		t.Fatalf("expected one journal.posted event")
	}
}

func TestPostTransactionIsIdempotent(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	req := PostingRequest{
		SourceModule:        ModuleManual,
		SourceTransactionID: "adj-7",
		Lines: []JournalLine{
			{AccountCode: codeCash, Debit: 500},
			{AccountCode: codeMTNLiab, Credit: 500},
		},
	}
	first, err := f.coord.PostTransaction(ctx, req)
	if err != nil {
		t.Fatalf("PostTransaction: %v", err)
	}
	second, err := f.coord.PostTransaction(ctx, req)
	if err != nil {
		t.Fatalf("PostTransaction replay: %v", err)
	}
	if !second.Replayed || second.JournalTransactionID != first.JournalTransactionID {
		t.Fatalf("replay returned %+v, first %+v", second, first)
	}
	if f.journalCount() != 1 || f.balance(t, codeCash) != 500 {
		t.Fatalf("replay must not write: journals=%d cash=%d", f.journalCount(), f.balance(t, codeCash))
	}
}

func TestPostTransactionConcurrentSameKey(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	req := PostingRequest{
		SourceModule:        ModuleManual,
		SourceTransactionID: "race-1",
		Lines: []JournalLine{
			{AccountCode: codeCash, Debit: 100},
			{AccountCode: codeMTNLiab, Credit: 100},
		},
	}

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]int{}
		replayed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.coord.PostTransaction(ctx, req)
			if err != nil {
				t.Errorf("PostTransaction: %v", err)
				return
			}
			mu.Lock()
			ids[res.JournalTransactionID]++
			if res.Replayed {
				replayed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 || replayed != workers-1 {
		t.Fatalf("expected one winner and %d replays, got ids=%v replayed=%d", workers-1, ids, replayed)
	}
	if f.balance(t, codeCash) != 100 {
		t.Fatalf("cash balance = %d", f.balance(t, codeCash))
	}
}

func TestPostTransactionRejectsInvalidLines(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	cases := map[string][]JournalLine{
		"unbalanced": {{AccountCode: codeCash, Debit: 100}, {AccountCode: codeMTNLiab, Credit: 90}},
		"both sides": {{AccountCode: codeCash, Debit: 100, Credit: 100}, {AccountCode: codeMTNLiab, Credit: 0}},
		"negative":   {{AccountCode: codeCash, Debit: -100}, {AccountCode: codeMTNLiab, Credit: -100}},
		"single":     {{AccountCode: codeCash, Debit: 100}},
	}
	for name, lines := range cases {
		_, err := f.coord.PostTransaction(ctx, PostingRequest{SourceModule: ModuleManual, SourceTransactionID: name, Lines: lines})
		if !errors.Is(err, ErrUnbalancedEntry) {
			t.Fatalf("%s: expected ErrUnbalancedEntry, got %v", name, err)
		}
	}
	_, err := f.coord.PostTransaction(ctx, PostingRequest{
		SourceModule:        ModuleManual,
		SourceTransactionID: "ghost",
		Lines:               []JournalLine{{AccountCode: "9999", Debit: 1}, {AccountCode: codeCash, Credit: 1}},
	})
	if !errors.Is(err, ErrValidation) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown account: %v", err)
	}
	if f.journalCount() != 0 {
		t.Fatalf("rejected postings must not write")
	}
}

func TestReverseRoundTrip(t *testing.T) {
	f := newFixture(t, 50_000_00, 0)
	ctx := context.Background()
	res, err := f.coord.Post(ctx, f.event(t, "mm-2", TxCashIn, "1000", "20"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	rev, err := f.coord.Reverse(ctx, res.JournalTransactionID, "supervisor-1", "customer dispute")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if rev.SourceModule != ModuleReversal || rev.SourceTransactionID != res.JournalTransactionID {
		t.Fatalf("unexpected reversal header: %+v", rev)
	}
	if rev.Metadata["reverses"] != res.JournalTransactionID || rev.Metadata["reason"] != "customer dispute" {
		t.Fatalf("unexpected reversal metadata: %v", rev.Metadata)
	}
	for _, code := range []string{codeCash, codeMTNLiab, codeFeeIncome} {
		if b := f.balance(t, code); b != 0 {
			t.Fatalf("%s should net to zero after reversal, got %d", code, b)
		}
	}

	orig, _ := f.coord.Journal(ctx, res.JournalTransactionID)
	if orig.Status != StatusReversed {
		t.Fatalf("original status = %s", orig.Status)
	}
	if orig.Lines[0].Debit != 1020_00 {
		t.Fatalf("original lines must not change: %+v", orig.Lines)
	}

	if _, err := f.coord.Reverse(ctx, res.JournalTransactionID, "supervisor-1", "again"); !errors.Is(err, ErrAlreadyReversed) {
		t.Fatalf("second reversal: %v", err)
	}
	if _, err := f.coord.Reverse(ctx, rev.ID, "", "reverse the reversal"); err != nil {
		t.Fatalf("a posted reversal may itself be reversed: %v", err)
	}
	if _, err := f.coord.Reverse(ctx, "missing", "", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}

	// A reversed key no longer blocks a fresh posting.
	again, err := f.coord.Post(ctx, f.event(t, "mm-2", TxCashIn, "1000", "20"))
	if err != nil || again.Replayed {
		t.Fatalf("repost after reversal = %+v, %v", again, err)
	}

	entries := f.audit.Entries()
	found := false
	for _, e := range entries {
		if e.ActionType == "journal.reverse" && e.EntityID == res.JournalTransactionID {
			found = true
		}
	}
	if !found {
		t.Fatalf("reversal not audited: %+v", entries)
	}
}

func TestRecordDefersMissingMappingAndRetrySucceeds(t *testing.T) {
	f := newFixture(t, 50_000_00, 10_000_00)
	ctx := context.Background()

	// A card float without its own liability mapping falls back to branch and
	// global defaults, none of which exist yet.
	ev := f.event(t, "card-1", TxCardWithdrawal, "300", "0")
	ev.FloatAccountID = "card-float"

	out := f.coord.Record(ctx, ev)
	if out.Outcome != OutcomeDeferred || out.Error == "" {
		t.Fatalf("expected deferred outcome, got %+v", out)
	}
	tasks := f.deferred.ofKind(outbox.KindLedgerPost)
	if len(tasks) != 1 || tasks[0].key != "card:card-1" {
		t.Fatalf("expected one ledger.post task, got %+v", tasks)
	}
	var high bool
	for _, e := range f.audit.Entries() {
		if e.ActionType == "journal.post_failed" && e.Severity == audit.SeverityHigh {
			high = true
		}
	}
	if !high {
		t.Fatal("deferred posting must be audited with severity high")
	}

	if _, err := f.floats.PutMapping(ctx, Mapping{Role: RoleLiability, AccountCode: codeMTNLiab}); err != nil {
		t.Fatalf("PutMapping: %v", err)
	}
	if err := f.coord.RetryHandler()(ctx, tasks[0].payload); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := f.coord.ActiveJournal(ctx, ModuleCard, "card-1"); err != nil {
		t.Fatalf("retried posting not stored: %v", err)
	}
	if err := f.coord.RetryHandler()(ctx, tasks[0].payload); err != nil {
		t.Fatalf("retry after success must replay cleanly: %v", err)
	}
}

func TestRecordResultJSONOmitsErrorText(t *testing.T) {
	f := newFixture(t, 50_000_00, 10_000_00)
	ev := f.event(t, "card-2", TxCardWithdrawal, "300", "0")
	ev.FloatAccountID = "card-float"

	out := f.coord.Record(context.Background(), ev)
	if out.Error == "" {
		t.Fatalf("expected internal error to be kept for logging: %+v", out)
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["error"]; ok || len(fields) != 1 || fields["outcome"] != string(OutcomeDeferred) {
		t.Fatalf("producer-facing result = %s", data)
	}
}

func TestRecordRejectsValidationWithoutRetry(t *testing.T) {
	f := newFixture(t, 0, 0)
	out := f.coord.Record(context.Background(), f.event(t, "mm-bad", TxCashIn, "-10", "0"))
	if out.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", out)
	}
	if n := len(f.deferred.ofKind(outbox.KindLedgerPost)); n != 0 {
		t.Fatalf("validation failures must not be queued, got %d", n)
	}

	payload, _ := json.Marshal(f.event(t, "mm-bad", TxCashIn, "-10", "0"))
	if err := f.coord.RetryHandler()(context.Background(), payload); !outbox.IsPermanent(err) {
		t.Fatalf("retry of invalid event should be permanent, got %v", err)
	}
}

func TestRecordReplay(t *testing.T) {
	f := newFixture(t, 50_000_00, 0)
	ctx := context.Background()
	ev := f.event(t, "mm-3", TxCashIn, "10", "0")
	if out := f.coord.Record(ctx, ev); out.Outcome != OutcomePosted {
		t.Fatalf("first record: %+v", out)
	}
	if out := f.coord.Record(ctx, ev); out.Outcome != OutcomeReplayed {
		t.Fatalf("second record: %+v", out)
	}
	if f.journalCount() != 1 {
		t.Fatalf("journals = %d", f.journalCount())
	}
}
