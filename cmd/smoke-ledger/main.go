package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentbank.org/internal/auth"
	"agentbank.org/internal/ledger"
	"agentbank.org/internal/rpc"
)

// smoke-ledger posts a balanced manual journal against the seeded chart of
// accounts, replays it and checks the trial balance still closes.
func main() {
	log := zap.NewExample()
	addr := os.Getenv("AGENTBANK_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9091"
	}

	var opts []rpc.ClientOption
	if token := os.Getenv("AGENTBANK_TOKEN"); token != "" {
		opts = append(opts, rpc.WithToken(token))
	}
	client, err := rpc.Dial(addr, nil, opts...)
	if err != nil {
		log.Fatal("dial agentbankd", zap.String("addr", addr), zap.Error(err))
	}
	defer client.Close()

	ctx, cancel := rpc.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = auth.ContextWithActor(ctx, auth.Actor{ID: "smoke-ledger"})

	req := ledger.PostingRequest{
		SourceModule:        ledger.ModuleManual,
		SourceTransactionID: "smoke-" + uuid.NewString(),
		SourceType:          "smoke_test",
		Description:         "smoke test expense",
		Lines: []ledger.JournalLine{
			{AccountCode: "6100-EXPENSES", Debit: 420},
			{AccountCode: "1000-CASH", Credit: 420},
		},
	}
	first, err := client.PostJournal(ctx, req)
	if err != nil {
		log.Fatal("post journal", zap.Error(err))
	}
	again, err := client.PostJournal(ctx, req)
	if err != nil {
		log.Fatal("replay journal", zap.Error(err))
	}
	if !again.Replayed || again.JournalTransactionID != first.JournalTransactionID {
		log.Fatal("replay posted twice", zap.String("first", first.JournalTransactionID), zap.String("second", again.JournalTransactionID))
	}

	tb, err := client.TrialBalance(ctx, time.Time{})
	if err != nil {
		log.Fatal("trial balance", zap.Error(err))
	}
	if !tb.Balanced {
		log.Fatal("trial balance does not close", zap.Int64("debit", tb.TotalDebit), zap.Int64("credit", tb.TotalCredit))
	}

	rev, err := client.ReverseTransaction(ctx, req.SourceModule, req.SourceTransactionID, "smoke test cleanup")
	if err != nil {
		log.Fatal("reverse journal", zap.Error(err))
	}
	if rev.Reversal.Outcome != ledger.OutcomePosted {
		log.Fatal("reversal not posted", zap.String("outcome", string(rev.Reversal.Outcome)))
	}

	fmt.Printf("agentbankd smoke test passed: journal=%s reversal=%s\n", first.JournalTransactionID, rev.Reversal.JournalTransactionID)
}
