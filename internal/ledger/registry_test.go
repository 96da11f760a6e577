package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(NewInMemory())
	ctx := context.Background()

	acc, err := reg.Provision(ctx, Account{Code: " 1000 ", Name: "Cash", Type: AccountAsset})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if acc.Code != "1000" || !acc.Active || acc.Balance != 0 {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if _, err := reg.Provision(ctx, Account{Code: "1000", Type: AccountAsset}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate provision: %v", err)
	}
	if _, err := reg.Ensure(ctx, Account{Code: "1000", Type: AccountAsset}); err != nil {
		t.Fatalf("Ensure existing: %v", err)
	}
	if _, err := reg.Ensure(ctx, Account{Code: "1000", Type: AccountRevenue}); !errors.Is(err, ErrValidation) {
		t.Fatalf("type mismatch: %v", err)
	}
	if _, err := reg.Provision(ctx, Account{Code: "x", Type: "weird"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad type: %v", err)
	}

	if err := reg.Deactivate(ctx, "1000"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	got, _ := reg.Get(ctx, "1000")
	if got.Active {
		t.Fatal("account still active")
	}
	if err := reg.Activate(ctx, "1000"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := reg.Deactivate(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code: %v", err)
	}
	list, _ := reg.List(ctx)
	if len(list) != 1 {
		t.Fatalf("List = %+v", list)
	}
}
