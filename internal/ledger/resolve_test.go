package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestResolveFallbackOrder(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	put := func(branch, float, code string) {
		t.Helper()
		if _, err := store.PutMapping(ctx, Mapping{BranchID: branch, FloatAccountID: float, Role: RoleFee, AccountCode: code}); err != nil {
			t.Fatalf("PutMapping: %v", err)
		}
	}
	r := NewStoreResolver(store)

	if _, err := r.Resolve(ctx, "br-1", "fa-1", RoleFee); !errors.Is(err, ErrMappingNotFound) {
		t.Fatalf("expected ErrMappingNotFound, got %v", err)
	}

	put("", "", "4000-GLOBAL")
	if code, _ := r.Resolve(ctx, "br-1", "fa-1", RoleFee); code != "4000-GLOBAL" {
		t.Fatalf("global default: %s", code)
	}
	put("br-1", "", "4001-BRANCH")
	if code, _ := r.Resolve(ctx, "br-1", "fa-1", RoleFee); code != "4001-BRANCH" {
		t.Fatalf("branch default: %s", code)
	}
	if code, _ := r.Resolve(ctx, "br-2", "fa-9", RoleFee); code != "4000-GLOBAL" {
		t.Fatalf("other branch should use global: %s", code)
	}
	put("br-1", "fa-1", "4002-EXACT")
	if code, _ := r.Resolve(ctx, "br-1", "fa-1", RoleFee); code != "4002-EXACT" {
		t.Fatalf("exact: %s", code)
	}
}

func TestPutMappingSupersedesOlderVersion(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	first, _ := store.PutMapping(ctx, Mapping{BranchID: "br-1", FloatAccountID: "fa-1", Role: RoleMain, AccountCode: "1100"})
	second, _ := store.PutMapping(ctx, Mapping{BranchID: "br-1", FloatAccountID: "fa-1", Role: RoleMain, AccountCode: "1101"})
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("versions = %d, %d", first.Version, second.Version)
	}
	code, err := NewStoreResolver(store).Resolve(ctx, "br-1", "fa-1", RoleMain)
	if err != nil || code != "1101" {
		t.Fatalf("Resolve = %s, %v", code, err)
	}
	all, _ := store.ListMappings(ctx, "fa-1")
	active := 0
	for _, m := range all {
		if m.Active {
			active++
		}
	}
	if len(all) != 2 || active != 1 {
		t.Fatalf("expected two versions with one active, got %+v", all)
	}
}

func TestResolveLinesWrapsMissingMapping(t *testing.T) {
	store := NewInMemory()
	specs := []LineSpec{{Role: RoleMain, Target: TargetTill, Debit: 1}, {Role: RoleLiability, Target: TargetProvider, Credit: 1}}
	_, err := ResolveLines(context.Background(), NewStoreResolver(store), "br-1", "fa-1", "till-1", specs)
	if !errors.Is(err, ErrMissingAccountMapping) || !errors.Is(err, ErrMappingNotFound) {
		t.Fatalf("expected wrapped mapping errors, got %v", err)
	}
	_, err = ResolveLines(context.Background(), NewStoreResolver(store), "br-1", "fa-1", "", specs)
	if !errors.Is(err, ErrMissingAccountMapping) {
		t.Fatalf("missing till id: %v", err)
	}
}
