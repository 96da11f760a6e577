package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Registry owns the chart of accounts.
type Registry struct {
	store AccountStore
}

// NewRegistry wraps an account store.
func NewRegistry(store AccountStore) *Registry {
	return &Registry{store: store}
}

func validateAccount(acc Account) (Account, error) {
	acc.Code = strings.TrimSpace(acc.Code)
	acc.Name = strings.TrimSpace(acc.Name)
	if acc.Code == "" {
		return acc, invalid("code", "required")
	}
	if acc.Name == "" {
		acc.Name = acc.Code
	}
	if !acc.Type.Valid() {
		return acc, invalid("type", fmt.Sprintf("unknown account type %q", acc.Type))
	}
	acc.Active = true
	return acc, nil
}

// Provision creates a new account; an existing code is a conflict.
func (r *Registry) Provision(ctx context.Context, acc Account) (Account, error) {
	acc, err := validateAccount(acc)
	if err != nil {
		return Account{}, err
	}
	stored, created, err := r.store.EnsureAccount(ctx, acc)
	if err != nil {
		return Account{}, err
	}
	if !created {
		return stored, fmt.Errorf("ledger account %s: %w", acc.Code, ErrConflict)
	}
	return stored, nil
}

// Ensure returns the account with acc.Code, creating it on first reference.
// The type of an existing account must match.
func (r *Registry) Ensure(ctx context.Context, acc Account) (Account, error) {
	acc, err := validateAccount(acc)
	if err != nil {
		return Account{}, err
	}
	stored, _, err := r.store.EnsureAccount(ctx, acc)
	if err != nil {
		return Account{}, err
	}
	if stored.Type != acc.Type {
		return stored, invalid("type", fmt.Sprintf("account %s is %s, not %s", stored.Code, stored.Type, acc.Type))
	}
	return stored, nil
}

func (r *Registry) Get(ctx context.Context, code string) (Account, error) {
	return r.store.GetAccount(ctx, code)
}

func (r *Registry) List(ctx context.Context) ([]Account, error) {
	return r.store.ListAccounts(ctx)
}

// Deactivate stops new postings to the account. Accounts are never deleted.
func (r *Registry) Deactivate(ctx context.Context, code string) error {
	return r.store.SetAccountActive(ctx, code, false)
}

func (r *Registry) Activate(ctx context.Context, code string) error {
	return r.store.SetAccountActive(ctx, code, true)
}
