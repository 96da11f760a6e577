package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Resolver maps a float account role to a ledger account code.
type Resolver interface {
	Resolve(ctx context.Context, branchID, floatAccountID string, role Role) (string, error)
}

// StoreResolver resolves against the mapping table: exact scope first, then the
// branch default, then the global default.
type StoreResolver struct {
	Mappings MappingStore
}

// NewStoreResolver wraps a mapping store.
func NewStoreResolver(m MappingStore) *StoreResolver {
	return &StoreResolver{Mappings: m}
}

func (r *StoreResolver) Resolve(ctx context.Context, branchID, floatAccountID string, role Role) (string, error) {
	scopes := [][2]string{
		{branchID, floatAccountID},
		{branchID, ""},
		{"", ""},
	}
	for i, sc := range scopes {
		if i > 0 && sc == scopes[i-1] {
			continue
		}
		m, err := r.Mappings.FindMapping(ctx, sc[0], sc[1], role)
		if err == nil {
			return m.AccountCode, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s/%s/%s: %w", branchID, floatAccountID, role, ErrMappingNotFound)
}

// ResolveLines turns role-based specs into concrete journal lines, numbered from 1.
func ResolveLines(ctx context.Context, r Resolver, branchID, providerID, tillID string, specs []LineSpec) ([]JournalLine, error) {
	lines := make([]JournalLine, 0, len(specs))
	for i, s := range specs {
		floatID := providerID
		if s.Target == TargetTill {
			floatID = tillID
		}
		if floatID == "" {
			return nil, fmt.Errorf("%w: no %s float account for role %s", ErrMissingAccountMapping, s.Target, s.Role)
		}
		code, err := r.Resolve(ctx, branchID, floatID, s.Role)
		if err != nil {
			if errors.Is(err, ErrMappingNotFound) {
				return nil, fmt.Errorf("%w: %w", ErrMissingAccountMapping, err)
			}
			return nil, err
		}
		lines = append(lines, JournalLine{
			LineNo:         i + 1,
			AccountCode:    code,
			Debit:          s.Debit,
			Credit:         s.Credit,
			Description:    s.Description,
			FloatAccountID: floatID,
			Role:           s.Role,
		})
	}
	return lines, nil
}
