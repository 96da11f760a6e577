package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/outbox"
)

// Threshold alert kinds.
const (
	AlertLowBalance  = "low_balance"
	AlertHighBalance = "high_balance"
)

// ThresholdAlert is raised when a movement crosses a float account threshold.
type ThresholdAlert struct {
	Kind           string    `json:"kind"`
	FloatAccountID string    `json:"float_account_id"`
	BranchID       string    `json:"branch_id"`
	Provider       string    `json:"provider"`
	Balance        int64     `json:"balance"`
	Threshold      int64     `json:"threshold"`
	Cause          string    `json:"cause_reference"`
	At             time.Time `json:"at"`
}

// MappingSpec binds a role of a new float account to a ledger account. With a
// non-empty AccountType the account is provisioned on first reference.
type MappingSpec struct {
	Role        Role        `json:"role"`
	AccountCode string      `json:"account_code"`
	AccountName string      `json:"account_name,omitempty"`
	AccountType AccountType `json:"account_type,omitempty"`
}

// FloatAccountSpec describes a float account to create.
type FloatAccountSpec struct {
	ID             string        `json:"id,omitempty"`
	BranchID       string        `json:"branch_id"`
	Provider       string        `json:"provider"`
	Type           FloatType     `json:"account_type"`
	OpeningBalance int64         `json:"opening_balance"`
	MinThreshold   int64         `json:"min_threshold"`
	MaxThreshold   int64         `json:"max_threshold"`
	Mappings       []MappingSpec `json:"mappings"`
}

// FloatAccounts manages float accounts, their movements and GL mappings.
type FloatAccounts struct {
	store    Store
	registry *Registry
	resolver *StoreResolver
	c        Collaborators
}

func NewFloatAccounts(store Store, c Collaborators) *FloatAccounts {
	return &FloatAccounts{
		store:    store,
		registry: NewRegistry(store),
		resolver: NewStoreResolver(store),
		c:        c.withDefaults(),
	}
}

// Create validates spec, provisions mapped accounts, inserts the float account
// and its mappings and books the opening balance as a movement.
func (f *FloatAccounts) Create(ctx context.Context, spec FloatAccountSpec) (FloatAccount, error) {
	spec.BranchID = strings.TrimSpace(spec.BranchID)
	spec.Provider = strings.TrimSpace(spec.Provider)
	switch {
	case spec.BranchID == "":
		return FloatAccount{}, invalid("branch_id", "required")
	case spec.Provider == "":
		return FloatAccount{}, invalid("provider", "required")
	case !spec.Type.Valid():
		return FloatAccount{}, invalid("account_type", fmt.Sprintf("unknown float type %q", spec.Type))
	case spec.OpeningBalance < 0:
		return FloatAccount{}, invalid("opening_balance", "must not be negative")
	case spec.MinThreshold < 0 || spec.MaxThreshold < 0:
		return FloatAccount{}, invalid("threshold", "must not be negative")
	case spec.MaxThreshold > 0 && spec.MaxThreshold < spec.MinThreshold:
		return FloatAccount{}, invalid("max_threshold", "below min_threshold")
	}

	provided := make(map[Role]bool, len(spec.Mappings))
	for i, m := range spec.Mappings {
		field := fmt.Sprintf("mappings[%d]", i)
		if !m.Role.Valid() {
			return FloatAccount{}, invalid(field+".role", fmt.Sprintf("unknown role %q", m.Role))
		}
		if strings.TrimSpace(m.AccountCode) == "" {
			return FloatAccount{}, invalid(field+".account_code", "required")
		}
		if err := f.ensureMappedAccount(ctx, m); err != nil {
			return FloatAccount{}, err
		}
		provided[m.Role] = true
	}
	for _, role := range spec.Type.RequiredRoles() {
		if provided[role] {
			continue
		}
		if _, err := f.resolver.Resolve(ctx, spec.BranchID, "", role); err != nil {
			if errors.Is(err, ErrMappingNotFound) {
				return FloatAccount{}, fmt.Errorf("%w: %s float requires role %s: %w", ErrMissingAccountMapping, spec.Type, role, err)
			}
			return FloatAccount{}, err
		}
	}

	id := spec.ID
	if id == "" {
		id = newID()
	}
	acc, err := f.store.CreateFloatAccount(ctx, FloatAccount{
		ID:           id,
		BranchID:     spec.BranchID,
		Provider:     spec.Provider,
		Type:         spec.Type,
		MinThreshold: spec.MinThreshold,
		MaxThreshold: spec.MaxThreshold,
		Active:       true,
		CreatedAt:    f.c.Now(),
	})
	if err != nil {
		return FloatAccount{}, err
	}
	for _, m := range spec.Mappings {
		if _, err := f.PutMapping(ctx, Mapping{BranchID: acc.BranchID, FloatAccountID: acc.ID, Role: m.Role, AccountCode: m.AccountCode}); err != nil {
			return FloatAccount{}, fmt.Errorf("float account %s mapping %s: %w", acc.ID, m.Role, err)
		}
	}
	if spec.OpeningBalance > 0 {
		if _, err := f.AdjustBalance(ctx, acc.ID, spec.OpeningBalance, "opening:"+acc.ID); err != nil {
			return FloatAccount{}, err
		}
		acc.Balance = spec.OpeningBalance
	}

	f.c.audit(ctx, audit.Entry{
		ActionType:  "float_account.create",
		EntityType:  "float_account",
		EntityID:    acc.ID,
		Description: "float account created",
		Details:     map[string]any{"branch_id": acc.BranchID, "provider": acc.Provider, "account_type": acc.Type, "opening_balance": spec.OpeningBalance},
		Severity:    audit.SeverityLow,
	})
	return acc, nil
}

func (f *FloatAccounts) ensureMappedAccount(ctx context.Context, m MappingSpec) error {
	if m.AccountType != "" {
		_, err := f.registry.Ensure(ctx, Account{Code: m.AccountCode, Name: m.AccountName, Type: m.AccountType})
		return err
	}
	acc, err := f.registry.Get(ctx, m.AccountCode)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: ledger account %s for role %s does not exist", ErrMissingAccountMapping, m.AccountCode, m.Role)
	}
	if err != nil {
		return err
	}
	if !acc.Active {
		return fmt.Errorf("ledger account %s: %w", acc.Code, ErrAccountInactive)
	}
	return nil
}

// PutMapping writes a new mapping version for its scope and role.
func (f *FloatAccounts) PutMapping(ctx context.Context, m Mapping) (Mapping, error) {
	if !m.Role.Valid() {
		return Mapping{}, invalid("role", fmt.Sprintf("unknown role %q", m.Role))
	}
	if m.BranchID == "" && m.FloatAccountID != "" {
		return Mapping{}, invalid("branch_id", "required when float_account_id is set")
	}
	if _, err := f.store.GetAccount(ctx, m.AccountCode); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Mapping{}, fmt.Errorf("%w: ledger account %s does not exist", ErrMissingAccountMapping, m.AccountCode)
		}
		return Mapping{}, err
	}
	m.ID = ""
	m.CreatedAt = f.c.Now()
	stored, err := f.store.PutMapping(ctx, m)
	if err != nil {
		return Mapping{}, err
	}
	if f.c.Cache != nil {
		if err := f.c.Cache.Invalidate(ctx, stored.BranchID, stored.FloatAccountID, stored.Role); err != nil {
			f.c.Logger.Warn("mapping cache invalidation failed", zap.String("role", string(stored.Role)), zap.Error(err))
		}
	}
	return stored, nil
}

// AdjustBalance applies one signed delta atomically.
func (f *FloatAccounts) AdjustBalance(ctx context.Context, floatAccountID string, delta int64, cause string) (FloatMovement, error) {
	ms, err := f.Apply(ctx, []FloatDelta{{FloatAccountID: floatAccountID, Delta: delta, Cause: cause}})
	if err != nil {
		return FloatMovement{}, err
	}
	return ms[0], nil
}

// Apply applies all deltas or none. A cause already applied to an account is
// returned as a replayed movement without touching the balance.
func (f *FloatAccounts) Apply(ctx context.Context, deltas []FloatDelta) ([]FloatMovement, error) {
	return f.apply(ctx, deltas, nil)
}

// ApplyWithFollowUp is Apply that also commits followUp to the outbox in the
// same transaction as the movements. Nothing is enqueued on a full replay.
func (f *FloatAccounts) ApplyWithFollowUp(ctx context.Context, deltas []FloatDelta, followUp outbox.Task) ([]FloatMovement, error) {
	return f.apply(ctx, deltas, &followUp)
}

func (f *FloatAccounts) apply(ctx context.Context, deltas []FloatDelta, followUp *outbox.Task) ([]FloatMovement, error) {
	if len(deltas) == 0 {
		return nil, invalid("deltas", "at least one delta is required")
	}
	for i, d := range deltas {
		field := fmt.Sprintf("deltas[%d]", i)
		switch {
		case d.FloatAccountID == "":
			return nil, invalid(field+".float_account_id", "required")
		case d.Delta == 0:
			return nil, invalid(field+".delta", "must not be zero")
		case strings.TrimSpace(d.Cause) == "":
			return nil, invalid(field+".cause_reference", "required")
		}
	}

	movements, accounts, err := f.store.ApplyFloatDeltas(ctx, deltas, followUp)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			obs.ObserveFloatAdjustment("insufficient_funds")
		case errors.Is(err, ErrAccountInactive), errors.Is(err, ErrNotFound):
			obs.ObserveFloatAdjustment("rejected")
		default:
			obs.ObserveFloatAdjustment("failed")
		}
		return nil, err
	}

	for i, m := range movements {
		if m.Replayed {
			obs.ObserveFloatAdjustment("replayed")
			continue
		}
		obs.ObserveFloatAdjustment("applied")
		if alert, ok := crossing(accounts[i], m); ok {
			alert.At = m.CreatedAt
			f.c.deferOrLog(ctx, outbox.KindNotifyThreshold, m.FloatAccountID+":"+alert.Kind+":"+m.ID, alert)
		}
	}
	return movements, nil
}

// crossing reports a threshold crossed by m. Only the transition is signalled,
// not every movement while the balance stays beyond the threshold.
func crossing(acc FloatAccount, m FloatMovement) (ThresholdAlert, bool) {
	alert := ThresholdAlert{
		FloatAccountID: acc.ID,
		BranchID:       acc.BranchID,
		Provider:       acc.Provider,
		Balance:        m.BalanceAfter,
		Cause:          m.CauseReference,
	}
	switch {
	case m.BalanceBefore >= acc.MinThreshold && m.BalanceAfter < acc.MinThreshold:
		alert.Kind, alert.Threshold = AlertLowBalance, acc.MinThreshold
		return alert, true
	case acc.MaxThreshold > 0 && m.BalanceBefore <= acc.MaxThreshold && m.BalanceAfter > acc.MaxThreshold:
		alert.Kind, alert.Threshold = AlertHighBalance, acc.MaxThreshold
		return alert, true
	}
	return ThresholdAlert{}, false
}

func (f *FloatAccounts) Get(ctx context.Context, id string) (FloatAccount, error) {
	return f.store.GetFloatAccount(ctx, id)
}

// List returns float accounts of a branch, or all when branchID is empty.
func (f *FloatAccounts) List(ctx context.Context, branchID string) ([]FloatAccount, error) {
	return f.store.ListFloatAccounts(ctx, branchID)
}

// Movements returns the latest movements first.
func (f *FloatAccounts) Movements(ctx context.Context, id string, limit int) ([]FloatMovement, error) {
	if _, err := f.store.GetFloatAccount(ctx, id); err != nil {
		return nil, err
	}
	return f.store.FloatMovements(ctx, id, limit)
}

// MovementsByCause returns every movement booked for cause across accounts.
func (f *FloatAccounts) MovementsByCause(ctx context.Context, cause string) ([]FloatMovement, error) {
	return f.store.MovementsByCause(ctx, cause)
}

// Mappings lists mapping versions recorded for a float account.
func (f *FloatAccounts) Mappings(ctx context.Context, id string) ([]Mapping, error) {
	return f.store.ListMappings(ctx, id)
}

// Deactivate soft-deletes the account. Only a zero balance can be deactivated.
func (f *FloatAccounts) Deactivate(ctx context.Context, id string) error {
	if err := f.store.SetFloatActive(ctx, id, false); err != nil {
		return err
	}
	f.c.audit(ctx, audit.Entry{
		ActionType:  "float_account.deactivate",
		EntityType:  "float_account",
		EntityID:    id,
		Description: "float account deactivated",
		Severity:    audit.SeverityMedium,
	})
	return nil
}
