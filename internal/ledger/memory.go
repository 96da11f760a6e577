package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentbank.org/internal/outbox"
)

// InMemory implements Store with in-process concurrency safety.
// It backs tests and DSN-less runs; the Postgres store is the production path.
type InMemory struct {
	mu        sync.Mutex
	accounts  map[string]*Account
	journals  map[string]*JournalTransaction
	journalSq []string          // insertion order
	active    map[string]string // idempotency key -> journal id
	floats    map[string]*FloatAccount
	movements []FloatMovement
	causes    map[string]int // float id + cause -> movement index
	mappings  []Mapping
	queue     *outbox.Memory
	now       func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts: make(map[string]*Account),
		journals: make(map[string]*JournalTransaction),
		active:   make(map[string]string),
		floats:   make(map[string]*FloatAccount),
		causes:   make(map[string]int),
		queue:    outbox.NewMemory(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Queue is the outbox that receives follow-up tasks written by ApplyFloatDeltas.
func (s *InMemory) Queue() *outbox.Memory { return s.queue }

func idemKey(module, sourceID string) string { return module + "\x00" + sourceID }

func causeKey(floatID, cause string) string { return floatID + "\x00" + cause }

// --- accounts ---

func (s *InMemory) GetAccount(ctx context.Context, code string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[code]
	if !ok {
		return Account{}, fmt.Errorf("ledger account %s: %w", code, ErrNotFound)
	}
	return *acc, nil
}

func (s *InMemory) EnsureAccount(ctx context.Context, acc Account) (Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[acc.Code]; ok {
		return *existing, false, nil
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}
	acc.Balance = 0
	cp := acc
	s.accounts[acc.Code] = &cp
	return cp, true, nil
}

func (s *InMemory) ListAccounts(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemory) SetAccountActive(ctx context.Context, code string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[code]
	if !ok {
		return fmt.Errorf("ledger account %s: %w", code, ErrNotFound)
	}
	acc.Active = active
	return nil
}

// --- journals ---

func (s *InMemory) FindActiveJournal(ctx context.Context, module, sourceID string) (JournalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[idemKey(module, sourceID)]
	if !ok {
		return JournalTransaction{}, ErrNotFound
	}
	return copyJournal(s.journals[id]), nil
}

func (s *InMemory) GetJournal(ctx context.Context, id string) (JournalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.journals[id]
	if !ok {
		return JournalTransaction{}, ErrNotFound
	}
	return copyJournal(tx), nil
}

func (s *InMemory) InsertJournal(ctx context.Context, tx JournalTransaction) (JournalTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey(tx.SourceModule, tx.SourceTransactionID)
	if id, ok := s.active[key]; ok {
		return copyJournal(s.journals[id]), true, nil
	}
	if err := s.checkAccountsLocked(tx.Lines); err != nil {
		return JournalTransaction{}, false, err
	}
	s.postLocked(&tx)
	s.active[key] = tx.ID
	return copyJournal(&tx), false, nil
}

func (s *InMemory) ReverseJournal(ctx context.Context, originalID string, build func(JournalTransaction) JournalTransaction) (JournalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.journals[originalID]
	if !ok {
		return JournalTransaction{}, ErrNotFound
	}
	if orig.Status != StatusPosted {
		return JournalTransaction{}, fmt.Errorf("journal %s is %s: %w", orig.ID, orig.Status, ErrAlreadyReversed)
	}
	rev := build(copyJournal(orig))
	revKey := idemKey(rev.SourceModule, rev.SourceTransactionID)
	if _, dup := s.active[revKey]; dup {
		return JournalTransaction{}, fmt.Errorf("journal %s: %w", orig.ID, ErrAlreadyReversed)
	}
	for _, l := range rev.Lines {
		if _, ok := s.accounts[l.AccountCode]; !ok {
			return JournalTransaction{}, fmt.Errorf("ledger account %s: %w", l.AccountCode, ErrNotFound)
		}
	}
	s.postLocked(&rev)
	s.active[revKey] = rev.ID
	orig.Status = StatusReversed
	delete(s.active, idemKey(orig.SourceModule, orig.SourceTransactionID))
	return copyJournal(&rev), nil
}

func (s *InMemory) checkAccountsLocked(lines []JournalLine) error {
	for _, l := range lines {
		acc, ok := s.accounts[l.AccountCode]
		if !ok {
			return fmt.Errorf("ledger account %s: %w", l.AccountCode, ErrNotFound)
		}
		if !acc.Active {
			return fmt.Errorf("ledger account %s: %w", l.AccountCode, ErrAccountInactive)
		}
	}
	return nil
}

func (s *InMemory) postLocked(tx *JournalTransaction) {
	for _, l := range tx.Lines {
		acc := s.accounts[l.AccountCode]
		acc.Balance += acc.Type.Delta(l.Debit, l.Credit)
	}
	tx.Status = StatusPosted
	cp := copyJournal(tx)
	s.journals[tx.ID] = &cp
	s.journalSq = append(s.journalSq, tx.ID)
}

func copyJournal(tx *JournalTransaction) JournalTransaction {
	out := *tx
	out.Lines = append([]JournalLine(nil), tx.Lines...)
	if tx.Metadata != nil {
		out.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// --- floats ---

func (s *InMemory) CreateFloatAccount(ctx context.Context, acc FloatAccount) (FloatAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.floats {
		if f.BranchID == acc.BranchID && f.Provider == acc.Provider {
			return FloatAccount{}, fmt.Errorf("float account for %s/%s: %w", acc.BranchID, acc.Provider, ErrConflict)
		}
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}
	cp := acc
	s.floats[acc.ID] = &cp
	return cp, nil
}

func (s *InMemory) GetFloatAccount(ctx context.Context, id string) (FloatAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.floats[id]
	if !ok {
		return FloatAccount{}, fmt.Errorf("float account %s: %w", id, ErrNotFound)
	}
	return *f, nil
}

func (s *InMemory) ListFloatAccounts(ctx context.Context, branchID string) ([]FloatAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FloatAccount
	for _, f := range s.floats {
		if branchID == "" || f.BranchID == branchID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ApplyFloatDeltas(ctx context.Context, deltas []FloatDelta, followUp *outbox.Task) ([]FloatMovement, []FloatAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything against a scratch copy of the balances first so a
	// failure leaves no partial movement behind.
	balances := make(map[string]int64)
	for _, d := range deltas {
		f, ok := s.floats[d.FloatAccountID]
		if !ok {
			return nil, nil, fmt.Errorf("float account %s: %w", d.FloatAccountID, ErrNotFound)
		}
		if _, seen := s.causes[causeKey(d.FloatAccountID, d.Cause)]; seen {
			continue
		}
		if !f.Active {
			return nil, nil, fmt.Errorf("float account %s: %w", f.ID, ErrAccountInactive)
		}
		bal, ok := balances[f.ID]
		if !ok {
			bal = f.Balance
		}
		if bal+d.Delta < 0 {
			return nil, nil, fmt.Errorf("float account %s balance %d, delta %d: %w", f.ID, bal, d.Delta, ErrInsufficientFunds)
		}
		balances[f.ID] = bal + d.Delta
	}

	now := s.now()
	movements := make([]FloatMovement, 0, len(deltas))
	accounts := make([]FloatAccount, 0, len(deltas))
	applied := false
	for _, d := range deltas {
		f := s.floats[d.FloatAccountID]
		if idx, seen := s.causes[causeKey(d.FloatAccountID, d.Cause)]; seen {
			m := s.movements[idx]
			m.Replayed = true
			movements = append(movements, m)
			accounts = append(accounts, *f)
			continue
		}
		m := FloatMovement{
			ID:             newID(),
			FloatAccountID: f.ID,
			Delta:          d.Delta,
			BalanceBefore:  f.Balance,
			BalanceAfter:   f.Balance + d.Delta,
			CauseReference: d.Cause,
			CreatedAt:      now,
		}
		f.Balance = m.BalanceAfter
		s.causes[causeKey(f.ID, d.Cause)] = len(s.movements)
		s.movements = append(s.movements, m)
		movements = append(movements, m)
		accounts = append(accounts, *f)
		applied = true
	}
	if applied && followUp != nil {
		if _, err := s.queue.Enqueue(ctx, *followUp); err != nil {
			return nil, nil, err
		}
	}
	return movements, accounts, nil
}

func (s *InMemory) FloatMovements(ctx context.Context, floatID string, limit int) ([]FloatMovement, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FloatMovement
	for i := len(s.movements) - 1; i >= 0 && len(out) < limit; i-- {
		if s.movements[i].FloatAccountID == floatID {
			out = append(out, s.movements[i])
		}
	}
	return out, nil
}

func (s *InMemory) MovementsByCause(ctx context.Context, cause string) ([]FloatMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FloatMovement
	for _, m := range s.movements {
		if m.CauseReference == cause {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemory) SetFloatActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.floats[id]
	if !ok {
		return fmt.Errorf("float account %s: %w", id, ErrNotFound)
	}
	if !active && f.Balance != 0 {
		return fmt.Errorf("float account %s holds %d: %w", id, f.Balance, ErrNonZeroBalance)
	}
	f.Active = active
	return nil
}

// --- mappings ---

func (s *InMemory) PutMapping(ctx context.Context, m Mapping) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 0
	for i := range s.mappings {
		cur := &s.mappings[i]
		if cur.BranchID == m.BranchID && cur.FloatAccountID == m.FloatAccountID && cur.Role == m.Role {
			if cur.Version > version {
				version = cur.Version
			}
			cur.Active = false
		}
	}
	m.Version = version + 1
	m.Active = true
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.mappings = append(s.mappings, m)
	return m, nil
}

func (s *InMemory) FindMapping(ctx context.Context, branchID, floatID string, role Role) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findMappingLocked(branchID, floatID, role)
}

func (s *InMemory) findMappingLocked(branchID, floatID string, role Role) (Mapping, error) {
	var found *Mapping
	for i := range s.mappings {
		m := &s.mappings[i]
		if m.Active && m.BranchID == branchID && m.FloatAccountID == floatID && m.Role == role {
			if found == nil || m.Version > found.Version {
				found = m
			}
		}
	}
	if found == nil {
		return Mapping{}, ErrNotFound
	}
	return *found, nil
}

func (s *InMemory) ListMappings(ctx context.Context, floatID string) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Mapping
	for _, m := range s.mappings {
		if floatID == "" || m.FloatAccountID == floatID {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- reports ---

func (s *InMemory) AccountTotals(ctx context.Context, asOf time.Time) ([]AccountTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]*AccountTotal, len(s.accounts))
	for code, a := range s.accounts {
		totals[code] = &AccountTotal{Code: code, Name: a.Name, Type: a.Type}
	}
	for _, id := range s.journalSq {
		tx := s.journals[id]
		if tx.Status == StatusPending || tx.CreatedAt.After(asOf) {
			continue
		}
		for _, l := range tx.Lines {
			t := totals[l.AccountCode]
			t.Debit += l.Debit
			t.Credit += l.Credit
		}
	}
	out := make([]AccountTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemory) FloatStatement(ctx context.Context, floatID string, from, to time.Time) (int64, []StatementEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		opening int64
		entries []StatementEntry
	)
	for _, id := range s.journalSq {
		tx := s.journals[id]
		if tx.Status == StatusPending {
			continue
		}
		for _, l := range tx.Lines {
			if l.FloatAccountID != floatID {
				continue
			}
			if tx.CreatedAt.Before(from) {
				opening += l.Debit - l.Credit
				continue
			}
			if !tx.CreatedAt.Before(to) {
				continue
			}
			entry := StatementEntry{
				JournalTransactionID: tx.ID,
				PostedAt:             tx.CreatedAt,
				SourceModule:         tx.SourceModule,
				SourceTransactionID:  tx.SourceTransactionID,
				SourceType:           tx.SourceType,
				AccountCode:          l.AccountCode,
				Role:                 l.Role,
				Description:          l.Description,
				Debit:                l.Debit,
				Credit:               l.Credit,
			}
			if m, ok := s.mappingForLineLocked(floatID, l); ok {
				entry.MappingVersion = m.Version
			}
			entries = append(entries, entry)
		}
	}
	return opening, entries, nil
}

func (s *InMemory) mappingForLineLocked(floatID string, l JournalLine) (Mapping, bool) {
	var found *Mapping
	for i := range s.mappings {
		m := &s.mappings[i]
		if m.FloatAccountID == floatID && m.Role == l.Role && m.AccountCode == l.AccountCode {
			if found == nil || m.Version > found.Version {
				found = m
			}
		}
	}
	if found == nil {
		return Mapping{}, false
	}
	return *found, true
}
