package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// TxType is the kind of service transaction a producer reports.
type TxType string

const (
	TxCashIn                TxType = "cash_in"
	TxCashOut               TxType = "cash_out"
	TxDeposit               TxType = "deposit"
	TxWithdrawal            TxType = "withdrawal"
	TxCardWithdrawal        TxType = "card_withdrawal"
	TxUtilitySale           TxType = "utility_sale"
	TxMarketplaceCollection TxType = "marketplace_collection"
	TxMarketplaceSettlement TxType = "marketplace_settlement"
	TxExpensePayment        TxType = "expense_payment"
	TxFloatTopUp            TxType = "float_topup"
	TxCommission            TxType = "commission"
	TxAdjustmentIncrease    TxType = "adjustment_increase"
	TxAdjustmentDecrease    TxType = "adjustment_decrease"
)

// Target says which float account a line's role is resolved against.
type Target string

const (
	TargetProvider Target = "provider"
	TargetTill     Target = "till"
)

// Leg is one side of a rule, before amounts are known.
type Leg struct {
	Role   Role
	Target Target
}

// Rule describes how a transaction type is booked from the branch's point of view.
type Rule struct {
	Type   TxType
	Module string
	Debit  Leg
	Credit Leg
	// ProviderSign and TillSign give the float effect per unit of principal.
	ProviderSign int64
	TillSign     int64
	// FeeAllowed marks rules where a fee is collected in cash for the provider.
	FeeAllowed bool
}

var (
	tillMain     = Leg{RoleMain, TargetTill}
	tillExpense  = Leg{RoleExpense, TargetTill}
	providerLiab = Leg{RoleLiability, TargetProvider}
	providerMain = Leg{RoleMain, TargetProvider}
	providerRev  = Leg{RoleRevenue, TargetProvider}
	providerAdj  = Leg{RoleAdjustment, TargetProvider}
	providerFee  = Leg{RoleFee, TargetProvider}
)

// inbound rules take cash into the till against the provider's liability.
func inbound(t TxType, module string, providerSign int64) Rule {
	return Rule{Type: t, Module: module, Debit: tillMain, Credit: providerLiab, ProviderSign: providerSign, TillSign: 1, FeeAllowed: true}
}

// outbound rules pay cash out of the till and release the provider's liability.
func outbound(t TxType, module string, providerSign int64) Rule {
	return Rule{Type: t, Module: module, Debit: providerLiab, Credit: tillMain, ProviderSign: providerSign, TillSign: -1, FeeAllowed: true}
}

var rules = map[TxType]Rule{
	TxCashIn:                inbound(TxCashIn, ModuleMobileMoney, -1),
	TxCashOut:               outbound(TxCashOut, ModuleMobileMoney, 1),
	TxDeposit:               inbound(TxDeposit, ModuleAgencyBanking, -1),
	TxWithdrawal:            outbound(TxWithdrawal, ModuleAgencyBanking, 1),
	TxCardWithdrawal:        outbound(TxCardWithdrawal, ModuleCard, 1),
	TxUtilitySale:           inbound(TxUtilitySale, ModuleUtility, -1),
	TxMarketplaceCollection: inbound(TxMarketplaceCollection, ModuleMarketplace, 0),
	TxMarketplaceSettlement: outbound(TxMarketplaceSettlement, ModuleMarketplace, 0),
	TxExpensePayment:        {Type: TxExpensePayment, Module: ModuleExpenses, Debit: tillExpense, Credit: tillMain, TillSign: -1},
	TxFloatTopUp:            {Type: TxFloatTopUp, Module: ModuleFloat, Debit: providerMain, Credit: tillMain, ProviderSign: 1, TillSign: -1},
	TxCommission:            {Type: TxCommission, Module: ModuleFloat, Debit: providerMain, Credit: providerRev, ProviderSign: 1},
	TxAdjustmentIncrease:    {Type: TxAdjustmentIncrease, Module: ModuleFloat, Debit: providerMain, Credit: providerAdj, ProviderSign: 1},
	TxAdjustmentDecrease:    {Type: TxAdjustmentDecrease, Module: ModuleFloat, Debit: providerAdj, Credit: providerMain, ProviderSign: -1},
}

// RuleFor returns the booking rule for t.
func RuleFor(t TxType) (Rule, bool) {
	r, ok := rules[t]
	return r, ok
}

// TxTypes lists every known transaction type in name order.
func TxTypes() []TxType {
	out := make([]TxType, 0, len(rules))
	for t := range rules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NeedsProvider reports whether the rule touches a provider float account.
func (r Rule) NeedsProvider() bool {
	return r.Debit.Target == TargetProvider || r.Credit.Target == TargetProvider || r.ProviderSign != 0
}

// NeedsTill reports whether the rule touches the branch cash till.
func (r Rule) NeedsTill() bool {
	return r.Debit.Target == TargetTill || r.Credit.Target == TargetTill || r.TillSign != 0
}

// LineSpec is a journal line whose account is still expressed as a role.
type LineSpec struct {
	Role        Role   `json:"role"`
	Target      Target `json:"target"`
	Debit       int64  `json:"debit"`
	Credit      int64  `json:"credit"`
	Description string `json:"description,omitempty"`
}

// Entry is the output of Build: balanced lines plus the float effect they imply.
type Entry struct {
	Rule          Rule
	Amount        int64
	Fee           int64
	Lines         []LineSpec
	ProviderDelta int64
	TillDelta     int64
	// Metadata is the caller's metadata plus the minor-unit amount and fee,
	// stored on the journal transaction.
	Metadata      map[string]string
}

// Metadata keys written by Build.
const (
	MetaAmount    = "amount"
	MetaFee       = "fee"
	MetaReference = "reference"
)

// maxMinor bounds a single amount so sums of a handful of lines cannot overflow int64.
const maxMinor = int64(1e15)

// Builder turns service transactions into balanced line specs. It holds no state
// beyond the rounding precision and is safe for concurrent use.
type Builder struct {
	MinorUnits int32
}

// NewBuilder returns a builder rounding to minorUnits decimal places.
func NewBuilder(minorUnits int32) *Builder {
	if minorUnits < 0 {
		minorUnits = 2
	}
	return &Builder{MinorUnits: minorUnits}
}

// ToMinor rounds d half away from zero and converts it to integer minor units.
func (b *Builder) ToMinor(field string, d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, unbalanced(field, "must not be negative")
	}
	scaled := d.Round(b.MinorUnits).Shift(b.MinorUnits)
	if scaled.GreaterThan(decimal.NewFromInt(maxMinor)) {
		return 0, unbalanced(field, "amount too large")
	}
	return scaled.IntPart(), nil
}

// FromMinor converts minor units back to a decimal amount.
func (b *Builder) FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -b.MinorUnits)
}

// Build derives the lines for one service transaction. A "reference" in
// metadata is appended to every line description.
func (b *Builder) Build(module string, t TxType, amount, fee decimal.Decimal, metadata map[string]string) (Entry, error) {
	rule, ok := rules[t]
	if !ok {
		return Entry{}, &ValidationError{Field: "transaction_type", Reason: fmt.Sprintf("%q is not supported", t), Err: ErrUnknownTransactionType}
	}
	if module != "" && module != rule.Module {
		return Entry{}, invalid("source_module", fmt.Sprintf("%s belongs to %s, not %s", t, rule.Module, module))
	}
	principal, err := b.ToMinor("amount", amount)
	if err != nil {
		return Entry{}, err
	}
	if principal == 0 {
		return Entry{}, unbalanced("amount", "must be positive after rounding")
	}
	feeMinor, err := b.ToMinor("fee", fee)
	if err != nil {
		return Entry{}, err
	}
	if feeMinor > 0 && !rule.FeeAllowed {
		return Entry{}, invalid("fee", fmt.Sprintf("%s does not carry a fee", t))
	}

	desc := string(t)
	if ref := strings.TrimSpace(metadata[MetaReference]); ref != "" {
		desc += " " + ref
	}
	raw := []LineSpec{
		{Role: rule.Debit.Role, Target: rule.Debit.Target, Debit: principal, Description: desc},
		{Role: rule.Credit.Role, Target: rule.Credit.Target, Credit: principal, Description: desc},
	}
	if feeMinor > 0 {
		raw = append(raw,
			LineSpec{Role: tillMain.Role, Target: tillMain.Target, Debit: feeMinor, Description: desc + " fee"},
			LineSpec{Role: providerFee.Role, Target: providerFee.Target, Credit: feeMinor, Description: desc + " fee"},
		)
	}
	lines := consolidate(raw)

	var debit, credit int64
	for _, l := range lines {
		debit += l.Debit
		credit += l.Credit
	}
	if debit != credit {
		return Entry{}, unbalanced("lines", fmt.Sprintf("debits %d != credits %d", debit, credit))
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetaAmount] = strconv.FormatInt(principal, 10)
	if feeMinor > 0 {
		meta[MetaFee] = strconv.FormatInt(feeMinor, 10)
	} else {
		delete(meta, MetaFee)
	}

	return Entry{
		Rule:          rule,
		Amount:        principal,
		Fee:           feeMinor,
		Lines:         lines,
		ProviderDelta: rule.ProviderSign * principal,
		TillDelta:     rule.TillSign * principal,
		Metadata:      meta,
	}, nil
}

// consolidate merges lines hitting the same role, target and side, keeping first-seen order.
func consolidate(in []LineSpec) []LineSpec {
	type key struct {
		role   Role
		target Target
		debit  bool
	}
	idx := make(map[key]int, len(in))
	out := make([]LineSpec, 0, len(in))
	for _, l := range in {
		k := key{l.Role, l.Target, l.Debit > 0}
		if i, ok := idx[k]; ok {
			out[i].Debit += l.Debit
			out[i].Credit += l.Credit
			continue
		}
		idx[k] = len(out)
		out = append(out, l)
	}
	return out
}
