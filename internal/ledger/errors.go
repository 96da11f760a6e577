package ledger

import (
	"errors"
	"strings"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrUnbalancedEntry        = errors.New("unbalanced entry")
	ErrUnknownTransactionType = errors.New("unknown transaction type")
	ErrMissingAccountMapping  = errors.New("missing account mapping")
	ErrMappingNotFound        = errors.New("mapping not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAccountInactive        = errors.New("account inactive")
	ErrAlreadyReversed        = errors.New("journal transaction already reversed")
	ErrNonZeroBalance         = errors.New("float account balance is not zero")
	ErrConflict               = errors.New("already exists")
	ErrNotFound               = errors.New("not found")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrIntegrityViolation     = errors.New("ledger integrity violation")
)

// ValidationError rejects a request before any write happens.
// It matches ErrValidation and, when set, the more specific Err.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation: ")
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func unbalanced(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Err: ErrUnbalancedEntry}
}
