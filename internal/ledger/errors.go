package ledger

import (
	"errors"
	"fmt"
)

// ErrValidation marks bad input rejected before any write. Use errors.Is;
// the more specific validation errors below all match it.
var ErrValidation = errors.New("validation failed")

var (
	ErrAccountNotFound    error = &validationError{"account not found"}
	ErrSameAccount        error = &validationError{"source and destination must differ"}
	ErrCurrencyMismatch   error = &validationError{"accounts hold different currencies"}
	ErrInvalidReference   error = &validationError{"reference must be 1-64 characters"}
	ErrInvalidAccountType error = &validationError{"invalid account type"}
	ErrInvalidCurrency    error = &validationError{"currency must be a 3-letter ISO code"}
	ErrDescriptionTooLong error = &validationError{"description too long"}
	ErrAccountNotEmpty    error = &validationError{"account balance must be zero to close"}
)

// ErrTransactionNotFound is returned by the read surface.
var ErrTransactionNotFound = errors.New("transaction not found")

var (
	// ErrAccountNotUsable is returned for frozen or closed accounts.
	ErrAccountNotUsable  = errors.New("account not usable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnbalancedEntries means an entry set did not sum to zero. It is an
	// internal defect, never a caller mistake.
	ErrUnbalancedEntries = errors.New("unbalanced entries")
	// ErrDuplicateReference is returned when a caller-chosen reference is
	// already taken. Nothing was applied.
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	// ErrDuplicateScore is benign: the transaction was already scored.
	ErrDuplicateScore = errors.New("risk score already exists")
	// ErrStorageUnavailable is retryable; nothing was applied.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrIndeterminate means the commit outcome is unknown. Re-read the
	// transaction by reference before retrying.
	ErrIndeterminate = errors.New("outcome indeterminate")
)

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }

// IndeterminateError carries the reference of a money movement whose commit
// outcome is unknown.
type IndeterminateError struct {
	Reference string
	Err       error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("outcome unknown for transaction %s: %v", e.Reference, e.Err)
}

func (e *IndeterminateError) Unwrap() error { return e.Err }

func (e *IndeterminateError) Is(target error) bool { return target == ErrIndeterminate }

// Outcome tells a caller what a failed money movement did to the ledger.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNotApplied
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNotApplied:
		return "not_applied"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies an error returned by Deposit, Withdraw or Transfer.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, ErrIndeterminate):
		return OutcomeUnknown
	default:
		return OutcomeNotApplied
	}
}

// Retryable reports whether err is safe to retry as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) && !errors.Is(err, ErrIndeterminate)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
