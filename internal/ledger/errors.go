package ledger

import (
	"errors"
)

// Domain errors. None of them mutate state and none are retried here.
var (
	ErrInvalidOrder         = errors.New("invalid_order")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrAccountExists        = errors.New("account_exists")
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrPositionNotFound     = errors.New("position_not_found")
	ErrInsufficientFunds    = errors.New("insufficient_funds")
	ErrInsufficientQuantity = errors.New("insufficient_quantity")
)

// ErrUnavailable matches every StoreError via errors.Is.
var ErrUnavailable = errors.New("ledger_unavailable")

// StoreError wraps an infrastructure failure so callers can tell "your
// order is invalid" apart from "the system is unavailable".
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "ledger: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrUnavailable }

var domainErrors = []error{
	ErrInvalidOrder,
	ErrInvalidAmount,
	ErrInvalidAccount,
	ErrAccountExists,
	ErrAccountNotFound,
	ErrPositionNotFound,
	ErrInsufficientFunds,
	ErrInsufficientQuantity,
}

// IsDomainError reports whether err is one of the caller-visible order
// errors rather than an infrastructure failure.
func IsDomainError(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// classify leaves domain errors untouched and wraps anything else.
func classify(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
