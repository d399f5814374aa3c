package ledger

import (
	"errors"
	"fmt"
)

// Rejection reasons reported by Apply.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonAlreadyApplied      = "already_applied"
	ReasonInvalidAmount       = "invalid_amount"
)

var (
	ErrInsufficientBalance = errors.New(ReasonInsufficientBalance)
	ErrAlreadyApplied      = errors.New(ReasonAlreadyApplied)
	ErrInvalidAmount       = errors.New(ReasonInvalidAmount)
)

// RejectionError describes why a transaction was not applied.
// It matches the corresponding sentinel error with errors.Is.
type RejectionError struct {
	Reason   error
	Identity string
	TxID     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transaction %s (%s) rejected: %v", e.TxID, e.Identity, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Reason
}

// ReasonOf returns the short reason string for a rejection error, or "unknown".
func ReasonOf(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrAlreadyApplied):
		return ReasonAlreadyApplied
	case errors.Is(err, ErrInvalidAmount):
		return ReasonInvalidAmount
	default:
		return "unknown"
	}
}
