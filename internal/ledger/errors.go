package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrOwnerNotFound means a team has no member with the owner role. This
	// is a data-integrity condition, not an expected state.
	ErrOwnerNotFound = errors.New("team owner not found")

	// ErrForbidden means the initiating account is not a member of the team
	// it is trying to charge.
	ErrForbidden = errors.New("initiator is not a member of the team")

	// ErrUpstreamUnavailable means a payment provider call failed.
	ErrUpstreamUnavailable = errors.New("payment provider unavailable")
)

// InsufficientBalanceError is returned when a debit would take a balance
// below zero. It carries both amounts so callers can render a precise
// message.
type InsufficientBalanceError struct {
	AccountID string
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for account %s: required %d, available %d",
		e.AccountID, e.Required, e.Available)
}

// AsInsufficientBalance unwraps err into an InsufficientBalanceError if it is
// one.
func AsInsufficientBalance(err error) (*InsufficientBalanceError, bool) {
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib, true
	}
	return nil, false
}
