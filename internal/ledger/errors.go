package ledger

import "errors"

var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrAccountNotFound    = errors.New("ledger: account not found")
	ErrAccountInactive    = errors.New("ledger: account is deactivated")
	ErrNotPending         = errors.New("ledger: transaction not pending")
	ErrInvariantViolation = errors.New("ledger: entries do not balance")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrInvalidInput       = errors.New("ledger: invalid input")
	ErrKeyConflict        = errors.New("ledger: idempotency key used for a different operation")
)
