package ledger

import (
	"context"
	"fmt"
	"time"
)

// Store persists accounts, transactions and entries. Implementations must
// run checkInsert or checkTransition before writing so an unbalanced
// transaction can never be persisted, whichever code path built it.
type Store interface {
	// EnsureAccount returns the (owner, currency) account, creating it with
	// kind on first use.
	EnsureAccount(ctx context.Context, owner, currency string, kind AccountKind) (*Account, error)
	Account(ctx context.Context, owner, currency string) (*Account, error)
	DeactivateAccount(ctx context.Context, owner, currency string) error

	// Insert stores tx unless its idempotency key is taken, in which case the
	// stored transaction is returned with created set to false. A completed
	// tx is written together with its entries and balance updates.
	Insert(ctx context.Context, tx *Transaction) (stored *Transaction, created bool, err error)
	// Settle moves a transaction out of PENDING, writing entries and
	// balance updates atomically. It returns ErrNotPending if the
	// transaction was already settled.
	Settle(ctx context.Context, s Settlement) (*Transaction, error)

	Get(ctx context.Context, id string) (*Transaction, error)
	GetByKey(ctx context.Context, key string) (*Transaction, error)
	Transactions(ctx context.Context, owner, currency string, from, to time.Time) ([]*Transaction, error)
	Entries(ctx context.Context, accountID string) ([]Entry, error)
	// SumEntries adds up the entries of completed transactions on an account.
	SumEntries(ctx context.Context, accountID string) (int64, error)
	// PendingEstimates adds up the estimates of the owner's pending spends.
	PendingEstimates(ctx context.Context, owner, currency string) (int64, error)
	// StalePending lists pending transactions created before the cutoff,
	// oldest first.
	StalePending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// Settlement is the terminal write for a pending transaction.
type Settlement struct {
	TransactionID string
	Status        Status
	Amount        int64
	Entries       []Entry
	Metadata      map[string]string
	At            time.Time
}

// checkTransition rejects entries that do not sum to zero and entries on a
// transaction that is not completing.
func checkTransition(status Status, entries []Entry) error {
	switch status {
	case StatusCompleted:
	case StatusFailed:
		if len(entries) > 0 {
			return fmt.Errorf("%w: failed transaction carries %d entries", ErrInvariantViolation, len(entries))
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot settle to %s", ErrInvalidInput, status)
	}
	return checkBalanced(entries)
}

func checkBalanced(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) < 2 {
		return fmt.Errorf("%w: single entry", ErrInvariantViolation)
	}
	var sum int64
	for _, e := range entries {
		if e.AccountID == "" {
			return fmt.Errorf("%w: entry without account", ErrInvariantViolation)
		}
		sum += e.Amount
	}
	if sum != 0 {
		return fmt.Errorf("%w: entries sum to %d", ErrInvariantViolation, sum)
	}
	return nil
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// checkInsert validates a new transaction before any store writes it.
func checkInsert(tx *Transaction) error {
	switch tx.Status {
	case StatusPending:
		if len(tx.Entries) > 0 {
			return fmt.Errorf("%w: pending transaction carries entries", ErrInvariantViolation)
		}
		return nil
	case StatusCompleted:
		return checkBalanced(tx.Entries)
	default:
		return fmt.Errorf("%w: cannot insert a %s transaction", ErrInvalidInput, tx.Status)
	}
}
