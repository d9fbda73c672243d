// Package ledger is an append-only double-entry credit store. Spend is
// reserved as a PENDING transaction before a backend call and settled once
// the outcome is known; entries are only written at settlement.
package ledger

import "time"

// AccountKind classifies an account for reporting.
type AccountKind string

const (
	KindAsset     AccountKind = "ASSET"
	KindLiability AccountKind = "LIABILITY"
	KindRevenue   AccountKind = "REVENUE"
	KindExpense   AccountKind = "EXPENSE"
	KindEquity    AccountKind = "EQUITY"
)

// Status is a transaction's lifecycle position. PENDING moves to COMPLETED or
// FAILED exactly once. REVERSED is reserved for storage compatibility;
// refunds are posted as separate compensating transactions instead.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusReversed  Status = "REVERSED"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// TxKind records why a transaction exists.
type TxKind string

const (
	TxSpend    TxKind = "spend"
	TxPurchase TxKind = "purchase"
	TxRefund   TxKind = "refund"
)

// System account owners.
const (
	// SystemRevenue receives every completed spend.
	SystemRevenue = "system:revenue"
	// SystemFunding is debited for every purchased credit.
	SystemFunding = "system:funding"
)

// Account is identified by (Owner, Currency). Balance is a cache of the sum
// of completed entries and can always be recomputed from them.
type Account struct {
	ID        string      `json:"id"`
	Owner     string      `json:"owner"`
	Currency  string      `json:"currency"`
	Kind      AccountKind `json:"kind"`
	Balance   int64       `json:"balance"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// Transaction groups the entries of one logical money movement.
type Transaction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Kind           TxKind            `json:"kind"`
	Owner          string            `json:"owner"`
	Currency       string            `json:"currency"`
	Status         Status            `json:"status"`
	Estimate       int64             `json:"estimate"`
	Amount         int64             `json:"amount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Entries        []Entry           `json:"entries,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Ref returns the reference handed to callers.
func (t *Transaction) Ref() TransactionRef {
	return TransactionRef{ID: t.ID, IdempotencyKey: t.IdempotencyKey, Status: t.Status}
}

// Entry is a signed amount against one account. Credits are positive and
// debits negative; the entries of a transaction sum to zero.
type Entry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransactionRef identifies a reserved or posted transaction. Existing is set
// when the idempotency key matched a transaction created earlier.
type TransactionRef struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         Status `json:"status"`
	Existing       bool   `json:"existing"`
}

// AuditResult compares an account's cached balance with its entries.
type AuditResult struct {
	AccountID  string `json:"account_id"`
	Cached     int64  `json:"cached"`
	Recomputed int64  `json:"recomputed"`
}

// Consistent reports whether the cache matches the entries.
func (a AuditResult) Consistent() bool {
	return a.Cached == a.Recomputed
}
