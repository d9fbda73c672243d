package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransitionFunc observes every status a transaction is written with.
type TransitionFunc func(kind TxKind, status Status)

// Ledger is the service callers use. It builds balanced entries and leaves
// atomicity to the Store.
type Ledger struct {
	store        Store
	currency     string
	requireFunds bool
	now          func() time.Time
	logger       *zap.Logger
	onTransition TransitionFunc
}

type Option func(*Ledger)

// WithCurrency sets the currency tag of every account the ledger touches.
func WithCurrency(c string) Option {
	return func(l *Ledger) { l.currency = c }
}

// WithRequireFunds makes Reserve reject spends larger than the owner's
// balance minus outstanding reservations.
func WithRequireFunds(v bool) Option {
	return func(l *Ledger) { l.requireFunds = v }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(l *Ledger) { l.onTransition = fn }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		currency: "CREDIT",
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("ledger")
	return l
}

// Currency returns the currency tag used for accounts.
func (l *Ledger) Currency() string {
	return l.currency
}

// Reserve creates a PENDING spend for owner without entries. A repeated key
// returns the existing transaction's reference with Existing set.
func (l *Ledger) Reserve(ctx context.Context, key, owner string, estimate int64, meta map[string]string) (TransactionRef, error) {
	if err := validateKey(key, owner); err != nil {
		return TransactionRef{}, err
	}
	if estimate < 0 {
		return TransactionRef{}, fmt.Errorf("%w: negative estimate %d", ErrInvalidAmount, estimate)
	}

	if existing, err := l.store.GetByKey(ctx, key); err == nil {
		return l.existingRef(existing, TxSpend, owner)
	} else if !errors.Is(err, ErrNotFound) {
		return TransactionRef{}, err
	}

	acct, err := l.store.EnsureAccount(ctx, owner, l.currency, KindAsset)
	if err != nil {
		return TransactionRef{}, err
	}
	if !acct.Active {
		return TransactionRef{}, fmt.Errorf("%w: %s", ErrAccountInactive, owner)
	}

	if l.requireFunds {
		if err := l.checkFunds(ctx, acct, estimate); err != nil {
			return TransactionRef{}, err
		}
	}

	now := l.now().UTC()
	tx := &Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Kind:           TxSpend,
		Owner:          owner,
		Currency:       l.currency,
		Status:         StatusPending,
		Estimate:       estimate,
		Metadata:       mergeMetadata(nil, meta),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := l.store.Insert(ctx, tx)
	if err != nil {
		return TransactionRef{}, err
	}
	if !created {
		return l.existingRef(stored, TxSpend, owner)
	}

	l.transition(TxSpend, StatusPending)
	l.logger.Debug("spend reserved",
		zap.String("tx_id", stored.ID),
		zap.String("owner", owner),
		zap.Int64("estimate", estimate),
	)
	return stored.Ref(), nil
}

// Complete settles a pending spend at the actual amount: the owner is debited
// and system revenue credited. It returns ErrNotPending when the transaction
// was already settled; callers retrying a request treat that as success.
func (l *Ledger) Complete(ctx context.Context, ref TransactionRef, actual int64, meta map[string]string) error {
	if actual < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidAmount, actual)
	}
	tx, err := l.store.Get(ctx, ref.ID)
	if err != nil {
		return err
	}
	if tx.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, tx.ID, tx.Status)
	}

	var entries []Entry
	if actual > 0 {
		owner, err := l.store.EnsureAccount(ctx, tx.Owner, tx.Currency, KindAsset)
		if err != nil {
			return err
		}
		revenue, err := l.store.EnsureAccount(ctx, SystemRevenue, tx.Currency, KindRevenue)
		if err != nil {
			return err
		}
		entries = l.pair(tx.ID, owner.ID, revenue.ID, actual)
	}

	settled, err := l.store.Settle(ctx, Settlement{
		TransactionID: tx.ID,
		Status:        StatusCompleted,
		Amount:        actual,
		Entries:       entries,
		Metadata:      meta,
		At:            l.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			l.logger.Error("refusing unbalanced transaction", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		return err
	}

	l.transition(settled.Kind, StatusCompleted)
	l.logger.Debug("spend completed",
		zap.String("tx_id", settled.ID),
		zap.String("owner", settled.Owner),
		zap.Int64("amount", actual),
	)
	return nil
}

// Fail settles a pending spend without entries. It returns ErrNotPending when
// the transaction was already settled.
func (l *Ledger) Fail(ctx context.Context, ref TransactionRef, reason string) error {
	var meta map[string]string
	if reason != "" {
		meta = map[string]string{"failure_reason": reason}
	}
	settled, err := l.store.Settle(ctx, Settlement{
		TransactionID: ref.ID,
		Status:        StatusFailed,
		Metadata:      meta,
		At:            l.now().UTC(),
	})
	if err != nil {
		return err
	}

	l.transition(settled.Kind, StatusFailed)
	l.logger.Debug("spend failed",
		zap.String("tx_id", settled.ID),
		zap.String("owner", settled.Owner),
		zap.String("reason", reason),
	)
	return nil
}

// CreditPurchase posts a completed top-up that debits system funding and
// credits owner. Redelivery of the same key credits nothing.
func (l *Ledger) CreditPurchase(ctx context.Context, key, owner string, amount int64, meta map[string]string) (TransactionRef, error) {
	if err := validateKey(key, owner); err != nil {
		return TransactionRef{}, err
	}
	if amount <= 0 {
		return TransactionRef{}, fmt.Errorf("%w: purchase amount must be positive, got %d", ErrInvalidAmount, amount)
	}

	if existing, err := l.store.GetByKey(ctx, key); err == nil {
		return l.existingRef(existing, TxPurchase, owner)
	} else if !errors.Is(err, ErrNotFound) {
		return TransactionRef{}, err
	}

	acct, err := l.store.EnsureAccount(ctx, owner, l.currency, KindAsset)
	if err != nil {
		return TransactionRef{}, err
	}
	if !acct.Active {
		return TransactionRef{}, fmt.Errorf("%w: %s", ErrAccountInactive, owner)
	}
	funding, err := l.store.EnsureAccount(ctx, SystemFunding, l.currency, KindLiability)
	if err != nil {
		return TransactionRef{}, err
	}

	return l.post(ctx, key, TxPurchase, owner, amount, l.pair("", funding.ID, acct.ID, amount), meta)
}

// Refund posts a compensating transaction that mirrors the entries of a
// completed transaction. The original keeps its COMPLETED status.
func (l *Ledger) Refund(ctx context.Context, key, originalKey string) (TransactionRef, error) {
	if key == "" || originalKey == "" {
		return TransactionRef{}, fmt.Errorf("%w: refund and original keys are required", ErrInvalidInput)
	}
	original, err := l.store.GetByKey(ctx, originalKey)
	if err != nil {
		return TransactionRef{}, err
	}

	if existing, err := l.store.GetByKey(ctx, key); err == nil {
		return l.existingRef(existing, TxRefund, original.Owner)
	} else if !errors.Is(err, ErrNotFound) {
		return TransactionRef{}, err
	}

	if original.Status != StatusCompleted || original.Kind == TxRefund {
		return TransactionRef{}, fmt.Errorf("%w: %s is a %s %s transaction", ErrInvalidInput, originalKey, original.Status, original.Kind)
	}
	if len(original.Entries) == 0 {
		return TransactionRef{}, fmt.Errorf("%w: %s moved no money", ErrInvalidInput, originalKey)
	}

	entries := make([]Entry, 0, len(original.Entries))
	for _, e := range original.Entries {
		entries = append(entries, Entry{ID: uuid.NewString(), AccountID: e.AccountID, Amount: -e.Amount})
	}
	meta := map[string]string{"refund_of": original.ID}
	return l.post(ctx, key, TxRefund, original.Owner, original.Amount, entries, meta)
}

// BalanceOf recomputes the owner's balance from completed entries.
func (l *Ledger) BalanceOf(ctx context.Context, owner string) (int64, error) {
	acct, err := l.store.Account(ctx, owner, l.currency)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return l.store.SumEntries(ctx, acct.ID)
}

// Audit compares the owner's cached balance with its entries.
func (l *Ledger) Audit(ctx context.Context, owner string) (AuditResult, error) {
	acct, err := l.store.Account(ctx, owner, l.currency)
	if err != nil {
		return AuditResult{}, err
	}
	sum, err := l.store.SumEntries(ctx, acct.ID)
	if err != nil {
		return AuditResult{}, err
	}
	res := AuditResult{AccountID: acct.ID, Cached: acct.Balance, Recomputed: sum}
	if !res.Consistent() {
		l.logger.Error("cached balance drifted from entries",
			zap.String("owner", owner),
			zap.Int64("cached", res.Cached),
			zap.Int64("recomputed", res.Recomputed),
		)
	}
	return res, nil
}

// Lookup returns the transaction stored under key, or ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, key string) (*Transaction, error) {
	return l.store.GetByKey(ctx, key)
}

// Transactions lists the owner's transactions created within [from, to).
func (l *Ledger) Transactions(ctx context.Context, owner string, from, to time.Time) ([]*Transaction, error) {
	return l.store.Transactions(ctx, owner, l.currency, from, to)
}

// Entries lists every entry posted to the owner's account.
func (l *Ledger) Entries(ctx context.Context, owner string) ([]Entry, error) {
	acct, err := l.store.Account(ctx, owner, l.currency)
	if err != nil {
		return nil, err
	}
	return l.store.Entries(ctx, acct.ID)
}

// DeactivateAccount stops new reservations and purchases for owner.
func (l *Ledger) DeactivateAccount(ctx context.Context, owner string) error {
	return l.store.DeactivateAccount(ctx, owner, l.currency)
}

// ListStalePending returns pending transactions older than age.
func (l *Ledger) ListStalePending(ctx context.Context, age time.Duration, limit int) ([]*Transaction, error) {
	return l.store.StalePending(ctx, l.now().UTC().Add(-age), limit)
}

func (l *Ledger) post(ctx context.Context, key string, kind TxKind, owner string, amount int64, entries []Entry, meta map[string]string) (TransactionRef, error) {
	now := l.now().UTC()
	tx := &Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Kind:           kind,
		Owner:          owner,
		Currency:       l.currency,
		Status:         StatusCompleted,
		Amount:         amount,
		Metadata:       mergeMetadata(nil, meta),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range entries {
		entries[i].TransactionID = tx.ID
		entries[i].CreatedAt = now
	}
	tx.Entries = entries

	stored, created, err := l.store.Insert(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			l.logger.Error("refusing unbalanced transaction", zap.String("key", key), zap.Error(err))
		}
		return TransactionRef{}, err
	}
	if !created {
		return l.existingRef(stored, kind, owner)
	}

	l.transition(kind, StatusCompleted)
	l.logger.Info("transaction posted",
		zap.String("tx_id", stored.ID),
		zap.String("kind", string(kind)),
		zap.String("owner", owner),
		zap.Int64("amount", amount),
	)
	return stored.Ref(), nil
}

// pair builds a debit of from and a matching credit of to.
func (l *Ledger) pair(txID, from, to string, amount int64) []Entry {
	now := l.now().UTC()
	return []Entry{
		{ID: uuid.NewString(), TransactionID: txID, AccountID: from, Amount: -amount, CreatedAt: now},
		{ID: uuid.NewString(), TransactionID: txID, AccountID: to, Amount: amount, CreatedAt: now},
	}
}

func (l *Ledger) checkFunds(ctx context.Context, acct *Account, estimate int64) error {
	balance, err := l.store.SumEntries(ctx, acct.ID)
	if err != nil {
		return err
	}
	held, err := l.store.PendingEstimates(ctx, acct.Owner, acct.Currency)
	if err != nil {
		return err
	}
	if available := balance - held; available < estimate {
		return fmt.Errorf("%w: available %d, estimate %d", ErrInsufficientFunds, available, estimate)
	}
	return nil
}

func (l *Ledger) existingRef(tx *Transaction, kind TxKind, owner string) (TransactionRef, error) {
	if tx.Kind != kind || tx.Owner != owner {
		return TransactionRef{}, fmt.Errorf("%w: %s", ErrKeyConflict, tx.IdempotencyKey)
	}
	ref := tx.Ref()
	ref.Existing = true
	return ref, nil
}

func (l *Ledger) transition(kind TxKind, status Status) {
	if l.onTransition != nil {
		l.onTransition(kind, status)
	}
}

func validateKey(key, owner string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	return nil
}
