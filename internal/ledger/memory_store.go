package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store used in tests and single-instance
// development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // by owner|currency
	byID     map[string]*Account
	txs      map[string]*Transaction
	keys     map[string]string // idempotency key -> tx id
	entries  map[string][]Entry // by account id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byID:     make(map[string]*Account),
		txs:      make(map[string]*Transaction),
		keys:     make(map[string]string),
		entries:  make(map[string][]Entry),
	}
}

func accountKey(owner, currency string) string {
	return owner + "|" + currency
}

func (s *MemoryStore) EnsureAccount(_ context.Context, owner, currency string, kind AccountKind) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[accountKey(owner, currency)]; ok {
		cp := *a
		return &cp, nil
	}
	a := &Account{
		ID:        uuid.NewString(),
		Owner:     owner,
		Currency:  currency,
		Kind:      kind,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[accountKey(owner, currency)] = a
	s.byID[a.ID] = a
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Account(_ context.Context, owner, currency string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountKey(owner, currency)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DeactivateAccount(_ context.Context, owner, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountKey(owner, currency)]
	if !ok {
		return ErrAccountNotFound
	}
	a.Active = false
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, tx *Transaction) (*Transaction, bool, error) {
	if err := checkInsert(tx); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.keys[tx.IdempotencyKey]; ok {
		return s.copyTx(s.txs[id]), false, nil
	}
	for _, e := range tx.Entries {
		if _, ok := s.byID[e.AccountID]; !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrAccountNotFound, e.AccountID)
		}
	}

	stored := *tx
	stored.Metadata = mergeMetadata(nil, tx.Metadata)
	stored.Entries = append([]Entry(nil), tx.Entries...)
	s.txs[stored.ID] = &stored
	s.keys[stored.IdempotencyKey] = stored.ID
	s.applyEntries(stored.Entries)
	return s.copyTx(&stored), true, nil
}

func (s *MemoryStore) Settle(_ context.Context, st Settlement) (*Transaction, error) {
	if err := checkTransition(st.Status, st.Entries); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[st.TransactionID]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, tx.ID, tx.Status)
	}
	for _, e := range st.Entries {
		if _, ok := s.byID[e.AccountID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, e.AccountID)
		}
	}

	tx.Status = st.Status
	tx.Amount = st.Amount
	tx.UpdatedAt = st.At
	tx.Metadata = mergeMetadata(tx.Metadata, st.Metadata)
	tx.Entries = make([]Entry, len(st.Entries))
	for i, e := range st.Entries {
		e.TransactionID = tx.ID
		tx.Entries[i] = e
	}
	s.applyEntries(tx.Entries)
	return s.copyTx(tx), nil
}

// applyEntries must be called with s.mu held.
func (s *MemoryStore) applyEntries(entries []Entry) {
	for _, e := range entries {
		s.entries[e.AccountID] = append(s.entries[e.AccountID], e)
		s.byID[e.AccountID].Balance += e.Amount
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyTx(tx), nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.copyTx(s.txs[id]), nil
}

func (s *MemoryStore) Transactions(_ context.Context, owner, currency string, from, to time.Time) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Owner != owner || tx.Currency != currency {
			continue
		}
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		out = append(out, s.copyTx(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Entries(_ context.Context, accountID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries[accountID]...), nil
}

func (s *MemoryStore) SumEntries(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.entries[accountID] {
		if s.txs[e.TransactionID].Status == StatusCompleted {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) PendingEstimates(_ context.Context, owner, currency string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.txs {
		if tx.Owner == owner && tx.Currency == currency && tx.Kind == TxSpend && tx.Status == StatusPending {
			sum += tx.Estimate
		}
	}
	return sum, nil
}

func (s *MemoryStore) StalePending(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Status == StatusPending && tx.CreatedAt.Before(before) {
			out = append(out, s.copyTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) copyTx(tx *Transaction) *Transaction {
	cp := *tx
	cp.Metadata = mergeMetadata(nil, tx.Metadata)
	cp.Entries = append([]Entry(nil), tx.Entries...)
	return &cp
}
