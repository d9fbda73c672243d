package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps the ledger in Postgres. Settlement is a conditional
// UPDATE on status = 'PENDING' inside the same database transaction that
// writes the entries and balance updates.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, idempotency_key, kind, owner, currency, status, estimate, amount, metadata, created_at, updated_at`

func (s *PostgresStore) EnsureAccount(ctx context.Context, owner, currency string, kind AccountKind) (*Account, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ledger_accounts (id, owner, currency, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, currency) DO NOTHING
	`, uuid.NewString(), owner, currency, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return s.Account(ctx, owner, currency)
}

func (s *PostgresStore) Account(ctx context.Context, owner, currency string) (*Account, error) {
	var a Account
	var kind string
	err := s.db.QueryRow(ctx, `
		SELECT id, owner, currency, kind, balance, active, created_at
		FROM ledger_accounts
		WHERE owner = $1 AND currency = $2
	`, owner, currency).Scan(&a.ID, &a.Owner, &a.Currency, &kind, &a.Balance, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	a.Kind = AccountKind(kind)
	return &a, nil
}

func (s *PostgresStore) DeactivateAccount(ctx context.Context, owner, currency string) error {
	tag, err := s.db.Exec(ctx, `UPDATE ledger_accounts SET active = false WHERE owner = $1 AND currency = $2`, owner, currency)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	if err := checkInsert(tx); err != nil {
		return nil, false, err
	}
	meta, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return nil, false, err
	}

	created := false
	err = pgx.BeginFunc(ctx, s.db, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, `
			INSERT INTO ledger_transactions (`+txColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, tx.ID, tx.IdempotencyKey, string(tx.Kind), tx.Owner, tx.Currency, string(tx.Status),
			tx.Estimate, tx.Amount, meta, tx.CreatedAt, tx.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return writeEntries(ctx, dbtx, tx.ID, tx.Entries)
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		stored, err := s.Get(ctx, tx.ID)
		return stored, true, err
	}
	stored, err := s.GetByKey(ctx, tx.IdempotencyKey)
	return stored, false, err
}

func (s *PostgresStore) Settle(ctx context.Context, st Settlement) (*Transaction, error) {
	if err := checkTransition(st.Status, st.Entries); err != nil {
		return nil, err
	}
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return nil, err
	}

	var settled *Transaction
	err = pgx.BeginFunc(ctx, s.db, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, `
			UPDATE ledger_transactions
			SET status = $2, amount = $3, metadata = metadata || $4::jsonb, updated_at = $5
			WHERE id = $1 AND status = 'PENDING'
		`, st.TransactionID, string(st.Status), st.Amount, meta, st.At)
		if err != nil {
			return fmt.Errorf("failed to settle transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var status string
			err := dbtx.QueryRow(ctx, `SELECT status FROM ledger_transactions WHERE id = $1`, st.TransactionID).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read transaction status: %w", err)
			}
			return fmt.Errorf("%w: %s is %s", ErrNotPending, st.TransactionID, status)
		}
		if err := writeEntries(ctx, dbtx, st.TransactionID, st.Entries); err != nil {
			return err
		}
		settled, err = getTx(ctx, dbtx, `id = $1`, st.TransactionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// writeEntries inserts entries and moves cached balances. Accounts are
// updated in id order so concurrent settlements lock rows consistently.
func writeEntries(ctx context.Context, q querier, txID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ordered := append([]Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountID < ordered[j].AccountID })

	for _, e := range ordered {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, account_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, id, txID, e.AccountID, e.Amount, e.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
		tag, err := q.Exec(ctx, `UPDATE ledger_accounts SET balance = balance + $2 WHERE id = $1`, e.AccountID, e.Amount)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, e.AccountID)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return getTx(ctx, s.db, `id = $1`, id)
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*Transaction, error) {
	return getTx(ctx, s.db, `idempotency_key = $1`, key)
}

func getTx(ctx context.Context, q querier, where string, arg any) (*Transaction, error) {
	row := q.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger_transactions WHERE `+where, arg)
	tx, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, transaction_id, account_id, amount, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY amount
	`, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	tx.Entries, err = scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, owner, currency string, from, to time.Time) ([]*Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions
		WHERE owner = $1 AND currency = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY created_at DESC
	`, owner, currency, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return scanTxs(rows)
}

func (s *PostgresStore) Entries(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, transaction_id, account_id, amount, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.amount), 0)::BIGINT
		FROM ledger_entries e
		JOIN ledger_transactions t ON t.id = e.transaction_id
		WHERE e.account_id = $1 AND t.status = 'COMPLETED'
	`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) PendingEstimates(ctx context.Context, owner, currency string) (int64, error) {
	var sum int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(estimate), 0)::BIGINT
		FROM ledger_transactions
		WHERE owner = $1 AND currency = $2 AND kind = 'spend' AND status = 'PENDING'
	`, owner, currency).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending estimates: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) StalePending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+txColumns+`
		FROM ledger_transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale transactions: %w", err)
	}
	return scanTxs(rows)
}

func scanTx(row pgx.Row) (*Transaction, error) {
	var (
		tx           Transaction
		kind, status string
		meta         []byte
	)
	err := row.Scan(&tx.ID, &tx.IdempotencyKey, &kind, &tx.Owner, &tx.Currency, &status,
		&tx.Estimate, &tx.Amount, &meta, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.Kind = TxKind(kind)
	tx.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &tx, nil
}

func scanTxs(rows pgx.Rows) ([]*Transaction, error) {
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return out, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}
