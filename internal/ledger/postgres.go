package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatbank/chatbank/internal/money"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    id               BIGSERIAL PRIMARY KEY,
    external_user_id VARCHAR(64)    NOT NULL,
    display_name     VARCHAR(100)   NOT NULL,
    balance          NUMERIC(19, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    active           BOOLEAN        NOT NULL DEFAULT TRUE,
    created_at       TIMESTAMPTZ    NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ    NOT NULL DEFAULT now(),
    CONSTRAINT uk_ledger_accounts_external_user_id UNIQUE (external_user_id)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id         BIGSERIAL PRIMARY KEY,
    account_id BIGINT         NOT NULL REFERENCES ledger_accounts (id),
    kind       VARCHAR(10)    NOT NULL CHECK (kind IN ('DEPOSIT', 'WITHDRAW')),
    amount     NUMERIC(19, 2) NOT NULL CHECK (amount > 0),
    note       VARCHAR(200),
    created_at TIMESTAMPTZ    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_account_created
    ON ledger_transactions (account_id, created_at DESC, id DESC);
`

const accountColumns = `id, external_user_id, display_name, balance::text, active, created_at, updated_at`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists accounts and transactions in PostgreSQL, locking account rows
// with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// Migrate creates the ledger tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Accounts() AccountStore         { return pgAccounts{q: s.db} }
func (s *PostgresStore) Transactions() TransactionStore { return pgTransactions{q: s.db} }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// WithinTx runs fn inside a database transaction with lock_timeout applied locally.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeoutSetting(s.lockTimeout)); err != nil {
			return err
		}
	}

	if err := fn(pgTx{q: tx}); err != nil {
		return err
	}
	return mapPgError(tx.Commit(ctx))
}

// lockTimeoutSetting renders d in whole milliseconds, rounded up. Postgres reads a
// lock_timeout of zero as no timeout at all.
func lockTimeoutSetting(d time.Duration) string {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%dms", int64(ms))
}

type pgTx struct {
	q pgQuerier
}

func (t pgTx) Accounts() AccountStore         { return pgAccounts{q: t.q} }
func (t pgTx) Transactions() TransactionStore { return pgTransactions{q: t.q} }

type pgAccounts struct {
	q pgQuerier
}

func (a pgAccounts) FindByExternalID(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE external_user_id = $1`, externalUserID)
}

func (a pgAccounts) FindActiveByExternalID(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE external_user_id = $1 AND active`, externalUserID)
}

func (a pgAccounts) FindActiveForUpdate(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE external_user_id = $1 AND active FOR UPDATE`, externalUserID)
}

func (a pgAccounts) FindForUpdate(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE external_user_id = $1 FOR UPDATE`, externalUserID)
}

func (a pgAccounts) findOne(ctx context.Context, query string, args ...any) (Account, error) {
	var (
		acc     Account
		balance string
	)
	err := a.q.QueryRow(ctx, query, args...).Scan(&acc.ID, &acc.ExternalUserID, &acc.DisplayName, &balance, &acc.Active, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return Account{}, mapPgError(err)
	}
	if acc.Balance, err = money.Parse(balance); err != nil {
		return Account{}, fmt.Errorf("account %d balance: %w", acc.ID, err)
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func (a pgAccounts) Save(ctx context.Context, account Account) (Account, error) {
	now := time.Now().UTC()
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	if account.ID == 0 {
		if account.CreatedAt.IsZero() {
			account.CreatedAt = now
		}
		err := a.q.QueryRow(ctx, `INSERT INTO ledger_accounts (external_user_id, display_name, balance, active, created_at, updated_at)
        VALUES ($1, $2, $3::numeric, $4, $5, $6) RETURNING id`,
			account.ExternalUserID, account.DisplayName, account.Balance.StringFixed(), account.Active, account.CreatedAt, account.UpdatedAt,
		).Scan(&account.ID)
		if err != nil {
			return Account{}, mapPgError(err)
		}
		return account, nil
	}

	cmd, err := a.q.Exec(ctx, `UPDATE ledger_accounts SET display_name = $2, balance = $3::numeric, active = $4, updated_at = $5
        WHERE id = $1`, account.ID, account.DisplayName, account.Balance.StringFixed(), account.Active, account.UpdatedAt)
	if err != nil {
		return Account{}, mapPgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (a pgAccounts) Delete(ctx context.Context, account Account) error {
	cmd, err := a.q.Exec(ctx, `DELETE FROM ledger_accounts WHERE id = $1`, account.ID)
	if err != nil {
		return mapPgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type pgTransactions struct {
	q pgQuerier
}

// Append inserts the row, clamping created_at so it never precedes the account's latest entry.
func (t pgTransactions) Append(ctx context.Context, txn Transaction) (Transaction, error) {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	const query = `
        INSERT INTO ledger_transactions (account_id, kind, amount, note, created_at)
        VALUES ($1, $2, $3::numeric, NULLIF($4, ''),
            GREATEST($5::timestamptz, COALESCE((SELECT max(created_at) FROM ledger_transactions WHERE account_id = $1), $5::timestamptz)))
        RETURNING id, created_at`
	err := t.q.QueryRow(ctx, query, txn.AccountID, string(txn.Kind), txn.Amount.StringFixed(), txn.Note, txn.CreatedAt).
		Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return Transaction{}, mapPgError(err)
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	return txn, nil
}

func (t pgTransactions) RecentForAccount(ctx context.Context, accountID int64, limit int) ([]Transaction, error) {
	const query = `
        SELECT id, account_id, kind, amount::text, COALESCE(note, ''), created_at
        FROM ledger_transactions
        WHERE account_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`
	rows, err := t.q.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		var (
			txn    Transaction
			kind   string
			amount string
		)
		if err := rows.Scan(&txn.ID, &txn.AccountID, &kind, &amount, &txn.Note, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Kind = TransactionKind(kind)
		if txn.Amount, err = money.Parse(amount); err != nil {
			return nil, fmt.Errorf("transaction %d amount: %w", txn.ID, err)
		}
		txn.CreatedAt = txn.CreatedAt.UTC()
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return out, nil
}

func (t pgTransactions) DeleteAllForAccount(ctx context.Context, accountID int64) error {
	_, err := t.q.Exec(ctx, `DELETE FROM ledger_transactions WHERE account_id = $1`, accountID)
	return mapPgError(err)
}

// mapPgError translates driver errors into ledger sentinels; anything else passes through.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001": // lock_not_available, deadlock_detected, serialization_failure
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", errDuplicateAccount, pgErr.ConstraintName)
		}
	}
	return err
}
