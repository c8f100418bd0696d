package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatbank/chatbank/internal/money"
)

// sqlAccount maps the ledger_accounts table.
type sqlAccount struct {
	ID             int64           `gorm:"primaryKey;autoIncrement"`
	ExternalUserID string          `gorm:"column:external_user_id;size:64;not null;uniqueIndex:uk_ledger_accounts_external_user_id"`
	DisplayName    string          `gorm:"column:display_name;size:100;not null"`
	Balance        decimal.Decimal `gorm:"type:decimal(19,2);not null"`
	Active         bool            `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (*sqlAccount) TableName() string {
	return "ledger_accounts"
}

// sqlTransaction maps the ledger_transactions table.
type sqlTransaction struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	AccountID int64           `gorm:"not null;index:idx_ledger_transactions_account_created,priority:1"`
	Kind      string          `gorm:"size:10;not null"`
	Amount    decimal.Decimal `gorm:"type:decimal(19,2);not null"`
	Note      string          `gorm:"size:200"`
	CreatedAt time.Time       `gorm:"not null;index:idx_ledger_transactions_account_created,priority:2,sort:desc"`
}

func (*sqlTransaction) TableName() string {
	return "ledger_transactions"
}

// MySQLStore persists the ledger through GORM, locking rows with SELECT ... FOR UPDATE.
type MySQLStore struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewMySQLStore constructs a GORM-backed store.
func NewMySQLStore(db *gorm.DB, lockTimeout time.Duration) *MySQLStore {
	return &MySQLStore{db: db, lockTimeout: lockTimeout}
}

// Migrate creates or updates the ledger tables.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlTransaction{}); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *MySQLStore) Accounts() AccountStore         { return gormAccounts{db: s.db} }
func (s *MySQLStore) Transactions() TransactionStore { return gormTransactions{db: s.db} }

func (s *MySQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithinTx runs fn inside a GORM transaction. innodb_lock_wait_timeout only has second
// granularity, so the configured timeout is rounded up.
func (s *MySQLStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 {
			seconds := int(math.Ceil(s.lockTimeout.Seconds()))
			if err := tx.Exec("SET SESSION innodb_lock_wait_timeout = ?", seconds).Error; err != nil {
				return err
			}
		}
		return fn(gormTx{db: tx})
	})
	return mapMySQLError(err)
}

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) Accounts() AccountStore         { return gormAccounts{db: t.db} }
func (t gormTx) Transactions() TransactionStore { return gormTransactions{db: t.db} }

type gormAccounts struct {
	db *gorm.DB
}

func (a gormAccounts) FindByExternalID(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(a.db.WithContext(ctx).Where("external_user_id = ?", externalUserID))
}

func (a gormAccounts) FindActiveByExternalID(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(a.db.WithContext(ctx).Where("external_user_id = ? AND active = ?", externalUserID, true))
}

func (a gormAccounts) FindActiveForUpdate(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(a.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_user_id = ? AND active = ?", externalUserID, true))
}

func (a gormAccounts) FindForUpdate(ctx context.Context, externalUserID string) (Account, error) {
	return a.findOne(a.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_user_id = ?", externalUserID))
}

func (a gormAccounts) findOne(q *gorm.DB) (Account, error) {
	var row sqlAccount
	if err := q.Take(&row).Error; err != nil {
		return Account{}, mapMySQLError(err)
	}
	return row.toDomain()
}

func (a gormAccounts) Save(ctx context.Context, account Account) (Account, error) {
	now := time.Now().UTC()
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	row := sqlAccount{
		ID:             account.ID,
		ExternalUserID: account.ExternalUserID,
		DisplayName:    account.DisplayName,
		Balance:        account.Balance.Decimal(),
		Active:         account.Active,
		CreatedAt:      account.CreatedAt,
		UpdatedAt:      account.UpdatedAt,
	}
	db := a.db.WithContext(ctx)
	if account.ID == 0 {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		if err := db.Create(&row).Error; err != nil {
			return Account{}, mapMySQLError(err)
		}
		account.ID = row.ID
		account.CreatedAt = row.CreatedAt
		return account, nil
	}

	res := db.Model(&sqlAccount{}).Where("id = ?", account.ID).Updates(map[string]any{
		"display_name": row.DisplayName,
		"balance":      row.Balance,
		"active":       row.Active,
		"updated_at":   row.UpdatedAt,
	})
	if res.Error != nil {
		return Account{}, mapMySQLError(res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports zero affected rows for a no-op update; tell it apart from a missing row.
		var count int64
		if err := db.Model(&sqlAccount{}).Where("id = ?", account.ID).Count(&count).Error; err != nil {
			return Account{}, mapMySQLError(err)
		}
		if count == 0 {
			return Account{}, ErrNotFound
		}
	}
	return account, nil
}

func (a gormAccounts) Delete(ctx context.Context, account Account) error {
	res := a.db.WithContext(ctx).Delete(&sqlAccount{}, account.ID)
	if res.Error != nil {
		return mapMySQLError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r sqlAccount) toDomain() (Account, error) {
	balance, err := money.NewFromDecimal(r.Balance)
	if err != nil {
		return Account{}, fmt.Errorf("account %d balance: %w", r.ID, err)
	}
	return Account{
		ID:             r.ID,
		ExternalUserID: r.ExternalUserID,
		DisplayName:    r.DisplayName,
		Balance:        balance,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}

type gormTransactions struct {
	db *gorm.DB
}

func (t gormTransactions) Append(ctx context.Context, txn Transaction) (Transaction, error) {
	db := t.db.WithContext(ctx)
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	var latest []time.Time
	err := db.Model(&sqlTransaction{}).
		Where("account_id = ?", txn.AccountID).
		Order("created_at DESC").
		Limit(1).
		Pluck("created_at", &latest).Error
	if err != nil {
		return Transaction{}, mapMySQLError(err)
	}
	if len(latest) > 0 && txn.CreatedAt.Before(latest[0]) {
		txn.CreatedAt = latest[0].UTC()
	}

	row := sqlTransaction{
		AccountID: txn.AccountID,
		Kind:      string(txn.Kind),
		Amount:    txn.Amount.Decimal(),
		Note:      txn.Note,
		CreatedAt: txn.CreatedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return Transaction{}, mapMySQLError(err)
	}
	txn.ID = row.ID
	return txn, nil
}

func (t gormTransactions) RecentForAccount(ctx context.Context, accountID int64, limit int) ([]Transaction, error) {
	var rows []sqlTransaction
	err := t.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, mapMySQLError(err)
	}
	out := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		amount, err := money.NewFromDecimal(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %d amount: %w", r.ID, err)
		}
		out = append(out, Transaction{
			ID:        r.ID,
			AccountID: r.AccountID,
			Kind:      TransactionKind(r.Kind),
			Amount:    amount,
			Note:      r.Note,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (t gormTransactions) DeleteAllForAccount(ctx context.Context, accountID int64) error {
	err := t.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&sqlTransaction{}).Error
	return mapMySQLError(err)
}

func mapMySQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213: // ER_LOCK_WAIT_TIMEOUT, ER_LOCK_DEADLOCK
			return fmt.Errorf("%w: %s", ErrConflict, myErr.Message)
		case 1062: // ER_DUP_ENTRY
			return fmt.Errorf("%w: %s", errDuplicateAccount, myErr.Message)
		}
	}
	return err
}
