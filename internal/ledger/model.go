package ledger

import (
	"time"

	"github.com/chatbank/chatbank/internal/money"
)

// Account is a named balance owned by one external identity.
type Account struct {
	ID             int64
	ExternalUserID string
	DisplayName    string
	Balance        money.Money
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransactionKind distinguishes deposits from withdrawals.
type TransactionKind string

const (
	KindDeposit  TransactionKind = "DEPOSIT"
	KindWithdraw TransactionKind = "WITHDRAW"
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	return k == KindDeposit || k == KindWithdraw
}

// Transaction is an immutable record of one balance-affecting event.
type Transaction struct {
	ID        int64
	AccountID int64
	Kind      TransactionKind
	Amount    money.Money
	Note      string
	CreatedAt time.Time
}
