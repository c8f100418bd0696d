package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInvalidArgument covers rejected input: bad amounts, blank names, oversized notes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates no account (or no active account) exists for the external user id.
	ErrNotFound = errors.New("account not found")

	// ErrInsufficientFunds occurs when a withdrawal exceeds the balance observed under lock.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict means the account lock could not be obtained in time, or the storage
	// engine aborted the transaction (deadlock, serialization failure).
	ErrConflict = errors.New("account busy")

	// ErrUnavailable wraps any other storage failure.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrAlreadyInactive is returned when deactivating an account that is already inactive.
	ErrAlreadyInactive = errors.New("account already inactive")

	// errDuplicateAccount is raised by stores when an insert collides on external user id.
	errDuplicateAccount = errors.New("duplicate external user id")
)

const (
	// DefaultHistoryLimit is the number of transactions returned when no limit is given.
	DefaultHistoryLimit = 20

	// MaxExternalIDLength bounds the external user id, in bytes.
	MaxExternalIDLength = 64
	// MaxDisplayNameLength bounds display names, in runes. Longer names are truncated.
	MaxDisplayNameLength = 100
	// MaxNoteLength bounds transaction notes, in runes.
	MaxNoteLength = 200

	// registerAttempts bounds retries of a first registration that lost an insert race.
	registerAttempts = 3
)

// AccountStore persists accounts keyed by external user id.
type AccountStore interface {
	// FindByExternalID returns the account regardless of its active flag.
	FindByExternalID(ctx context.Context, externalUserID string) (Account, error)
	// FindActiveByExternalID returns the account only when it is active.
	FindActiveByExternalID(ctx context.Context, externalUserID string) (Account, error)
	// FindActiveForUpdate locks the active account until the enclosing transaction ends.
	FindActiveForUpdate(ctx context.Context, externalUserID string) (Account, error)
	// FindForUpdate locks the account whatever its active flag.
	FindForUpdate(ctx context.Context, externalUserID string) (Account, error)
	// Save inserts when ID is zero and updates by ID otherwise.
	Save(ctx context.Context, account Account) (Account, error)
	Delete(ctx context.Context, account Account) error
}

// TransactionStore is the append-only transaction log.
type TransactionStore interface {
	Append(ctx context.Context, txn Transaction) (Transaction, error)
	// RecentForAccount returns at most limit rows, newest first.
	RecentForAccount(ctx context.Context, accountID int64, limit int) ([]Transaction, error)
	DeleteAllForAccount(ctx context.Context, accountID int64) error
}

// Tx exposes both stores bound to one durability boundary.
type Tx interface {
	Accounts() AccountStore
	Transactions() TransactionStore
}

// Store is implemented by the storage backends (memory, Postgres, MySQL). Calls made on
// Accounts() and Transactions() outside WithinTx are individually committed.
type Store interface {
	Tx
	// WithinTx runs fn in a transaction, committing when fn returns nil.
	// Row locks taken inside fn are released on commit or rollback.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// ErrorCode maps an error returned by the Service to a stable machine readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAlreadyInactive):
		return "already_inactive"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "unavailable"
	}
}
