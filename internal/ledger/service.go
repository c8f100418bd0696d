package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatbank/chatbank/internal/money"
	"github.com/chatbank/chatbank/internal/notification"
)

// maxBalance is the largest value a NUMERIC(19,2) balance column holds.
var maxBalance = money.MustParse("99999999999999999.99")

// Options carries the limits the service enforces.
type Options struct {
	// MaxAmount is the ceiling for a single deposit or withdrawal.
	MaxAmount money.Money
	// DefaultDisplayName replaces a blank name on registration.
	DefaultDisplayName string
	// HistoryLimit is used when LastTransactions is called with limit <= 0.
	HistoryLimit int
	// MaxHistoryLimit caps the limit accepted by LastTransactions.
	MaxHistoryLimit int
}

// DefaultOptions returns the limits used when no configuration is supplied.
func DefaultOptions() Options {
	return Options{
		MaxAmount:          money.NewFromInt(1_000_000),
		DefaultDisplayName: "User",
		HistoryLimit:       DefaultHistoryLimit,
		MaxHistoryLimit:    DefaultHistoryLimit,
	}
}

// Service is the single entry point for account lifecycle and balance mutations.
type Service struct {
	store    Store
	opts     Options
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a ledger service. notifier and logger may be nil.
func NewService(store Store, opts Options, notifier notification.Notifier, logger *slog.Logger) *Service {
	if opts.DefaultDisplayName == "" {
		opts.DefaultDisplayName = DefaultOptions().DefaultDisplayName
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MaxHistoryLimit < opts.HistoryLimit {
		opts.MaxHistoryLimit = opts.HistoryLimit
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:    store,
		opts:     opts,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register creates the account for externalUserID, or renames and reactivates the
// existing one. It is the only path that reactivates a deactivated account.
func (s *Service) Register(ctx context.Context, externalUserID, name string) (Account, error) {
	if err := validateExternalID(externalUserID); err != nil {
		return Account{}, err
	}
	name = s.normalizeName(name)

	acc, err := s.register(ctx, externalUserID, name)
	for attempt := 1; attempt < registerAttempts && errors.Is(err, errDuplicateAccount); attempt++ {
		// another caller created the row between our lookup and insert; it exists now.
		acc, err = s.register(ctx, externalUserID, name)
	}
	if err != nil {
		return Account{}, s.fail("register", err)
	}
	return acc, nil
}

func (s *Service) register(ctx context.Context, externalUserID, name string) (Account, error) {
	var acc Account
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		existing, err := tx.Accounts().FindForUpdate(ctx, externalUserID)
		if errors.Is(err, ErrNotFound) {
			now := s.now()
			acc, err = tx.Accounts().Save(ctx, Account{
				ExternalUserID: externalUserID,
				DisplayName:    name,
				Balance:        money.Zero(),
				Active:         true,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if errors.Is(err, ErrConflict) {
				// InnoDB resolves two inserts racing into the same index gap with a deadlock.
				return fmt.Errorf("%w: %w", errDuplicateAccount, err)
			}
			if err == nil {
				s.logger.Info("account registered", slog.String("external_user_id", externalUserID), slog.Int64("account_id", acc.ID))
			}
			return err
		}
		if err != nil {
			return err
		}
		if existing.Active && existing.DisplayName == name {
			acc = existing
			return nil
		}
		if !existing.Active {
			s.logger.Info("account reactivated", slog.String("external_user_id", externalUserID), slog.Int64("account_id", existing.ID))
		}
		existing.DisplayName = name
		existing.Active = true
		existing.UpdatedAt = s.now()
		acc, err = tx.Accounts().Save(ctx, existing)
		return err
	})
	return acc, err
}

// Rename changes the display name of an active account.
func (s *Service) Rename(ctx context.Context, externalUserID, newName string) (Account, error) {
	if err := validateExternalID(externalUserID); err != nil {
		return Account{}, err
	}
	name := truncateRunes(strings.TrimSpace(newName), MaxDisplayNameLength)
	if name == "" {
		return Account{}, fmt.Errorf("%w: name must not be blank", ErrInvalidArgument)
	}

	var acc Account
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		existing, err := tx.Accounts().FindActiveForUpdate(ctx, externalUserID)
		if err != nil {
			return err
		}
		if existing.DisplayName == name {
			acc = existing
			return nil
		}
		existing.DisplayName = name
		existing.UpdatedAt = s.now()
		acc, err = tx.Accounts().Save(ctx, existing)
		return err
	})
	if err != nil {
		return Account{}, s.fail("rename", err)
	}
	return acc, nil
}

// GetAccount returns the active account without locking it.
func (s *Service) GetAccount(ctx context.Context, externalUserID string) (Account, error) {
	if err := validateExternalID(externalUserID); err != nil {
		return Account{}, err
	}
	acc, err := s.store.Accounts().FindActiveByExternalID(ctx, externalUserID)
	if err != nil {
		return Account{}, s.fail("get account", err)
	}
	return acc, nil
}

// GetBalance returns the latest committed balance of the active account.
func (s *Service) GetBalance(ctx context.Context, externalUserID string) (money.Money, error) {
	acc, err := s.GetAccount(ctx, externalUserID)
	if err != nil {
		return money.Zero(), err
	}
	return acc.Balance, nil
}

// Deposit credits amount to the active account and records a DEPOSIT transaction.
func (s *Service) Deposit(ctx context.Context, externalUserID string, amount money.Money, note string) (money.Money, error) {
	return s.post(ctx, externalUserID, KindDeposit, amount, note)
}

// Withdraw debits amount from the active account and records a WITHDRAW transaction.
// The sufficiency check runs under the account lock.
func (s *Service) Withdraw(ctx context.Context, externalUserID string, amount money.Money, note string) (money.Money, error) {
	return s.post(ctx, externalUserID, KindWithdraw, amount, note)
}

func (s *Service) post(ctx context.Context, externalUserID string, kind TransactionKind, amount money.Money, note string) (money.Money, error) {
	if err := validateExternalID(externalUserID); err != nil {
		return money.Zero(), err
	}
	if err := s.validateAmount(amount); err != nil {
		return money.Zero(), err
	}
	note, err := normalizeNote(note)
	if err != nil {
		return money.Zero(), err
	}

	var acc Account
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		a, err := tx.Accounts().FindActiveForUpdate(ctx, externalUserID)
		if err != nil {
			return err
		}
		switch kind {
		case KindDeposit:
			a.Balance = a.Balance.Add(amount)
			if a.Balance.GreaterThan(maxBalance) {
				return fmt.Errorf("%w: balance would exceed %s", ErrInvalidArgument, maxBalance)
			}
		case KindWithdraw:
			if amount.GreaterThan(a.Balance) {
				return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, a.Balance.StringFixed(), amount.StringFixed())
			}
			a.Balance = a.Balance.Sub(amount)
		}

		now := s.now()
		a.UpdatedAt = now
		if acc, err = tx.Accounts().Save(ctx, a); err != nil {
			return err
		}
		_, err = tx.Transactions().Append(ctx, Transaction{
			AccountID: acc.ID,
			Kind:      kind,
			Amount:    amount,
			Note:      note,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return money.Zero(), s.fail(strings.ToLower(string(kind)), err)
	}

	s.logger.Debug("balance changed",
		slog.String("external_user_id", externalUserID),
		slog.String("kind", string(kind)),
		slog.String("amount", amount.String()),
		slog.String("balance", acc.Balance.String()),
	)
	s.notify(ctx, acc, kind, amount)
	return acc.Balance, nil
}

// LastTransactions returns up to limit transactions of the active account, newest first.
// A non-positive limit selects the configured default; larger limits are capped.
func (s *Service) LastTransactions(ctx context.Context, externalUserID string, limit int) ([]Transaction, error) {
	if err := validateExternalID(externalUserID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	if limit > s.opts.MaxHistoryLimit {
		limit = s.opts.MaxHistoryLimit
	}

	acc, err := s.store.Accounts().FindActiveByExternalID(ctx, externalUserID)
	if err != nil {
		return nil, s.fail("last transactions", err)
	}
	txns, err := s.store.Transactions().RecentForAccount(ctx, acc.ID, limit)
	if err != nil {
		return nil, s.fail("last transactions", err)
	}
	return txns, nil
}

// DeactivateAccount soft-deletes the account. Balance and history are kept.
func (s *Service) DeactivateAccount(ctx context.Context, externalUserID string) error {
	if err := validateExternalID(externalUserID); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		acc, err := tx.Accounts().FindForUpdate(ctx, externalUserID)
		if err != nil {
			return err
		}
		if !acc.Active {
			return ErrAlreadyInactive
		}
		acc.Active = false
		acc.UpdatedAt = s.now()
		_, err = tx.Accounts().Save(ctx, acc)
		return err
	})
	if err != nil {
		return s.fail("deactivate", err)
	}
	s.logger.Info("account deactivated", slog.String("external_user_id", externalUserID))
	return nil
}

// DeleteAccount permanently removes the account, active or not, together with its history.
func (s *Service) DeleteAccount(ctx context.Context, externalUserID string) error {
	if err := validateExternalID(externalUserID); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		acc, err := tx.Accounts().FindForUpdate(ctx, externalUserID)
		if err != nil {
			return err
		}
		if err := tx.Transactions().DeleteAllForAccount(ctx, acc.ID); err != nil {
			return err
		}
		return tx.Accounts().Delete(ctx, acc)
	})
	if err != nil {
		return s.fail("delete", err)
	}
	s.logger.Info("account deleted", slog.String("external_user_id", externalUserID))
	return nil
}

func (s *Service) validateAmount(amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if s.opts.MaxAmount.IsPositive() && amount.GreaterThan(s.opts.MaxAmount) {
		return fmt.Errorf("%w: amount exceeds maximum of %s", ErrInvalidArgument, s.opts.MaxAmount)
	}
	return nil
}

func (s *Service) normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.opts.DefaultDisplayName
	}
	return truncateRunes(name, MaxDisplayNameLength)
}

func (s *Service) notify(ctx context.Context, acc Account, kind TransactionKind, amount money.Money) {
	if s.notifier == nil {
		return
	}
	msgKind := notification.KindDeposit
	if kind == KindWithdraw {
		msgKind = notification.KindWithdraw
	}
	err := s.notifier.Send(ctx, notification.Message{
		Kind:        msgKind,
		Destination: acc.ExternalUserID,
		Body:        fmt.Sprintf("%s %s, balance %s", strings.ToLower(string(kind)), amount.StringFixed(), acc.Balance.StringFixed()),
	})
	if err != nil {
		s.logger.Warn("notification failed", slog.String("external_user_id", acc.ExternalUserID), slog.Any("error", err))
	}
}

// fail passes ledger errors through and wraps everything else as ErrUnavailable.
func (s *Service) fail(op string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrAlreadyInactive),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, errDuplicateAccount):
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	}
	s.logger.Error("ledger storage failure", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func validateExternalID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: external user id is required", ErrInvalidArgument)
	}
	if len(id) > MaxExternalIDLength {
		return fmt.Errorf("%w: external user id longer than %d bytes", ErrInvalidArgument, MaxExternalIDLength)
	}
	return nil
}

func normalizeNote(note string) (string, error) {
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > MaxNoteLength {
		return "", fmt.Errorf("%w: note longer than %d characters", ErrInvalidArgument, MaxNoteLength)
	}
	return note, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
