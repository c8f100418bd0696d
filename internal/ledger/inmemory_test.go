package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/chatbank/internal/money"
)

func seedAccount(t *testing.T, s Store, externalID string, balance string) Account {
	t.Helper()
	acc, err := s.Accounts().Save(context.Background(), Account{
		ExternalUserID: externalID,
		DisplayName:    "seed",
		Balance:        money.MustParse(balance),
		Active:         true,
	})
	require.NoError(t, err)
	return acc
}

func TestMemoryStore_SaveAssignsIDAndEnforcesUniqueExternalID(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()

	a := seedAccount(t, s, "u1", "0")
	b := seedAccount(t, s, "u2", "0")
	assert.NotZero(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	_, err := s.Accounts().Save(ctx, Account{ExternalUserID: "u1", DisplayName: "dup", Active: true})
	require.ErrorIs(t, err, errDuplicateAccount)

	got, err := s.Accounts().FindByExternalID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestMemoryStore_ActiveFilter(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()

	acc := seedAccount(t, s, "u1", "10")
	acc.Active = false
	_, err := s.Accounts().Save(ctx, acc)
	require.NoError(t, err)

	_, err = s.Accounts().FindActiveByExternalID(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Accounts().FindByExternalID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	err = s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.Accounts().FindActiveForUpdate(ctx, "u1")
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RollbackDiscardsStagedWrites(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()
	acc := seedAccount(t, s, "u1", "100")

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx Tx) error {
		a, err := tx.Accounts().FindActiveForUpdate(ctx, "u1")
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Add(money.MustParse("50"))
		if _, err := tx.Accounts().Save(ctx, a); err != nil {
			return err
		}
		if _, err := tx.Transactions().Append(ctx, Transaction{AccountID: a.ID, Kind: KindDeposit, Amount: money.MustParse("50")}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Accounts().FindByExternalID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "100", got.Balance.String())

	txns, err := s.Transactions().RecentForAccount(ctx, acc.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Zero(t, s.locks.size(), "locks must be released after rollback")
}

func TestMemoryStore_ForUpdateBlocksUntilCommit(t *testing.T) {
	s := NewMemoryStore(2 * time.Second)
	ctx := context.Background()
	seedAccount(t, s, "u1", "0")

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(tx Tx) error {
			if _, err := tx.Accounts().FindActiveForUpdate(ctx, "u1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	acquired := make(chan time.Time, 1)
	go func() {
		_ = s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.Accounts().FindActiveForUpdate(ctx, "u1")
			acquired <- time.Now()
			return err
		})
	}()

	select {
	case <-acquired:
		t.Fatal("second locker must wait for the first transaction")
	case <-time.After(50 * time.Millisecond):
	}

	releasedAt := time.Now()
	close(release)
	require.NoError(t, <-done)
	select {
	case at := <-acquired:
		assert.False(t, at.Before(releasedAt))
	case <-time.After(time.Second):
		t.Fatal("second locker never acquired the lock")
	}
}

func TestMemoryStore_LockTimeoutIsConflict(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()
	seedAccount(t, s, "u1", "0")

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.Accounts().FindActiveForUpdate(ctx, "u1")
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	err := s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.Accounts().FindActiveForUpdate(ctx, "u1")
		return err
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrNotFound)

	close(release)
	wg.Wait()
}

func TestMemoryStore_RecentForAccountOrdering(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()
	acc := seedAccount(t, s, "u1", "0")

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	amounts := []string{"1", "2", "3", "4"}
	stamps := []time.Time{base, base.Add(time.Minute), base.Add(time.Minute), base.Add(30 * time.Second)}
	for i, a := range amounts {
		_, err := s.Transactions().Append(ctx, Transaction{
			AccountID: acc.ID,
			Kind:      KindDeposit,
			Amount:    money.MustParse(a),
			CreatedAt: stamps[i],
		})
		require.NoError(t, err)
	}

	txns, err := s.Transactions().RecentForAccount(ctx, acc.ID, 3)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	// the fourth append is clamped up to the latest timestamp and is the newest insertion.
	assert.Equal(t, "4", txns[0].Amount.String())
	assert.Equal(t, "3", txns[1].Amount.String())
	assert.Equal(t, "2", txns[2].Amount.String())
	assert.Equal(t, base.Add(time.Minute), txns[0].CreatedAt)

	require.NoError(t, s.Transactions().DeleteAllForAccount(ctx, acc.ID))
	txns, err = s.Transactions().RecentForAccount(ctx, acc.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestMemoryStore_AppendRequiresAccount(t *testing.T) {
	s := NewMemoryStore(time.Second)
	_, err := s.Transactions().Append(context.Background(), Transaction{AccountID: 42, Kind: KindDeposit, Amount: money.NewFromInt(1)})
	require.ErrorIs(t, err, ErrNotFound)
}
