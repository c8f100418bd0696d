package ledger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbank/chatbank/internal/infra"
	"github.com/chatbank/chatbank/internal/logging"
	"github.com/chatbank/chatbank/internal/money"
)

// storeFactories returns a fresh, empty store per backend. SQL backends run only
// when LEDGER_TEST_DATABASE_URL or LEDGER_TEST_MYSQL_DSN points at a scratch database.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(200 * time.Millisecond) },
	}

	if url := os.Getenv("LEDGER_TEST_DATABASE_URL"); url != "" {
		factories["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, url)
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			store := NewPostgresStore(pool, 200*time.Millisecond)
			require.NoError(t, store.Migrate(ctx))
			_, err = pool.Exec(ctx, `TRUNCATE ledger_transactions, ledger_accounts RESTART IDENTITY`)
			require.NoError(t, err)
			return store
		}
	}

	if dsn := os.Getenv("LEDGER_TEST_MYSQL_DSN"); dsn != "" {
		factories["mysql"] = func(t *testing.T) Store {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			db, err := infra.NewMySQL(ctx, dsn, logging.Discard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = infra.CloseGorm(db) })
			store := NewMySQLStore(db, time.Second)
			require.NoError(t, store.Migrate(ctx))
			require.NoError(t, db.Exec(`DELETE FROM ledger_transactions`).Error)
			require.NoError(t, db.Exec(`DELETE FROM ledger_accounts`).Error)
			return store
		}
	}
	return factories
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("save and find", func(t *testing.T) { contractSaveAndFind(t, factory(t)) })
			t.Run("atomic posting", func(t *testing.T) { contractAtomicPosting(t, factory(t)) })
			t.Run("lock conflict", func(t *testing.T) { contractLockConflict(t, factory(t)) })
			t.Run("history order", func(t *testing.T) { contractHistoryOrder(t, factory(t)) })
			t.Run("service under contention", func(t *testing.T) { contractServiceContention(t, factory(t)) })
			t.Run("concurrent first registration", func(t *testing.T) { contractConcurrentRegistration(t, factory(t)) })
		})
	}
}

func contractSaveAndFind(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	acc, err := s.Accounts().Save(ctx, Account{
		ExternalUserID: "c1",
		DisplayName:    "Carol",
		Balance:        money.MustParse("12.34"),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	require.NotZero(t, acc.ID)

	got, err := s.Accounts().FindActiveByExternalID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.Equal(t, "Carol", got.DisplayName)
	assert.Equal(t, "12.34", got.Balance.StringFixed())

	_, err = s.Accounts().Save(ctx, Account{ExternalUserID: "c1", DisplayName: "Dup", Active: true, CreatedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, errDuplicateAccount)

	got.Active = false
	_, err = s.Accounts().Save(ctx, got)
	require.NoError(t, err)
	_, err = s.Accounts().FindActiveByExternalID(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Accounts().Delete(ctx, got))
	_, err = s.Accounts().FindByExternalID(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func contractAtomicPosting(t *testing.T, s Store) {
	ctx := context.Background()
	svc := NewService(s, DefaultOptions(), nil, nil)
	_, err := svc.Register(ctx, "c2", "Dan")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "c2", money.MustParse("10.00"), "")
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx Tx) error {
		a, err := tx.Accounts().FindActiveForUpdate(ctx, "c2")
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Add(money.MustParse("5"))
		if _, err := tx.Accounts().Save(ctx, a); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	bal, err := svc.GetBalance(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "10.00", bal.StringFixed())
	hist, err := svc.LastTransactions(ctx, "c2", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func contractLockConflict(t *testing.T, s Store) {
	ctx := context.Background()
	svc := NewService(s, DefaultOptions(), nil, nil)
	_, err := svc.Register(ctx, "c3", "Eve")
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.Accounts().FindActiveForUpdate(ctx, "c3")
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	_, err = svc.Deposit(ctx, "c3", money.MustParse("1"), "")
	assert.ErrorIs(t, err, ErrConflict)

	close(release)
	wg.Wait()
}

func contractHistoryOrder(t *testing.T, s Store) {
	ctx := context.Background()
	svc := NewService(s, DefaultOptions(), nil, nil)
	_, err := svc.Register(ctx, "c4", "Finn")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := svc.Deposit(ctx, "c4", money.NewFromInt(int64(i)), fmt.Sprintf("n%d", i))
		require.NoError(t, err)
	}
	hist, err := svc.LastTransactions(ctx, "c4", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "n5", hist[0].Note)
	assert.Equal(t, "n4", hist[1].Note)
	assert.Equal(t, "n3", hist[2].Note)

	require.NoError(t, svc.DeleteAccount(ctx, "c4"))
	_, err = svc.LastTransactions(ctx, "c4", 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func contractServiceContention(t *testing.T, s Store) {
	ctx := context.Background()
	svc := NewService(s, DefaultOptions(), nil, nil)
	_, err := svc.Register(ctx, "c5", "Gus")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// retry on lock timeout; the ledger itself never retries mutations
			for attempt := 0; attempt < 20; attempt++ {
				_, err := svc.Deposit(ctx, "c5", money.MustParse("1.50"), "")
				if err == nil {
					mu.Lock()
					committed++
					mu.Unlock()
					return
				}
				if ErrorCode(err) != "conflict" {
					t.Errorf("deposit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	bal, err := svc.GetBalance(ctx, "c5")
	require.NoError(t, err)
	want := money.Zero()
	for i := 0; i < committed; i++ {
		want = want.Add(money.MustParse("1.50"))
	}
	assert.Equal(t, want.StringFixed(), bal.StringFixed())
}

func contractConcurrentRegistration(t *testing.T, s Store) {
	ctx := context.Background()
	svc := NewService(s, DefaultOptions(), nil, nil)

	var wg sync.WaitGroup
	ids := make([]int64, 6)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := svc.Register(ctx, "c6", "Hana")
			if err != nil {
				t.Errorf("register %d: %v", i, err)
				return
			}
			ids[i] = acc.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	acc, err := svc.GetAccount(ctx, "c6")
	require.NoError(t, err)
	assert.Equal(t, ids[0], acc.ID)
}
