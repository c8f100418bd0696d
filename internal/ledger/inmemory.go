package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory Store used in development mode and tests.
// Writes made inside WithinTx are staged and applied atomically on commit.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[int64]Account
	byExternalID map[string]int64
	transactions map[int64][]Transaction

	seqMu         sync.Mutex
	nextAccountID int64
	nextTxID      int64

	locks       *lockTable
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty store. lockTimeout bounds FindActiveForUpdate waits.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[int64]Account),
		byExternalID: make(map[string]int64),
		transactions: make(map[int64][]Transaction),
		locks:        newLockTable(),
		lockTimeout:  lockTimeout,
	}
}

func (s *MemoryStore) Accounts() AccountStore         { return memAccounts{tx: &memTx{store: s, auto: true}} }
func (s *MemoryStore) Transactions() TransactionStore { return memTransactions{tx: &memTx{store: s, auto: true}} }

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// WithinTx runs fn against a staged view of the store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{store: s, held: make(map[string]func())}
	defer tx.releaseAll()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx.ops)
}

func (s *MemoryStore) allocAccountID() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.nextAccountID++
	return s.nextAccountID
}

func (s *MemoryStore) allocTxID() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.nextTxID++
	return s.nextTxID
}

type memOpKind int

const (
	opSaveAccount memOpKind = iota
	opDeleteAccount
	opAppendTx
	opDeleteTxs
)

type memOp struct {
	kind      memOpKind
	account   Account
	txn       Transaction
	accountID int64
}

func (s *MemoryStore) commit(ops []memOp) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(ops); err != nil {
		return err
	}
	for _, op := range ops {
		s.apply(op)
	}
	return nil
}

// validate checks the external id uniqueness constraint as if ops were applied in order.
func (s *MemoryStore) validate(ops []memOp) error {
	owners := make(map[string]int64)
	removed := make(map[string]bool)
	for _, op := range ops {
		switch op.kind {
		case opSaveAccount:
			ext := op.account.ExternalUserID
			owner, ok := owners[ext]
			if !ok && !removed[ext] {
				owner, ok = s.byExternalID[ext]
			}
			if ok && owner != op.account.ID {
				return fmt.Errorf("%w: %s", errDuplicateAccount, ext)
			}
			owners[ext] = op.account.ID
			delete(removed, ext)
		case opDeleteAccount:
			removed[op.account.ExternalUserID] = true
			delete(owners, op.account.ExternalUserID)
		}
	}
	return nil
}

func (s *MemoryStore) apply(op memOp) {
	switch op.kind {
	case opSaveAccount:
		if prev, ok := s.accounts[op.account.ID]; ok && prev.ExternalUserID != op.account.ExternalUserID {
			delete(s.byExternalID, prev.ExternalUserID)
		}
		s.accounts[op.account.ID] = op.account
		s.byExternalID[op.account.ExternalUserID] = op.account.ID
	case opDeleteAccount:
		if prev, ok := s.accounts[op.account.ID]; ok {
			if s.byExternalID[prev.ExternalUserID] == prev.ID {
				delete(s.byExternalID, prev.ExternalUserID)
			}
			delete(s.accounts, op.account.ID)
		}
	case opAppendTx:
		s.transactions[op.txn.AccountID] = append(s.transactions[op.txn.AccountID], op.txn)
	case opDeleteTxs:
		delete(s.transactions, op.accountID)
	}
}

// memTx is a unit of work. With auto set every write commits immediately and locks are
// released as soon as they are obtained.
type memTx struct {
	store *MemoryStore
	auto  bool
	held  map[string]func()
	ops   []memOp
}

func (t *memTx) Accounts() AccountStore         { return memAccounts{tx: t} }
func (t *memTx) Transactions() TransactionStore { return memTransactions{tx: t} }

func (t *memTx) write(op memOp) error {
	if t.auto {
		return t.store.commit([]memOp{op})
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	release, err := t.store.locks.acquire(ctx, key, t.store.lockTimeout)
	if err != nil {
		return err
	}
	if t.auto {
		release()
		return nil
	}
	t.held[key] = release
	return nil
}

func (t *memTx) releaseAll() {
	for key, release := range t.held {
		release()
		delete(t.held, key)
	}
}

// lookup resolves an account by external id, staged writes first.
func (t *memTx) lookup(externalUserID string) (Account, bool) {
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := t.ops[i]
		if op.account.ExternalUserID != externalUserID {
			continue
		}
		switch op.kind {
		case opSaveAccount:
			return op.account, true
		case opDeleteAccount:
			return Account{}, false
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.byExternalID[externalUserID]
	if !ok {
		return Account{}, false
	}
	acc, ok := t.store.accounts[id]
	return acc, ok
}

func (t *memTx) exists(id int64) bool {
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := t.ops[i]
		if op.account.ID != id {
			continue
		}
		switch op.kind {
		case opSaveAccount:
			return true
		case opDeleteAccount:
			return false
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.accounts[id]
	return ok
}

// history returns committed plus staged transactions for an account in insertion order.
func (t *memTx) history(accountID int64) []Transaction {
	t.store.mu.RLock()
	committed := t.store.transactions[accountID]
	out := make([]Transaction, len(committed), len(committed)+len(t.ops))
	copy(out, committed)
	t.store.mu.RUnlock()

	for _, op := range t.ops {
		switch {
		case op.kind == opAppendTx && op.txn.AccountID == accountID:
			out = append(out, op.txn)
		case op.kind == opDeleteTxs && op.accountID == accountID:
			out = out[:0]
		}
	}
	return out
}

type memAccounts struct {
	tx *memTx
}

func (a memAccounts) FindByExternalID(_ context.Context, externalUserID string) (Account, error) {
	acc, ok := a.tx.lookup(externalUserID)
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (a memAccounts) FindActiveByExternalID(ctx context.Context, externalUserID string) (Account, error) {
	acc, err := a.FindByExternalID(ctx, externalUserID)
	if err != nil {
		return Account{}, err
	}
	if !acc.Active {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (a memAccounts) FindActiveForUpdate(ctx context.Context, externalUserID string) (Account, error) {
	if err := a.tx.lock(ctx, externalUserID); err != nil {
		return Account{}, err
	}
	return a.FindActiveByExternalID(ctx, externalUserID)
}

func (a memAccounts) FindForUpdate(ctx context.Context, externalUserID string) (Account, error) {
	if err := a.tx.lock(ctx, externalUserID); err != nil {
		return Account{}, err
	}
	return a.FindByExternalID(ctx, externalUserID)
}

func (a memAccounts) Save(_ context.Context, account Account) (Account, error) {
	if account.ID == 0 {
		account.ID = a.tx.store.allocAccountID()
		if account.CreatedAt.IsZero() {
			account.CreatedAt = time.Now().UTC()
		}
	} else if !a.tx.exists(account.ID) {
		return Account{}, ErrNotFound
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	if err := a.tx.write(memOp{kind: opSaveAccount, account: account}); err != nil {
		return Account{}, err
	}
	return account, nil
}

func (a memAccounts) Delete(_ context.Context, account Account) error {
	if !a.tx.exists(account.ID) {
		return ErrNotFound
	}
	return a.tx.write(memOp{kind: opDeleteAccount, account: account})
}

type memTransactions struct {
	tx *memTx
}

func (m memTransactions) Append(_ context.Context, txn Transaction) (Transaction, error) {
	if !m.tx.exists(txn.AccountID) {
		return Transaction{}, fmt.Errorf("append transaction: account %d: %w", txn.AccountID, ErrNotFound)
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if hist := m.tx.history(txn.AccountID); len(hist) > 0 {
		if last := hist[len(hist)-1].CreatedAt; txn.CreatedAt.Before(last) {
			txn.CreatedAt = last
		}
	}
	txn.ID = m.tx.store.allocTxID()
	if err := m.tx.write(memOp{kind: opAppendTx, txn: txn}); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (m memTransactions) RecentForAccount(_ context.Context, accountID int64, limit int) ([]Transaction, error) {
	hist := m.tx.history(accountID)
	// newest insertion first, then a stable sort so createdAt ties keep that order.
	out := make([]Transaction, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memTransactions) DeleteAllForAccount(_ context.Context, accountID int64) error {
	return m.tx.write(memOp{kind: opDeleteTxs, accountID: accountID})
}
