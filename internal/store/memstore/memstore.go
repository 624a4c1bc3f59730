// Package memstore keeps wallets in process memory. Transactions are serialized
// and applied to a private copy that replaces the shared state only on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
)

const (
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

type state struct {
	accounts map[ledger.AccountID]ledger.Account
	wallets  map[ledger.AccountID]*ledger.Wallet
}

func (current state) clone() state {
	copied := state{
		accounts: make(map[ledger.AccountID]ledger.Account, len(current.accounts)),
		wallets:  make(map[ledger.AccountID]*ledger.Wallet, len(current.wallets)),
	}
	for id, account := range current.accounts {
		copied.accounts[id] = account
	}
	for id, wallet := range current.wallets {
		copied.wallets[id] = wallet.Clone()
	}
	return copied
}

// Store implements ledger.Store in memory.
type Store struct {
	mutex sync.RWMutex
	data  state
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: state{
		accounts: make(map[ledger.AccountID]ledger.Account),
		wallets:  make(map[ledger.AccountID]*ledger.Wallet),
	}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	transaction := &txStore{data: store.data.clone()}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.data = transaction.data
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, openedAt time.Time) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.CreateAccount(ctx, account, openedAt)
	})
}

func (store *Store) GetAccount(_ context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.data.account(accountID)
}

func (store *Store) LoadWallet(_ context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.data.wallet(ownerID)
}

func (store *Store) SnapshotWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	return store.LoadWallet(ctx, ownerID)
}

func (store *Store) SaveWallet(ctx context.Context, wallet *ledger.Wallet) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.SaveWallet(ctx, wallet)
	})
}

func (store *Store) ListAllTransactions(_ context.Context) ([]ledger.TransactionRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.data.allTransactions(), nil
}

// txStore operates on the private copy held by an open transaction.
type txStore struct {
	data state
}

func (store *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *txStore) CreateAccount(_ context.Context, account ledger.Account, openedAt time.Time) error {
	if _, exists := store.data.accounts[account.ID]; exists {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	wallet, err := ledger.NewWallet(account.ID, openedAt)
	if err != nil {
		return err
	}
	account.CreatedAt = openedAt.UTC()
	store.data.accounts[account.ID] = account
	store.data.wallets[account.ID] = wallet
	return nil
}

func (store *txStore) GetAccount(_ context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.data.account(accountID)
}

func (store *txStore) LoadWallet(_ context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	return store.data.wallet(ownerID)
}

func (store *txStore) SnapshotWallet(_ context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	return store.data.wallet(ownerID)
}

func (store *txStore) SaveWallet(_ context.Context, wallet *ledger.Wallet) error {
	stored, ok := store.data.wallets[wallet.OwnerID()]
	if !ok {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	current := stored.Transactions()
	changed := make(map[int64]ledger.TransactionStatus)
	for _, change := range wallet.StatusChanges() {
		index := int(change.Record.Sequence()) - 1
		if index < 0 || index >= len(current) || current[index].Status() != change.PreviousStatus {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrInvalidStatusTransition)
		}
		changed[change.Record.Sequence()] = change.PreviousStatus
	}
	records := wallet.Transactions()
	persisted := len(records) - len(wallet.PendingAppends())
	if persisted != len(current) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrInvalidTransaction)
	}
	for index := 0; index < persisted; index++ {
		if _, ok := changed[records[index].Sequence()]; ok {
			continue
		}
		if records[index].Status() != current[index].Status() {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrInvalidStatusTransition)
		}
	}
	saved := wallet.Clone()
	saved.MarkPersisted()
	store.data.wallets[wallet.OwnerID()] = saved
	wallet.MarkPersisted()
	return nil
}

func (store *txStore) ListAllTransactions(_ context.Context) ([]ledger.TransactionRecord, error) {
	return store.data.allTransactions(), nil
}

func (current state) account(accountID ledger.AccountID) (ledger.Account, error) {
	account, ok := current.accounts[accountID]
	if !ok {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	return account, nil
}

func (current state) wallet(ownerID ledger.AccountID) (*ledger.Wallet, error) {
	wallet, ok := current.wallets[ownerID]
	if !ok {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	return wallet.Clone(), nil
}

func (current state) allTransactions() []ledger.TransactionRecord {
	owners := make([]ledger.AccountID, 0, len(current.wallets))
	for id := range current.wallets {
		owners = append(owners, id)
	}
	sort.Slice(owners, func(left, right int) bool {
		return owners[left].String() < owners[right].String()
	})
	var records []ledger.TransactionRecord
	for _, id := range owners {
		records = append(records, current.wallets[id].Transactions()...)
	}
	return records
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
