package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

var testEpoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

// stubStore keeps committed state in maps and rolls back to a snapshot when fn fails.
type stubStore struct {
	accounts    map[AccountID]Account
	wallets     map[AccountID]*Wallet
	saveErrFor  map[AccountID]error
	listErr     error
	saveCalls   int
	commitCalls int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:   make(map[AccountID]Account),
		wallets:    make(map[AccountID]*Wallet),
		saveErrFor: make(map[AccountID]error),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	accounts := make(map[AccountID]Account, len(store.accounts))
	for id, account := range store.accounts {
		accounts[id] = account
	}
	wallets := make(map[AccountID]*Wallet, len(store.wallets))
	for id, wallet := range store.wallets {
		wallets[id] = wallet.Clone()
	}
	if err := fn(ctx, store); err != nil {
		store.accounts = accounts
		store.wallets = wallets
		return err
	}
	store.commitCalls++
	return nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account, openedAt time.Time) error {
	if _, exists := store.accounts[account.ID]; exists {
		return ErrAccountExists
	}
	wallet, err := NewWallet(account.ID, openedAt)
	if err != nil {
		return err
	}
	account.CreatedAt = openedAt
	store.accounts[account.ID] = account
	store.wallets[account.ID] = wallet
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID.String())
	}
	return account, nil
}

func (store *stubStore) LoadWallet(ctx context.Context, ownerID AccountID) (*Wallet, error) {
	wallet, ok := store.wallets[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, ownerID.String())
	}
	return wallet.Clone(), nil
}

func (store *stubStore) SnapshotWallet(ctx context.Context, ownerID AccountID) (*Wallet, error) {
	return store.LoadWallet(ctx, ownerID)
}

func (store *stubStore) SaveWallet(ctx context.Context, wallet *Wallet) error {
	store.saveCalls++
	if err := store.saveErrFor[wallet.OwnerID()]; err != nil {
		return err
	}
	saved := wallet.Clone()
	saved.MarkPersisted()
	wallet.MarkPersisted()
	store.wallets[wallet.OwnerID()] = saved
	return nil
}

func (store *stubStore) ListAllTransactions(ctx context.Context) ([]TransactionRecord, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	ids := make([]string, 0, len(store.wallets))
	for id := range store.wallets {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	var records []TransactionRecord
	for _, id := range ids {
		records = append(records, store.wallets[AccountID{value: id}].Transactions()...)
	}
	return records, nil
}

func (store *stubStore) mustWallet(test *testing.T, ownerID AccountID) *Wallet {
	test.Helper()
	wallet, ok := store.wallets[ownerID]
	if !ok {
		test.Fatalf("wallet %s not found", ownerID.String())
	}
	return wallet
}

// failingStore fails every transaction with err before touching state.
type failingStore struct {
	*stubStore
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{stubStore: newStubStore(test), err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

type testClock struct {
	current time.Time
}

func (clock *testClock) Now() time.Time {
	clock.current = clock.current.Add(time.Second)
	return clock.current
}

func newSequentialIDs(prefix string) func() string {
	counter := 0
	return func() string {
		counter++
		return fmt.Sprintf("%s-%03d", prefix, counter)
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := &testClock{current: testEpoch}
	options = append([]ServiceOption{WithIDGenerator(newSequentialIDs("txn"))}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	value, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) AmountCents {
	test.Helper()
	value, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustCaller(test *testing.T, accountID AccountID, role Role) Caller {
	test.Helper()
	caller, err := NewCaller(accountID, role)
	if err != nil {
		test.Fatalf("caller: %v", err)
	}
	return caller
}

func mustRecord(test *testing.T, id string, ownerID AccountID, transactionType TransactionType, amount int64, status TransactionStatus, createdAt time.Time) TransactionRecord {
	test.Helper()
	record, err := NewTransactionRecord(mustTransactionID(test, id), ownerID, transactionType, mustAmount(test, amount), "test record", "REF-"+id, status, MetadataJSON{}, createdAt)
	if err != nil {
		test.Fatalf("record: %v", err)
	}
	return record
}

func mustRegister(test *testing.T, service *Service, id string, role Role, coordinator string) Caller {
	test.Helper()
	account := Account{ID: mustAccountID(test, id), Name: "Name " + id, Role: role}
	if coordinator != "" {
		account.CoordinatorID = mustAccountID(test, coordinator)
	}
	registered, err := service.RegisterAccount(context.Background(), account)
	if err != nil {
		test.Fatalf("register %s: %v", id, err)
	}
	return mustCaller(test, registered.ID, registered.Role)
}

// seedBalance funds a coordinator wallet with a completed top-up.
func seedBalance(test *testing.T, service *Service, caller Caller, amount int64) {
	test.Helper()
	if _, err := service.AddFunds(context.Background(), caller, mustAmount(test, amount), "seed", nil); err != nil {
		test.Fatalf("seed funds: %v", err)
	}
}
