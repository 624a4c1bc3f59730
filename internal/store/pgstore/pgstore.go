package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/txretry"
	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	defaultMetadataJSON     = "{}"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	// Schema creates the tables read and written by Store.
	Schema = `
		create table if not exists accounts (
			account_id text primary key,
			name text not null default '',
			role text not null,
			coordinator_id text references accounts(account_id),
			created_at timestamptz not null
		);
		create index if not exists idx_accounts_coordinator on accounts(coordinator_id);

		create table if not exists wallets (
			owner_id text primary key references accounts(account_id),
			balance_cents bigint not null constraint chk_wallets_balance_non_negative check (balance_cents >= 0),
			last_updated timestamptz not null,
			created_at timestamptz not null
		);

		create table if not exists wallet_transactions (
			owner_id text not null references wallets(owner_id),
			sequence bigint not null,
			transaction_id text not null unique,
			type text not null,
			amount_cents bigint not null check (amount_cents > 0),
			description text not null,
			reference text not null,
			status text not null,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null,
			updated_at timestamptz not null,
			primary key (owner_id, sequence)
		);
		create index if not exists idx_wallet_tx_owner_created on wallet_transactions(owner_id, created_at);
		create index if not exists idx_wallet_tx_reference on wallet_transactions(reference);
		create index if not exists idx_wallet_tx_status on wallet_transactions(status);
	`

	sqlInsertAccount = `
		insert into accounts(account_id, name, role, coordinator_id, created_at)
		values ($1, $2, $3, nullif($4, ''), $5)
	`

	sqlInsertWallet = `
		insert into wallets(owner_id, balance_cents, last_updated, created_at)
		values ($1, 0, $2, $2)
	`

	sqlSelectAccount = `
		select account_id, name, role, coalesce(coordinator_id, ''), created_at
		from accounts
		where account_id = $1
	`

	sqlSelectWallet = `
		select balance_cents, last_updated from wallets where owner_id = $1
	`

	sqlSelectWalletForUpdate = sqlSelectWallet + ` for update`

	sqlSelectTransactionColumns = `
		select transaction_id, owner_id, sequence, type, amount_cents, description, reference, status,
			metadata::text, created_at, updated_at
		from wallet_transactions
	`

	sqlSelectWalletTransactions = sqlSelectTransactionColumns + `
		where owner_id = $1
		order by sequence asc
	`

	sqlSelectAllTransactions = sqlSelectTransactionColumns + `
		order by owner_id asc, sequence asc
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			transaction_id, owner_id, sequence, type, amount_cents, description, reference, status,
			metadata, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, coalesce(nullif($9, ''), '{}')::jsonb, $10, $11)
	`

	sqlUpdateTransactionStatus = `
		update wallet_transactions
		set status = $4, updated_at = $5
		where owner_id = $1 and transaction_id = $2 and status = $3
	`

	sqlUpdateWallet = `
		update wallets set balance_cents = $2, last_updated = $3 where owner_id = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool  *pgxpool.Pool
	retry *txretry.Executor
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the transaction retry policy.
func WithRetry(executor *txretry.Executor) Option {
	return func(store *Store) {
		store.retry = executor
	}
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool, options ...Option) *Store {
	store := &Store{pool: pool, retry: txretry.New(txretry.DefaultConfig(), txretry.IsTransient)}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// Migrate applies Schema.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.retry.Run(ctx, func() error {
		return store.runTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return fn(ctx, &TxStore{tx: tx})
		})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, openedAt time.Time) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.CreateAccount(ctx, account, openedAt)
	})
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, store.pool, accountID)
}

// LoadWallet reads the wallet without a row lock. Use WithTx for read-modify-write.
func (store *Store) LoadWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	return readWallet(ctx, store.pool, sqlSelectWallet, ownerID)
}

// SnapshotWallet reads the wallet row and its log inside one read-only repeatable-read transaction.
func (store *Store) SnapshotWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	var wallet *ledger.Wallet
	options := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := store.runTx(ctx, options, func(tx pgx.Tx) error {
		loaded, err := readWallet(ctx, tx, sqlSelectWallet, ownerID)
		if err != nil {
			return err
		}
		wallet = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (store *Store) SaveWallet(ctx context.Context, wallet *ledger.Wallet) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.SaveWallet(ctx, wallet)
	})
}

func (store *Store) ListAllTransactions(ctx context.Context) ([]ledger.TransactionRecord, error) {
	return listTransactions(ctx, store.pool, sqlSelectAllTransactions)
}

func (store *Store) runTx(ctx context.Context, options pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := store.pool.BeginTx(ctx, options)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx joins the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) CreateAccount(ctx context.Context, account ledger.Account, openedAt time.Time) error {
	_, err := store.tx.Exec(ctx, sqlInsertAccount,
		account.ID.String(),
		account.Name,
		account.Role.String(),
		account.CoordinatorID.String(),
		openedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	if _, err := store.tx.Exec(ctx, sqlInsertWallet, account.ID.String(), openedAt.UTC()); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *TxStore) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, store.tx, accountID)
}

// LoadWallet locks the wallet row until the transaction ends.
func (store *TxStore) LoadWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	return readWallet(ctx, store.tx, sqlSelectWalletForUpdate, ownerID)
}

func (store *TxStore) SnapshotWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	return readWallet(ctx, store.tx, sqlSelectWallet, ownerID)
}

func (store *TxStore) SaveWallet(ctx context.Context, wallet *ledger.Wallet) error {
	for _, record := range wallet.PendingAppends() {
		_, err := store.tx.Exec(ctx, sqlInsertTransaction,
			record.ID().String(),
			record.OwnerID().String(),
			record.Sequence(),
			record.Type().String(),
			record.Amount().Int64(),
			record.Description(),
			record.Reference(),
			record.Status().String(),
			record.Metadata().String(),
			record.CreatedAt(),
			record.UpdatedAt(),
		)
		if isUniqueViolation(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrInvalidTransaction)
		}
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
		}
	}
	for _, change := range wallet.StatusChanges() {
		tag, err := store.tx.Exec(ctx, sqlUpdateTransactionStatus,
			change.Record.OwnerID().String(),
			change.Record.ID().String(),
			change.PreviousStatus.String(),
			change.Record.Status().String(),
			change.Record.UpdatedAt(),
		)
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
		}
		if tag.RowsAffected() == 0 {
			return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrInvalidStatusTransition)
		}
	}
	tag, err := store.tx.Exec(ctx, sqlUpdateWallet, wallet.OwnerID().String(), wallet.Balance().Int64(), wallet.LastUpdated())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	wallet.MarkPersisted()
	return nil
}

func (store *TxStore) ListAllTransactions(ctx context.Context) ([]ledger.TransactionRecord, error) {
	return listTransactions(ctx, store.tx, sqlSelectAllTransactions)
}

func getAccount(ctx context.Context, db querier, accountID ledger.AccountID) (ledger.Account, error) {
	var (
		accountIDValue   string
		name             string
		roleValue        string
		coordinatorValue string
		createdAt        time.Time
	)
	err := db.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(&accountIDValue, &name, &roleValue, &coordinatorValue, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(accountIDValue, name, roleValue, coordinatorValue, createdAt)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func readWallet(ctx context.Context, db querier, walletSQL string, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	var (
		balanceValue int64
		lastUpdated  time.Time
	)
	err := db.QueryRow(ctx, walletSQL, ownerID.String()).Scan(&balanceValue, &lastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return nil, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	records, err := listTransactions(ctx, db, sqlSelectWalletTransactions, ownerID.String())
	if err != nil {
		return nil, err
	}
	balance, err := ledger.NewBalanceCents(balanceValue)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	wallet, err := ledger.RestoreWallet(ownerID, balance, lastUpdated.UTC(), records)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func listTransactions(ctx context.Context, db querier, query string, arguments ...any) ([]ledger.TransactionRecord, error) {
	rows, err := db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	var records []ledger.TransactionRecord
	for rows.Next() {
		var row transactionRow
		if err := rows.Scan(
			&row.transactionID,
			&row.ownerID,
			&row.sequence,
			&row.transactionType,
			&row.amountCents,
			&row.description,
			&row.reference,
			&row.status,
			&row.metadata,
			&row.createdAt,
			&row.updatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		record, err := row.record()
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return records, nil
}

type transactionRow struct {
	transactionID   string
	ownerID         string
	sequence        int64
	transactionType string
	amountCents     int64
	description     string
	reference       string
	status          string
	metadata        string
	createdAt       time.Time
	updatedAt       time.Time
}

func (row transactionRow) record() (ledger.TransactionRecord, error) {
	transactionID, err := ledger.NewTransactionID(row.transactionID)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	ownerID, err := ledger.NewAccountID(row.ownerID)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.transactionType)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	amount, err := ledger.NewAmountCents(row.amountCents)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.status)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	metadataValue := row.metadata
	if metadataValue == "" {
		metadataValue = defaultMetadataJSON
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	return ledger.RestoreTransactionRecord(
		transactionID,
		ownerID,
		row.sequence,
		transactionType,
		amount,
		row.description,
		row.reference,
		status,
		metadata,
		row.createdAt.UTC(),
		row.updatedAt.UTC(),
	)
}

func mapAccount(accountIDValue, name, roleValue, coordinatorValue string, createdAt time.Time) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseRole(roleValue)
	if err != nil {
		return ledger.Account{}, err
	}
	var coordinatorID ledger.AccountID
	if coordinatorValue != "" {
		coordinatorID, err = ledger.NewAccountID(coordinatorValue)
		if err != nil {
			return ledger.Account{}, err
		}
	}
	account, err := ledger.NewAccount(accountID, name, role, coordinatorID)
	if err != nil {
		return ledger.Account{}, err
	}
	account.CreatedAt = createdAt.UTC()
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
