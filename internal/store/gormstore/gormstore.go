package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/txretry"
	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectPostgres         = "postgres"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db    *gorm.DB
	retry *txretry.Executor
	inTx  bool
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the transaction retry policy.
func WithRetry(executor *txretry.Executor) Option {
	return func(store *Store) {
		store.retry = executor
	}
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, retry: txretry.New(txretry.DefaultConfig(), txretry.IsTransient)}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// WithTx executes fn within a transaction, retrying transient aborts. Nested calls join the outer transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	return store.retry.Run(ctx, func() error {
		return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			return fn(ctx, &Store{db: transaction, retry: store.retry, inTx: true})
		})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account, openedAt time.Time) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		db := txStore.(*Store).db.WithContext(ctx)
		openedAt = openedAt.UTC()
		model := Account{
			AccountID:     account.ID.String(),
			Name:          account.Name,
			Role:          account.Role.String(),
			CoordinatorID: optionalString(account.CoordinatorID.String()),
			CreatedAt:     openedAt,
		}
		if err := db.Create(&model).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
			}
			return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
		}
		wallet := Wallet{OwnerID: model.AccountID, BalanceCents: 0, LastUpdated: openedAt, CreatedAt: openedAt}
		if err := db.Create(&wallet).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, ledger.ErrAccountExists)
			}
			return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
		}
		return nil
	})
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// LoadWallet reads a wallet with its log and row-locks the wallet until the transaction ends.
func (store *Store) LoadWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	db := store.db.WithContext(ctx)
	if store.inTx {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return readWallet(db, store.db.WithContext(ctx), ownerID)
}

// SnapshotWallet reads a consistent wallet without locks (repeatable-read on PostgreSQL).
func (store *Store) SnapshotWallet(ctx context.Context, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	if store.inTx {
		return readWallet(store.db.WithContext(ctx), store.db.WithContext(ctx), ownerID)
	}
	var wallet *ledger.Wallet
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		loaded, err := readWallet(transaction, transaction, ownerID)
		if err != nil {
			return err
		}
		wallet = loaded
		return nil
	}, store.snapshotOptions())
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// SaveWallet writes staged appends and status changes, then the cached balance.
func (store *Store) SaveWallet(ctx context.Context, wallet *ledger.Wallet) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		db := txStore.(*Store).db.WithContext(ctx)
		appends := wallet.PendingAppends()
		if len(appends) > 0 {
			rows := make([]WalletTransaction, 0, len(appends))
			for _, record := range appends {
				rows = append(rows, transactionModel(record))
			}
			if err := db.Create(&rows).Error; err != nil {
				if isUniqueViolation(err) {
					return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, fmt.Errorf("%w: duplicate record", ledger.ErrInvalidTransaction))
				}
				return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
			}
		}
		for _, change := range wallet.StatusChanges() {
			result := db.Model(&WalletTransaction{}).
				Where("owner_id = ? AND transaction_id = ? AND status = ?", change.Record.OwnerID().String(), change.Record.ID().String(), change.PreviousStatus.String()).
				Updates(map[string]any{
					"status":     change.Record.Status().String(),
					"updated_at": change.Record.UpdatedAt(),
				})
			if result.Error != nil {
				return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
			}
			if result.RowsAffected == 0 {
				return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrInvalidStatusTransition)
			}
		}
		result := db.Model(&Wallet{}).
			Where("owner_id = ?", wallet.OwnerID().String()).
			Updates(map[string]any{
				"balance_cents": wallet.Balance().Int64(),
				"last_updated":  wallet.LastUpdated(),
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
		}
		wallet.MarkPersisted()
		return nil
	})
}

func (store *Store) ListAllTransactions(ctx context.Context) ([]ledger.TransactionRecord, error) {
	var rows []WalletTransaction
	err := store.db.WithContext(ctx).Order("owner_id ASC").Order("sequence ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) snapshotOptions() *sql.TxOptions {
	if store.db.Dialector.Name() == dialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

func readWallet(walletQuery *gorm.DB, logQuery *gorm.DB, ownerID ledger.AccountID) (*ledger.Wallet, error) {
	var model Wallet
	err := walletQuery.Where("owner_id = ?", ownerID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
		}
		return nil, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	var rows []WalletTransaction
	err = logQuery.Where("owner_id = ?", ownerID.String()).Order("sequence ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	records, err := mapTransactions(rows)
	if err != nil {
		return nil, err
	}
	balance, err := ledger.NewBalanceCents(model.BalanceCents)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	wallet, err := ledger.RestoreWallet(ownerID, balance, model.LastUpdated, records)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}
	role, err := ledger.ParseRole(model.Role)
	if err != nil {
		return ledger.Account{}, err
	}
	var coordinatorID ledger.AccountID
	if model.CoordinatorID != nil && *model.CoordinatorID != "" {
		coordinatorID, err = ledger.NewAccountID(*model.CoordinatorID)
		if err != nil {
			return ledger.Account{}, err
		}
	}
	account, err := ledger.NewAccount(accountID, model.Name, role, coordinatorID)
	if err != nil {
		return ledger.Account{}, err
	}
	account.CreatedAt = model.CreatedAt.UTC()
	return account, nil
}

func transactionModel(record ledger.TransactionRecord) WalletTransaction {
	return WalletTransaction{
		OwnerID:       record.OwnerID().String(),
		Sequence:      record.Sequence(),
		TransactionID: record.ID().String(),
		Type:          record.Type().String(),
		AmountCents:   record.Amount().Int64(),
		Description:   record.Description(),
		Reference:     record.Reference(),
		Status:        record.Status().String(),
		Metadata:      datatypesJSON(record.Metadata().String()),
		CreatedAt:     record.CreatedAt(),
		UpdatedAt:     record.UpdatedAt(),
	}
}

func mapTransactions(rows []WalletTransaction) ([]ledger.TransactionRecord, error) {
	records := make([]ledger.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func mapTransaction(row WalletTransaction) (ledger.TransactionRecord, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	ownerID, err := ledger.NewAccountID(row.OwnerID)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	amount, err := ledger.NewAmountCents(row.AmountCents)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	return ledger.RestoreTransactionRecord(
		transactionID,
		ownerID,
		row.Sequence,
		transactionType,
		amount,
		row.Description,
		row.Reference,
		status,
		metadata,
		row.CreatedAt,
		row.UpdatedAt,
	)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
