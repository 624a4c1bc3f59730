package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TransactionRecord is one immutable line of a wallet's transaction log.
// Only the status (and its update time) may change after creation.
type TransactionRecord struct {
	id          TransactionID
	ownerID     AccountID
	sequence    int64
	txType      TransactionType
	amount      AmountCents
	description string
	reference   string
	status      TransactionStatus
	metadata    MetadataJSON
	createdAt   time.Time
	updatedAt   time.Time
}

// NewTransactionRecord validates the fields of a record that has not been appended yet.
func NewTransactionRecord(id TransactionID, ownerID AccountID, txType TransactionType, amount AmountCents, description string, reference string, status TransactionStatus, metadata MetadataJSON, createdAt time.Time) (TransactionRecord, error) {
	if id.String() == "" {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidTransactionID)
	}
	if ownerID.IsZero() {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidAccountID)
	}
	if txType != TransactionCredit && txType != TransactionDebit {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidTransactionType)
	}
	if amount.Int64() <= 0 {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidAmountCents)
	}
	if _, err := ParseTransactionStatus(status.String()); err != nil {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	trimmedDescription := strings.TrimSpace(description)
	if trimmedDescription == "" {
		return TransactionRecord{}, fmt.Errorf("%w: description is required", ErrInvalidTransaction)
	}
	trimmedReference := strings.TrimSpace(reference)
	if trimmedReference == "" {
		return TransactionRecord{}, fmt.Errorf("%w: reference is required", ErrInvalidTransaction)
	}
	createdAt = createdAt.UTC()
	return TransactionRecord{
		id:          id,
		ownerID:     ownerID,
		txType:      txType,
		amount:      amount,
		description: trimmedDescription,
		reference:   trimmedReference,
		status:      status,
		metadata:    metadata,
		createdAt:   createdAt,
		updatedAt:   createdAt,
	}, nil
}

// RestoreTransactionRecord rebuilds a persisted record, including its sequence and update time.
func RestoreTransactionRecord(id TransactionID, ownerID AccountID, sequence int64, txType TransactionType, amount AmountCents, description string, reference string, status TransactionStatus, metadata MetadataJSON, createdAt time.Time, updatedAt time.Time) (TransactionRecord, error) {
	record, err := NewTransactionRecord(id, ownerID, txType, amount, description, reference, status, metadata, createdAt)
	if err != nil {
		return TransactionRecord{}, err
	}
	if sequence <= 0 {
		return TransactionRecord{}, fmt.Errorf("%w: sequence must be positive", ErrInvalidTransaction)
	}
	record.sequence = sequence
	if !updatedAt.IsZero() {
		record.updatedAt = updatedAt.UTC()
	}
	return record, nil
}

func (record TransactionRecord) ID() TransactionID         { return record.id }
func (record TransactionRecord) OwnerID() AccountID        { return record.ownerID }
func (record TransactionRecord) Sequence() int64           { return record.sequence }
func (record TransactionRecord) Type() TransactionType     { return record.txType }
func (record TransactionRecord) Amount() AmountCents       { return record.amount }
func (record TransactionRecord) Description() string       { return record.description }
func (record TransactionRecord) Reference() string         { return record.reference }
func (record TransactionRecord) Status() TransactionStatus { return record.status }
func (record TransactionRecord) Metadata() MetadataJSON    { return record.metadata }
func (record TransactionRecord) CreatedAt() time.Time      { return record.createdAt }
func (record TransactionRecord) UpdatedAt() time.Time      { return record.updatedAt }

// StatusChange is a staged status transition awaiting persistence.
type StatusChange struct {
	Record         TransactionRecord
	PreviousStatus TransactionStatus
}

// Wallet is the aggregate of a cached balance and the transaction log it is projected from.
// Mutations are staged in memory until a Store persists them with SaveWallet.
type Wallet struct {
	ownerID       AccountID
	balance       BalanceCents
	transactions  []TransactionRecord
	lastUpdated   time.Time
	persisted     int
	statusChanges []StatusChange
}

// NewWallet returns an empty wallet.
func NewWallet(ownerID AccountID, openedAt time.Time) (*Wallet, error) {
	if ownerID.IsZero() {
		return nil, fmt.Errorf("%w: empty owner", ErrInvalidAccountID)
	}
	return &Wallet{ownerID: ownerID, lastUpdated: openedAt.UTC()}, nil
}

// RestoreWallet rebuilds a persisted wallet and verifies the cached balance against its log.
func RestoreWallet(ownerID AccountID, balance BalanceCents, lastUpdated time.Time, records []TransactionRecord) (*Wallet, error) {
	wallet, err := NewWallet(ownerID, lastUpdated)
	if err != nil {
		return nil, err
	}
	for index, record := range records {
		if record.OwnerID() != ownerID {
			return nil, fmt.Errorf("%w: record %s belongs to %s", ErrInvalidTransaction, record.ID().String(), record.OwnerID().String())
		}
		if record.Sequence() != int64(index+1) {
			return nil, fmt.Errorf("%w: record %s out of sequence", ErrInvalidTransaction, record.ID().String())
		}
	}
	wallet.balance = balance
	wallet.transactions = append([]TransactionRecord(nil), records...)
	wallet.persisted = len(records)
	if err := wallet.VerifyBalance(); err != nil {
		return nil, err
	}
	return wallet, nil
}

// OwnerID returns the owning account.
func (wallet *Wallet) OwnerID() AccountID {
	return wallet.ownerID
}

// Balance returns the cached balance.
func (wallet *Wallet) Balance() BalanceCents {
	return wallet.balance
}

// LastUpdated returns the time of the last mutation.
func (wallet *Wallet) LastUpdated() time.Time {
	return wallet.lastUpdated
}

// Transactions returns a copy of the log in append order.
func (wallet *Wallet) Transactions() []TransactionRecord {
	return append([]TransactionRecord(nil), wallet.transactions...)
}

// Transaction looks a record up by id.
func (wallet *Wallet) Transaction(id TransactionID) (TransactionRecord, bool) {
	index := wallet.indexOf(id)
	if index < 0 {
		return TransactionRecord{}, false
	}
	return wallet.transactions[index], true
}

// LastTransaction returns the most recently appended record.
func (wallet *Wallet) LastTransaction() (TransactionRecord, bool) {
	if len(wallet.transactions) == 0 {
		return TransactionRecord{}, false
	}
	return wallet.transactions[len(wallet.transactions)-1], true
}

// AppendTransaction validates record, applies its delta when COMPLETED and appends it.
// Nothing changes when the delta cannot be applied.
func (wallet *Wallet) AppendTransaction(record TransactionRecord, at time.Time) (TransactionRecord, error) {
	if record.ownerID != wallet.ownerID {
		return TransactionRecord{}, fmt.Errorf("%w: record owner %s does not match wallet %s", ErrInvalidTransaction, record.ownerID.String(), wallet.ownerID.String())
	}
	if record.txType != TransactionCredit && record.txType != TransactionDebit {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidTransactionType)
	}
	if record.amount.Int64() <= 0 {
		return TransactionRecord{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidAmountCents)
	}
	if wallet.indexOf(record.id) >= 0 {
		return TransactionRecord{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidTransaction, record.id.String())
	}
	balance := wallet.balance
	if record.status == StatusCompleted {
		updated, err := applyDelta(balance, record.txType, record.amount)
		if err != nil {
			return TransactionRecord{}, err
		}
		balance = updated
	}
	record.sequence = int64(len(wallet.transactions) + 1)
	wallet.transactions = append(wallet.transactions, record)
	wallet.balance = balance
	wallet.lastUpdated = at.UTC()
	return record, nil
}

// UpdateStatus moves a record through its lifecycle, applying the delta on completion.
func (wallet *Wallet) UpdateStatus(id TransactionID, status TransactionStatus, at time.Time) (TransactionRecord, error) {
	index := wallet.indexOf(id)
	if index < 0 {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id.String())
	}
	record := wallet.transactions[index]
	if !record.status.CanTransitionTo(status) {
		return TransactionRecord{}, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, record.status, status)
	}
	balance := wallet.balance
	if status == StatusCompleted {
		updated, err := applyDelta(balance, record.txType, record.amount)
		if err != nil {
			return TransactionRecord{}, err
		}
		balance = updated
	}
	previous := record.status
	record.status = status
	record.updatedAt = at.UTC()
	wallet.transactions[index] = record
	wallet.balance = balance
	wallet.lastUpdated = at.UTC()
	if index < wallet.persisted {
		wallet.statusChanges = append(wallet.statusChanges, StatusChange{Record: record, PreviousStatus: previous})
	}
	return record, nil
}

// VerifyBalance recomputes the balance from the log and compares it with the cached value.
func (wallet *Wallet) VerifyBalance() error {
	projected, err := ProjectBalance(wallet.transactions)
	if err != nil {
		return err
	}
	if projected != wallet.balance {
		return fmt.Errorf("%w: wallet %s caches %d, log projects %d", ErrBalanceDrift, wallet.ownerID.String(), wallet.balance.Int64(), projected.Int64())
	}
	return nil
}

// PendingAppends returns records appended since the wallet was loaded.
func (wallet *Wallet) PendingAppends() []TransactionRecord {
	return append([]TransactionRecord(nil), wallet.transactions[wallet.persisted:]...)
}

// StatusChanges returns transitions of already persisted records.
func (wallet *Wallet) StatusChanges() []StatusChange {
	return append([]StatusChange(nil), wallet.statusChanges...)
}

// MarkPersisted clears staged changes after a store has written them.
func (wallet *Wallet) MarkPersisted() {
	wallet.persisted = len(wallet.transactions)
	wallet.statusChanges = nil
}

// Clone returns an independent copy, staged changes included.
func (wallet *Wallet) Clone() *Wallet {
	clone := *wallet
	clone.transactions = append([]TransactionRecord(nil), wallet.transactions...)
	clone.statusChanges = append([]StatusChange(nil), wallet.statusChanges...)
	return &clone
}

func (wallet *Wallet) indexOf(id TransactionID) int {
	for index := range wallet.transactions {
		if wallet.transactions[index].id == id {
			return index
		}
	}
	return -1
}

// ProjectBalance sums COMPLETED credits minus COMPLETED debits in log order,
// failing if the running balance would ever go negative.
func ProjectBalance(records []TransactionRecord) (BalanceCents, error) {
	var balance BalanceCents
	for _, record := range records {
		if record.status != StatusCompleted {
			continue
		}
		updated, err := applyDelta(balance, record.txType, record.amount)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBalanceDrift, err)
		}
		balance = updated
	}
	return balance, nil
}

func applyDelta(balance BalanceCents, txType TransactionType, amount AmountCents) (BalanceCents, error) {
	switch txType {
	case TransactionCredit:
		if amount.Int64() > math.MaxInt64-balance.Int64() {
			return 0, fmt.Errorf("%w: credit of %d overflows balance %d", ErrInvalidTransaction, amount.Int64(), balance.Int64())
		}
		return balance + BalanceCents(amount), nil
	case TransactionDebit:
		if !balance.Covers(amount) {
			return 0, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, balance.Int64(), amount.Int64())
		}
		return balance - BalanceCents(amount), nil
	default:
		return 0, fmt.Errorf("%w: %w", ErrInvalidTransaction, ErrInvalidTransactionType)
	}
}
