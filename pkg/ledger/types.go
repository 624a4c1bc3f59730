package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AccountID identifies an account and the wallet it owns.
type AccountID struct {
	value string
}

// TransactionID identifies a transaction record.
type TransactionID struct {
	value string
}

// AmountCents is a strictly positive transaction amount in minor currency units.
type AmountCents int64

// BalanceCents is a non-negative wallet balance in minor currency units.
type BalanceCents int64

// MetadataJSON stores descriptive transaction metadata as a JSON object.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewBalanceCents validates a balance and ensures it is not negative.
func NewBalanceCents(raw int64) (BalanceCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return BalanceCents(raw), nil
}

// Int64 returns the raw cents value.
func (balance BalanceCents) Int64() int64 {
	return int64(balance)
}

// Covers reports whether the balance can absorb a debit of amount.
func (balance BalanceCents) Covers(amount AmountCents) bool {
	return balance.Int64() >= amount.Int64()
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// NewMetadataFromMap encodes a key-value bag into MetadataJSON.
func NewMetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(raw)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Map decodes the metadata into a generic map.
func (metadata MetadataJSON) Map() map[string]any {
	decoded := map[string]any{}
	_ = json.Unmarshal([]byte(metadata.String()), &decoded)
	return decoded
}

// TransactionType enumerates the direction of a transaction.
type TransactionType string

const (
	TransactionCredit TransactionType = "CREDIT"
	TransactionDebit  TransactionType = "DEBIT"
)

// ParseTransactionType parses a type case-insensitively ("credit" is accepted).
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionCredit:
		return TransactionCredit, nil
	case TransactionDebit:
		return TransactionDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the canonical type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus defines the record lifecycle.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
)

// ParseTransactionStatus parses a status case-insensitively.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the canonical status name.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is permitted.
func (status TransactionStatus) IsTerminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (status TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// BankDetails describes the payout destination of a withdrawal.
type BankDetails struct {
	AccountNumber     string `json:"accountNumber,omitempty"`
	IFSCCode          string `json:"ifscCode,omitempty"`
	AccountHolderName string `json:"accountHolderName,omitempty"`
	UPIID             string `json:"upiId,omitempty"`
}

// Store is the persistence contract used by Service.
// LoadWallet locks the wallet for the remainder of the enclosing transaction;
// SnapshotWallet is a consistent read without locks.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account, openedAt time.Time) error
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	LoadWallet(ctx context.Context, ownerID AccountID) (*Wallet, error)
	SnapshotWallet(ctx context.Context, ownerID AccountID) (*Wallet, error)
	SaveWallet(ctx context.Context, wallet *Wallet) error
	ListAllTransactions(ctx context.Context) ([]TransactionRecord, error)
}
