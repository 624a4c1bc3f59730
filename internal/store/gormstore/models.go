package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	AccountID     string    `gorm:"primaryKey"`
	Name          string    `gorm:"not null;default:''"`
	Role          string    `gorm:"not null;index"`
	CoordinatorID *string   `gorm:"index"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
}

func (Account) TableName() string { return "accounts" }

// Wallet holds the cached balance projected from wallet_transactions.
type Wallet struct {
	OwnerID      string    `gorm:"primaryKey"`
	BalanceCents int64     `gorm:"not null;check:chk_wallets_balance_non_negative,balance_cents >= 0"`
	LastUpdated  time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false"`
}

func (Wallet) TableName() string { return "wallets" }

// WalletTransaction mirrors the append-only wallet_transactions table keyed by (owner_id, sequence).
type WalletTransaction struct {
	OwnerID       string         `gorm:"primaryKey;index:idx_wallet_tx_owner_created,priority:1"`
	Sequence      int64          `gorm:"primaryKey;autoIncrement:false"`
	TransactionID string         `gorm:"not null;uniqueIndex"`
	Type          string         `gorm:"not null"`
	AmountCents   int64          `gorm:"not null"`
	Description   string         `gorm:"not null"`
	Reference     string         `gorm:"not null;index"`
	Status        string         `gorm:"not null;index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;autoCreateTime:false;index:idx_wallet_tx_owner_created,priority:2"`
	UpdatedAt     time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

// Models lists the tables managed by AutoMigrate.
func Models() []any {
	return []any{&Account{}, &Wallet{}, &WalletTransaction{}}
}
