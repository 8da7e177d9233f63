package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountType uint16

const (
	AccountTypeWallet   AccountType = 1000
	AccountTypeEscrow   AccountType = 2000
	AccountTypeTreasury AccountType = 3000
)

// TreasuryAccountID is the counterparty of every operator credit. Its
// balance goes negative by the total amount ever credited.
const TreasuryAccountID AccountID = "treasury"

// Entry is one side of a double-entry ledger movement.
type Entry struct {
	ID          uint        `gorm:"primaryKey"`
	AccountID   string      `gorm:"column:account_id;not null;index:idx_ledger_account"`
	AccountType AccountType `gorm:"column:account_type;not null"`
	// type:varchar(78) keeps sqlite from rounding 256 bit integers.
	Credit    decimal.Decimal `gorm:"column:credit;type:varchar(78);not null"`
	Debit     decimal.Decimal `gorm:"column:debit;type:varchar(78);not null"`
	CreatedAt time.Time
}

func (Entry) TableName() string {
	return "ledger"
}

// AccountID is a wallet address in checksum form or a channel key in hex.
type AccountID string

func NewAccountID(accountID string) AccountID {
	if !common.IsHexAddress(accountID) {
		return AccountID(accountID)
	}
	return AccountID(common.HexToAddress(accountID).Hex())
}

func WalletAccountID(wallet common.Address) AccountID {
	return AccountID(wallet.Hex())
}

// EscrowAccountID is the account holding the deposit of one channel.
func EscrowAccountID(channelKey common.Hash) AccountID {
	return AccountID(channelKey.Hex())
}

func (a AccountID) String() string {
	return string(a)
}

type Ledger struct {
	db *gorm.DB
}

func GetLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Record credits a positive amount and debits a negative one. Zero is a no-op.
func (l *Ledger) Record(accountID AccountID, accountType AccountType, amount decimal.Decimal) error {
	entry := &Entry{
		AccountID:   accountID.String(),
		AccountType: accountType,
		Credit:      decimal.Zero,
		Debit:       decimal.Zero,
		CreatedAt:   time.Now(),
	}

	switch {
	case amount.IsPositive():
		entry.Credit = amount
	case amount.IsNegative():
		entry.Debit = amount.Abs()
	default:
		return nil
	}

	if err := l.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record a ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) Balance(accountID AccountID) (decimal.Decimal, error) {
	switch l.db.Dialector.Name() {
	case "postgres":
		var result struct {
			Balance decimal.Decimal
		}
		err := l.db.Model(&Entry{}).
			Where("account_id = ?", accountID.String()).
			Select("COALESCE(SUM(credit::numeric), 0) - COALESCE(SUM(debit::numeric), 0) AS balance").
			Scan(&result).Error
		if err != nil {
			return decimal.Zero, err
		}
		return result.Balance, nil

	case "sqlite":
		// Summed in Go: sqlite converts large sums to floating point.
		var entries []Entry
		if err := l.db.Where("account_id = ?", accountID.String()).Find(&entries).Error; err != nil {
			return decimal.Zero, err
		}

		balance := decimal.Zero
		for _, entry := range entries {
			balance = balance.Add(entry.Credit).Sub(entry.Debit)
		}
		return balance, nil

	default:
		return decimal.Zero, fmt.Errorf("unsupported database driver: %s", l.db.Dialector.Name())
	}
}
