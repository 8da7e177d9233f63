package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionType int

const (
	TransactionTypeCredit        TransactionType = 201
	TransactionTypeEscrowLock    TransactionType = 401
	TransactionTypeEscrowRelease TransactionType = 402
)

var ErrInvalidLedgerTransactionType = fmt.Errorf("invalid ledger transaction type")

// LedgerTransaction pairs the two entries of one transfer.
type LedgerTransaction struct {
	ID          uint            `gorm:"primaryKey"`
	Type        TransactionType `gorm:"column:tx_type;not null;index:idx_tx_type"`
	FromAccount string          `gorm:"column:from_account;not null;index:idx_from_account"`
	ToAccount   string          `gorm:"column:to_account;not null;index:idx_to_account"`
	Amount      decimal.Decimal `gorm:"column:amount;type:varchar(78);not null"`
	CreatedAt   time.Time
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

func RecordLedgerTransaction(tx *gorm.DB, txType TransactionType, fromAccount, toAccount AccountID, amount decimal.Decimal) (*LedgerTransaction, error) {
	transaction := &LedgerTransaction{
		Type:        txType,
		FromAccount: fromAccount.String(),
		ToAccount:   toAccount.String(),
		Amount:      amount.Abs(),
	}

	if err := tx.Create(transaction).Error; err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return transaction, nil
}

// GetLedgerTransactions returns the transfers touching accountID, oldest first.
// An empty accountID matches every account.
func GetLedgerTransactions(db *gorm.DB, accountID AccountID, txType *TransactionType) ([]LedgerTransaction, error) {
	var transactions []LedgerTransaction
	q := db.Model(&LedgerTransaction{})

	if accountID.String() != "" {
		q = q.Where("from_account = ? OR to_account = ?", accountID.String(), accountID.String())
	}
	if txType != nil {
		q = q.Where("tx_type = ?", *txType)
	}

	if err := q.Order("id ASC").Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeCredit:
		return "credit"
	case TransactionTypeEscrowLock:
		return "escrow_lock"
	case TransactionTypeEscrowRelease:
		return "escrow_release"
	default:
		return ""
	}
}

func parseLedgerTransactionType(s string) (TransactionType, error) {
	switch s {
	case "credit":
		return TransactionTypeCredit, nil
	case "escrow_lock":
		return TransactionTypeEscrowLock, nil
	case "escrow_release":
		return TransactionTypeEscrowRelease, nil
	default:
		return 0, ErrInvalidLedgerTransactionType
	}
}
