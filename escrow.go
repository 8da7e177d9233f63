package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payer moves value between wallets and channel escrow accounts. Every call
// runs inside the caller's transaction so a failed operation leaves no trace.
type Payer interface {
	// Lock moves amount from the from wallet into the escrow of channelKey.
	Lock(tx *gorm.DB, from common.Address, channelKey common.Hash, amount decimal.Decimal) error
	// Pay moves amount from the escrow of channelKey to the to wallet.
	Pay(tx *gorm.DB, channelKey common.Hash, to common.Address, amount decimal.Decimal) error
}

var _ Payer = (*Escrow)(nil)

// Escrow implements Payer on the double-entry ledger.
type Escrow struct{}

func NewEscrow() *Escrow {
	return &Escrow{}
}

func (e *Escrow) Lock(tx *gorm.DB, from common.Address, channelKey common.Hash, amount decimal.Decimal) error {
	return e.transfer(tx, TransactionTypeEscrowLock,
		WalletAccountID(from), AccountTypeWallet,
		EscrowAccountID(channelKey), AccountTypeEscrow,
		amount)
}

func (e *Escrow) Pay(tx *gorm.DB, channelKey common.Hash, to common.Address, amount decimal.Decimal) error {
	return e.transfer(tx, TransactionTypeEscrowRelease,
		EscrowAccountID(channelKey), AccountTypeEscrow,
		WalletAccountID(to), AccountTypeWallet,
		amount)
}

// Credit mints amount into wallet against the treasury account.
func (e *Escrow) Credit(tx *gorm.DB, wallet common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.IsInteger() {
		return ErrInvalidAmount
	}
	ledger := GetLedger(tx)
	if err := ledger.Record(TreasuryAccountID, AccountTypeTreasury, amount.Neg()); err != nil {
		return err
	}
	if err := ledger.Record(WalletAccountID(wallet), AccountTypeWallet, amount); err != nil {
		return err
	}
	_, err := RecordLedgerTransaction(tx, TransactionTypeCredit, TreasuryAccountID, WalletAccountID(wallet), amount)
	return err
}

func (e *Escrow) Balance(tx *gorm.DB, wallet common.Address) (decimal.Decimal, error) {
	return GetLedger(tx).Balance(WalletAccountID(wallet))
}

func (e *Escrow) transfer(tx *gorm.DB, txType TransactionType, from AccountID, fromType AccountType, to AccountID, toType AccountType, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	ledger := GetLedger(tx)
	balance, err := ledger.Balance(from)
	if err != nil {
		return fmt.Errorf("failed to get balance of %s: %w", from, err)
	}
	if balance.LessThan(amount) {
		if fromType == AccountTypeWallet {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("account %s holds %s, cannot release %s", from, balance, amount)
	}

	if err := ledger.Record(from, fromType, amount.Neg()); err != nil {
		return err
	}
	if err := ledger.Record(to, toType, amount); err != nil {
		return err
	}
	if _, err := RecordLedgerTransaction(tx, txType, from, to, amount); err != nil {
		return err
	}
	return nil
}
