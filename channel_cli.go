package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paylane/custodian/paylane"
	"github.com/paylane/custodian/pkg/log"
)

const cliTimeout = 30 * time.Second

func parseAddressArg(logger log.Logger, name, raw string) common.Address {
	if !common.IsHexAddress(raw) {
		logger.Fatal("invalid address", "arg", name, "value", raw)
	}
	return common.HexToAddress(raw)
}

// runChannelInfoCli prints one channel and its dispute state as JSON.
func runChannelInfoCli(logger log.Logger) {
	logger = logger.WithName("channel-info")
	if len(os.Args) != 5 {
		logger.Fatal("Usage: custodian channel-info <sender> <receiver> <openHeight>")
	}
	sender := parseAddressArg(logger, "sender", os.Args[2])
	receiver := parseAddressArg(logger, "receiver", os.Args[3])
	openHeight, err := strconv.ParseUint(os.Args[4], 10, 32)
	if err != nil {
		logger.Fatal("invalid open height", "value", os.Args[4], "error", err)
	}

	config, db := setupCli(logger)
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	heights, err := newHeightSource(ctx, config)
	if err != nil {
		logger.Fatal("failed to set up height source", "error", err)
	}
	height, err := heights.CurrentHeight(ctx)
	if err != nil {
		logger.Fatal("failed to read height", "error", err)
	}

	channel, err := GetChannelByKey(db.WithContext(ctx), paylane.ChannelKey(sender, receiver, uint32(openHeight)))
	if err != nil {
		logger.Fatal("failed to get channel", "error", err)
	}

	out, err := json.MarshalIndent(channel.Info(height), "", "  ")
	if err != nil {
		logger.Fatal("failed to encode channel", "error", err)
	}
	fmt.Println(string(out))
}

// runCreditCli funds a wallet from the treasury without going through the
// RPC owner check. It needs direct database access.
func runCreditCli(logger log.Logger) {
	logger = logger.WithName("credit")
	if len(os.Args) != 4 {
		logger.Fatal("Usage: custodian credit <wallet> <amount>")
	}
	wallet := parseAddressArg(logger, "wallet", os.Args[2])
	amount, err := decimal.NewFromString(os.Args[3])
	if err != nil {
		logger.Fatal("invalid amount", "value", os.Args[3], "error", err)
	}

	_, db := setupCli(logger)
	balance, err := creditWallet(db, wallet, amount)
	if err != nil {
		logger.Fatal("failed to credit wallet", "error", err)
	}
	logger.Info("wallet credited", "wallet", wallet.Hex(), "amount", amount, "balance", balance)
}

func creditWallet(db *gorm.DB, wallet common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := db.Transaction(func(tx *gorm.DB) error {
		escrow := NewEscrow()
		if err := escrow.Credit(tx, wallet, amount); err != nil {
			return err
		}
		var err error
		balance, err = escrow.Balance(tx, wallet)
		return err
	})
	return balance, err
}

// runTrustedCli lists the delegates allowed to open and top up channels.
func runTrustedCli(logger log.Logger) {
	logger = logger.WithName("trusted")
	_, db := setupCli(logger)

	contracts, err := ListTrustedContracts(db)
	if err != nil {
		logger.Fatal("failed to list trusted contracts", "error", err)
	}
	for _, c := range contracts {
		fmt.Printf("%s\t%s\n", c.Address, c.CreatedAt.UTC().Format(time.RFC3339))
	}
}
