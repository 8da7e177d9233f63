package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/log"
)

const defaultExportDir = "csv_export"

type ExportOptions struct {
	// AccountID is a wallet address or a channel key; empty exports everything.
	AccountID string
	TxType    *TransactionType
	OutputDir string
}

// TransactionExporter writes ledger transactions as CSV.
type TransactionExporter struct {
	db     *gorm.DB
	logger log.Logger
}

func NewTransactionExporter(db *gorm.DB, logger log.Logger) *TransactionExporter {
	return &TransactionExporter{
		db:     db,
		logger: logger.WithName("transaction-exporter"),
	}
}

func (e *TransactionExporter) ExportToCSV(writer io.Writer, options ExportOptions) error {
	transactions, err := GetLedgerTransactions(e.db, NewAccountID(options.AccountID), options.TxType)
	if err != nil {
		return fmt.Errorf("failed to get transactions: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{"ID", "Type", "FromAccount", "ToAccount", "Amount", "CreatedAt"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, tx := range transactions {
		row := []string{
			strconv.FormatUint(uint64(tx.ID), 10),
			tx.Type.String(),
			tx.FromAccount,
			tx.ToAccount,
			tx.Amount.String(),
			tx.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	e.logger.Debug("transactions exported", "count", len(transactions))
	csvWriter.Flush()
	return csvWriter.Error()
}

func (e *TransactionExporter) ExportToFile(options ExportOptions) (string, error) {
	name := options.AccountID
	if name == "" {
		name = "all"
	}
	return exportFile(options.OutputDir, fmt.Sprintf("transactions_%s.csv", name), func(w io.Writer) error {
		return e.ExportToCSV(w, options)
	})
}

// exportFile creates dir/name and hands it to write.
func exportFile(dir, name string, write func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	fileName := filepath.Join(dir, name)
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := write(file); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}
	return fileName, nil
}

func runExportTransactionsCli(logger log.Logger) {
	logger = logger.WithName("export-transactions")
	if len(os.Args) > 4 {
		logger.Fatal("Usage: custodian export-transactions [accountID] [txType]")
	}

	var options ExportOptions
	options.OutputDir = defaultExportDir
	if len(os.Args) > 2 {
		options.AccountID = os.Args[2]
	}
	if len(os.Args) > 3 {
		parsedType, err := parseLedgerTransactionType(os.Args[3])
		if err != nil {
			logger.Fatal("invalid transaction type", "type", os.Args[3], "error", err)
		}
		options.TxType = &parsedType
	}

	_, db := setupCli(logger)
	fileName, err := NewTransactionExporter(db, logger).ExportToFile(options)
	if err != nil {
		logger.Fatal("failed to export transactions", "error", err)
	}
	logger.Info("exported transactions", "file", fileName)
}

// setupCli loads the configuration and connects to the database, exiting on
// failure.
func setupCli(logger log.Logger) (*Config, *gorm.DB) {
	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	db, err := ConnectToDB(config.dbConf, logger)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}
	return config, db
}
