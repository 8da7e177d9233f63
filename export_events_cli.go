package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/log"
)

// EventExporter writes the channel event history as CSV.
type EventExporter struct {
	db *gorm.DB
}

func NewEventExporter(db *gorm.DB) *EventExporter {
	return &EventExporter{db: db}
}

func (e *EventExporter) ExportToCSV(writer io.Writer, filter ChannelEventFilter) error {
	events, err := GetChannelEvents(e.db, filter, nil)
	if err != nil {
		return err
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{"ID", "Type", "ChannelKey", "Sender", "Receiver", "Height", "Data", "CreatedAt"}); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}
	for _, ev := range events {
		row := []string{
			strconv.FormatUint(uint64(ev.ID), 10),
			ev.Type.String(),
			ev.ChannelKey,
			ev.Sender,
			ev.Receiver,
			strconv.FormatUint(uint64(ev.Height), 10),
			string(ev.Data),
			ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func runExportEventsCli(logger log.Logger) {
	logger = logger.WithName("export-events")
	if len(os.Args) > 3 {
		logger.Fatal("Usage: custodian export-events [wallet|channelKey]")
	}

	var filter ChannelEventFilter
	name := "all"
	if len(os.Args) > 2 {
		name = os.Args[2]
		if len(name) == 66 {
			filter.ChannelKey = name
		} else {
			filter.Wallet = name
		}
	}

	_, db := setupCli(logger)
	exporter := NewEventExporter(db)
	fileName, err := exportFile(defaultExportDir, fmt.Sprintf("events_%s.csv", name), func(w io.Writer) error {
		return exporter.ExportToCSV(w, filter)
	})
	if err != nil {
		logger.Fatal("failed to export events", "error", err)
	}
	logger.Info("exported events", "file", fileName)
}
