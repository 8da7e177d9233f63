package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/rpc"
)

type ChannelEventType string

const (
	EventChannelCreated        ChannelEventType = "ChannelCreated"
	EventChannelToppedUp       ChannelEventType = "ChannelToppedUp"
	EventChannelCloseRequested ChannelEventType = "ChannelCloseRequested"
	EventChannelSettled        ChannelEventType = "ChannelSettled"
	EventChannelWithdraw       ChannelEventType = "ChannelWithdraw"
	EventTrustedContract       ChannelEventType = "TrustedContract"
)

func (t ChannelEventType) String() string {
	return string(t)
}

// ChannelEvent is one committed state transition. Sender and Receiver are
// kept on the row because the channel itself is gone after settlement.
type ChannelEvent struct {
	ID         uint             `gorm:"primaryKey;column:id"`
	Type       ChannelEventType `gorm:"column:event_type;not null;index:idx_channel_events_type"`
	ChannelKey string           `gorm:"column:channel_key;index:idx_channel_events_key"`
	Sender     string           `gorm:"column:sender;index:idx_channel_events_sender"`
	Receiver   string           `gorm:"column:receiver;index:idx_channel_events_receiver"`
	Height     uint32           `gorm:"column:height;not null"`
	Data       datatypes.JSON   `gorm:"column:data"`
	CreatedAt  time.Time        `gorm:"column:created_at"`
}

func (ChannelEvent) TableName() string {
	return "channel_events"
}

func (e ChannelEvent) Response() rpc.ChannelEvent {
	return rpc.ChannelEvent{
		ID:         e.ID,
		Type:       e.Type.String(),
		ChannelKey: e.ChannelKey,
		Height:     e.Height,
		Data:       json.RawMessage(e.Data),
		CreatedAt:  e.CreatedAt,
	}
}

type ChannelCreatedData struct {
	Sender     string          `json:"sender"`
	Receiver   string          `json:"receiver"`
	OpenHeight uint32          `json:"open_height"`
	Deposit    decimal.Decimal `json:"deposit"`
	// Funder differs from Sender when a trusted contract opened the channel.
	Funder string `json:"funder,omitempty"`
}

type ChannelToppedUpData struct {
	Sender     string          `json:"sender"`
	Receiver   string          `json:"receiver"`
	OpenHeight uint32          `json:"open_height"`
	Added      decimal.Decimal `json:"added"`
	Deposit    decimal.Decimal `json:"deposit"`
	Funder     string          `json:"funder,omitempty"`
}

type ChannelCloseRequestedData struct {
	Sender       string          `json:"sender"`
	Receiver     string          `json:"receiver"`
	OpenHeight   uint32          `json:"open_height"`
	Balance      decimal.Decimal `json:"balance"`
	SettleHeight uint32          `json:"settle_height"`
}

type ChannelSettledData struct {
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver"`
	OpenHeight     uint32          `json:"open_height"`
	Balance        decimal.Decimal `json:"balance"`
	ReceiverPayout decimal.Decimal `json:"receiver_payout"`
	SenderRefund   decimal.Decimal `json:"sender_refund"`
}

type ChannelWithdrawData struct {
	Sender     string          `json:"sender"`
	Receiver   string          `json:"receiver"`
	OpenHeight uint32          `json:"open_height"`
	Balance    decimal.Decimal `json:"balance"`
	Paid       decimal.Decimal `json:"paid"`
}

type TrustedContractData struct {
	Address string `json:"address"`
	Trusted bool   `json:"trusted"`
}

// recordChannelEvent stores an event for channel; channel may be nil for
// events that are not about a channel.
func recordChannelEvent(tx *gorm.DB, eventType ChannelEventType, channel *Channel, height uint32, data any) (*ChannelEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	event := &ChannelEvent{
		Type:      eventType,
		Height:    height,
		Data:      datatypes.JSON(raw),
		CreatedAt: time.Now(),
	}
	if channel != nil {
		event.ChannelKey = channel.ChannelKey
		event.Sender = channel.Sender
		event.Receiver = channel.Receiver
	}

	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("failed to store %s event: %w", eventType, err)
	}
	return event, nil
}

// ChannelEventFilter selects events. Empty fields match everything; Wallet
// matches either party.
type ChannelEventFilter struct {
	ChannelKey string
	Wallet     string
	Type       ChannelEventType
}

func GetChannelEvents(db *gorm.DB, filter ChannelEventFilter, options *rpc.ListOptions) ([]ChannelEvent, error) {
	q := db.Model(&ChannelEvent{})
	if filter.ChannelKey != "" {
		q = q.Where("channel_key = ?", filter.ChannelKey)
	}
	if filter.Wallet != "" {
		wallet := NewAccountID(filter.Wallet).String()
		q = q.Where("sender = ? OR receiver = ?", wallet, wallet)
	}
	if filter.Type != "" {
		q = q.Where("event_type = ?", filter.Type)
	}
	q = applyListOptions(q, "id", rpc.SortTypeAscending, options)

	var events []ChannelEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to get channel events: %w", err)
	}
	return events, nil
}
