package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/rpc"
)

// Channel is an open channel. A non-zero SettleHeight marks a pending
// closing request; the row is deleted when the channel settles.
type Channel struct {
	ChannelKey string `gorm:"column:channel_key;primaryKey"`
	Sender     string `gorm:"column:sender;not null;index:idx_channels_sender"`
	Receiver   string `gorm:"column:receiver;not null;index:idx_channels_receiver"`
	OpenHeight uint32 `gorm:"column:open_height;not null"`
	// type:varchar(78) is set for sqlite which lacks big decimals.
	Deposit        decimal.Decimal `gorm:"column:deposit;type:varchar(78);not null"`
	Withdrawn      decimal.Decimal `gorm:"column:withdrawn;type:varchar(78);not null"`
	ClosingBalance decimal.Decimal `gorm:"column:closing_balance;type:varchar(78);not null"`
	SettleHeight   uint32          `gorm:"column:settle_height;not null;default:0;index:idx_channels_settle_height"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Channel) TableName() string {
	return "channels"
}

func (c Channel) Disputed() bool {
	return c.SettleHeight > 0
}

// Status reports the dispute state of the channel at height.
func (c Channel) Status(height uint32) rpc.ChannelStatus {
	switch {
	case !c.Disputed():
		return rpc.ChannelStatusOpen
	case height <= c.SettleHeight:
		return rpc.ChannelStatusDisputed
	default:
		return rpc.ChannelStatusSettleable
	}
}

func (c Channel) Info(height uint32) rpc.ChannelInfo {
	return rpc.ChannelInfo{
		ChannelKey:     c.ChannelKey,
		Sender:         c.Sender,
		Receiver:       c.Receiver,
		OpenHeight:     c.OpenHeight,
		Deposit:        c.Deposit,
		Withdrawn:      c.Withdrawn,
		ClosingBalance: c.ClosingBalance,
		SettleHeight:   c.SettleHeight,
		Status:         c.Status(height),
	}
}

func CreateChannel(tx *gorm.DB, key common.Hash, sender, receiver common.Address, openHeight uint32, deposit decimal.Decimal) (Channel, error) {
	channel := Channel{
		ChannelKey:     key.Hex(),
		Sender:         sender.Hex(),
		Receiver:       receiver.Hex(),
		OpenHeight:     openHeight,
		Deposit:        deposit,
		Withdrawn:      decimal.Zero,
		ClosingBalance: decimal.Zero,
	}

	if err := tx.Create(&channel).Error; err != nil {
		return Channel{}, fmt.Errorf("failed to create channel: %w", err)
	}
	return channel, nil
}

// GetChannelByKey returns ErrChannelNotFound when no row exists.
func GetChannelByKey(tx *gorm.DB, key common.Hash) (*Channel, error) {
	var channel Channel
	err := tx.Where("channel_key = ?", key.Hex()).First(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", key.Hex(), err)
	}
	return &channel, nil
}

func ChannelExists(tx *gorm.DB, key common.Hash) (bool, error) {
	var count int64
	if err := tx.Model(&Channel{}).Where("channel_key = ?", key.Hex()).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check channel %s: %w", key.Hex(), err)
	}
	return count > 0, nil
}

func SaveChannel(tx *gorm.DB, channel *Channel) error {
	if err := tx.Save(channel).Error; err != nil {
		return fmt.Errorf("failed to update channel %s: %w", channel.ChannelKey, err)
	}
	return nil
}

func deleteChannel(tx *gorm.DB, key string) error {
	res := tx.Where("channel_key = ?", key).Delete(&Channel{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete channel %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// ChannelFilter selects channels by party. Empty fields match everything.
type ChannelFilter struct {
	Sender       string
	Receiver     string
	DisputedOnly bool
}

func ListChannels(tx *gorm.DB, filter ChannelFilter, options *rpc.ListOptions) ([]Channel, error) {
	q := tx.Model(&Channel{})
	if filter.Sender != "" {
		q = q.Where("sender = ?", common.HexToAddress(filter.Sender).Hex())
	}
	if filter.Receiver != "" {
		q = q.Where("receiver = ?", common.HexToAddress(filter.Receiver).Hex())
	}
	if filter.DisputedOnly {
		q = q.Where("settle_height > 0")
	}
	q = applyListOptions(q, "created_at", rpc.SortTypeDescending, options)

	var channels []Channel
	if err := q.Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return channels, nil
}
