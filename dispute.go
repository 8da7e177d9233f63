package main

import (
	"context"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paylane/custodian/paylane"
	"github.com/paylane/custodian/pkg/sign"
)

// A channel is Open until UncooperativeClose records a closing request,
// Disputed while the height is at or below its settle height, Settleable
// afterwards, and gone once settled.

// UncooperativeClose starts the challenge period for a channel the sender
// wants to close at balance.
func (s *ChannelService) UncooperativeClose(ctx context.Context, sender, receiver common.Address, openHeight uint32, balance decimal.Decimal) (Channel, error) {
	var channel Channel
	err := s.run(ctx, "uncooperative_close", []string{pairLockKey(sender, receiver)}, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		var event *ChannelEvent
		var err error
		channel, event, err = s.uncooperativeClose(tx, height, sender, receiver, openHeight, balance)
		if err != nil {
			return nil, err
		}
		return append(NewChannelEventNotifications(event, ""), NewChannelDisputedNotification(channel, height)), nil
	})
	return channel, err
}

func (s *ChannelService) uncooperativeClose(tx *gorm.DB, height uint32, sender, receiver common.Address, openHeight uint32, balance decimal.Decimal) (Channel, *ChannelEvent, error) {
	if _, err := toBalance(balance); err != nil {
		return Channel{}, nil, err
	}

	channel, err := GetChannelByKey(tx, paylane.ChannelKey(sender, receiver, openHeight))
	if err != nil {
		return Channel{}, nil, err
	}
	if channel.Disputed() {
		return Channel{}, nil, ErrDisputeAlreadyActive
	}
	if balance.GreaterThan(channel.Deposit) {
		return Channel{}, nil, ErrBalanceExceedsDeposit
	}

	settleHeight := uint64(height) + uint64(s.cfg.ChallengePeriod)
	if settleHeight > math.MaxUint32 {
		return Channel{}, nil, fmt.Errorf("settle height %d overflows uint32", settleHeight)
	}
	channel.ClosingBalance = balance
	channel.SettleHeight = uint32(settleHeight)
	if err := SaveChannel(tx, channel); err != nil {
		return Channel{}, nil, err
	}

	event, err := recordChannelEvent(tx, EventChannelCloseRequested, channel, height, ChannelCloseRequestedData{
		Sender:       channel.Sender,
		Receiver:     channel.Receiver,
		OpenHeight:   openHeight,
		Balance:      balance,
		SettleHeight: channel.SettleHeight,
	})
	if err != nil {
		return Channel{}, nil, err
	}
	return *channel, event, nil
}

// Settle closes a channel at its recorded closing balance once the
// challenge period is over.
func (s *ChannelService) Settle(ctx context.Context, sender, receiver common.Address, openHeight uint32) (Settlement, error) {
	var settlement Settlement
	err := s.run(ctx, "settle", []string{pairLockKey(sender, receiver)}, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		channel, err := GetChannelByKey(tx, paylane.ChannelKey(sender, receiver, openHeight))
		if err != nil {
			return nil, err
		}
		if !channel.Disputed() {
			return nil, ErrNoDisputeActive
		}
		if height <= channel.SettleHeight {
			return nil, ErrChallengePeriodStillActive
		}

		var event *ChannelEvent
		settlement, event, err = s.settleChannel(tx, height, sender, receiver, openHeight, channel.ClosingBalance)
		if err != nil {
			return nil, err
		}
		return NewChannelEventNotifications(event, ""), nil
	})
	if err == nil {
		s.recordSettlement(settlement)
	}
	return settlement, err
}

// CooperativeClose settles immediately at a balance both parties signed,
// whether or not a dispute is pending. Anyone may submit it.
func (s *ChannelService) CooperativeClose(ctx context.Context, receiver common.Address, openHeight uint32, balance decimal.Decimal, balanceSig, closingSig sign.Signature) (Settlement, error) {
	sender, err := s.recoverBalanceProofSigner(receiver, openHeight, balance, balanceSig)
	if err != nil {
		s.metrics.RecordOperation("cooperative_close", err)
		return Settlement{}, err
	}
	closingSigner, err := s.recoverClosingSigner(sender, openHeight, balance, closingSig)
	if err != nil {
		s.metrics.RecordOperation("cooperative_close", err)
		return Settlement{}, err
	}
	if closingSigner != receiver {
		s.metrics.RecordOperation("cooperative_close", ErrSignatureMismatch)
		return Settlement{}, ErrSignatureMismatch
	}

	var settlement Settlement
	err = s.run(ctx, "cooperative_close", []string{pairLockKey(sender, receiver)}, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		var event *ChannelEvent
		var err error
		settlement, event, err = s.settleChannel(tx, height, sender, receiver, openHeight, balance)
		if err != nil {
			return nil, err
		}
		return NewChannelEventNotifications(event, ""), nil
	})
	if err == nil {
		s.recordSettlement(settlement)
	}
	return settlement, err
}
