package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paylane/custodian/paylane"
)

// Settlement is the outcome of closing a channel.
type Settlement struct {
	Channel        Channel
	Balance        decimal.Decimal
	ReceiverPayout decimal.Decimal
	SenderRefund   decimal.Decimal
}

// settleChannel is the only code path that deletes a channel. It removes the
// row and its closing request before paying the receiver and then the
// sender, so a payer that calls back into the service finds no channel.
func (s *ChannelService) settleChannel(tx *gorm.DB, height uint32, sender, receiver common.Address, openHeight uint32, balance decimal.Decimal) (Settlement, *ChannelEvent, error) {
	key := paylane.ChannelKey(sender, receiver, openHeight)
	channel, err := GetChannelByKey(tx, key)
	if err != nil {
		return Settlement{}, nil, err
	}
	if balance.GreaterThan(channel.Deposit) {
		return Settlement{}, nil, ErrBalanceExceedsDeposit
	}
	if channel.Withdrawn.GreaterThan(balance) {
		return Settlement{}, nil, ErrStaleOrInvalidBalance
	}

	settlement := Settlement{
		Channel:        *channel,
		Balance:        balance,
		ReceiverPayout: balance.Sub(channel.Withdrawn),
		SenderRefund:   channel.Deposit.Sub(balance),
	}

	if err := deleteChannel(tx, channel.ChannelKey); err != nil {
		return Settlement{}, nil, err
	}
	if err := s.payer.Pay(tx, key, receiver, settlement.ReceiverPayout); err != nil {
		return Settlement{}, nil, err
	}
	if err := s.payer.Pay(tx, key, sender, settlement.SenderRefund); err != nil {
		return Settlement{}, nil, err
	}

	event, err := recordChannelEvent(tx, EventChannelSettled, channel, height, ChannelSettledData{
		Sender:         channel.Sender,
		Receiver:       channel.Receiver,
		OpenHeight:     openHeight,
		Balance:        balance,
		ReceiverPayout: settlement.ReceiverPayout,
		SenderRefund:   settlement.SenderRefund,
	})
	if err != nil {
		return Settlement{}, nil, err
	}
	return settlement, event, nil
}

func (s *ChannelService) recordSettlement(settlement Settlement) {
	s.metrics.RecordPayout("receiver", settlement.ReceiverPayout)
	s.metrics.RecordPayout("refund", settlement.SenderRefund)
}
