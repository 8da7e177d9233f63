package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/paylane/custodian/paylane"
	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
	"github.com/paylane/custodian/pkg/sign"
)

// MinChallengePeriod is the shortest dispute window, in heights.
const MinChallengePeriod = 500

var tracer = otel.Tracer("github.com/paylane/custodian")

type ChannelServiceConfig struct {
	ChallengePeriod uint32
	DepositCeiling  decimal.Decimal
	// Verifier is bound into every balance proof and closing confirmation.
	Verifier common.Address
	Owner    common.Address
}

// ChannelService owns the channel lifecycle. Every mutating call holds the
// lock of its (sender, receiver) pair and runs in one database transaction;
// notifications go out only after the transaction commits.
type ChannelService struct {
	db       *gorm.DB
	cfg      ChannelServiceConfig
	heights  HeightSource
	payer    Payer
	notifier *WSNotifier
	metrics  *Metrics
	logger   log.Logger
	locks    *keyedMutex
}

// NewChannelService validates cfg. notifier and metrics may be nil.
func NewChannelService(db *gorm.DB, cfg ChannelServiceConfig, heights HeightSource, payer Payer, notifier *WSNotifier, metrics *Metrics, logger log.Logger) (*ChannelService, error) {
	if cfg.ChallengePeriod < MinChallengePeriod {
		return nil, ErrInvalidChallengePeriod
	}
	if !cfg.DepositCeiling.IsPositive() {
		return nil, fmt.Errorf("deposit ceiling must be positive, got %s", cfg.DepositCeiling)
	}
	if heights == nil || payer == nil {
		return nil, errors.New("height source and payer are required")
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	return &ChannelService{
		db:       db,
		cfg:      cfg,
		heights:  heights,
		payer:    payer,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.WithName("channel-service"),
		locks:    newKeyedMutex(),
	}, nil
}

func (s *ChannelService) Config() ChannelServiceConfig {
	return s.cfg
}

func (s *ChannelService) CurrentHeight(ctx context.Context) (uint32, error) {
	height, err := s.heights.CurrentHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read height: %w", err)
	}
	return height, nil
}

type txFunc func(tx *gorm.DB, height uint32) ([]*Notification, error)

// run takes lockKeys in order, reads the height and executes fn in a
// transaction. Notifications returned by fn are sent after commit.
func (s *ChannelService) run(ctx context.Context, operation string, lockKeys []string, fn txFunc) (err error) {
	ctx, span := tracer.Start(ctx, "channel."+operation)
	defer span.End()
	lg := log.FromContext(log.SetContextLogger(ctx, s.logger.WithKV("operation", operation)))

	defer func() {
		s.metrics.RecordOperation(operation, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			lg.Debug("operation rejected", "error", err)
		}
	}()

	for _, key := range lockKeys {
		unlock := s.locks.Lock(key)
		defer unlock()
	}

	height, err := s.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	if height == 0 {
		return errors.New("height source has not started")
	}
	span.SetAttributes(attribute.Int64("height", int64(height)))

	var notifications []*Notification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		notifications, err = fn(tx, height)
		return err
	})
	if err != nil {
		return err
	}

	lg.Info("operation committed", "height", height)
	s.notifier.Notify(notifications...)
	return nil
}

func pairLockKey(sender, receiver common.Address) string {
	return "channel:" + sender.Hex() + ":" + receiver.Hex()
}

func walletLockKey(wallet common.Address) string {
	return "wallet:" + wallet.Hex()
}

// toBalance converts a non-negative integer amount to the uint192 domain
// used by balance proofs.
func toBalance(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() || !amount.IsInteger() {
		return nil, ErrInvalidAmount
	}
	b := amount.BigInt()
	if !paylane.ValidBalance(b) {
		return nil, ErrInvalidAmount
	}
	return b, nil
}

func (s *ChannelService) checkDeposit(deposit decimal.Decimal) error {
	if !deposit.IsPositive() {
		return ErrInvalidAmount
	}
	if deposit.GreaterThan(s.cfg.DepositCeiling) {
		return ErrDepositLimitExceeded
	}
	if _, err := toBalance(deposit); err != nil {
		return err
	}
	return nil
}

// Open creates a channel from sender to receiver keyed on the current height
// and escrows deposit from the sender's wallet.
func (s *ChannelService) Open(ctx context.Context, sender, receiver common.Address, deposit decimal.Decimal) (Channel, error) {
	return s.openChannel(ctx, "open_channel", sender, sender, receiver, deposit)
}

// OpenDelegated lets a trusted delegate open a channel for sender, paying the
// deposit from the delegate's wallet.
func (s *ChannelService) OpenDelegated(ctx context.Context, delegate, sender, receiver common.Address, deposit decimal.Decimal) (Channel, error) {
	return s.openChannel(ctx, "open_channel_delegated", delegate, sender, receiver, deposit)
}

func (s *ChannelService) openChannel(ctx context.Context, operation string, funder, sender, receiver common.Address, deposit decimal.Decimal) (Channel, error) {
	var channel Channel
	locks := []string{pairLockKey(sender, receiver), walletLockKey(funder)}
	err := s.run(ctx, operation, locks, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		if funder != sender {
			if err := requireTrusted(tx, funder); err != nil {
				return nil, err
			}
		}
		var event *ChannelEvent
		var err error
		channel, event, err = s.open(tx, height, funder, sender, receiver, deposit)
		if err != nil {
			return nil, err
		}
		return NewChannelEventNotifications(event, ""), nil
	})
	return channel, err
}

func (s *ChannelService) open(tx *gorm.DB, height uint32, funder, sender, receiver common.Address, deposit decimal.Decimal) (Channel, *ChannelEvent, error) {
	if err := s.checkDeposit(deposit); err != nil {
		return Channel{}, nil, err
	}

	key := paylane.ChannelKey(sender, receiver, height)
	exists, err := ChannelExists(tx, key)
	if err != nil {
		return Channel{}, nil, err
	}
	if exists {
		return Channel{}, nil, ErrDuplicateChannel
	}

	channel, err := CreateChannel(tx, key, sender, receiver, height, deposit)
	if err != nil {
		return Channel{}, nil, err
	}
	if err := s.payer.Lock(tx, funder, key, deposit); err != nil {
		return Channel{}, nil, err
	}

	data := ChannelCreatedData{
		Sender:     channel.Sender,
		Receiver:   channel.Receiver,
		OpenHeight: height,
		Deposit:    deposit,
	}
	if funder != sender {
		data.Funder = funder.Hex()
	}
	event, err := recordChannelEvent(tx, EventChannelCreated, &channel, height, data)
	if err != nil {
		return Channel{}, nil, err
	}
	return channel, event, nil
}

// TopUp adds amount to the deposit of an undisputed channel.
func (s *ChannelService) TopUp(ctx context.Context, sender, receiver common.Address, openHeight uint32, amount decimal.Decimal) (Channel, error) {
	return s.topUpChannel(ctx, "top_up_channel", sender, sender, receiver, openHeight, amount)
}

func (s *ChannelService) TopUpDelegated(ctx context.Context, delegate, sender, receiver common.Address, openHeight uint32, amount decimal.Decimal) (Channel, error) {
	return s.topUpChannel(ctx, "top_up_channel_delegated", delegate, sender, receiver, openHeight, amount)
}

func (s *ChannelService) topUpChannel(ctx context.Context, operation string, funder, sender, receiver common.Address, openHeight uint32, amount decimal.Decimal) (Channel, error) {
	var channel Channel
	locks := []string{pairLockKey(sender, receiver), walletLockKey(funder)}
	err := s.run(ctx, operation, locks, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		if funder != sender {
			if err := requireTrusted(tx, funder); err != nil {
				return nil, err
			}
		}
		var event *ChannelEvent
		var err error
		channel, event, err = s.topUp(tx, height, funder, sender, receiver, openHeight, amount)
		if err != nil {
			return nil, err
		}
		return NewChannelEventNotifications(event, ""), nil
	})
	return channel, err
}

func (s *ChannelService) topUp(tx *gorm.DB, height uint32, funder, sender, receiver common.Address, openHeight uint32, amount decimal.Decimal) (Channel, *ChannelEvent, error) {
	if !amount.IsPositive() || !amount.IsInteger() {
		return Channel{}, nil, ErrInvalidAmount
	}
	if openHeight == 0 {
		return Channel{}, nil, ErrChannelNotFound
	}

	key := paylane.ChannelKey(sender, receiver, openHeight)
	channel, err := GetChannelByKey(tx, key)
	if err != nil {
		return Channel{}, nil, err
	}
	if channel.Disputed() {
		return Channel{}, nil, ErrChannelDisputed
	}

	deposit := channel.Deposit.Add(amount)
	if err := s.checkDeposit(deposit); err != nil {
		return Channel{}, nil, err
	}

	channel.Deposit = deposit
	if err := SaveChannel(tx, channel); err != nil {
		return Channel{}, nil, err
	}
	if err := s.payer.Lock(tx, funder, key, amount); err != nil {
		return Channel{}, nil, err
	}

	data := ChannelToppedUpData{
		Sender:     channel.Sender,
		Receiver:   channel.Receiver,
		OpenHeight: openHeight,
		Added:      amount,
		Deposit:    deposit,
	}
	if funder != sender {
		data.Funder = funder.Hex()
	}
	event, err := recordChannelEvent(tx, EventChannelToppedUp, channel, height, data)
	if err != nil {
		return Channel{}, nil, err
	}
	return *channel, event, nil
}

// Withdraw pays receiver the part of balance not yet withdrawn. The sender
// is whoever signed the balance proof.
func (s *ChannelService) Withdraw(ctx context.Context, receiver common.Address, openHeight uint32, balance decimal.Decimal, balanceSig sign.Signature) (Channel, decimal.Decimal, error) {
	if balance.Sign() <= 0 {
		s.metrics.RecordOperation("withdraw", ErrZeroWithdrawal)
		return Channel{}, decimal.Zero, ErrZeroWithdrawal
	}
	sender, err := s.recoverBalanceProofSigner(receiver, openHeight, balance, balanceSig)
	if err != nil {
		s.metrics.RecordOperation("withdraw", err)
		return Channel{}, decimal.Zero, err
	}

	var channel Channel
	var paid decimal.Decimal
	err = s.run(ctx, "withdraw", []string{pairLockKey(sender, receiver)}, func(tx *gorm.DB, height uint32) ([]*Notification, error) {
		var event *ChannelEvent
		var err error
		channel, paid, event, err = s.withdraw(tx, height, sender, receiver, openHeight, balance)
		if err != nil {
			return nil, err
		}
		return NewChannelEventNotifications(event, ""), nil
	})
	if err == nil {
		s.metrics.RecordPayout("withdrawal", paid)
	}
	return channel, paid, err
}

func (s *ChannelService) withdraw(tx *gorm.DB, height uint32, sender, receiver common.Address, openHeight uint32, balance decimal.Decimal) (Channel, decimal.Decimal, *ChannelEvent, error) {
	if balance.Sign() <= 0 {
		return Channel{}, decimal.Zero, nil, ErrZeroWithdrawal
	}

	key := paylane.ChannelKey(sender, receiver, openHeight)
	channel, err := GetChannelByKey(tx, key)
	if err != nil {
		return Channel{}, decimal.Zero, nil, err
	}
	if channel.Disputed() {
		return Channel{}, decimal.Zero, nil, ErrChannelDisputed
	}
	if balance.GreaterThan(channel.Deposit) {
		return Channel{}, decimal.Zero, nil, ErrBalanceExceedsDeposit
	}
	if !balance.GreaterThan(channel.Withdrawn) {
		return Channel{}, decimal.Zero, nil, ErrStaleOrInvalidBalance
	}

	paid := balance.Sub(channel.Withdrawn)
	channel.Withdrawn = balance
	if err := SaveChannel(tx, channel); err != nil {
		return Channel{}, decimal.Zero, nil, err
	}
	if err := s.payer.Pay(tx, key, receiver, paid); err != nil {
		return Channel{}, decimal.Zero, nil, err
	}

	event, err := recordChannelEvent(tx, EventChannelWithdraw, channel, height, ChannelWithdrawData{
		Sender:     channel.Sender,
		Receiver:   channel.Receiver,
		OpenHeight: openHeight,
		Balance:    balance,
		Paid:       paid,
	})
	if err != nil {
		return Channel{}, decimal.Zero, nil, err
	}
	return *channel, paid, event, nil
}

func (s *ChannelService) recoverBalanceProofSigner(receiver common.Address, openHeight uint32, balance decimal.Decimal, sig sign.Signature) (common.Address, error) {
	b, err := toBalance(balance)
	if err != nil {
		return common.Address{}, err
	}
	sender, err := paylane.RecoverBalanceProofSigner(receiver, openHeight, b, s.cfg.Verifier, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return sender, nil
}

func (s *ChannelService) recoverClosingSigner(sender common.Address, openHeight uint32, balance decimal.Decimal, sig sign.Signature) (common.Address, error) {
	b, err := toBalance(balance)
	if err != nil {
		return common.Address{}, err
	}
	receiver, err := paylane.RecoverClosingSigner(sender, openHeight, b, s.cfg.Verifier, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return receiver, nil
}

func requireTrusted(tx *gorm.DB, caller common.Address) error {
	trusted, err := IsTrusted(tx, caller)
	if err != nil {
		return err
	}
	if !trusted {
		return ErrUntrustedCaller
	}
	return nil
}

// GetChannelInfo returns the channel with its dispute state at the current height.
func (s *ChannelService) GetChannelInfo(ctx context.Context, sender, receiver common.Address, openHeight uint32) (rpc.ChannelInfo, error) {
	height, err := s.CurrentHeight(ctx)
	if err != nil {
		return rpc.ChannelInfo{}, err
	}
	channel, err := GetChannelByKey(s.db.WithContext(ctx), paylane.ChannelKey(sender, receiver, openHeight))
	if err != nil {
		return rpc.ChannelInfo{}, err
	}
	return channel.Info(height), nil
}

func (s *ChannelService) ListChannels(ctx context.Context, filter ChannelFilter, options *rpc.ListOptions) ([]rpc.ChannelInfo, error) {
	height, err := s.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := ListChannels(s.db.WithContext(ctx), filter, options)
	if err != nil {
		return nil, err
	}

	infos := make([]rpc.ChannelInfo, len(channels))
	for i, ch := range channels {
		infos[i] = ch.Info(height)
	}
	return infos, nil
}

func (s *ChannelService) Balance(ctx context.Context, wallet common.Address) (decimal.Decimal, error) {
	return GetLedger(s.db.WithContext(ctx)).Balance(WalletAccountID(wallet))
}

// Credit lets the owner fund a wallet from the treasury.
func (s *ChannelService) Credit(ctx context.Context, caller, wallet common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if caller != s.cfg.Owner {
		s.metrics.RecordOperation("credit_wallet", ErrUnauthorized)
		return decimal.Zero, ErrUnauthorized
	}

	var balance decimal.Decimal
	err := s.run(ctx, "credit_wallet", nil, func(tx *gorm.DB, _ uint32) ([]*Notification, error) {
		if err := NewEscrow().Credit(tx, wallet, amount); err != nil {
			return nil, err
		}
		var err error
		balance, err = GetLedger(tx).Balance(WalletAccountID(wallet))
		return nil, err
	})
	return balance, err
}
