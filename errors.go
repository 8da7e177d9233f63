package main

import (
	"github.com/paylane/custodian/paylane"
	"github.com/paylane/custodian/pkg/rpc"
)

// Channel errors are client-visible: their message reaches the RPC caller.
var (
	ErrDuplicateChannel           = rpc.Errorf("channel already exists")
	ErrChannelNotFound            = rpc.Errorf("channel not found")
	ErrChannelDisputed            = rpc.Errorf("channel is under dispute")
	ErrDepositLimitExceeded       = rpc.Errorf("deposit exceeds the channel ceiling")
	ErrZeroWithdrawal             = rpc.Errorf("withdrawal balance must be positive")
	ErrBalanceExceedsDeposit      = rpc.Errorf("balance exceeds channel deposit")
	ErrStaleOrInvalidBalance      = rpc.Errorf("balance is not greater than the withdrawn amount")
	ErrDisputeAlreadyActive       = rpc.Errorf("closing request already exists")
	ErrNoDisputeActive            = rpc.Errorf("no closing request for channel")
	ErrChallengePeriodStillActive = rpc.Errorf("challenge period has not ended")
	ErrSignatureMismatch          = rpc.Errorf("closing signature does not match receiver")
	ErrInvalidSignature           = rpc.NewError(paylane.ErrInvalidSignature)
	ErrInvalidAmount              = rpc.NewError(paylane.ErrInvalidAmount)
	ErrInvalidChallengePeriod     = rpc.Errorf("challenge period must be at least %d blocks", MinChallengePeriod)
	ErrUntrustedCaller            = rpc.Errorf("caller is not a trusted contract")
	ErrUnauthorized               = rpc.Errorf("caller is not the owner")
	ErrInsufficientFunds          = rpc.Errorf("insufficient funds")
)
