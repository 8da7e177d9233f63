package main

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
)

// committedInfo describes a channel as it was right after the transaction
// that returned it. A fresh closing request is always inside its period.
func committedInfo(ch Channel) rpc.ChannelInfo {
	return ch.Info(ch.SettleHeight)
}

func settlementResponse(s Settlement) rpc.SettlementResponse {
	return rpc.SettlementResponse{
		ChannelKey:     s.Channel.ChannelKey,
		Sender:         s.Channel.Sender,
		Receiver:       s.Channel.Receiver,
		OpenHeight:     s.Channel.OpenHeight,
		ReceiverPayout: s.ReceiverPayout,
		SenderRefund:   s.SenderRefund,
	}
}

// HandleOpenChannel opens a channel from the signer to the receiver.
func (r *RPCRouter) HandleOpenChannel(c *rpc.Context) {
	var params rpc.OpenChannelRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	ch, err := r.ChannelService.Open(c.Context, signer(c), common.HexToAddress(params.Receiver), params.Deposit)
	if err != nil {
		c.Fail(err, "failed to open channel")
		return
	}
	log.FromContext(c.Context).Info("channel opened", "key", ch.ChannelKey, "deposit", ch.Deposit)
	r.succeed(c, committedInfo(ch))
}

// HandleOpenChannelDelegated opens a channel for another sender; the signer
// must be trusted and pays the deposit.
func (r *RPCRouter) HandleOpenChannelDelegated(c *rpc.Context) {
	var params rpc.OpenChannelDelegatedRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	ch, err := r.ChannelService.OpenDelegated(c.Context, signer(c),
		common.HexToAddress(params.Sender), common.HexToAddress(params.Receiver), params.Deposit)
	if err != nil {
		c.Fail(err, "failed to open channel")
		return
	}
	log.FromContext(c.Context).Info("channel opened by delegate", "key", ch.ChannelKey, "delegate", c.UserID)
	r.succeed(c, committedInfo(ch))
}

func (r *RPCRouter) HandleTopUpChannel(c *rpc.Context) {
	var params rpc.TopUpChannelRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	ch, err := r.ChannelService.TopUp(c.Context, signer(c), common.HexToAddress(params.Receiver), params.OpenHeight, params.Amount)
	if err != nil {
		c.Fail(err, "failed to top up channel")
		return
	}
	r.succeed(c, committedInfo(ch))
}

func (r *RPCRouter) HandleTopUpChannelDelegated(c *rpc.Context) {
	var params rpc.TopUpChannelDelegatedRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	ch, err := r.ChannelService.TopUpDelegated(c.Context, signer(c),
		common.HexToAddress(params.Sender), common.HexToAddress(params.Receiver), params.OpenHeight, params.Amount)
	if err != nil {
		c.Fail(err, "failed to top up channel")
		return
	}
	r.succeed(c, committedInfo(ch))
}

// HandleWithdraw pays the signing receiver against a sender's balance proof.
func (r *RPCRouter) HandleWithdraw(c *rpc.Context) {
	var params rpc.WithdrawRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	ch, paid, err := r.ChannelService.Withdraw(c.Context, signer(c), params.OpenHeight, params.Balance, params.BalanceSignature)
	if err != nil {
		c.Fail(err, "failed to withdraw")
		return
	}
	log.FromContext(c.Context).Info("withdrawal paid", "key", ch.ChannelKey, "paid", paid)
	r.succeed(c, rpc.WithdrawResponse{Channel: committedInfo(ch), Paid: paid})
}

func (r *RPCRouter) HandleUncooperativeClose(c *rpc.Context) {
	var params rpc.UncooperativeCloseRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	ch, err := r.ChannelService.UncooperativeClose(c.Context, signer(c), common.HexToAddress(params.Receiver), params.OpenHeight, params.Balance)
	if err != nil {
		c.Fail(err, "failed to request close")
		return
	}
	log.FromContext(c.Context).Info("close requested", "key", ch.ChannelKey, "settleHeight", ch.SettleHeight)
	r.succeed(c, committedInfo(ch))
}

func (r *RPCRouter) HandleSettle(c *rpc.Context) {
	var params rpc.SettleRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	settlement, err := r.ChannelService.Settle(c.Context, signer(c), common.HexToAddress(params.Receiver), params.OpenHeight)
	if err != nil {
		c.Fail(err, "failed to settle channel")
		return
	}
	r.succeed(c, settlementResponse(settlement))
}

// HandleCooperativeClose settles on two signed proofs. The request signer
// is only a relayer.
func (r *RPCRouter) HandleCooperativeClose(c *rpc.Context) {
	var params rpc.CooperativeCloseRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	settlement, err := r.ChannelService.CooperativeClose(c.Context, common.HexToAddress(params.Receiver),
		params.OpenHeight, params.Balance, params.BalanceSignature, params.ClosingSignature)
	if err != nil {
		c.Fail(err, "failed to close channel")
		return
	}
	log.FromContext(c.Context).Info("channel closed cooperatively", "key", settlement.Channel.ChannelKey, "relayer", c.UserID)
	r.succeed(c, settlementResponse(settlement))
}

func (r *RPCRouter) HandleAddTrusted(c *rpc.Context) {
	r.handleSetTrusted(c, true)
}

func (r *RPCRouter) HandleRemoveTrusted(c *rpc.Context) {
	r.handleSetTrusted(c, false)
}

func (r *RPCRouter) handleSetTrusted(c *rpc.Context, trusted bool) {
	var params rpc.TrustedRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	address := common.HexToAddress(params.Address)
	var err error
	if trusted {
		_, err = r.ChannelService.AddTrusted(c.Context, signer(c), address)
	} else {
		_, err = r.ChannelService.RemoveTrusted(c.Context, signer(c), address)
	}
	if err != nil {
		c.Fail(err, "failed to update trusted contracts")
		return
	}
	r.succeed(c, rpc.TrustedResponse{Address: address.Hex(), Trusted: trusted})
}

// HandleCreditWallet funds a wallet from the treasury.
func (r *RPCRouter) HandleCreditWallet(c *rpc.Context) {
	var params rpc.CreditWalletRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	wallet := common.HexToAddress(params.Wallet)
	balance, err := r.ChannelService.Credit(c.Context, signer(c), wallet, params.Amount)
	if err != nil {
		c.Fail(err, "failed to credit wallet")
		return
	}
	r.succeed(c, rpc.GetBalanceResponse{Wallet: wallet.Hex(), Balance: balance})
}
