package main

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
)

func (r *RPCRouter) configResponse(ctx context.Context) (rpc.GetConfigResponse, error) {
	height, err := r.ChannelService.CurrentHeight(ctx)
	if err != nil {
		return rpc.GetConfigResponse{}, err
	}
	cfg := r.ChannelService.Config()
	return rpc.GetConfigResponse{
		VerifierAddress: cfg.Verifier.Hex(),
		OwnerAddress:    cfg.Owner.Hex(),
		ChallengePeriod: cfg.ChallengePeriod,
		DepositCeiling:  cfg.DepositCeiling,
		CurrentHeight:   height,
	}, nil
}

// HandleGetConfig returns the channel parameters and the current height.
func (r *RPCRouter) HandleGetConfig(c *rpc.Context) {
	config, err := r.configResponse(c.Context)
	if err != nil {
		log.FromContext(c.Context).Error("failed to read config", "error", err)
		c.Fail(err, "failed to read config")
		return
	}
	r.succeed(c, config)
}

func (r *RPCRouter) HandleGetChannelInfo(c *rpc.Context) {
	var params rpc.GetChannelInfoRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	info, err := r.ChannelService.GetChannelInfo(c.Context,
		common.HexToAddress(params.Sender), common.HexToAddress(params.Receiver), params.OpenHeight)
	if err != nil {
		c.Fail(err, "failed to get channel")
		return
	}
	r.succeed(c, info)
}

// HandleGetChannels lists channels, optionally filtered by either party.
func (r *RPCRouter) HandleGetChannels(c *rpc.Context) {
	var params rpc.GetChannelsRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	channels, err := r.ChannelService.ListChannels(c.Context, ChannelFilter{
		Sender:   params.Sender,
		Receiver: params.Receiver,
	}, &params.ListOptions)
	if err != nil {
		log.FromContext(c.Context).Error("failed to list channels", "error", err)
		c.Fail(err, "failed to list channels")
		return
	}
	r.succeed(c, rpc.GetChannelsResponse{Channels: channels})
}

func (r *RPCRouter) HandleGetBalance(c *rpc.Context) {
	var params rpc.GetBalanceRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	wallet := common.HexToAddress(params.Wallet)
	balance, err := r.ChannelService.Balance(c.Context, wallet)
	if err != nil {
		log.FromContext(c.Context).Error("failed to get balance", "wallet", wallet, "error", err)
		c.Fail(err, "failed to get balance")
		return
	}
	r.succeed(c, rpc.GetBalanceResponse{Wallet: wallet.Hex(), Balance: balance})
}

// HandleGetChannelEvents returns the event history, oldest first by default.
func (r *RPCRouter) HandleGetChannelEvents(c *rpc.Context) {
	var params rpc.GetChannelEventsRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	events, err := GetChannelEvents(r.DB.WithContext(c.Context), ChannelEventFilter{
		ChannelKey: params.ChannelKey,
		Wallet:     params.Wallet,
		Type:       ChannelEventType(params.Type),
	}, &params.ListOptions)
	if err != nil {
		log.FromContext(c.Context).Error("failed to get channel events", "error", err)
		c.Fail(err, "failed to get channel events")
		return
	}

	resp := make([]rpc.ChannelEvent, 0, len(events))
	for _, e := range events {
		resp = append(resp, e.Response())
	}
	r.succeed(c, rpc.GetChannelEventsResponse{Events: resp})
}
