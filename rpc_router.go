package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/rpc"
)

var (
	errMissingSignature = rpc.Errorf("request must be signed")
	errReplayedRequest  = rpc.Errorf("request already processed")
)

type RPCRouter struct {
	Node           rpc.Node
	Config         *Config
	ChannelService *ChannelService
	Heights        HeightSource
	DB             *gorm.DB
	Metrics        *Metrics
	MessageCache   *MessageCache

	validate *validator.Validate
	lg       log.Logger
}

func NewRPCRouter(
	node rpc.Node,
	conf *Config,
	channelService *ChannelService,
	heights HeightSource,
	db *gorm.DB,
	metrics *Metrics,
	logger log.Logger,
) *RPCRouter {
	r := &RPCRouter{
		Node:           node,
		Config:         conf,
		ChannelService: channelService,
		Heights:        heights,
		DB:             db,
		Metrics:        metrics,
		MessageCache:   NewMessageCache(conf.env.MessageExpiry),
		validate:       validator.New(),
		lg:             logger.WithName("rpc-router"),
	}

	r.Node.Use(r.LoggerMiddleware)
	r.Node.Use(r.MetricsMiddleware)
	r.Node.Handle(rpc.GetConfigMethod.String(), r.HandleGetConfig)
	r.Node.Handle(rpc.GetChannelInfoMethod.String(), r.HandleGetChannelInfo)
	r.Node.Handle(rpc.GetChannelsMethod.String(), r.HandleGetChannels)
	r.Node.Handle(rpc.GetBalanceMethod.String(), r.HandleGetBalance)
	r.Node.Handle(rpc.GetChannelEventsMethod.String(), r.HandleGetChannelEvents)

	testModeGroup := r.Node.NewGroup("test_mode")
	testModeGroup.Use(r.TestModeMiddleware)
	testModeGroup.Handle(rpc.AdvanceHeightMethod.String(), r.HandleAdvanceHeight)

	signedGroup := r.Node.NewGroup("signed")
	signedGroup.Use(r.SignerMiddleware)
	signedGroup.Handle(rpc.OpenChannelMethod.String(), r.HandleOpenChannel)
	signedGroup.Handle(rpc.OpenChannelDelegatedMethod.String(), r.HandleOpenChannelDelegated)
	signedGroup.Handle(rpc.TopUpChannelMethod.String(), r.HandleTopUpChannel)
	signedGroup.Handle(rpc.TopUpChannelDelegatedMethod.String(), r.HandleTopUpChannelDelegated)
	signedGroup.Handle(rpc.WithdrawMethod.String(), r.HandleWithdraw)
	signedGroup.Handle(rpc.UncooperativeCloseMethod.String(), r.HandleUncooperativeClose)
	signedGroup.Handle(rpc.SettleMethod.String(), r.HandleSettle)
	signedGroup.Handle(rpc.CooperativeCloseMethod.String(), r.HandleCooperativeClose)

	ownerGroup := signedGroup.NewGroup("owner")
	ownerGroup.Use(r.OwnerMiddleware)
	ownerGroup.Handle(rpc.AddTrustedMethod.String(), r.HandleAddTrusted)
	ownerGroup.Handle(rpc.RemoveTrustedMethod.String(), r.HandleRemoveTrusted)
	ownerGroup.Handle(rpc.CreditWalletMethod.String(), r.HandleCreditWallet)

	return r
}

func (r *RPCRouter) HandleConnect(send rpc.SendResponseFunc) {
	r.Metrics.ConnectionsTotal.Inc()
	r.Metrics.ConnectedClients.Inc()

	config, err := r.configResponse(r.lgContext())
	if err != nil {
		r.lg.Error("failed to prepare config", "error", err)
		return
	}
	params, err := rpc.NewParams(config)
	if err != nil {
		r.lg.Error("failed to prepare config params", "error", err)
		return
	}
	send(rpc.GetConfigMethod.String(), params)
}

func (r *RPCRouter) HandleDisconnect(userID string) {
	r.Metrics.ConnectedClients.Dec()
}

// HandleAuthenticated pushes the open channels of a wallet the first time a
// signed request binds it to a connection.
func (r *RPCRouter) HandleAuthenticated(userID string, send rpc.SendResponseFunc) {
	ctx := r.lgContext()
	asSender, err := r.ChannelService.ListChannels(ctx, ChannelFilter{Sender: userID}, nil)
	if err != nil {
		r.lg.Error("failed to list channels", "userID", userID, "error", err)
		return
	}
	asReceiver, err := r.ChannelService.ListChannels(ctx, ChannelFilter{Receiver: userID}, nil)
	if err != nil {
		r.lg.Error("failed to list channels", "userID", userID, "error", err)
		return
	}

	params, err := rpc.NewParams(rpc.GetChannelsResponse{Channels: append(asSender, asReceiver...)})
	if err != nil {
		r.lg.Error("failed to prepare channels params", "error", err)
		return
	}
	send(rpc.GetChannelsMethod.String(), params)
}

func (r *RPCRouter) HandleMessageSent([]byte) {
	r.Metrics.MessageSent.Inc()
}

func (r *RPCRouter) LoggerMiddleware(c *rpc.Context) {
	logger := r.lg.WithKV("requestID", c.Request.Req.RequestID)
	c.Context = log.SetContextLogger(c.Context, logger)
	logger = log.FromContext(c.Context)

	c.Next()

	if c.Response.Res.Method == rpc.ErrorMethod.String() {
		logger.Warn("failed to handle RPC request",
			"userID", c.UserID,
			"method", c.Request.Req.Method,
			"error", c.Response.Res.Params.Error(),
		)
	}
}

func (r *RPCRouter) MetricsMiddleware(c *rpc.Context) {
	r.Metrics.MessageReceived.Inc()

	method := c.Request.Req.Method
	c.Next()

	status := "success"
	if c.Response.Res.Method == rpc.ErrorMethod.String() {
		status = "failure"
	}
	r.Metrics.RPCRequests.WithLabelValues(method, status).Inc()
}

// SignerMiddleware binds the request to the address that signed it. Each
// signed payload is accepted once within the timestamp expiry window.
func (r *RPCRouter) SignerMiddleware(c *rpc.Context) {
	logger := log.FromContext(c.Context)

	if len(c.Request.Sig) == 0 {
		c.Fail(errMissingSignature, "")
		return
	}
	if err := ValidateTimestamp(c.Request.Req.Timestamp, r.Config.env.MessageExpiry); err != nil {
		c.Fail(rpc.NewError(err), "")
		return
	}

	signers, err := c.Request.GetSigners()
	if err != nil {
		logger.Debug("failed to recover signer", "error", err)
		c.Fail(ErrInvalidSignature, "")
		return
	}

	hash, err := HashRequest(c.Request)
	if err != nil {
		c.Fail(err, "failed to hash request")
		return
	}
	if !r.MessageCache.Add(hash) {
		c.Fail(errReplayedRequest, "")
		return
	}

	c.UserID = signers[0].Hex()
	c.Next()

	// A rejected request may be corrected and signed again with the same
	// payload, so it is not kept in the cache.
	if c.Response.Res.Method == rpc.ErrorMethod.String() {
		r.MessageCache.Remove(hash)
	}
}

func (r *RPCRouter) OwnerMiddleware(c *rpc.Context) {
	if !isSigner(c, r.Config.owner) {
		c.Fail(ErrUnauthorized, "")
		return
	}
	c.Next()
}

func (r *RPCRouter) TestModeMiddleware(c *rpc.Context) {
	if r.Config.env.Mode != ModeTest {
		c.Fail(rpc.Errorf("test mode endpoints are disabled"), "")
		return
	}
	c.Next()
}

// HandleAdvanceHeight moves a manual height source forward.
func (r *RPCRouter) HandleAdvanceHeight(c *rpc.Context) {
	var params rpc.AdvanceHeightRequest
	if err := r.parseParams(c.Request.Req.Params, &params); err != nil {
		c.Fail(err, "")
		return
	}

	manual, ok := r.Heights.(*ManualHeightSource)
	if !ok {
		c.Fail(rpc.Errorf("height source cannot be advanced"), "")
		return
	}
	height := manual.Advance(params.By)
	log.FromContext(c.Context).Info("height advanced", "height", height)

	r.succeed(c, rpc.AdvanceHeightResponse{Height: height})
}

// parseParams decodes params into unmarshalTo and validates it. Failures are
// client-visible.
func (r *RPCRouter) parseParams(params rpc.Params, unmarshalTo any) error {
	if err := params.Translate(unmarshalTo); err != nil {
		return rpc.Errorf("failed to parse parameters: %v", err)
	}
	if err := r.validate.Struct(unmarshalTo); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			fe := validationErrs[0]
			return rpc.Errorf("invalid parameter %s: failed on %s", fe.Field(), fe.Tag())
		}
		return rpc.Errorf("invalid parameters: %v", err)
	}
	return nil
}

// succeed replies with the request method and v as params.
func (r *RPCRouter) succeed(c *rpc.Context, v any) {
	params, err := rpc.NewParams(v)
	if err != nil {
		log.FromContext(c.Context).Error("failed to prepare response", "error", err)
		c.Fail(err, fmt.Sprintf("failed to prepare %s response", c.Request.Req.Method))
		return
	}
	c.Succeed(c.Request.Req.Method, params)
}

func signer(c *rpc.Context) common.Address {
	return common.HexToAddress(c.UserID)
}

func isSigner(c *rpc.Context, addr common.Address) bool {
	return c.UserID != "" && signer(c) == addr
}

func (r *RPCRouter) lgContext() context.Context {
	return log.SetContextLogger(context.Background(), r.lg)
}
