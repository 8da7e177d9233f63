package main

import (
	"context"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paylane/custodian/paylane"
	"github.com/paylane/custodian/pkg/rpc"
	"github.com/paylane/custodian/pkg/sign"
)

type routerEnv struct {
	url     string
	config  *Config
	heights *ManualHeightSource
	service *ChannelService
	router  *RPCRouter
}

// setupTestRouter serves a router over a real websocket node at height 10.
func setupTestRouter(t *testing.T) (*routerEnv, func()) {
	t.Helper()
	db, dbCleanup := setupTestDB(t)

	conf, err := newConfig(testEnvConfig(t), DatabaseConfig{Driver: "sqlite"}, nil)
	require.NoError(t, err)

	heights := NewManualHeightSource(10)
	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
	logger := testLogger()

	var router *RPCRouter
	node, err := rpc.NewWebsocketNode(rpc.WebsocketNodeConfig{
		Signer:                 conf.signer,
		Logger:                 logger,
		OnConnectHandler:       func(send rpc.SendResponseFunc) { router.HandleConnect(send) },
		OnDisconnectHandler:    func(userID string) { router.HandleDisconnect(userID) },
		OnMessageSentHandler:   func(msg []byte) { router.HandleMessageSent(msg) },
		OnAuthenticatedHandler: func(userID string, send rpc.SendResponseFunc) { router.HandleAuthenticated(userID, send) },
	})
	require.NoError(t, err)

	service, err := NewChannelService(db, conf.ChannelServiceConfig(), heights, NewEscrow(), NewWSNotifier(node.Notify, logger), metrics, logger)
	require.NoError(t, err)
	router = NewRPCRouter(node, conf, service, heights, db, metrics, logger)

	server := httptest.NewServer(node)
	env := &routerEnv{
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
		config:  conf,
		heights: heights,
		service: service,
		router:  router,
	}
	return env, func() {
		server.Close()
		dbCleanup()
	}
}

type testClient struct {
	*rpc.Client
	dialer *rpc.WebsocketDialer
	signer sign.Signer
	events chan rpc.Payload
}

func (e *routerEnv) connect(ctx context.Context, t *testing.T, signer sign.Signer) *testClient {
	t.Helper()
	dialer := rpc.NewWebsocketDialer(rpc.WebsocketDialerConfig{
		HandshakeTimeout: time.Second,
		EventChanSize:    16,
	})
	c := &testClient{
		Client: rpc.NewClient(dialer, signer),
		dialer: dialer,
		signer: signer,
		events: make(chan rpc.Payload, 16),
	}
	for _, ev := range []rpc.Event{rpc.ChannelEventNotification, rpc.ChannelDisputedNotification, rpc.ChannelSettleableNotification} {
		c.HandleEvent(ev, func(_ context.Context, p rpc.Payload, _ []sign.Signature) {
			c.events <- p
		})
	}
	require.NoError(t, c.Start(ctx, e.url, func(error) {}))
	return c
}

// waitFor returns the first notification with method, dropping others.
func (c *testClient) waitFor(ctx context.Context, t *testing.T, method rpc.Event) rpc.Payload {
	t.Helper()
	for {
		select {
		case p := <-c.events:
			if p.Method == method.String() {
				return p
			}
		case <-ctx.Done():
			t.Fatalf("no %s notification", method)
			return rpc.Payload{}
		}
	}
}

func TestRPCRouter_ChannelLifecycle(t *testing.T) {
	env, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	senderKey, receiverKey := newTestWallet(t), newTestWallet(t)
	owner := env.connect(ctx, t, env.config.signer)
	sender := env.connect(ctx, t, senderKey)
	receiver := env.connect(ctx, t, receiverKey)

	cfg, _, err := sender.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), cfg.ChallengePeriod)
	assert.Equal(t, uint32(10), cfg.CurrentHeight)
	assert.Equal(t, env.config.verifier.Hex(), cfg.VerifierAddress)

	credited, _, err := owner.CreditWallet(ctx, rpc.CreditWalletRequest{Wallet: senderKey.Address().Hex(), Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, "100", credited.Balance.String())

	info, _, err := sender.OpenChannel(ctx, rpc.OpenChannelRequest{Receiver: receiverKey.Address().Hex(), Deposit: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, uint32(10), info.OpenHeight)
	assert.Equal(t, rpc.ChannelStatusOpen, info.Status)
	assert.Equal(t, paylane.ChannelKey(senderKey.Address(), receiverKey.Address(), 10).Hex(), info.ChannelKey)

	proof, err := paylane.SignBalanceProof(senderKey, receiverKey.Address(), 10, big.NewInt(40), env.config.verifier)
	require.NoError(t, err)
	withdrawn, _, err := receiver.Withdraw(ctx, rpc.WithdrawRequest{OpenHeight: 10, Balance: decimal.NewFromInt(40), BalanceSignature: proof})
	require.NoError(t, err)
	assert.Equal(t, "40", withdrawn.Paid.String())

	closing, _, err := sender.UncooperativeClose(ctx, rpc.UncooperativeCloseRequest{
		Receiver: receiverKey.Address().Hex(), OpenHeight: 10, Balance: decimal.NewFromInt(70),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(510), closing.SettleHeight)
	assert.Equal(t, rpc.ChannelStatusDisputed, closing.Status)

	disputed := receiver.waitFor(ctx, t, rpc.ChannelDisputedNotification)
	var notice rpc.ChannelDisputedNotice
	require.NoError(t, disputed.Params.Translate(&notice))
	assert.Equal(t, info.ChannelKey, notice.Channel.ChannelKey)
	assert.Equal(t, "70", notice.Channel.ClosingBalance.String())

	_, _, err = sender.Settle(ctx, rpc.SettleRequest{Receiver: receiverKey.Address().Hex(), OpenHeight: 10})
	require.Error(t, err)
	assert.Equal(t, ErrChallengePeriodStillActive.Error(), err.Error())

	advanced, _, err := sender.AdvanceHeight(ctx, rpc.AdvanceHeightRequest{By: 501})
	require.NoError(t, err)
	assert.Equal(t, uint32(511), advanced.Height)

	settled, _, err := sender.Settle(ctx, rpc.SettleRequest{Receiver: receiverKey.Address().Hex(), OpenHeight: 10})
	require.NoError(t, err)
	assert.Equal(t, "30", settled.ReceiverPayout.String())
	assert.Equal(t, "30", settled.SenderRefund.String())

	balance, _, err := receiver.GetBalance(ctx, rpc.GetBalanceRequest{Wallet: receiverKey.Address().Hex()})
	require.NoError(t, err)
	assert.Equal(t, "70", balance.Balance.String())

	_, _, err = sender.GetChannelInfo(ctx, rpc.GetChannelInfoRequest{
		Sender: senderKey.Address().Hex(), Receiver: receiverKey.Address().Hex(), OpenHeight: 10,
	})
	require.Error(t, err)
	assert.Equal(t, ErrChannelNotFound.Error(), err.Error())

	events, _, err := sender.GetChannelEvents(ctx, rpc.GetChannelEventsRequest{ChannelKey: info.ChannelKey})
	require.NoError(t, err)
	var types []string
	for _, e := range events.Events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"ChannelCreated", "ChannelWithdraw", "ChannelCloseRequested", "ChannelSettled"}, types)
}

func TestRPCRouter_SignedRequests(t *testing.T) {
	env, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	userKey := newTestWallet(t)
	user := env.connect(ctx, t, userKey)
	receiver := newTestWallet(t).Address().Hex()

	t.Run("missing signature", func(t *testing.T) {
		unsigned := rpc.NewClient(user.dialer, nil)
		_, _, err := unsigned.OpenChannel(ctx, rpc.OpenChannelRequest{Receiver: receiver, Deposit: decimal.NewFromInt(1)})
		require.Error(t, err)
		assert.Equal(t, errMissingSignature.Error(), err.Error())
	})

	t.Run("replayed request", func(t *testing.T) {
		owner := env.connect(ctx, t, env.config.signer)
		payload, err := owner.PreparePayload(rpc.CreditWalletMethod, rpc.CreditWalletRequest{Wallet: userKey.Address().Hex(), Amount: decimal.NewFromInt(5)})
		require.NoError(t, err)
		sig, err := rpc.SignPayload(env.config.signer, payload)
		require.NoError(t, err)

		req := rpc.NewRequest(payload, sig)
		res, err := owner.dialer.Call(ctx, &req)
		require.NoError(t, err)
		require.NoError(t, res.Error())

		req = rpc.NewRequest(payload, sig)
		res, err = owner.dialer.Call(ctx, &req)
		require.NoError(t, err)
		require.Error(t, res.Error())
		assert.Equal(t, errReplayedRequest.Error(), res.Error().Error())

		balance, _, err := user.GetBalance(ctx, rpc.GetBalanceRequest{Wallet: userKey.Address().Hex()})
		require.NoError(t, err)
		assert.Equal(t, "5", balance.Balance.String(), "credited once")
	})

	t.Run("failed request may be resent", func(t *testing.T) {
		payload, err := user.PreparePayload(rpc.OpenChannelMethod, rpc.OpenChannelRequest{Receiver: receiver, Deposit: decimal.NewFromInt(1000)})
		require.NoError(t, err)
		sig, err := rpc.SignPayload(userKey, payload)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			req := rpc.NewRequest(payload, sig)
			res, err := user.dialer.Call(ctx, &req)
			require.NoError(t, err)
			require.Error(t, res.Error())
			assert.Equal(t, ErrInsufficientFunds.Error(), res.Error().Error())
		}
	})

	t.Run("owner only", func(t *testing.T) {
		_, _, err := user.AddTrusted(ctx, rpc.TrustedRequest{Address: receiver})
		require.Error(t, err)
		assert.Equal(t, ErrUnauthorized.Error(), err.Error())

		_, _, err = user.CreditWallet(ctx, rpc.CreditWalletRequest{Wallet: userKey.Address().Hex(), Amount: decimal.NewFromInt(1)})
		require.Error(t, err)
		assert.Equal(t, ErrUnauthorized.Error(), err.Error())
	})

	t.Run("invalid params", func(t *testing.T) {
		_, _, err := user.GetBalance(ctx, rpc.GetBalanceRequest{Wallet: "nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Wallet")

		_, _, err = user.OpenChannel(ctx, rpc.OpenChannelRequest{Deposit: decimal.NewFromInt(1)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Receiver")
	})
}

func TestRPCRouter_Delegation(t *testing.T) {
	env, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	delegateKey, senderKey, receiverKey := newTestWallet(t), newTestWallet(t), newTestWallet(t)
	owner := env.connect(ctx, t, env.config.signer)
	delegate := env.connect(ctx, t, delegateKey)

	_, _, err := owner.CreditWallet(ctx, rpc.CreditWalletRequest{Wallet: delegateKey.Address().Hex(), Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	open := rpc.OpenChannelDelegatedRequest{
		Sender:   senderKey.Address().Hex(),
		Receiver: receiverKey.Address().Hex(),
		Deposit:  decimal.NewFromInt(60),
	}
	_, _, err = delegate.OpenChannelDelegated(ctx, open)
	require.Error(t, err)
	assert.Equal(t, ErrUntrustedCaller.Error(), err.Error())

	trusted, _, err := owner.AddTrusted(ctx, rpc.TrustedRequest{Address: delegateKey.Address().Hex()})
	require.NoError(t, err)
	assert.True(t, trusted.Trusted)

	info, _, err := delegate.OpenChannelDelegated(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, senderKey.Address().Hex(), info.Sender)

	info, _, err = delegate.TopUpChannelDelegated(ctx, rpc.TopUpChannelDelegatedRequest{
		Sender: open.Sender, Receiver: open.Receiver, OpenHeight: 10, Amount: decimal.NewFromInt(40),
	})
	require.NoError(t, err)
	assert.Equal(t, "100", info.Deposit.String())

	channels, _, err := delegate.GetChannels(ctx, rpc.GetChannelsRequest{Sender: open.Sender})
	require.NoError(t, err)
	require.Len(t, channels.Channels, 1)

	balance, _, err := delegate.GetBalance(ctx, rpc.GetBalanceRequest{Wallet: delegateKey.Address().Hex()})
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero())
}

func TestRPCRouter_CooperativeCloseByRelayer(t *testing.T) {
	env, cleanup := setupTestRouter(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	senderKey, receiverKey := newTestWallet(t), newTestWallet(t)
	owner := env.connect(ctx, t, env.config.signer)
	sender := env.connect(ctx, t, senderKey)
	relayer := env.connect(ctx, t, newTestWallet(t))

	_, _, err := owner.CreditWallet(ctx, rpc.CreditWalletRequest{Wallet: senderKey.Address().Hex(), Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, _, err = sender.OpenChannel(ctx, rpc.OpenChannelRequest{Receiver: receiverKey.Address().Hex(), Deposit: decimal.NewFromInt(100)})
	require.NoError(t, err)

	balanceSig, err := paylane.SignBalanceProof(senderKey, receiverKey.Address(), 10, big.NewInt(25), env.config.verifier)
	require.NoError(t, err)
	closingSig, err := paylane.SignClosing(receiverKey, senderKey.Address(), 10, big.NewInt(25), env.config.verifier)
	require.NoError(t, err)

	settled, _, err := relayer.CooperativeClose(ctx, rpc.CooperativeCloseRequest{
		Receiver:         receiverKey.Address().Hex(),
		OpenHeight:       10,
		Balance:          decimal.NewFromInt(25),
		BalanceSignature: balanceSig,
		ClosingSignature: closingSig,
	})
	require.NoError(t, err)
	assert.Equal(t, "25", settled.ReceiverPayout.String())
	assert.Equal(t, "75", settled.SenderRefund.String())
	assert.Equal(t, senderKey.Address().Hex(), settled.Sender)

	event := sender.waitFor(ctx, t, rpc.ChannelEventNotification)
	var ce rpc.ChannelEvent
	require.NoError(t, event.Params.Translate(&ce))
	assert.NotEmpty(t, ce.Type)
}

func TestRPCRouter_TestModeMiddleware(t *testing.T) {
	env := testEnvConfig(t)
	env.Mode = ModeProduction
	env.ChainRPC = "http://localhost:8545"
	conf, err := newConfig(env, DatabaseConfig{Driver: "postgres"}, nil)
	require.NoError(t, err)

	r := &RPCRouter{Config: conf}
	params, err := rpc.NewParams(rpc.AdvanceHeightRequest{By: 1})
	require.NoError(t, err)
	c := &rpc.Context{
		Context: context.Background(),
		Request: rpc.NewRequest(rpc.NewPayload(7, rpc.AdvanceHeightMethod.String(), params)),
	}

	r.TestModeMiddleware(c)
	require.Error(t, c.Response.Error())
	assert.Equal(t, "test mode endpoints are disabled", c.Response.Error().Error())
	assert.Equal(t, uint64(7), c.Response.Res.RequestID)
}
