package rpc

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/sign"
)

// Client is a typed wrapper over a Dialer. Mutating calls are signed with
// the client's signer; every response's node signature is returned to the
// caller for verification.
type Client struct {
	dialer Dialer
	signer sign.Signer

	mu       sync.RWMutex
	handlers map[Event]EventHandler
}

// EventHandler receives notifications of one event type.
type EventHandler func(ctx context.Context, notification Payload, sig []sign.Signature)

// NewClient returns a client; signer may be nil for read-only use.
func NewClient(dialer Dialer, signer sign.Signer) *Client {
	return &Client{dialer: dialer, signer: signer, handlers: make(map[Event]EventHandler)}
}

// Start connects to url and dispatches notifications until the connection
// closes or ctx is cancelled.
func (c *Client) Start(ctx context.Context, url string, handleClosure func(err error)) error {
	ctx, cancel := context.WithCancel(ctx)
	closure := func(err error) {
		cancel()
		handleClosure(err)
	}
	if err := c.dialer.Dial(ctx, url, closure); err != nil {
		cancel()
		return err
	}
	go c.listenEvents(ctx)
	return nil
}

func (c *Client) HandleEvent(event Event, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *Client) listenEvents(ctx context.Context) {
	lg := log.FromContext(ctx)
	events := c.dialer.EventCh()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev == nil {
				continue
			}
			c.mu.RLock()
			h, ok := c.handlers[Event(ev.Res.Method)]
			c.mu.RUnlock()
			if !ok {
				lg.Debug("unhandled event", "method", ev.Res.Method)
				continue
			}
			h(ctx, ev.Res, ev.Sig)
		}
	}
}

func (c *Client) Ping(ctx context.Context) ([]sign.Signature, error) {
	res, err := c.call(ctx, PingMethod, nil, false)
	if err != nil {
		return nil, err
	}
	return res.Sig, nil
}

func (c *Client) GetConfig(ctx context.Context) (GetConfigResponse, []sign.Signature, error) {
	var out GetConfigResponse
	sig, err := c.callInto(ctx, GetConfigMethod, nil, false, &out)
	return out, sig, err
}

func (c *Client) GetChannelInfo(ctx context.Context, req GetChannelInfoRequest) (ChannelInfo, []sign.Signature, error) {
	var out ChannelInfo
	sig, err := c.callInto(ctx, GetChannelInfoMethod, req, false, &out)
	return out, sig, err
}

func (c *Client) GetChannels(ctx context.Context, req GetChannelsRequest) (GetChannelsResponse, []sign.Signature, error) {
	var out GetChannelsResponse
	sig, err := c.callInto(ctx, GetChannelsMethod, req, false, &out)
	return out, sig, err
}

func (c *Client) GetBalance(ctx context.Context, req GetBalanceRequest) (GetBalanceResponse, []sign.Signature, error) {
	var out GetBalanceResponse
	sig, err := c.callInto(ctx, GetBalanceMethod, req, false, &out)
	return out, sig, err
}

func (c *Client) GetChannelEvents(ctx context.Context, req GetChannelEventsRequest) (GetChannelEventsResponse, []sign.Signature, error) {
	var out GetChannelEventsResponse
	sig, err := c.callInto(ctx, GetChannelEventsMethod, req, false, &out)
	return out, sig, err
}

func (c *Client) OpenChannel(ctx context.Context, req OpenChannelRequest) (ChannelInfo, []sign.Signature, error) {
	var out ChannelInfo
	sig, err := c.callInto(ctx, OpenChannelMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) OpenChannelDelegated(ctx context.Context, req OpenChannelDelegatedRequest) (ChannelInfo, []sign.Signature, error) {
	var out ChannelInfo
	sig, err := c.callInto(ctx, OpenChannelDelegatedMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) TopUpChannel(ctx context.Context, req TopUpChannelRequest) (ChannelInfo, []sign.Signature, error) {
	var out ChannelInfo
	sig, err := c.callInto(ctx, TopUpChannelMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) TopUpChannelDelegated(ctx context.Context, req TopUpChannelDelegatedRequest) (ChannelInfo, []sign.Signature, error) {
	var out ChannelInfo
	sig, err := c.callInto(ctx, TopUpChannelDelegatedMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResponse, []sign.Signature, error) {
	var out WithdrawResponse
	sig, err := c.callInto(ctx, WithdrawMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) UncooperativeClose(ctx context.Context, req UncooperativeCloseRequest) (ChannelInfo, []sign.Signature, error) {
	var out ChannelInfo
	sig, err := c.callInto(ctx, UncooperativeCloseMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) Settle(ctx context.Context, req SettleRequest) (SettlementResponse, []sign.Signature, error) {
	var out SettlementResponse
	sig, err := c.callInto(ctx, SettleMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) CooperativeClose(ctx context.Context, req CooperativeCloseRequest) (SettlementResponse, []sign.Signature, error) {
	var out SettlementResponse
	sig, err := c.callInto(ctx, CooperativeCloseMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) AddTrusted(ctx context.Context, req TrustedRequest) (TrustedResponse, []sign.Signature, error) {
	var out TrustedResponse
	sig, err := c.callInto(ctx, AddTrustedMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) RemoveTrusted(ctx context.Context, req TrustedRequest) (TrustedResponse, []sign.Signature, error) {
	var out TrustedResponse
	sig, err := c.callInto(ctx, RemoveTrustedMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) CreditWallet(ctx context.Context, req CreditWalletRequest) (GetBalanceResponse, []sign.Signature, error) {
	var out GetBalanceResponse
	sig, err := c.callInto(ctx, CreditWalletMethod, req, true, &out)
	return out, sig, err
}

func (c *Client) AdvanceHeight(ctx context.Context, req AdvanceHeightRequest) (AdvanceHeightResponse, []sign.Signature, error) {
	var out AdvanceHeightResponse
	sig, err := c.callInto(ctx, AdvanceHeightMethod, req, false, &out)
	return out, sig, err
}

func (c *Client) callInto(ctx context.Context, method Method, reqParams any, signed bool, out any) ([]sign.Signature, error) {
	res, err := c.call(ctx, method, reqParams, signed)
	if err != nil {
		return nil, err
	}
	if err := res.Res.Params.Translate(out); err != nil {
		return res.Sig, err
	}
	return res.Sig, nil
}

func (c *Client) call(ctx context.Context, method Method, reqParams any, signed bool) (*Response, error) {
	payload, err := c.PreparePayload(method, reqParams)
	if err != nil {
		return nil, err
	}

	req := NewRequest(payload)
	if signed && c.signer != nil {
		sig, err := SignPayload(c.signer, payload)
		if err != nil {
			return nil, err
		}
		req.Sig = []sign.Signature{sig}
	}

	res, err := c.dialer.Call(ctx, &req)
	if err != nil {
		return nil, err
	}
	if err := res.Error(); err != nil {
		return nil, err
	}
	return res, nil
}

// PreparePayload builds a payload with a random request ID.
func (c *Client) PreparePayload(method Method, reqParams any) (Payload, error) {
	params, err := NewParams(reqParams)
	if err != nil {
		return Payload{}, err
	}
	return NewPayload(uint64(uuid.New().ID()), method.String(), params), nil
}
