// Package rpc is the websocket transport of the custodian node and the typed
// client for it.
//
// Every message is a JSON object holding a payload array and signatures:
//
//	{"req": [request_id, method, params, ts], "sig": ["0x..."]}
//	{"res": [request_id, method, params, ts], "sig": ["0x..."]}
//
// Requests that change channel state are signed by the acting account; the
// node signs every response and notification with its own key.
package rpc

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paylane/custodian/pkg/sign"
)

type Method string

func (m Method) String() string { return string(m) }

const (
	PingMethod  Method = "ping"
	PongMethod  Method = "pong"
	ErrorMethod Method = "error"

	GetConfigMethod        Method = "get_config"
	GetChannelInfoMethod   Method = "get_channel_info"
	GetChannelsMethod      Method = "get_channels"
	GetBalanceMethod       Method = "get_balance"
	GetChannelEventsMethod Method = "get_channel_events"

	// Signed by the sender.
	OpenChannelMethod        Method = "open_channel"
	TopUpChannelMethod       Method = "top_up_channel"
	UncooperativeCloseMethod Method = "uncooperative_close"
	SettleMethod             Method = "settle"
	// Signed by a trusted delegate.
	OpenChannelDelegatedMethod  Method = "open_channel_delegated"
	TopUpChannelDelegatedMethod Method = "top_up_channel_delegated"
	// Signed by the receiver.
	WithdrawMethod Method = "withdraw"
	// Signed by anyone; the proofs carry the identities.
	CooperativeCloseMethod Method = "cooperative_close"
	// Signed by the owner.
	AddTrustedMethod    Method = "add_trusted"
	RemoveTrustedMethod Method = "remove_trusted"
	CreditWalletMethod  Method = "credit_wallet"

	// Test mode only.
	AdvanceHeightMethod Method = "advance_height"
)

// Event is the method of a notification.
type Event string

func (e Event) String() string { return string(e) }

const (
	// ChannelEventNotification carries every committed channel transition.
	ChannelEventNotification Event = "ce"
	// ChannelDisputedNotification tells a receiver an uncooperative close started.
	ChannelDisputedNotification Event = "cd"
	// ChannelSettleableNotification tells a sender the challenge period is over.
	ChannelSettleableNotification Event = "cs"
)

type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

// ToString returns the SQL keyword for the sort order.
func (s SortType) ToString() string {
	return strings.ToUpper(string(s))
}

type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty"`
	Sort   *SortType `json:"sort,omitempty" validate:"omitempty,oneof=asc desc"`
}

type ChannelStatus string

const (
	ChannelStatusOpen       ChannelStatus = "open"
	ChannelStatusDisputed   ChannelStatus = "disputed"
	ChannelStatusSettleable ChannelStatus = "settleable"
)

type GetConfigResponse struct {
	VerifierAddress string          `json:"verifier_address"`
	OwnerAddress    string          `json:"owner_address"`
	ChallengePeriod uint32          `json:"challenge_period"`
	DepositCeiling  decimal.Decimal `json:"deposit_ceiling"`
	CurrentHeight   uint32          `json:"current_height"`
}

type ChannelInfo struct {
	ChannelKey     string          `json:"channel_key"`
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver"`
	OpenHeight     uint32          `json:"open_height"`
	Deposit        decimal.Decimal `json:"deposit"`
	Withdrawn      decimal.Decimal `json:"withdrawn"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	SettleHeight   uint32          `json:"settle_height"`
	Status         ChannelStatus   `json:"status"`
}

type GetChannelInfoRequest struct {
	Sender     string `json:"sender" validate:"required,eth_addr"`
	Receiver   string `json:"receiver" validate:"required,eth_addr"`
	OpenHeight uint32 `json:"open_height" validate:"required"`
}

type GetChannelsRequest struct {
	ListOptions
	Sender   string `json:"sender,omitempty" validate:"omitempty,eth_addr"`
	Receiver string `json:"receiver,omitempty" validate:"omitempty,eth_addr"`
}

type GetChannelsResponse struct {
	Channels []ChannelInfo `json:"channels"`
}

type GetBalanceRequest struct {
	Wallet string `json:"wallet" validate:"required,eth_addr"`
}

type GetBalanceResponse struct {
	Wallet  string          `json:"wallet"`
	Balance decimal.Decimal `json:"balance"`
}

type GetChannelEventsRequest struct {
	ListOptions
	ChannelKey string `json:"channel_key,omitempty" validate:"omitempty,len=66,startswith=0x"`
	Wallet     string `json:"wallet,omitempty" validate:"omitempty,eth_addr"`
	Type       string `json:"type,omitempty"`
}

type ChannelEvent struct {
	ID         uint            `json:"id"`
	Type       string          `json:"type"`
	ChannelKey string          `json:"channel_key,omitempty"`
	Height     uint32          `json:"height"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

type GetChannelEventsResponse struct {
	Events []ChannelEvent `json:"events"`
}

type OpenChannelRequest struct {
	Receiver string          `json:"receiver" validate:"required,eth_addr"`
	Deposit  decimal.Decimal `json:"deposit"`
}

type OpenChannelDelegatedRequest struct {
	Sender   string          `json:"sender" validate:"required,eth_addr"`
	Receiver string          `json:"receiver" validate:"required,eth_addr"`
	Deposit  decimal.Decimal `json:"deposit"`
}

type TopUpChannelRequest struct {
	Receiver   string          `json:"receiver" validate:"required,eth_addr"`
	OpenHeight uint32          `json:"open_height"`
	Amount     decimal.Decimal `json:"amount"`
}

type TopUpChannelDelegatedRequest struct {
	Sender     string          `json:"sender" validate:"required,eth_addr"`
	Receiver   string          `json:"receiver" validate:"required,eth_addr"`
	OpenHeight uint32          `json:"open_height"`
	Amount     decimal.Decimal `json:"amount"`
}

type WithdrawRequest struct {
	OpenHeight       uint32          `json:"open_height" validate:"required"`
	Balance          decimal.Decimal `json:"balance"`
	BalanceSignature sign.Signature  `json:"balance_signature" validate:"required"`
}

type WithdrawResponse struct {
	Channel ChannelInfo     `json:"channel"`
	Paid    decimal.Decimal `json:"paid"`
}

type UncooperativeCloseRequest struct {
	Receiver   string          `json:"receiver" validate:"required,eth_addr"`
	OpenHeight uint32          `json:"open_height" validate:"required"`
	Balance    decimal.Decimal `json:"balance"`
}

type SettleRequest struct {
	Receiver   string `json:"receiver" validate:"required,eth_addr"`
	OpenHeight uint32 `json:"open_height" validate:"required"`
}

type CooperativeCloseRequest struct {
	Receiver         string          `json:"receiver" validate:"required,eth_addr"`
	OpenHeight       uint32          `json:"open_height" validate:"required"`
	Balance          decimal.Decimal `json:"balance"`
	BalanceSignature sign.Signature  `json:"balance_signature" validate:"required"`
	ClosingSignature sign.Signature  `json:"closing_signature" validate:"required"`
}

type SettlementResponse struct {
	ChannelKey     string          `json:"channel_key"`
	Sender         string          `json:"sender"`
	Receiver       string          `json:"receiver"`
	OpenHeight     uint32          `json:"open_height"`
	ReceiverPayout decimal.Decimal `json:"receiver_payout"`
	SenderRefund   decimal.Decimal `json:"sender_refund"`
}

type TrustedRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

type TrustedResponse struct {
	Address string `json:"address"`
	Trusted bool   `json:"trusted"`
}

type CreditWalletRequest struct {
	Wallet string          `json:"wallet" validate:"required,eth_addr"`
	Amount decimal.Decimal `json:"amount"`
}

type AdvanceHeightRequest struct {
	By uint32 `json:"by" validate:"required"`
}

type AdvanceHeightResponse struct {
	Height uint32 `json:"height"`
}

// ChannelDisputedNotice is sent with ChannelDisputedNotification and
// ChannelSettleableNotification.
type ChannelDisputedNotice struct {
	Channel       ChannelInfo `json:"channel"`
	CurrentHeight uint32      `json:"current_height"`
}
