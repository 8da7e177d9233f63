package rpc

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paylane/custodian/pkg/sign"
)

func TestPayloadJSON(t *testing.T) {
	params, err := NewParams(OpenChannelRequest{
		Receiver: "0x2222222222222222222222222222222222222222",
		Deposit:  decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	p := Payload{RequestID: 7, Method: OpenChannelMethod.String(), Params: params, Timestamp: 1700000000000}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `[7,"open_channel",{"receiver":"0x2222222222222222222222222222222222222222","deposit":"100"},1700000000000]`, string(data))

	var decoded Payload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p.RequestID, decoded.RequestID)
	assert.Equal(t, p.Method, decoded.Method)
	assert.Equal(t, p.Timestamp, decoded.Timestamp)

	var req OpenChannelRequest
	require.NoError(t, decoded.Params.Translate(&req))
	assert.True(t, req.Deposit.Equal(decimal.NewFromInt(100)))

	t.Run("wrong arity", func(t *testing.T) {
		assert.Error(t, json.Unmarshal([]byte(`[1,"ping",{}]`), &decoded))
		assert.Error(t, json.Unmarshal([]byte(`{"id":1}`), &decoded))
		assert.Error(t, json.Unmarshal([]byte(`["x","ping",{},1]`), &decoded))
	})
}

func TestPayloadHashStable(t *testing.T) {
	p := NewPayload(1, PingMethod.String(), nil)
	h1, err := p.Hash()
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded Payload
	require.NoError(t, json.Unmarshal(data, &decoded))
	h2, err := decoded.Hash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestRequestSigners(t *testing.T) {
	signer, err := sign.GenerateEthereumSigner()
	require.NoError(t, err)

	payload := NewPayload(42, SettleMethod.String(), Params{"receiver": json.RawMessage(`"0x01"`)})
	sig, err := SignPayload(signer, payload)
	require.NoError(t, err)

	data, err := json.Marshal(NewRequest(payload, sig))
	require.NoError(t, err)

	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	signers, err := req.GetSigners()
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, signer.Address(), signers[0])

	req.Sig = []sign.Signature{sig[:10]}
	_, err = req.GetSigners()
	assert.ErrorIs(t, err, sign.ErrInvalidSignature)
}

func TestErrorResponse(t *testing.T) {
	res := NewErrorResponse(3, `channel "x" not found`)
	assert.Equal(t, ErrorMethod.String(), res.Res.Method)
	require.Error(t, res.Error())
	assert.Equal(t, `channel "x" not found`, res.Error().Error())

	ok := NewResponse(NewPayload(3, PongMethod.String(), nil))
	assert.NoError(t, ok.Error())
}
