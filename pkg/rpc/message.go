package rpc

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/paylane/custodian/pkg/sign"
)

// Request is what clients send: {"req": payload, "sig": [...]}.
type Request struct {
	Req Payload          `json:"req"`
	Sig []sign.Signature `json:"sig"`
}

func NewRequest(payload Payload, sig ...sign.Signature) Request {
	return Request{Req: payload, Sig: sig}
}

// GetSigners recovers one address per signature, in order.
func (r Request) GetSigners() ([]common.Address, error) {
	return recoverPayloadSigners(r.Req, r.Sig)
}

// Response is what the node sends: {"res": payload, "sig": [nodeSig]}.
// Notifications are responses with request ID 0.
type Response struct {
	Res Payload          `json:"res"`
	Sig []sign.Signature `json:"sig"`
}

func NewResponse(payload Payload, sig ...sign.Signature) Response {
	return Response{Res: payload, Sig: sig}
}

func (r Response) GetSigners() ([]common.Address, error) {
	return recoverPayloadSigners(r.Res, r.Sig)
}

func NewErrorResponse(requestID uint64, errMsg string, sig ...sign.Signature) Response {
	return NewResponse(NewPayload(requestID, ErrorMethod.String(), NewErrorParams(errMsg)), sig...)
}

// Error returns the carried error if this is an error response.
func (r Response) Error() error {
	if r.Res.Method != ErrorMethod.String() {
		return nil
	}
	return r.Res.Params.Error()
}

func recoverPayloadSigners(payload Payload, sigs []sign.Signature) ([]common.Address, error) {
	hash, err := payload.Hash()
	if err != nil {
		return nil, err
	}

	addrs := make([]common.Address, 0, len(sigs))
	for _, s := range sigs {
		addr, err := sign.RecoverAddress(hash, s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// SignPayload signs the payload hash with signer.
func SignPayload(signer sign.Signer, payload Payload) (sign.Signature, error) {
	hash, err := payload.Hash()
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}
