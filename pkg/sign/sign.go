// Package sign holds the secp256k1 signing primitives used for balance proofs,
// closing confirmations and RPC envelopes.
//
// Signatures are 65 bytes, r ‖ s ‖ v, with v in {27, 28} when produced here.
// Recovery also accepts v in {0, 1}.
package sign

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureLength is the size of an r ‖ s ‖ v signature.
const SignatureLength = 65

// ErrInvalidSignature is returned for any signature that cannot be recovered
// to exactly one address.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs 32 byte digests.
type Signer interface {
	Address() common.Address
	Sign(hash []byte) (Signature, error)
}

// Signature is rendered as 0x-prefixed hex in JSON.
type Signature []byte

func (s Signature) String() string {
	return hexutil.Encode(s)
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(str)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// ParseSignature decodes a 0x-prefixed hex signature and checks its length.
func ParseSignature(str string) (Signature, error) {
	decoded, err := hexutil.Decode(str)
	if err != nil || len(decoded) != SignatureLength {
		return nil, ErrInvalidSignature
	}
	return decoded, nil
}
