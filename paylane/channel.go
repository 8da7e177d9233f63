// Package paylane defines how channels are identified and how balance proofs
// and closing confirmations are hashed and signed.
//
// All encodings are tightly packed (no 32 byte padding): addresses take 20
// bytes, open heights 4 bytes (uint32) and balances 24 bytes (uint192).
package paylane

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const balanceBits = 192

// ErrInvalidAmount is returned for negative balances or balances wider than uint192.
var ErrInvalidAmount = errors.New("amount out of uint192 range")

// MaxBalance is the largest balance a proof can carry, 2^192 - 1.
var MaxBalance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), balanceBits), big.NewInt(1))

// ChannelKey returns keccak256(sender ‖ receiver ‖ uint32 openHeight).
func ChannelKey(sender, receiver common.Address, openHeight uint32) common.Hash {
	buf := make([]byte, 0, 2*common.AddressLength+4)
	buf = append(buf, sender.Bytes()...)
	buf = append(buf, receiver.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, openHeight)
	return crypto.Keccak256Hash(buf)
}

// ValidBalance reports whether b can be encoded as uint192.
func ValidBalance(b *big.Int) bool {
	return b != nil && b.Sign() >= 0 && b.BitLen() <= balanceBits
}

func packBalance(b *big.Int) ([]byte, error) {
	if !ValidBalance(b) {
		return nil, ErrInvalidAmount
	}
	return b.FillBytes(make([]byte, balanceBits/8)), nil
}
