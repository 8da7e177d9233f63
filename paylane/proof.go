package paylane

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	balanceProofDomain = "Sender balance proof signature"
	closingDomain      = "Receiver closing signature"
)

// The schema hashes mirror the typed-data layout wallets display before signing.
var (
	balanceProofSchema = crypto.Keccak256(
		[]byte("string message_id"),
		[]byte("address receiver"),
		[]byte("uint32 block_created"),
		[]byte("uint192 balance"),
		[]byte("address contract"),
	)
	closingSchema = crypto.Keccak256(
		[]byte("string message_id"),
		[]byte("address sender"),
		[]byte("uint32 block_created"),
		[]byte("uint192 balance"),
		[]byte("address contract"),
	)
)

// BalanceProofHash is the digest a sender signs to let receiver redeem balance
// from the channel opened at openHeight. verifier is the address of the
// custodian instance, so proofs cannot be replayed against another deployment.
func BalanceProofHash(receiver common.Address, openHeight uint32, balance *big.Int, verifier common.Address) (common.Hash, error) {
	return digest(balanceProofSchema, balanceProofDomain, receiver, openHeight, balance, verifier)
}

// ClosingHash is the digest a receiver signs to accept closing the channel
// from sender at balance.
func ClosingHash(sender common.Address, openHeight uint32, balance *big.Int, verifier common.Address) (common.Hash, error) {
	return digest(closingSchema, closingDomain, sender, openHeight, balance, verifier)
}

func digest(schema []byte, domain string, counterparty common.Address, openHeight uint32, balance *big.Int, verifier common.Address) (common.Hash, error) {
	packedBalance, err := packBalance(balance)
	if err != nil {
		return common.Hash{}, err
	}

	msg := make([]byte, 0, len(domain)+2*common.AddressLength+4+len(packedBalance))
	msg = append(msg, domain...)
	msg = append(msg, counterparty.Bytes()...)
	msg = binary.BigEndian.AppendUint32(msg, openHeight)
	msg = append(msg, packedBalance...)
	msg = append(msg, verifier.Bytes()...)

	return crypto.Keccak256Hash(schema, crypto.Keccak256(msg)), nil
}
