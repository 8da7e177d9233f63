package paylane

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paylane/custodian/pkg/sign"
)

// ErrInvalidSignature aliases sign.ErrInvalidSignature so callers of this
// package need not import pkg/sign.
var ErrInvalidSignature = sign.ErrInvalidSignature

// RecoverSigner returns the address that signed digest. It never returns an
// address for a malformed signature.
func RecoverSigner(digest common.Hash, sig sign.Signature) (common.Address, error) {
	return sign.RecoverAddress(digest.Bytes(), sig)
}

// SignBalanceProof is used by senders to authorize balance for receiver.
func SignBalanceProof(signer sign.Signer, receiver common.Address, openHeight uint32, balance *big.Int, verifier common.Address) (sign.Signature, error) {
	hash, err := BalanceProofHash(receiver, openHeight, balance, verifier)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign balance proof: %w", err)
	}
	return sig, nil
}

// SignClosing is used by receivers to confirm a cooperative close at balance.
func SignClosing(signer sign.Signer, sender common.Address, openHeight uint32, balance *big.Int, verifier common.Address) (sign.Signature, error) {
	hash, err := ClosingHash(sender, openHeight, balance, verifier)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign closing confirmation: %w", err)
	}
	return sig, nil
}

// RecoverBalanceProofSigner returns the sender attested by a balance proof.
func RecoverBalanceProofSigner(receiver common.Address, openHeight uint32, balance *big.Int, verifier common.Address, sig sign.Signature) (common.Address, error) {
	hash, err := BalanceProofHash(receiver, openHeight, balance, verifier)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(hash, sig)
}

// RecoverClosingSigner returns the receiver attested by a closing confirmation.
func RecoverClosingSigner(sender common.Address, openHeight uint32, balance *big.Int, verifier common.Address, sig sign.Signature) (common.Address, error) {
	hash, err := ClosingHash(sender, openHeight, balance, verifier)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(hash, sig)
}
