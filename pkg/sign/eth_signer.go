package sign

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var _ Signer = (*EthereumSigner)(nil)

type EthereumSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewEthereumSigner parses a hex private key, with or without 0x.
func NewEthereumSigner(privateKeyHex string) (*EthereumSigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("could not parse ethereum private key: %w", err)
	}
	return NewEthereumSignerFromKey(key), nil
}

func NewEthereumSignerFromKey(key *ecdsa.PrivateKey) *EthereumSigner {
	return &EthereumSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateEthereumSigner creates a signer with a fresh random key.
func GenerateEthereumSigner() (*EthereumSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewEthereumSignerFromKey(key), nil
}

func (s *EthereumSigner) Address() common.Address { return s.address }

// Sign signs a precomputed 32 byte hash and returns v as 27 or 28.
func (s *EthereumSigner) Sign(hash []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// PrivateKeyHex is used by the dev tooling to print generated keys.
func (s *EthereumSigner) PrivateKeyHex() string {
	return fmt.Sprintf("0x%x", ethcrypto.FromECDSA(s.key))
}

// RecoverAddress returns the address whose key produced sig over hash.
// Wrong lengths, recovery ids other than 0, 1, 27 and 28, zero or
// out-of-range r and s, and high-s signatures all yield ErrInvalidSignature.
func RecoverAddress(hash []byte, sig Signature) (common.Address, error) {
	if len(hash) != common.HashLength || len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}

	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, ErrInvalidSignature
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, ErrInvalidSignature
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	normalized[64] = v

	pub, err := ethcrypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
