package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs with a local secp256k1 private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewKeySigner creates a signer from a hex-encoded private key (with or
// without 0x prefix) for the given chain.
func NewKeySigner(hexKey string, chainID *big.Int) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrMissingKey
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the signing account.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTransaction signs tx for the configured chain.
func (s *KeySigner) SignTransaction(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}
