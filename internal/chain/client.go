// Package chain provides EVM network access for peer-mesh runs: an RPC
// client, transaction signers, and a transactor that submits calls and waits
// for their receipts.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Sentinel errors
var (
	ErrReverted       = errors.New("peermesh: transaction reverted")
	ErrMissingKey     = errors.New("peermesh: private key is required")
	ErrSignerAddress  = errors.New("peermesh: signer address mismatch")
	ErrRemoteSigner   = errors.New("peermesh: remote signer failed")
	ErrNoAccounts     = errors.New("peermesh: remote signer has no accounts")
	ErrMissingAPIKey  = errors.New("peermesh: remote signer API key is required")
	ErrMissingRPCAddr = errors.New("peermesh: remote signer endpoint is required")
)

// Client is the subset of ethclient.Client used by a run.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to an Ethereum RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// Signer signs transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}
