package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Default transaction parameters
const (
	DefaultGasLimit          = 200_000
	DefaultGasBufferPercent  = 120
	DefaultGasPriceBoostPerc = 150
)

// DefaultMinGasPrice is the gas price floor (1 gwei).
var DefaultMinGasPrice = big.NewInt(1_000_000_000)

// TxOptions tunes how transactions are priced.
type TxOptions struct {
	// MinGasPrice is the floor applied after boosting the suggested price.
	MinGasPrice *big.Int
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit uint64
}

// Transactor submits state-changing calls from a single signing identity and
// waits for their inclusion. Calls must not be made concurrently: each
// submission reads the pending nonce.
type Transactor struct {
	client Client
	signer Signer
	opts   TxOptions
	logger *slog.Logger
}

// NewTransactor creates a transactor. A nil logger uses slog.Default().
func NewTransactor(client Client, signer Signer, opts TxOptions, logger *slog.Logger) *Transactor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinGasPrice == nil {
		opts.MinGasPrice = DefaultMinGasPrice
	}
	if opts.DefaultGasLimit == 0 {
		opts.DefaultGasLimit = DefaultGasLimit
	}
	return &Transactor{
		client: client,
		signer: signer,
		opts:   opts,
		logger: logger,
	}
}

// From returns the signing account.
func (t *Transactor) From() common.Address {
	return t.signer.Address()
}

// Submit signs and sends a call to to with the given calldata. It does not
// wait for inclusion.
func (t *Transactor) Submit(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	from := t.signer.Address()

	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := t.gasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}

	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    big.NewInt(0),
		Data:     data,
	})
	if err != nil {
		gasLimit = t.opts.DefaultGasLimit
		t.logger.Warn("gas estimation failed, using default",
			slog.Uint64("gas_limit", gasLimit),
			slog.String("error", err.Error()),
		)
	}
	gasLimit = gasLimit * DefaultGasBufferPercent / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := t.signer.SignTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := t.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	t.logger.Debug("transaction submitted",
		slog.String("tx_hash", signedTx.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
		slog.String("gas_price", gasPrice.String()),
	)
	return signedTx, nil
}

// Confirm blocks until tx is mined or ctx is done. A mined but reverted
// transaction returns the receipt together with ErrReverted.
func (t *Transactor) Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, t.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s in block %s", ErrReverted, tx.Hash().Hex(), receipt.BlockNumber)
	}
	return receipt, nil
}

// gasPrice returns the suggested gas price boosted for faster inclusion,
// never below the configured floor.
func (t *Transactor) gasPrice(ctx context.Context) (*big.Int, error) {
	suggested, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	boosted := new(big.Int).Mul(suggested, big.NewInt(DefaultGasPriceBoostPerc))
	boosted.Div(boosted, big.NewInt(100))

	if boosted.Cmp(t.opts.MinGasPrice) < 0 {
		return new(big.Int).Set(t.opts.MinGasPrice), nil
	}
	return boosted, nil
}
