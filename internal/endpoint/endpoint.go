// Package endpoint binds the peer table of a bridge endpoint (OApp) contract.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/mesh"
)

// Sentinel errors
var (
	ErrReadOnly    = errors.New("peermesh: endpoint is read-only")
	ErrEmptyResult = errors.New("peermesh: empty call result")
)

// oappABI covers the peer-table surface of an OApp.
const oappABI = `[
	{
		"inputs": [{"name": "eid", "type": "uint32"}],
		"name": "peers",
		"outputs": [{"name": "peer", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "eid", "type": "uint32"},
			{"name": "peer", "type": "bytes32"}
		],
		"name": "setPeer",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "owner",
		"outputs": [{"name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ParsedABI is the parsed OApp ABI.
var ParsedABI = mustParseABI(oappABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("parse OApp ABI: %v", err))
	}
	return parsed
}

// Writer submits state-changing calls and waits for their inclusion.
// *chain.Transactor implements it.
type Writer interface {
	Submit(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error)
	Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

var _ Writer = (*chain.Transactor)(nil)

// Endpoint is a bound OApp contract. It implements mesh.PeerTable.
type Endpoint struct {
	address common.Address
	client  chain.Client
	writer  Writer
	logger  *slog.Logger
}

var _ mesh.PeerTable = (*Endpoint)(nil)

// New binds the endpoint at address. A nil writer yields a read-only binding.
func New(address common.Address, client chain.Client, writer Writer, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		address: address,
		client:  client,
		writer:  writer,
		logger:  logger,
	}
}

// Address returns the bound contract address.
func (e *Endpoint) Address() common.Address {
	return e.address
}

// ReadPeer returns the peer registered for eid (zero if unset).
func (e *Endpoint) ReadPeer(ctx context.Context, eid uint32) ([32]byte, error) {
	out, err := e.call(ctx, "peers", eid)
	if err != nil {
		return [32]byte{}, err
	}
	peer, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("unpack peers: unexpected type %T", out[0])
	}
	return peer, nil
}

// SetPeer registers peer for eid and waits for the transaction to be mined.
func (e *Endpoint) SetPeer(ctx context.Context, eid uint32, peer [32]byte) (mesh.Confirmation, error) {
	if e.writer == nil {
		return mesh.Confirmation{}, ErrReadOnly
	}

	data, err := ParsedABI.Pack("setPeer", eid, peer)
	if err != nil {
		return mesh.Confirmation{}, fmt.Errorf("encode setPeer: %w", err)
	}

	tx, err := e.writer.Submit(ctx, e.address, data)
	if err != nil {
		return mesh.Confirmation{}, err
	}

	e.logger.Info("setPeer transaction submitted",
		slog.Uint64("eid", uint64(eid)),
		slog.String("peer", hexutil.Encode(peer[:])),
		slog.String("tx_hash", tx.Hash().Hex()),
	)

	receipt, err := e.writer.Confirm(ctx, tx)
	if err != nil {
		return mesh.Confirmation{TxHash: tx.Hash()}, err
	}

	return mesh.Confirmation{
		TxHash:      tx.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// Owner returns the account allowed to call setPeer.
func (e *Endpoint) Owner(ctx context.Context) (common.Address, error) {
	out, err := e.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack owner: unexpected type %T", out[0])
	}
	return owner, nil
}

func (e *Endpoint) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ParsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	result, err := e.client.CallContract(ctx, ethereum.CallMsg{
		To:   &e.address,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrEmptyResult, method, e.address.Hex())
	}

	out, err := ParsedABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrEmptyResult, method, e.address.Hex())
	}
	return out, nil
}
