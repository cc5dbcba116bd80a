package chain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultRemoteSignerTimeout bounds a single signing request.
const DefaultRemoteSignerTimeout = 30 * time.Second

// RemoteSigner signs transactions through a JSON-RPC signing service
// exposing eth_accounts and eth_signTransaction, authenticated by API key.
type RemoteSigner struct {
	client  *rpc.Client
	address common.Address
	chainID *big.Int
}

type remoteSignerConfig struct {
	httpClient *http.Client
}

// RemoteSignerOption configures a RemoteSigner.
type RemoteSignerOption func(*remoteSignerConfig)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RemoteSignerOption {
	return func(cfg *remoteSignerConfig) {
		cfg.httpClient = c
	}
}

// NewRemoteSigner creates a signer for address. If address is the zero
// address, the first account reported by eth_accounts is used.
func NewRemoteSigner(ctx context.Context, endpoint, apiKey string, address common.Address, chainID *big.Int, opts ...RemoteSignerOption) (*RemoteSigner, error) {
	if endpoint == "" {
		return nil, ErrMissingRPCAddr
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	cfg := remoteSignerConfig{
		httpClient: &http.Client{Timeout: DefaultRemoteSignerTimeout},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := rpc.DialOptions(ctx, endpoint,
		rpc.WithHTTPClient(cfg.httpClient),
		rpc.WithHeader("X-API-Key", apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRemoteSigner, endpoint, err)
	}

	s := &RemoteSigner{client: client, address: address, chainID: chainID}
	if err := s.selectAccount(ctx, endpoint); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *RemoteSigner) selectAccount(ctx context.Context, endpoint string) error {
	var accounts []common.Address
	if err := s.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return fmt.Errorf("%w: eth_accounts: %v", ErrRemoteSigner, err)
	}
	if len(accounts) == 0 {
		return ErrNoAccounts
	}
	if s.address == (common.Address{}) {
		s.address = accounts[0]
		return nil
	}
	for _, a := range accounts {
		if a == s.address {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not managed by %s", ErrSignerAddress, s.address.Hex(), endpoint)
}

// Address returns the signing account.
func (s *RemoteSigner) Address() common.Address {
	return s.address
}

// Close releases the RPC client.
func (s *RemoteSigner) Close() {
	s.client.Close()
}

// SignTransaction signs a legacy tx via eth_signTransaction.
func (s *RemoteSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	var raw hexutil.Bytes
	if err := s.client.CallContext(ctx, &raw, "eth_signTransaction", newTxArgs(s.address, s.chainID, tx)); err != nil {
		return nil, fmt.Errorf("%w: eth_signTransaction: %v", ErrRemoteSigner, err)
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if err := s.matchRequest(tx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// matchRequest checks that the service signed exactly the requested
// transaction for the configured chain.
func (s *RemoteSigner) matchRequest(want, got *types.Transaction) error {
	var field string
	switch {
	case got.Nonce() != want.Nonce():
		field = "nonce"
	case !sameRecipient(got.To(), want.To()):
		field = "recipient"
	case !bytes.Equal(got.Data(), want.Data()):
		field = "calldata"
	case got.Gas() != want.Gas():
		field = "gas"
	case got.GasPrice().Cmp(want.GasPrice()) != 0:
		field = "gas price"
	case got.Value().Cmp(want.Value()) != 0:
		field = "value"
	case s.chainID != nil && got.ChainId().Cmp(s.chainID) != 0:
		field = "chain id"
	default:
		return nil
	}
	return fmt.Errorf("%w: signed transaction %s does not match request", ErrRemoteSigner, field)
}

func sameRecipient(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// txArgs is the eth_signTransaction request object.
type txArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      hexutil.Uint64  `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Value    *hexutil.Big    `json:"value"`
	Nonce    hexutil.Uint64  `json:"nonce"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	ChainID  *hexutil.Big    `json:"chainId"`
}

func newTxArgs(from common.Address, chainID *big.Int, tx *types.Transaction) txArgs {
	return txArgs{
		From:     from,
		To:       tx.To(),
		Gas:      hexutil.Uint64(tx.Gas()),
		GasPrice: (*hexutil.Big)(tx.GasPrice()),
		Value:    (*hexutil.Big)(tx.Value()),
		Nonce:    hexutil.Uint64(tx.Nonce()),
		Data:     tx.Data(),
		ChainID:  (*hexutil.Big)(chainID),
	}
}
