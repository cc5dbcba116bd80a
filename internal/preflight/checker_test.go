package preflight

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/peermesh/internal/chain/chaintest"
	"github.com/Bidon15/peermesh/internal/endpoint"
	"github.com/Bidon15/peermesh/internal/registry"
)

var (
	signer     = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	localOApp  = common.HexToAddress("0xaa00000000000000000000000000000000000011")
	oneETH     = big.NewInt(1e18)
	testMinBal = big.NewInt(1e16)
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(
		registry.Node{Name: "sepolia", Endpoint: registry.MustParseAddress("0xaa00000000000000000000000000000000000011"), EID: 40161, ChainID: 11155111},
		registry.Node{Name: "arbitrum-sepolia", Endpoint: registry.MustParseAddress("0xbb00000000000000000000000000000000000022"), EID: 40231, ChainID: 421614},
	)
	require.NoError(t, err)
	return reg
}

func ownerOutput(t *testing.T, owner common.Address) []byte {
	t.Helper()
	out, err := endpoint.ParsedABI.Methods["owner"].Outputs.Pack(owner)
	require.NoError(t, err)
	return out
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker(nil)
	assert.NotNil(t, checker)
	assert.Equal(t, DefaultTimeout, checker.timeout)
}

func TestChecker_WithTimeout(t *testing.T) {
	checker := NewChecker(nil).WithTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, checker.timeout)
}

func TestChecker_RunChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("all checks pass", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(11155111), nil)
		client.On("CodeAt", mock.Anything, localOApp, (*big.Int)(nil)).Return([]byte{0x60, 0x80}, nil)
		client.On("BalanceAt", mock.Anything, signer, (*big.Int)(nil)).Return(oneETH, nil)
		client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return(ownerOutput(t, signer), nil)

		resp, err := NewChecker(client).RunChecks(ctx, &Request{
			Registry:   testRegistry(t),
			Signer:     signer,
			MinBalance: testMinBal,
		})
		require.NoError(t, err)

		assert.True(t, resp.OK)
		assert.Equal(t, "sepolia", resp.Network)
		assert.Equal(t, uint64(11155111), resp.ChainID)
		assert.Equal(t, "1.0000", resp.CurrentBalanceETH)
		assert.Equal(t, "0.0100", resp.RequiredBalanceETH)
		require.Len(t, resp.Checks, 5)
		for _, c := range resp.Checks {
			assert.True(t, c.Passed, c.Name)
		}
	})

	t.Run("unreachable rpc stops early", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(nil, errors.New("dial tcp: connection refused"))

		resp, err := NewChecker(client).RunChecks(ctx, &Request{Registry: testRegistry(t), Signer: signer})
		require.NoError(t, err)

		assert.False(t, resp.OK)
		require.Len(t, resp.Checks, 1)
		assert.Equal(t, CheckRPCReachable, resp.Checks[0].Name)
		assert.Contains(t, resp.Checks[0].Message, "connection refused")
	})

	t.Run("unregistered network", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(1), nil)

		resp, err := NewChecker(client).RunChecks(ctx, &Request{Registry: testRegistry(t), Signer: signer})
		require.NoError(t, err)

		assert.False(t, resp.OK)
		require.Len(t, resp.Checks, 2)
		assert.Equal(t, CheckNetworkRegistered, resp.Checks[1].Name)
		assert.False(t, resp.Checks[1].Passed)
	})

	t.Run("insufficient balance and missing code", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(11155111), nil)
		client.On("CodeAt", mock.Anything, localOApp, (*big.Int)(nil)).Return([]byte{}, nil)
		client.On("BalanceAt", mock.Anything, signer, (*big.Int)(nil)).Return(big.NewInt(0), nil)
		client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{}, nil)

		resp, err := NewChecker(client).RunChecks(ctx, &Request{Registry: testRegistry(t), Signer: signer})
		require.NoError(t, err)

		assert.False(t, resp.OK)
		byName := map[CheckName]CheckResult{}
		for _, c := range resp.Checks {
			byName[c.Name] = c
		}
		assert.False(t, byName[CheckEndpointCode].Passed)
		assert.False(t, byName[CheckSignerBalance].Passed)
		assert.Contains(t, byName[CheckSignerBalance].Message, "Insufficient signer balance")
		assert.True(t, byName[CheckEndpointOwner].Warning)
	})

	t.Run("owner mismatch is only a warning", func(t *testing.T) {
		other := common.HexToAddress("0x1111111111111111111111111111111111111111")
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(11155111), nil)
		client.On("CodeAt", mock.Anything, localOApp, (*big.Int)(nil)).Return([]byte{0x60}, nil)
		client.On("BalanceAt", mock.Anything, signer, (*big.Int)(nil)).Return(oneETH, nil)
		client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return(ownerOutput(t, other), nil)

		resp, err := NewChecker(client).RunChecks(ctx, &Request{Registry: testRegistry(t), Signer: signer})
		require.NoError(t, err)

		assert.True(t, resp.OK)
		owner := resp.Checks[len(resp.Checks)-1]
		assert.Equal(t, CheckEndpointOwner, owner.Name)
		assert.False(t, owner.Passed)
		assert.True(t, owner.Warning)
		assert.Contains(t, owner.Message, "setPeer may revert")
	})

	t.Run("read-only request skips signer checks", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(421614), nil)
		client.On("CodeAt", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{0x60}, nil)

		resp, err := NewChecker(client).RunChecks(ctx, &Request{Registry: testRegistry(t)})
		require.NoError(t, err)

		assert.True(t, resp.OK)
		assert.Equal(t, "arbitrum-sepolia", resp.Network)
		assert.Len(t, resp.Checks, 3)
		client.AssertNotCalled(t, "BalanceAt", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing registry", func(t *testing.T) {
		_, err := NewChecker(nil).RunChecks(ctx, &Request{})
		assert.Error(t, err)
	})
}

func TestWeiToETHString(t *testing.T) {
	tests := []struct {
		name     string
		wei      *big.Int
		expected string
	}{
		{name: "nil returns 0", wei: nil, expected: "0"},
		{name: "0 wei", wei: big.NewInt(0), expected: "0.0000"},
		{name: "1 ETH", wei: big.NewInt(1e18), expected: "1.0000"},
		{name: "0.01 ETH", wei: big.NewInt(1e16), expected: "0.0100"},
		{name: "1.5 ETH", wei: big.NewInt(1.5e18), expected: "1.5000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, weiToETHString(tc.wei))
		})
	}
}
