package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/chain/chaintest"
	"github.com/Bidon15/peermesh/internal/config"
	"github.com/Bidon15/peermesh/internal/endpoint"
	"github.com/Bidon15/peermesh/internal/mesh"
	"github.com/Bidon15/peermesh/internal/registry"
	"github.com/Bidon15/peermesh/internal/report"
)

const (
	testRegistry = "testdata/mesh.yaml"
	testKey      = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	sepoliaID    = 11155111
)

var remotes = map[uint32]string{
	40231: "0xbb00000000000000000000000000000000000022",
	40168: "0xcc00000000000000000000000000000000000000000000000000000000000033",
}

// setup resets global state and routes dialing to client.
func setup(t *testing.T, client chain.Client) *bytes.Buffer {
	t.Helper()
	ResetFlags()
	var buf bytes.Buffer
	SetOutput(&buf)

	orig := dialClient
	dialClient = func(context.Context, string) (chain.Client, error) {
		if client == nil {
			return nil, errors.New("no client")
		}
		return client, nil
	}
	t.Cleanup(func() { dialClient = orig })
	return &buf
}

// peersCall matches a peers(eid) call.
func peersCall(eid uint32) interface{} {
	want, err := endpoint.ParsedABI.Pack("peers", eid)
	if err != nil {
		panic(err)
	}
	return mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return string(msg.Data) == string(want)
	})
}

// meshClient answers chain id and peers reads. Remotes listed in stale
// return a zero peer.
func meshClient(t *testing.T, chainID int64, stale ...uint32) *chaintest.MockClient {
	t.Helper()
	client := new(chaintest.MockClient)
	client.On("ChainID", mock.Anything).Return(big.NewInt(chainID), nil)

	isStale := map[uint32]bool{}
	for _, eid := range stale {
		isStale[eid] = true
	}
	for eid, addr := range remotes {
		if isStale[eid] {
			addr = ""
		}
		client.On("CallContract", mock.Anything, peersCall(eid), (*big.Int)(nil)).Return(peersOutput(t, addr), nil)
	}
	return client
}

// peersOutput encodes a peers(eid) return value. An empty addr is unset.
func peersOutput(t *testing.T, addr string) []byte {
	t.Helper()
	var peer [32]byte
	if addr != "" {
		peer = registry.Encode(registry.MustParseAddress(addr))
	}
	out, err := endpoint.ParsedABI.Methods["peers"].Outputs.Pack(peer)
	require.NoError(t, err)
	return out
}

func TestVersionCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantContain []string
	}{
		{
			name:        "basic version",
			args:        []string{"version"},
			wantContain: []string{"meshctl dev"},
		},
		{
			name:        "verbose version",
			args:        []string{"--verbose", "version"},
			wantContain: []string{"meshctl", "commit:", "built:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := setup(t, nil)

			require.NoError(t, ExecuteWithArgs(tt.args))
			for _, want := range tt.wantContain {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestRootCommand_Help(t *testing.T) {
	buf := setup(t, nil)

	require.NoError(t, ExecuteWithArgs([]string{"--help"}))

	for _, expected := range []string{
		"meshctl",
		"--rpc-url",
		"--registry",
		"--network",
		"--json",
		"MESHCTL_RPC_URL",
		"MESHCTL_SIGNER_PRIVATE_KEY",
		"peers",
		"preflight",
	} {
		assert.Contains(t, buf.String(), expected)
	}
}

func TestRegistryShow(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		buf := setup(t, nil)

		require.NoError(t, ExecuteWithArgs([]string{"registry", "show", "--registry", testRegistry}))

		out := buf.String()
		assert.Regexp(t, `sepolia\s+40161\s+11155111\s+0xaa00000000000000000000000000000000000011`, out)
		assert.Regexp(t, `solana-devnet\s+40168\s+-\s+0xcc0{60}33`, out)
		assert.Contains(t, out, "3 nodes, 6 directed links")
	})

	t.Run("json", func(t *testing.T) {
		buf := setup(t, nil)

		require.NoError(t, ExecuteWithArgs([]string{"registry", "show", "--registry", testRegistry, "--json"}))

		var got struct {
			Nodes []registry.Node `json:"nodes"`
			Links int             `json:"links"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got.Nodes, 3)
		assert.Equal(t, "arbitrum-sepolia", got.Nodes[1].Name)
		assert.Equal(t, 6, got.Links)
	})

	t.Run("from environment", func(t *testing.T) {
		buf := setup(t, nil)
		t.Setenv("MESHCTL_REGISTRY", testRegistry)

		require.NoError(t, ExecuteWithArgs([]string{"registry", "show"}))
		assert.Contains(t, buf.String(), "arbitrum-sepolia")
	})

	t.Run("missing file", func(t *testing.T) {
		setup(t, nil)

		err := ExecuteWithArgs([]string{"registry", "show", "--registry", "testdata/nope.yaml"})
		assert.Error(t, err)
	})
}

func TestPeersVerify(t *testing.T) {
	t.Run("fully synced", func(t *testing.T) {
		buf := setup(t, meshClient(t, sepoliaID))

		err := ExecuteWithArgs([]string{"peers", "verify", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "sepolia mismatches: 0  fully synced: yes")
	})

	t.Run("mismatch exits non-zero", func(t *testing.T) {
		buf := setup(t, meshClient(t, sepoliaID, 40168))

		err := ExecuteWithArgs([]string{"peers", "verify", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		assert.ErrorIs(t, err, errNotSynced)
		assert.Contains(t, buf.String(), "fully synced: no")
	})

	t.Run("unsupported network", func(t *testing.T) {
		setup(t, meshClient(t, 1))

		err := ExecuteWithArgs([]string{"peers", "verify", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		assert.ErrorIs(t, err, registry.ErrUnsupportedNetwork)
	})

	t.Run("pinned network mismatch", func(t *testing.T) {
		setup(t, meshClient(t, sepoliaID))

		err := ExecuteWithArgs([]string{"peers", "verify", "--rpc-url", "http://localhost:8545",
			"--registry", testRegistry, "--network", "arbitrum-sepolia"})
		require.ErrorIs(t, err, registry.ErrUnsupportedNetwork)
		assert.Contains(t, err.Error(), "expected arbitrum-sepolia")
	})
}

func TestPeersSync(t *testing.T) {
	t.Run("already synced writes nothing", func(t *testing.T) {
		client := meshClient(t, sepoliaID)
		buf := setup(t, client)
		rootCmd.SetErr(io.Discard)
		t.Setenv("MESHCTL_SIGNER_PRIVATE_KEY", testKey)

		dir := t.TempDir()
		metricsPath := filepath.Join(dir, "peermesh.prom")
		err := ExecuteWithArgs([]string{"peers", "sync", "--skip-preflight", "--json",
			"--rpc-url", "http://localhost:8545", "--registry", testRegistry,
			"--output-dir", dir, "--metrics-file", metricsPath})
		require.NoError(t, err)

		var summary report.Summary
		require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
		assert.True(t, summary.FullySynced)
		assert.Equal(t, 0, summary.Writes)
		require.Len(t, summary.Links, 2)

		_, err = os.Stat(filepath.Join(dir, "peers-sepolia.json"))
		assert.NoError(t, err)
		prom, err := os.ReadFile(metricsPath)
		require.NoError(t, err)
		assert.Contains(t, string(prom), `peermesh_fully_synced{network="sepolia"} 1`)

		client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
	})

	t.Run("writes a stale link", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(sepoliaID), nil)
		// Unset until the setPeer receipt, registered first so it answers first.
		client.On("CallContract", mock.Anything, peersCall(40231), (*big.Int)(nil)).Return(peersOutput(t, ""), nil).Once()
		for eid, addr := range remotes {
			client.On("CallContract", mock.Anything, peersCall(eid), (*big.Int)(nil)).Return(peersOutput(t, addr), nil)
		}
		client.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(7), nil)
		client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(params.GWei), nil)
		client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(50_000), nil)
		client.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
		client.On("TransactionReceipt", mock.Anything, mock.Anything).Return(&types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(42),
			GasUsed:     45_000,
		}, nil)
		buf := setup(t, client)
		rootCmd.SetErr(io.Discard)
		t.Setenv("MESHCTL_SIGNER_PRIVATE_KEY", testKey)

		err := ExecuteWithArgs([]string{"peers", "sync", "--skip-preflight", "--json",
			"--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		require.NoError(t, err)

		var summary report.Summary
		require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
		assert.True(t, summary.FullySynced)
		assert.Equal(t, 1, summary.Writes)
		require.Len(t, summary.Links, 2)

		written := summary.Links[0]
		assert.Equal(t, "arbitrum-sepolia", written.Node)
		assert.Equal(t, mesh.StatusWritten, written.Status)
		assert.Equal(t, mesh.StateVerified, written.State)
		assert.NotEmpty(t, written.TxHash)
		assert.Equal(t, uint64(42), written.Block)
		assert.Equal(t, mesh.StatusAlreadySet, summary.Links[1].Status)

		client.AssertNumberOfCalls(t, "SendTransaction", 1)
		client.AssertCalled(t, "SendTransaction", mock.Anything, mock.MatchedBy(func(tx *types.Transaction) bool {
			return tx.Nonce() == 7 && tx.To() != nil && *tx.To() == common.HexToAddress("0xaa00000000000000000000000000000000000011")
		}))
	})

	t.Run("report is printed when saving it fails", func(t *testing.T) {
		buf := setup(t, meshClient(t, sepoliaID))
		rootCmd.SetErr(io.Discard)
		t.Setenv("MESHCTL_SIGNER_PRIVATE_KEY", testKey)

		notDir := filepath.Join(t.TempDir(), "summary")
		require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o644))

		err := ExecuteWithArgs([]string{"peers", "sync", "--skip-preflight",
			"--rpc-url", "http://localhost:8545", "--registry", testRegistry, "--output-dir", notDir})
		require.Error(t, err)
		assert.NotErrorIs(t, err, errNotSynced)
		assert.Contains(t, err.Error(), "create output dir")

		out := buf.String()
		assert.Contains(t, out, "NODE")
		assert.Regexp(t, `arbitrum-sepolia\s+40231\s+already_set`, out)
		assert.Contains(t, out, "fully synced: yes")
	})

	t.Run("requires a signer", func(t *testing.T) {
		setup(t, meshClient(t, sepoliaID))

		err := ExecuteWithArgs([]string{"peers", "sync", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		assert.ErrorIs(t, err, config.ErrNoSigner)
	})

	t.Run("preflight failure blocks writes", func(t *testing.T) {
		client := meshClient(t, sepoliaID, 40231)
		client.On("CodeAt", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{0x60}, nil)
		client.On("BalanceAt", mock.Anything, mock.Anything, (*big.Int)(nil)).Return(big.NewInt(0), nil)
		client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{}, nil)
		buf := setup(t, client)
		t.Setenv("MESHCTL_SIGNER_PRIVATE_KEY", testKey)

		err := ExecuteWithArgs([]string{"peers", "sync", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "preflight failed")
		assert.Contains(t, buf.String(), "Insufficient signer balance")
		client.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
	})
}

func TestPreflightCommand(t *testing.T) {
	client := new(chaintest.MockClient)
	client.On("ChainID", mock.Anything).Return(big.NewInt(421614), nil)
	client.On("CodeAt", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{0x60}, nil)
	buf := setup(t, client)

	err := ExecuteWithArgs([]string{"preflight", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
	require.NoError(t, err)

	out := buf.String()
	assert.Regexp(t, `PASS\s+rpc_reachable`, out)
	assert.Regexp(t, `PASS\s+network_registered\s+Local node arbitrum-sepolia`, out)
	assert.Regexp(t, `PASS\s+endpoint_code`, out)
	assert.Contains(t, out, "preflight ok")

	t.Run("with signer", func(t *testing.T) {
		client := new(chaintest.MockClient)
		client.On("ChainID", mock.Anything).Return(big.NewInt(sepoliaID), nil)
		client.On("CodeAt", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{0x60}, nil)
		client.On("BalanceAt", mock.Anything, mock.Anything, (*big.Int)(nil)).Return(big.NewInt(1e18), nil)
		client.On("CallContract", mock.Anything, mock.Anything, (*big.Int)(nil)).Return([]byte{}, nil)
		buf := setup(t, client)
		t.Setenv("MESHCTL_SIGNER_PRIVATE_KEY", testKey)

		err := ExecuteWithArgs([]string{"preflight", "--rpc-url", "http://localhost:8545", "--registry", testRegistry})
		require.NoError(t, err)
		assert.Regexp(t, `PASS\s+signer_balance`, buf.String())
		assert.Regexp(t, `WARN\s+endpoint_owner`, buf.String())
	})
}

type closingSigner struct {
	chain.Signer
	closed int
}

func (s *closingSigner) Close() { s.closed++ }

func TestCloseSigner(t *testing.T) {
	key, err := chain.NewKeySigner(testKey, big.NewInt(sepoliaID))
	require.NoError(t, err)

	s := &closingSigner{Signer: key}
	closeSigner(s)
	assert.Equal(t, 1, s.closed)

	assert.NotPanics(t, func() { closeSigner(key) })
}
