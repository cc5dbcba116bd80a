package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/config"
	"github.com/Bidon15/peermesh/internal/registry"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Global flag variables
var (
	cfgFile       string
	rpcURL        string
	registryPath  string
	network       string
	outputDir     string
	metricsFile   string
	jsonOut       bool
	verbose       bool
	skipPreflight bool
)

// errNotSynced makes the process exit non-zero after a complete report.
var errNotSynced = errors.New("peer mesh is not fully synced")

// dialClient connects to the RPC endpoint. Tests replace it.
var dialClient = func(ctx context.Context, url string) (chain.Client, error) {
	return chain.Dial(ctx, url)
}

// rootCmd is the base command for the CLI
var rootCmd *cobra.Command

var versionCmd *cobra.Command

func init() {
	rootCmd = &cobra.Command{
		Use:   "meshctl",
		Short: "meshctl - cross-chain peer mesh synchronization",
		Long: `meshctl makes the bridge endpoint on one EVM network trust every other
endpoint in the node registry, then reads every peer link back.

Run it once per network. Reruns are idempotent: links that are already
correct are not written again.

Configuration (in order of priority):
  1. Command-line flags (--rpc-url, --registry, --network, ...)
  2. Environment variables (MESHCTL_RPC_URL, MESHCTL_REGISTRY,
     MESHCTL_SIGNER_PRIVATE_KEY, MESHCTL_SIGNER_ENDPOINT, MESHCTL_SIGNER_API_KEY, ...)
  3. Config file (--config)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "meshctl %s\n", Version)
			if verbose {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  commit:  %s\n", Commit)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  built:   %s\n", BuildDate)
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.StringVar(&rpcURL, "rpc-url", "", "EVM RPC endpoint (or MESHCTL_RPC_URL)")
	pf.StringVar(&registryPath, "registry", "", "node registry file (or MESHCTL_REGISTRY, default mesh.yaml)")
	pf.StringVar(&network, "network", "", "expected local node name (or MESHCTL_NETWORK)")
	pf.StringVar(&outputDir, "output-dir", "", "directory for peers-<network>.json (or MESHCTL_OUTPUT_DIR)")
	pf.StringVar(&metricsFile, "metrics-file", "", "write Prometheus textfile metrics here (or MESHCTL_METRICS_FILE)")
	pf.BoolVar(&jsonOut, "json", false, "output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd, newPeersCmd(), newRegistryCmd(), newPreflightCmd())
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteWithArgs runs the root command with the provided arguments (for testing)
func ExecuteWithArgs(args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// SetOutput sets the output writer for the root command (for testing)
func SetOutput(w io.Writer) {
	rootCmd.SetOut(w)
	rootCmd.SetErr(w)
}

// ResetFlags resets all global flags to their defaults (for testing)
func ResetFlags() {
	cfgFile = ""
	rpcURL = ""
	registryPath = ""
	network = ""
	outputDir = ""
	metricsFile = ""
	jsonOut = false
	verbose = false
	skipPreflight = false

	resetHelp(rootCmd)
}

// resetHelp clears a --help left set by a previous execution.
func resetHelp(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
	}
	for _, c := range cmd.Commands() {
		resetHelp(c)
	}
}

// loadConfig resolves configuration from flags, environment and the config
// file. Flags take precedence.
func loadConfig() (*config.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	for key, val := range map[string]string{
		"rpc_url":      rpcURL,
		"registry":     registryPath,
		"network":      network,
		"output_dir":   outputDir,
		"metrics_file": metricsFile,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}
	return config.Load(v)
}

// newLogger writes text logs to the command's error stream.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// session is everything a command needs after configuration and dialing.
type session struct {
	cfg      *config.Config
	reg      *registry.Registry
	client   chain.Client
	chainID  *big.Int
	topology registry.Topology
	local    common.Address
	logger   *slog.Logger
}

// openSession loads config and registry, dials the RPC and resolves the
// local node. A network pinned by --network must match the resolved node.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()

	client, err := dialClient(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		closeClient(client)
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	topo, err := reg.Resolve(chainID.Uint64())
	if err != nil {
		closeClient(client)
		return nil, err
	}
	local, err := topo.Local.Endpoint.EVM()
	if err != nil {
		closeClient(client)
		return nil, err
	}
	if cfg.Network != "" && cfg.Network != topo.Local.Name {
		closeClient(client)
		return nil, fmt.Errorf("%w: rpc is %s (chain %d), expected %s",
			registry.ErrUnsupportedNetwork, topo.Local.Name, chainID.Uint64(), cfg.Network)
	}

	return &session{
		cfg:      cfg,
		reg:      reg,
		client:   client,
		chainID:  chainID,
		topology: topo,
		local:    local,
		logger:   newLogger(cmd),
	}, nil
}

func (s *session) Close() {
	closeClient(s.client)
}

// signer builds the configured transaction signer.
func (s *session) signer(ctx context.Context) (chain.Signer, error) {
	switch s.cfg.Signer.Kind {
	case config.SignerKey:
		return chain.NewKeySigner(s.cfg.Signer.PrivateKey, s.chainID)
	case config.SignerRemote:
		return chain.NewRemoteSigner(ctx, s.cfg.Signer.Endpoint, s.cfg.Signer.APIKey, s.cfg.SignerAddress(), s.chainID)
	default:
		return nil, config.ErrNoSigner
	}
}

func closeSigner(s chain.Signer) {
	if closer, ok := s.(interface{ Close() }); ok {
		closer.Close()
	}
}

func closeClient(c chain.Client) {
	if closer, ok := c.(interface{ Close() }); ok {
		closer.Close()
	}
}

// printJSON outputs data as formatted JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
