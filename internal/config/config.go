// Package config loads meshctl settings from defaults, a config file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/preflight"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "MESHCTL"

// Signer kinds.
const (
	SignerKey    = "key"
	SignerRemote = "remote"
)

// Default values.
const (
	DefaultRegistryPath = "mesh.yaml"
	DefaultOutputDir    = "deployments"
	DefaultWriteTimeout = 3 * time.Minute
	DefaultRPCTimeout   = 30 * time.Second
)

// ErrNoSigner is returned when a write operation is configured without a signer.
var ErrNoSigner = errors.New("peermesh: no signer configured")

// Signer selects how setPeer transactions are signed.
type Signer struct {
	// Kind is "key" or "remote". Empty means read-only unless a key or a
	// remote endpoint is set, in which case the kind is inferred.
	Kind       string `mapstructure:"kind" validate:"omitempty,oneof=key remote"`
	PrivateKey string `mapstructure:"private_key" validate:"required_if=Kind key,omitempty,hexadecimal"`
	Endpoint   string `mapstructure:"endpoint" validate:"required_if=Kind remote,omitempty,url"`
	APIKey     string `mapstructure:"api_key" validate:"required_if=Kind remote"`
	// Address selects one of the remote signer's accounts. Empty uses the first.
	Address string `mapstructure:"address" validate:"omitempty,eth_addr"`
}

// Gas tunes transaction pricing.
type Gas struct {
	MinGasPriceGwei uint64 `mapstructure:"min_gas_price_gwei"`
	DefaultGasLimit uint64 `mapstructure:"default_gas_limit" validate:"gte=21000"`
}

// Config is the full meshctl configuration.
type Config struct {
	// Network optionally pins the expected local node name. A mismatch
	// with the node resolved from the RPC chain id aborts the run.
	Network      string        `mapstructure:"network"`
	RPCURL       string        `mapstructure:"rpc_url" validate:"required,url"`
	RegistryPath string        `mapstructure:"registry" validate:"required"`
	OutputDir    string        `mapstructure:"output_dir"`
	MetricsFile  string        `mapstructure:"metrics_file"`
	Signer       Signer        `mapstructure:"signer"`
	Gas          Gas           `mapstructure:"gas"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	RPCTimeout   time.Duration `mapstructure:"rpc_timeout" validate:"gt=0"`
	// MinBalanceWei is the signer balance floor checked by preflight.
	MinBalanceWei string `mapstructure:"min_balance_wei" validate:"omitempty,numeric"`
}

var validate = validator.New()

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("registry", DefaultRegistryPath)
	v.SetDefault("output_dir", DefaultOutputDir)
	v.SetDefault("write_timeout", DefaultWriteTimeout)
	v.SetDefault("rpc_timeout", DefaultRPCTimeout)
	v.SetDefault("gas.min_gas_price_gwei", new(big.Int).Div(chain.DefaultMinGasPrice, big.NewInt(params.GWei)).Uint64())
	v.SetDefault("gas.default_gas_limit", chain.DefaultGasLimit)
	v.SetDefault("min_balance_wei", preflight.DefaultMinBalance.String())
}

// BindEnv enables MESHCTL_* environment variables on v. Nested keys use
// underscores, so signer.private_key reads MESHCTL_SIGNER_PRIVATE_KEY.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{
		"network", "rpc_url",
		"signer.kind", "signer.private_key", "signer.endpoint", "signer.api_key", "signer.address",
		"metrics_file",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the config file (if one is set on v), applies defaults and
// environment variables, and validates the result. Flags must already be
// bound to v by the caller.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Signer.PrivateKey = strings.TrimPrefix(cfg.Signer.PrivateKey, "0x")
	cfg.Signer.inferKind()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (s *Signer) inferKind() {
	if s.Kind != "" {
		return
	}
	switch {
	case s.PrivateKey != "":
		s.Kind = SignerKey
	case s.Endpoint != "":
		s.Kind = SignerRemote
	}
}

// HasSigner reports whether a signer is configured.
func (c *Config) HasSigner() bool {
	return c.Signer.Kind != ""
}

// SignerAddress returns the configured remote account, zero if unset.
func (c *Config) SignerAddress() common.Address {
	if c.Signer.Address == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Signer.Address)
}

// TxOptions converts the gas settings for chain.NewTransactor.
func (c *Config) TxOptions() chain.TxOptions {
	opts := chain.TxOptions{DefaultGasLimit: c.Gas.DefaultGasLimit}
	if c.Gas.MinGasPriceGwei > 0 {
		opts.MinGasPrice = new(big.Int).Mul(new(big.Int).SetUint64(c.Gas.MinGasPriceGwei), big.NewInt(params.GWei))
	}
	return opts
}

// MinBalance returns the preflight balance floor, or nil for the default.
func (c *Config) MinBalance() *big.Int {
	if c.MinBalanceWei == "" {
		return nil
	}
	wei, ok := new(big.Int).SetString(c.MinBalanceWei, 10)
	if !ok {
		return nil
	}
	return wei
}
