// Package preflight provides checks run before a peer-mesh synchronization.
package preflight

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/endpoint"
	"github.com/Bidon15/peermesh/internal/registry"
)

// DefaultTimeout is the default timeout for RPC calls.
const DefaultTimeout = 10 * time.Second

// DefaultMinBalance is the default signer balance floor (0.01 ETH).
var DefaultMinBalance = big.NewInt(10_000_000_000_000_000)

// CheckName identifies a specific pre-flight check.
type CheckName string

const (
	// CheckRPCReachable verifies the RPC endpoint answers.
	CheckRPCReachable CheckName = "rpc_reachable"
	// CheckNetworkRegistered verifies the chain id resolves to a registry node.
	CheckNetworkRegistered CheckName = "network_registered"
	// CheckSignerBalance verifies the signer can pay for setPeer writes.
	CheckSignerBalance CheckName = "signer_balance"
	// CheckEndpointCode verifies the local endpoint is a deployed contract.
	CheckEndpointCode CheckName = "endpoint_code"
	// CheckEndpointOwner verifies the signer owns the local endpoint.
	CheckEndpointOwner CheckName = "endpoint_owner"
)

// CheckResult represents the result of a single pre-flight check.
type CheckResult struct {
	Name    CheckName              `json:"name"`
	Passed  bool                   `json:"passed"`
	Warning bool                   `json:"warning,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Request contains the parameters for pre-flight checks.
type Request struct {
	Registry *registry.Registry
	// Signer is the account that will send setPeer. Zero skips the balance
	// and owner checks (read-only runs).
	Signer     common.Address
	MinBalance *big.Int
}

// Response contains the results of all pre-flight checks.
type Response struct {
	OK                 bool          `json:"ok"`
	Network            string        `json:"network,omitempty"`
	ChainID            uint64        `json:"chain_id,omitempty"`
	Checks             []CheckResult `json:"checks"`
	SignerAddress      string        `json:"signer_address,omitempty"`
	RequiredBalanceETH string        `json:"required_balance_eth,omitempty"`
	CurrentBalanceETH  string        `json:"current_balance_eth,omitempty"`
}

// Checker performs pre-flight validation checks.
type Checker struct {
	client  chain.Client
	timeout time.Duration
}

// NewChecker creates a new pre-flight checker on client.
func NewChecker(client chain.Client) *Checker {
	return &Checker{
		client:  client,
		timeout: DefaultTimeout,
	}
}

// WithTimeout sets a custom timeout for RPC calls.
func (c *Checker) WithTimeout(timeout time.Duration) *Checker {
	c.timeout = timeout
	return c
}

// RunChecks performs all pre-flight checks and returns the results. Warnings
// do not clear OK.
func (c *Checker) RunChecks(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Registry == nil {
		return nil, fmt.Errorf("invalid request: registry is required")
	}
	minBalance := req.MinBalance
	if minBalance == nil {
		minBalance = DefaultMinBalance
	}

	rpcCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response := &Response{
		OK:     true,
		Checks: make([]CheckResult, 0, 5),
	}
	add := func(r CheckResult) {
		response.Checks = append(response.Checks, r)
		if !r.Passed && !r.Warning {
			response.OK = false
		}
	}

	// Check 1: RPC reachable
	chainID, reachable := c.checkRPCReachable(rpcCtx)
	add(reachable)
	if !reachable.Passed {
		return response, nil // Can't continue without connection
	}
	response.ChainID = chainID

	// Check 2: network registered
	topo, registered := c.checkNetworkRegistered(req.Registry, chainID)
	add(registered)
	if !registered.Passed {
		return response, nil
	}
	response.Network = topo.Local.Name

	local, err := topo.Local.Endpoint.EVM()
	if err != nil {
		add(CheckResult{
			Name:    CheckEndpointCode,
			Message: err.Error(),
		})
		return response, nil
	}

	// Check 3: endpoint code
	add(c.checkEndpointCode(rpcCtx, local))

	if req.Signer == (common.Address{}) {
		return response, nil
	}
	response.SignerAddress = req.Signer.Hex()
	response.RequiredBalanceETH = weiToETHString(minBalance)

	// Check 4: signer balance
	balance := c.checkSignerBalance(rpcCtx, req.Signer, minBalance)
	add(balance)
	if haveETH, ok := balance.Details["have_eth"].(string); ok {
		response.CurrentBalanceETH = haveETH
	}

	// Check 5: endpoint owner (warning only)
	add(c.checkEndpointOwner(rpcCtx, local, req.Signer))

	return response, nil
}

// checkRPCReachable verifies the RPC endpoint answers eth_chainId.
func (c *Checker) checkRPCReachable(ctx context.Context) (uint64, CheckResult) {
	result := CheckResult{
		Name: CheckRPCReachable,
	}

	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("RPC connection failed: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return 0, result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Connected to RPC, chain ID %d", chainID.Uint64())
	result.Details = map[string]interface{}{
		"chain_id": chainID.Uint64(),
	}
	return chainID.Uint64(), result
}

// checkNetworkRegistered verifies the chain id maps to a registry node.
func (c *Checker) checkNetworkRegistered(reg *registry.Registry, chainID uint64) (registry.Topology, CheckResult) {
	result := CheckResult{
		Name: CheckNetworkRegistered,
	}

	topo, err := reg.Resolve(chainID)
	if err != nil {
		result.Message = fmt.Sprintf("Chain ID %d is not in the registry", chainID)
		result.Details = map[string]interface{}{
			"chain_id": chainID,
		}
		return topo, result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Local node %s (eid %d), %d remote(s)", topo.Local.Name, topo.Local.EID, len(topo.Remotes))
	result.Details = map[string]interface{}{
		"node":     topo.Local.Name,
		"eid":      topo.Local.EID,
		"endpoint": topo.Local.Endpoint.String(),
		"remotes":  len(topo.Remotes),
	}
	return topo, result
}

// checkEndpointCode verifies the local endpoint address holds contract code.
func (c *Checker) checkEndpointCode(ctx context.Context, addr common.Address) CheckResult {
	result := CheckResult{
		Name: CheckEndpointCode,
	}

	code, err := c.client.CodeAt(ctx, addr, nil)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to get endpoint code: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return result
	}
	if len(code) == 0 {
		result.Message = fmt.Sprintf("No contract deployed at %s", addr.Hex())
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Endpoint %s is deployed", addr.Hex())
	result.Details = map[string]interface{}{
		"code_size": len(code),
	}
	return result
}

// checkSignerBalance verifies the signer has sufficient funds.
func (c *Checker) checkSignerBalance(ctx context.Context, signer common.Address, requiredWei *big.Int) CheckResult {
	result := CheckResult{
		Name: CheckSignerBalance,
	}

	balance, err := c.client.BalanceAt(ctx, signer, nil)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to get signer balance: %v", err)
		result.Details = map[string]interface{}{
			"error": err.Error(),
		}
		return result
	}

	haveETH := weiToETHString(balance)
	needETH := weiToETHString(requiredWei)

	result.Details = map[string]interface{}{
		"have_wei": balance.String(),
		"need_wei": requiredWei.String(),
		"have_eth": haveETH,
		"need_eth": needETH,
	}

	if balance.Cmp(requiredWei) < 0 {
		result.Message = fmt.Sprintf("Insufficient signer balance: have %s ETH, need %s ETH", haveETH, needETH)
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Signer has sufficient balance: %s ETH", haveETH)
	return result
}

// checkEndpointOwner compares the endpoint owner with the signer. A mismatch
// is a warning: the signer may hold a delegated role instead.
func (c *Checker) checkEndpointOwner(ctx context.Context, addr, signer common.Address) CheckResult {
	result := CheckResult{
		Name:    CheckEndpointOwner,
		Warning: true,
	}

	owner, err := endpoint.New(addr, c.client, nil, nil).Owner(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to read endpoint owner: %v", err)
		return result
	}

	result.Details = map[string]interface{}{
		"owner":  owner.Hex(),
		"signer": signer.Hex(),
	}
	if owner != signer {
		result.Message = fmt.Sprintf("Signer %s is not the endpoint owner %s; setPeer may revert", signer.Hex(), owner.Hex())
		return result
	}

	result.Passed = true
	result.Warning = false
	result.Message = "Signer owns the endpoint"
	return result
}

// weiToETHString converts wei to a human-readable ETH string.
func weiToETHString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	weiFloat := new(big.Float).SetInt(wei)
	ethFloat := new(big.Float).Quo(weiFloat, big.NewFloat(1e18))

	return ethFloat.Text('f', 4)
}
