package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/Bidon15/peermesh/internal/preflight"
	"github.com/Bidon15/peermesh/internal/registry"
	"github.com/Bidon15/peermesh/internal/report"
)

func newPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check RPC, registry, endpoint and signer before a sync",
		Long: `Run the checks that peers sync runs before writing:
  rpc_reachable       the RPC answers eth_chainId
  network_registered  the chain id resolves to a registry node
  endpoint_code       the local endpoint is a deployed contract
  signer_balance      the signer can pay for setPeer writes
  endpoint_owner      the signer owns the endpoint (warning only)

Signer checks are skipped when no signer is configured.`,
		RunE: runPreflight,
	}
}

func runPreflight(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return err
	}
	client, err := dialClient(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer closeClient(client)

	var signerAddr common.Address
	if cfg.HasSigner() {
		s := &session{cfg: cfg, client: client}
		// Remote signers need the chain id before listing accounts.
		if id, err := client.ChainID(ctx); err == nil {
			s.chainID = id
			if signer, err := s.signer(ctx); err == nil {
				signerAddr = signer.Address()
				closeSigner(signer)
			} else {
				newLogger(cmd).Warn("signer unavailable, skipping signer checks", "error", err)
			}
		}
	}

	resp, err := preflight.NewChecker(client).WithTimeout(cfg.RPCTimeout).RunChecks(ctx, &preflight.Request{
		Registry:   reg,
		Signer:     signerAddr,
		MinBalance: cfg.MinBalance(),
	})
	if err != nil {
		return err
	}

	if jsonOut {
		err = printJSON(cmd.OutOrStdout(), resp)
	} else {
		err = writeChecks(cmd.OutOrStdout(), resp)
	}
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("preflight failed")
	}
	return nil
}

// writeChecks prints one line per check.
func writeChecks(out io.Writer, resp *preflight.Response) error {
	tty := report.IsTTY(out)
	mark := func(code, s string) string {
		if !tty {
			return s
		}
		return code + s + "\033[0m"
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, c := range resp.Checks {
		status := mark("\033[32m", "PASS")
		switch {
		case c.Passed:
		case c.Warning:
			status = mark("\033[33m", "WARN")
		default:
			status = mark("\033[31m", "FAIL")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", status, c.Name, c.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if resp.OK {
		_, err := fmt.Fprintln(out, "\npreflight ok")
		return err
	}
	_, err := fmt.Fprintln(out, "\npreflight failed")
	return err
}
