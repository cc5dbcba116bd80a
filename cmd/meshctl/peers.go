package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/endpoint"
	"github.com/Bidon15/peermesh/internal/mesh"
	"github.com/Bidon15/peermesh/internal/metrics"
	"github.com/Bidon15/peermesh/internal/preflight"
	"github.com/Bidon15/peermesh/internal/report"
)

func newPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Synchronize or verify peer links",
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Set every missing or stale peer link on the local endpoint",
		Long: `Resolve the local node from the RPC chain id, write every remote peer
that is not already correct, then read every link back.

Links are processed one at a time from a single signer. A failed link does
not stop the others. The command exits non-zero unless every link verifies.`,
		RunE: runSync,
	}
	syncCmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "do not run preflight checks before writing")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Read every peer link and compare it with the registry",
		RunE:  runVerify,
	}

	cmd.AddCommand(syncCmd, verifyCmd)
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	signer, err := s.signer(ctx)
	if err != nil {
		return err
	}
	defer closeSigner(signer)

	if !skipPreflight {
		if err := s.preflight(ctx, cmd, signer); err != nil {
			return err
		}
	}

	tx := chain.NewTransactor(s.client, signer, s.cfg.TxOptions(), s.logger)
	table := endpoint.New(s.local, s.client, tx, s.logger)

	recorder := metrics.New()
	syncer := mesh.New(table, mesh.Options{
		Logger:       s.logger,
		WriteTimeout: s.cfg.WriteTimeout,
		Recorder:     recorder,
	})

	result, err := syncer.Run(ctx, s.reg, s.chainID.Uint64())
	if err != nil {
		return err
	}

	// Writes already happened; print the report before anything can fail.
	if err := writeResult(cmd, result); err != nil {
		return err
	}
	if err := s.persist(result, recorder); err != nil {
		s.logger.Error("failed to persist run", slog.String("error", err.Error()))
		if !result.FullySynced {
			return errors.Join(errNotSynced, err)
		}
		return err
	}
	if !result.FullySynced {
		return errNotSynced
	}
	return nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	table := endpoint.New(s.local, s.client, nil, s.logger)
	rep := mesh.New(table, mesh.Options{Logger: s.logger}).Verify(ctx, s.topology)

	if jsonOut {
		err = printJSON(cmd.OutOrStdout(), rep)
	} else {
		err = report.WriteVerifyText(cmd.OutOrStdout(), s.topology.Local.Name, rep)
	}
	if err != nil {
		return err
	}
	if !rep.FullySynced() {
		return errNotSynced
	}
	return nil
}

// preflight runs the checks for signer and fails on any blocking failure.
func (s *session) preflight(ctx context.Context, cmd *cobra.Command, signer chain.Signer) error {
	resp, err := preflight.NewChecker(s.client).WithTimeout(s.cfg.RPCTimeout).RunChecks(ctx, &preflight.Request{
		Registry:   s.reg,
		Signer:     signer.Address(),
		MinBalance: s.cfg.MinBalance(),
	})
	if err != nil {
		return err
	}
	for _, c := range resp.Checks {
		switch {
		case c.Passed:
			s.logger.Debug("preflight check passed", slog.String("check", string(c.Name)), slog.String("message", c.Message))
		case c.Warning:
			s.logger.Warn("preflight warning", slog.String("check", string(c.Name)), slog.String("message", c.Message))
		default:
			s.logger.Error("preflight check failed", slog.String("check", string(c.Name)), slog.String("message", c.Message))
		}
	}
	if !resp.OK {
		if !jsonOut {
			_ = writeChecks(cmd.OutOrStdout(), resp)
		}
		return fmt.Errorf("preflight failed for %s (use --skip-preflight to override)", resp.Network)
	}
	return nil
}

// persist saves the run artifact and metrics when configured.
func (s *session) persist(result *mesh.Result, recorder *metrics.Recorder) error {
	if s.cfg.OutputDir != "" {
		path, err := report.Save(s.cfg.OutputDir, result)
		if err != nil {
			return err
		}
		s.logger.Info("run summary saved", slog.String("path", path))
	}
	if s.cfg.MetricsFile != "" {
		if err := recorder.WriteTextfile(s.cfg.MetricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
		s.logger.Debug("metrics written", slog.String("path", s.cfg.MetricsFile))
	}
	return nil
}

func writeResult(cmd *cobra.Command, result *mesh.Result) error {
	if jsonOut {
		return report.WriteJSON(cmd.OutOrStdout(), result)
	}
	return report.WriteText(cmd.OutOrStdout(), result)
}
