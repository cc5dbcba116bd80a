// Command example synchronizes one network's peer links through the library
// API instead of meshctl.
//
//	RPC_URL=https://rpc.sepolia.org PRIVATE_KEY=... go run ./example
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Bidon15/peermesh/internal/chain"
	"github.com/Bidon15/peermesh/internal/endpoint"
	"github.com/Bidon15/peermesh/internal/mesh"
	"github.com/Bidon15/peermesh/internal/registry"
	"github.com/Bidon15/peermesh/internal/report"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reg, err := registry.Load("example/mesh.yaml")
	if err != nil {
		return err
	}

	client, err := chain.Dial(ctx, os.Getenv("RPC_URL"))
	if err != nil {
		return err
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	topo, err := reg.Resolve(chainID.Uint64())
	if err != nil {
		return err
	}
	local, err := topo.Local.Endpoint.EVM()
	if err != nil {
		return err
	}

	signer, err := chain.NewKeySigner(os.Getenv("PRIVATE_KEY"), chainID)
	if err != nil {
		return err
	}
	tx := chain.NewTransactor(client, signer, chain.TxOptions{}, logger)

	syncer := mesh.New(endpoint.New(local, client, tx, logger), mesh.Options{
		Logger:       logger,
		WriteTimeout: 3 * time.Minute,
	})
	result, err := syncer.Run(ctx, reg, chainID.Uint64())
	if err != nil {
		return err
	}
	return report.WriteText(os.Stdout, result)
}
