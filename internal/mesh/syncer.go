// Package mesh establishes the local node's outbound half of a cross-chain
// peer mesh and verifies it.
//
// A run resolves the local node from the active chain id, then walks every
// remote node in registry order: it reads the current peer, skips the write
// when the peer already matches, and otherwise writes it and waits for the
// confirmation. Remote nodes are processed strictly one after another since
// every write comes from the same signing identity and nonce stream. A failed
// link never stops the others. After synchronization every peer is read back
// and compared with the expected value.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/Bidon15/peermesh/internal/registry"
)

// Recorder receives run observations. metrics.Recorder implements it.
type Recorder interface {
	ObserveLink(status Status)
	ObserveWrite(err error)
	ObserveRun(result *Result)
}

// Options configures a Syncer.
type Options struct {
	Logger *slog.Logger
	// WriteTimeout bounds each setPeer write including its confirmation.
	// An expired write is reported as StatusWriteFailed. Zero means no bound
	// other than the caller's context.
	WriteTimeout time.Duration
	Recorder     Recorder
}

// Syncer synchronizes and verifies peer links on one local endpoint.
type Syncer struct {
	table        PeerTable
	logger       *slog.Logger
	writeTimeout time.Duration
	recorder     Recorder
}

// New creates a Syncer writing through table.
func New(table PeerTable, opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		table:        table,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		recorder:     opts.Recorder,
	}
}

// Run resolves chainID against reg, synchronizes every remote link and
// verifies the result. The only error returned is an unsupported network,
// in which case nothing has been read or written.
func (s *Syncer) Run(ctx context.Context, reg *registry.Registry, chainID uint64) (*Result, error) {
	topo, err := reg.Resolve(chainID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:     uuid.New(),
		Network:   topo.Local.Name,
		ChainID:   chainID,
		Local:     topo.Local,
		StartedAt: time.Now().UTC(),
	}

	log := s.logger.With(
		slog.String("run_id", result.RunID.String()),
		slog.String("network", topo.Local.Name),
	)
	log.Info("starting peer mesh synchronization",
		slog.Uint64("chain_id", chainID),
		slog.String("endpoint", topo.Local.Endpoint.String()),
		slog.Int("remotes", len(topo.Remotes)),
	)

	result.Links = s.sync(ctx, log, topo)
	result.Verification = s.verify(ctx, log, topo)
	result.FullySynced = result.Verification.FullySynced()
	result.FinishedAt = time.Now().UTC()

	counts := result.Counts()
	log.Info("peer mesh synchronization finished",
		slog.Int("already_set", counts[StatusAlreadySet]),
		slog.Int("written", counts[StatusWritten]),
		slog.Int("write_failed", counts[StatusWriteFailed]),
		slog.Int("unknown", counts[StatusUnknown]),
		slog.Int("mismatched", result.Verification.Mismatches()),
		slog.Bool("fully_synced", result.FullySynced),
	)

	if s.recorder != nil {
		s.recorder.ObserveRun(result)
	}
	return result, nil
}

// Sync ensures a peer link from the local endpoint to every remote in topo.
func (s *Syncer) Sync(ctx context.Context, topo registry.Topology) []LinkResult {
	return s.sync(ctx, s.logger, topo)
}

// Verify reads every remote peer back and compares it with the expected
// value. It performs no writes.
func (s *Syncer) Verify(ctx context.Context, topo registry.Topology) Report {
	return s.verify(ctx, s.logger, topo)
}

func (s *Syncer) sync(ctx context.Context, log *slog.Logger, topo registry.Topology) []LinkResult {
	results := make([]LinkResult, 0, len(topo.Remotes))

	for i, remote := range topo.Remotes {
		if err := ctx.Err(); err != nil {
			for _, rest := range topo.Remotes[i:] {
				results = append(results, s.record(LinkResult{
					Node:     rest.Name,
					EID:      rest.EID,
					Status:   StatusUnknown,
					Expected: common.Hash(registry.Encode(rest.Endpoint)),
					Detail:   fmt.Sprintf("not processed: %v", err),
					Err:      err,
				}))
			}
			log.Warn("synchronization interrupted",
				slog.Int("unprocessed", len(topo.Remotes)-i),
				slog.String("error", err.Error()),
			)
			break
		}

		results = append(results, s.record(s.syncLink(ctx, log, remote)))
	}

	return results
}

func (s *Syncer) syncLink(ctx context.Context, log *slog.Logger, remote registry.Node) LinkResult {
	expected := registry.Encode(remote.Endpoint)
	res := LinkResult{
		Node:     remote.Name,
		EID:      remote.EID,
		Status:   StatusUnknown,
		Expected: common.Hash(expected),
	}
	log = log.With(
		slog.String("remote", remote.Name),
		slog.Uint64("eid", uint64(remote.EID)),
	)

	current, err := s.table.ReadPeer(ctx, remote.EID)
	if err != nil {
		// Treated as unset; the write below decides the outcome.
		res.Err = fmt.Errorf("%w: %s (eid %d): %w", ErrReadFailure, remote.Name, remote.EID, err)
		res.Detail = fmt.Sprintf("read failed: %v", err)
		log.Warn("failed to read peer, assuming unset",
			slog.String("error", err.Error()),
		)
	} else {
		res.Previous = common.Hash(current)
		if current == expected {
			res.Status = StatusAlreadySet
			log.Info("peer already set",
				slog.String("peer", hexutil.Encode(expected[:])),
			)
			return res
		}
	}

	log.Info("setting peer",
		slog.String("current", hexutil.Encode(current[:])),
		slog.String("expected", hexutil.Encode(expected[:])),
	)

	conf, err := s.setPeer(ctx, remote.EID, expected)
	if s.recorder != nil {
		s.recorder.ObserveWrite(err)
	}
	if err != nil {
		res.Status = StatusWriteFailed
		res.Err = errors.Join(res.Err, fmt.Errorf("%w: %s (eid %d): %w", ErrWriteFailure, remote.Name, remote.EID, err))
		res.Detail = joinDetail(res.Detail, fmt.Sprintf("write failed: %v", err))
		if conf.TxHash != (common.Hash{}) {
			res.Confirmation = &conf
		}
		log.Warn("failed to set peer",
			slog.String("error", err.Error()),
		)
		return res
	}

	res.Status = StatusWritten
	res.Confirmation = &conf
	log.Info("peer set successfully",
		slog.String("tx_hash", conf.TxHash.Hex()),
		slog.Uint64("block_number", conf.BlockNumber),
	)
	return res
}

func (s *Syncer) setPeer(ctx context.Context, eid uint32, peer [32]byte) (Confirmation, error) {
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	return s.table.SetPeer(ctx, eid, peer)
}

func (s *Syncer) verify(ctx context.Context, log *slog.Logger, topo registry.Topology) Report {
	report := Report{Entries: make([]VerifyEntry, 0, len(topo.Remotes))}

	for _, remote := range topo.Remotes {
		expected := registry.Encode(remote.Endpoint)
		entry := VerifyEntry{
			Node:     remote.Name,
			EID:      remote.EID,
			Expected: common.Hash(expected),
		}

		actual, err := s.table.ReadPeer(ctx, remote.EID)
		switch {
		case err != nil:
			entry.Err = fmt.Errorf("%w: %s (eid %d): %w", ErrReadFailure, remote.Name, remote.EID, err)
			entry.Detail = fmt.Sprintf("read failed: %v", err)
		case actual == expected:
			entry.Actual = common.Hash(actual)
			entry.Match = true
		default:
			entry.Actual = common.Hash(actual)
			entry.Err = fmt.Errorf("%w: %s (eid %d)", ErrVerificationMismatch, remote.Name, remote.EID)
			entry.Detail = fmt.Sprintf("peer is %s", hexutil.Encode(actual[:]))
		}

		if !entry.Match {
			log.Warn("peer verification failed",
				slog.String("remote", remote.Name),
				slog.Uint64("eid", uint64(remote.EID)),
				slog.String("detail", entry.Detail),
			)
		}
		report.Entries = append(report.Entries, entry)
	}

	return report
}

func (s *Syncer) record(res LinkResult) LinkResult {
	if s.recorder != nil {
		s.recorder.ObserveLink(res.Status)
	}
	return res
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
