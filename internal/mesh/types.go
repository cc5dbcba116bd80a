package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Bidon15/peermesh/internal/registry"
)

// Sentinel errors. ErrUnsupportedNetwork is the only one returned by Run;
// the others are wrapped into per-node results.
var (
	ErrUnsupportedNetwork   = registry.ErrUnsupportedNetwork
	ErrReadFailure          = errors.New("peermesh: peer read failed")
	ErrWriteFailure         = errors.New("peermesh: peer write failed")
	ErrVerificationMismatch = errors.New("peermesh: peer verification mismatch")
)

// PeerTable is the local endpoint's peer-link table.
type PeerTable interface {
	// ReadPeer returns the peer registered for eid, zero if unset.
	ReadPeer(ctx context.Context, eid uint32) ([32]byte, error)
	// SetPeer registers peer for eid and blocks until the write is confirmed.
	SetPeer(ctx context.Context, eid uint32, peer [32]byte) (Confirmation, error)
}

// Confirmation describes an included setPeer transaction.
type Confirmation struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber,omitempty"`
	GasUsed     uint64      `json:"gasUsed,omitempty"`
}

// Status is the synchronization outcome of one link.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusAlreadySet  Status = "already_set"
	StatusWritten     Status = "written"
	StatusWriteFailed Status = "write_failed"
)

// State is the terminal state of one link after verification.
type State string

const (
	StateVerified    State = "verified"
	StateMismatched  State = "mismatched"
	StateWriteFailed State = "write_failed"
	StateUnknown     State = "unknown"
)

// LinkResult is the synchronizer's outcome for one remote node.
type LinkResult struct {
	Node     string      `json:"node"`
	EID      uint32      `json:"eid"`
	Status   Status      `json:"status"`
	Expected common.Hash `json:"expected"`
	// Previous is the value read before any write. Zero when the read failed.
	Previous     common.Hash   `json:"previous"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	// Err wraps ErrReadFailure when the initial read failed and
	// ErrWriteFailure when the write failed. A written link may still carry
	// the read failure.
	Err error `json:"-"`
}

// VerifyEntry is the verifier's outcome for one remote node.
type VerifyEntry struct {
	Node     string      `json:"node"`
	EID      uint32      `json:"eid"`
	Expected common.Hash `json:"expected"`
	Actual   common.Hash `json:"actual"`
	Match    bool        `json:"match"`
	Err      error       `json:"-"`
	Detail   string      `json:"detail,omitempty"`
}

// Report is the ordered verification table.
type Report struct {
	Entries []VerifyEntry `json:"entries"`
}

// FullySynced is the AND of all match flags. An empty report is synced.
func (r Report) FullySynced() bool {
	for _, e := range r.Entries {
		if !e.Match {
			return false
		}
	}
	return true
}

// Mismatches returns the number of entries that do not match.
func (r Report) Mismatches() int {
	n := 0
	for _, e := range r.Entries {
		if !e.Match {
			n++
		}
	}
	return n
}

// Result is the outcome of a full run.
type Result struct {
	RunID        uuid.UUID     `json:"runId"`
	Network      string        `json:"network"`
	ChainID      uint64        `json:"chainId"`
	Local        registry.Node `json:"local"`
	Links        []LinkResult  `json:"links"`
	Verification Report        `json:"verification"`
	FullySynced  bool          `json:"fullySynced"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
}

// Counts returns the number of links per synchronization status.
func (r *Result) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, l := range r.Links {
		counts[l.Status]++
	}
	return counts
}

// Writes returns the number of links for which a write was attempted.
func (r *Result) Writes() int {
	c := r.Counts()
	return c[StatusWritten] + c[StatusWriteFailed]
}

// Row joins a link's sync outcome with its verification.
type Row struct {
	Node   string
	EID    uint32
	Status Status
	State  State
	Match  bool
	Detail string
}

// Rows returns one row per remote node in registry order.
func (r *Result) Rows() []Row {
	verify := make(map[string]VerifyEntry, len(r.Verification.Entries))
	for _, e := range r.Verification.Entries {
		verify[e.Node] = e
	}

	rows := make([]Row, 0, len(r.Links))
	for _, l := range r.Links {
		v, verified := verify[l.Node]
		row := Row{
			Node:   l.Node,
			EID:    l.EID,
			Status: l.Status,
			Match:  v.Match,
			Detail: l.Detail,
		}
		switch {
		case l.Status == StatusWriteFailed:
			row.State = StateWriteFailed
		case l.Status == StatusUnknown, !verified:
			row.State = StateUnknown
		case v.Match:
			row.State = StateVerified
		default:
			row.State = StateMismatched
		}
		if row.Detail == "" {
			row.Detail = v.Detail
		}
		rows = append(rows, row)
	}
	return rows
}
