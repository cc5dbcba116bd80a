// Package report renders peer-mesh run results for terminals and persists
// them as JSON artifacts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/Bidon15/peermesh/internal/mesh"
)

// Link is one row of the JSON summary.
type Link struct {
	Node     string      `json:"node"`
	EID      uint32      `json:"eid"`
	Status   mesh.Status `json:"status"`
	State    mesh.State  `json:"state"`
	Expected string      `json:"expected"`
	Actual   string      `json:"actual,omitempty"`
	TxHash   string      `json:"txHash,omitempty"`
	Block    uint64      `json:"blockNumber,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// Summary is the JSON form of a run.
type Summary struct {
	RunID       uuid.UUID           `json:"runId"`
	Network     string              `json:"network"`
	ChainID     uint64              `json:"chainId"`
	Endpoint    string              `json:"endpoint"`
	EID         uint32              `json:"eid"`
	FullySynced bool                `json:"fullySynced"`
	Counts      map[mesh.Status]int `json:"counts"`
	Writes      int                 `json:"writes"`
	Mismatches  int                 `json:"mismatches"`
	Links       []Link              `json:"links"`
	StartedAt   time.Time           `json:"startedAt"`
	FinishedAt  time.Time           `json:"finishedAt"`
}

// NewSummary flattens result into a Summary.
func NewSummary(result *mesh.Result) Summary {
	actual := make(map[string]mesh.VerifyEntry, len(result.Verification.Entries))
	for _, e := range result.Verification.Entries {
		actual[e.Node] = e
	}

	rows := result.Rows()
	links := make([]Link, 0, len(rows))
	for i, row := range rows {
		l := result.Links[i]
		link := Link{
			Node:     row.Node,
			EID:      row.EID,
			Status:   row.Status,
			State:    row.State,
			Expected: l.Expected.Hex(),
			Detail:   row.Detail,
		}
		if v, ok := actual[row.Node]; ok && v.Err == nil {
			link.Actual = v.Actual.Hex()
		}
		if l.Confirmation != nil {
			link.TxHash = l.Confirmation.TxHash.Hex()
			link.Block = l.Confirmation.BlockNumber
		}
		links = append(links, link)
	}

	return Summary{
		RunID:       result.RunID,
		Network:     result.Network,
		ChainID:     result.ChainID,
		Endpoint:    result.Local.Endpoint.String(),
		EID:         result.Local.EID,
		FullySynced: result.FullySynced,
		Counts:      result.Counts(),
		Writes:      result.Writes(),
		Mismatches:  result.Verification.Mismatches(),
		Links:       links,
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
	}
}

// WriteJSON writes result as indented JSON.
func WriteJSON(w io.Writer, result *mesh.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewSummary(result))
}

// WriteText writes result as a table followed by a fully-synced footer.
// Colors are only used when w is a terminal.
func WriteText(w io.Writer, result *mesh.Result) error {
	p := newPalette(w)

	fmt.Fprintf(w, "%s %s (chain %d, eid %d) run %s\n\n",
		p.bold("Network:"), result.Network, result.ChainID, result.Local.EID, result.RunID)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	p.header(tw, "NODE", "EID", "STATUS", "VERIFIED", "DETAIL")
	for _, row := range result.Rows() {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			row.Node, row.EID, row.Status, p.state(row.State), truncate(row.Detail, 80))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	synced := p.red("no")
	if result.FullySynced {
		synced = p.green("yes")
	}
	_, err := fmt.Fprintf(w, "\nwrites: %d  mismatches: %d  fully synced: %s\n",
		result.Writes(), result.Verification.Mismatches(), synced)
	return err
}

// WriteVerifyText writes a read-only verification table for network.
func WriteVerifyText(w io.Writer, network string, rep mesh.Report) error {
	p := newPalette(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	p.header(tw, "NODE", "EID", "EXPECTED", "ACTUAL", "MATCH")
	for _, e := range rep.Entries {
		actual := e.Actual.Hex()
		if e.Err != nil {
			actual = truncate(e.Detail, 66)
		}
		match := p.red("no")
		if e.Match {
			match = p.green("yes")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.Node, e.EID, e.Expected.Hex(), actual, match)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	synced := p.red("no")
	if rep.FullySynced() {
		synced = p.green("yes")
	}
	_, err := fmt.Fprintf(w, "\n%s mismatches: %d  fully synced: %s\n", network, rep.Mismatches(), synced)
	return err
}

// FileName returns the artifact name for network.
func FileName(network string) string {
	return fmt.Sprintf("peers-%s.json", network)
}

// Save writes the JSON summary to dir, creating it if needed, and returns
// the written path.
func Save(dir string, result *mesh.Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	data, err := json.MarshalIndent(NewSummary(result), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}

	path := filepath.Join(dir, FileName(result.Network))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// truncate truncates a string to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
