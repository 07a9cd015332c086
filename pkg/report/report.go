// Package report renders run outcomes: the human-readable summary, the JSON
// document, and the worker sweep table.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/wehubfusion/Daedalus/pkg/aggregate"
	"github.com/wehubfusion/Daedalus/pkg/orchestrator"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// Document is the JSON form of a run.
type Document struct {
	RunID       string                `json:"run_id"`
	State       orchestrator.State    `json:"state"`
	TaskCount   int                   `json:"task_count"`
	GeneratedAt time.Time             `json:"generated_at"`
	Summary     *aggregate.RunSummary `json:"summary,omitempty"`
	Partial     []store.NodeResult    `json:"partial,omitempty"`
	Missing     []string              `json:"missing,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// NewDocument captures res at the current time.
func NewDocument(res *orchestrator.Result) Document {
	doc := Document{
		RunID:       res.RunID,
		State:       res.State,
		TaskCount:   res.TaskCount,
		GeneratedAt: time.Now().UTC(),
		Summary:     res.Summary,
		Partial:     res.Partial,
		Missing:     res.Missing,
	}
	if res.Err != nil {
		doc.Error = res.Err.Error()
	}
	return doc
}

// Marshal encodes the document as indented JSON.
func (d Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// WriteJSONFile writes the document to path, creating parent directories.
func WriteJSONFile(path string, d Document) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func printer() *message.Printer {
	return message.NewPrinter(language.English)
}

// WriteText prints the summary of a DONE run, or the partial counts and
// missing nodes of a FAILED one.
func WriteText(w io.Writer, res *orchestrator.Result) error {
	p := printer()
	var b strings.Builder

	p.Fprintf(&b, "Run %s: %s (%d tasks)\n", res.RunID, res.State, res.TaskCount)

	if res.State == orchestrator.StateFailed {
		if res.Err != nil {
			p.Fprintf(&b, "Error: %v\n", res.Err)
		}
		if len(res.Missing) > 0 {
			p.Fprintf(&b, "Missing results: %s\n", strings.Join(res.Missing, ", "))
		}
		if len(res.Partial) > 0 {
			b.WriteString("Partial results:\n")
			writeNodeRows(p, &b, res.Partial)
		}
		_, err := io.WriteString(w, b.String())
		return err
	}

	if res.Summary == nil {
		_, err := io.WriteString(w, b.String())
		return err
	}

	s := res.Summary
	results := make([]store.NodeResult, len(s.Nodes))
	for i, n := range s.Nodes {
		results[i] = n.NodeResult
	}
	writeNodeRows(p, &b, results)

	p.Fprintf(&b, "Total: %d attempted, %d succeeded, %d failed\n",
		s.Totals.Attempted, s.Totals.Succeeded, s.Totals.Failed)
	p.Fprintf(&b, "Total wall time: %.2fs\n", s.TotalWallTime.Seconds())
	if s.Baseline > 0 {
		p.Fprintf(&b, "Baseline: %.2fs\n", s.Baseline.Seconds())
	}
	p.Fprintf(&b, "Efficiency: %s\n", s.Efficiency)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeNodeRows(p *message.Printer, b *strings.Builder, results []store.NodeResult) {
	for _, r := range results {
		p.Fprintf(b, "  %-8s attempted=%d succeeded=%d failed=%d time=%.2fs\n",
			r.NodeID, r.Attempted, r.Succeeded, r.Failed, r.Elapsed.Seconds())
		for _, f := range r.Failures {
			p.Fprintf(b, "    failed %s: %s\n", f.Source, f.Message)
		}
	}
}

// WriteSweep prints the worker sweep table.
func WriteSweep(w io.Writer, rows []aggregate.Speedup) error {
	p := printer()
	var b strings.Builder

	b.WriteString("Workers | Time (s) | Speedup\n")
	b.WriteString("--------|----------|--------\n")
	for _, r := range rows {
		p.Fprintf(&b, "%7d | %8.2f | %s\n", r.Workers, r.Elapsed.Seconds(), speedup(r.Speedup))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func speedup(r aggregate.Ratio) string {
	if !r.Defined {
		return r.String()
	}
	return r.String() + "x"
}
