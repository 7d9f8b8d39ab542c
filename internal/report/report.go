// Package report renders run outcomes for the command line.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"microdata/internal/config"
	"microdata/internal/coverage"
	"microdata/internal/pipeline"
	"microdata/internal/probe"
	"microdata/internal/storage"
)

// Format selects the output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// Run writes a run report.
func Run(w io.Writer, rep pipeline.Report, f Format) error {
	if f == FormatJSON {
		return renderJSON(w, rep)
	}

	t := newTable(w)
	t.SetTitle("%s %s", rep.Dataset, rep.Status)
	t.AppendRow(table.Row{"run", rep.RunID})
	t.AppendRow(table.Row{"source", rep.Source})
	t.AppendRow(table.Row{"temporality", rep.Temporality})
	t.AppendRow(table.Row{"measure type", rep.MeasureType})
	t.AppendRow(table.Row{"rows", rep.Rows})
	if rep.Checksum != "" {
		t.AppendRow(table.Row{"checksum", rep.Checksum})
	}
	if rep.FailedRule != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"failed rule", rep.FailedRule})
	}
	if rep.Failure != nil {
		t.AppendRow(table.Row{"message", rep.Failure.Message})
		if len(rep.Failure.SampleIdentifiers) > 0 {
			t.AppendRow(table.Row{"sample", strings.Join(rep.Failure.SampleIdentifiers, ", ")})
		}
	}
	if rep.Coverage != nil {
		t.AppendSeparator()
		appendCoverage(t, *rep.Coverage)
	}
	if rep.TableFile != "" {
		t.AppendRow(table.Row{"table file", rep.TableFile})
	}
	if rep.MetadataFile != "" {
		t.AppendRow(table.Row{"metadata file", rep.MetadataFile})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"duration", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond)})
	t.Render()
	return nil
}

func appendCoverage(t table.Writer, s coverage.Summary) {
	t.AppendRow(table.Row{"coverage start", s.Start})
	t.AppendRow(table.Row{"coverage latest", s.Latest})
	if len(s.StatusDates) > 0 {
		t.AppendRow(table.Row{"status dates", strings.Join(s.StatusDates, ", ")})
	}
}

// Coverage writes a coverage summary.
func Coverage(w io.Writer, dataset string, s coverage.Summary, f Format) error {
	if f == FormatJSON {
		return renderJSON(w, s)
	}
	t := newTable(w)
	t.SetTitle("%s coverage", dataset)
	appendCoverage(t, s)
	t.Render()
	return nil
}

// Normalized writes the result of a normalize run.
func Normalized(w io.Writer, n pipeline.Normalized, f Format) error {
	if f == FormatJSON {
		return renderJSON(w, n)
	}
	t := newTable(w)
	t.AppendRow(table.Row{"table file", n.Path})
	t.AppendRow(table.Row{"rows", n.Rows})
	t.AppendRow(table.Row{"checksum", n.Checksum})
	t.Render()
	return nil
}

// LastRun writes a ledger row. ok=false prints a placeholder.
func LastRun(w io.Writer, dataset string, rec storage.RunRecord, ok bool, f Format) error {
	if f == FormatJSON {
		if !ok {
			return renderJSON(w, nil)
		}
		return renderJSON(w, rec)
	}
	if !ok {
		_, _ = fmt.Fprintf(w, "(no runs recorded for %s)\n", dataset)
		return nil
	}
	t := newTable(w)
	t.SetTitle("%s last run", rec.Dataset)
	t.AppendRow(table.Row{"run", rec.RunID})
	t.AppendRow(table.Row{"status", rec.Status})
	t.AppendRow(table.Row{"rows", rec.Rows})
	if rec.FailedRule != "" {
		t.AppendRow(table.Row{"failed rule", rec.FailedRule})
		t.AppendRow(table.Row{"message", rec.Message})
	}
	if len(rec.SampleIdentifiers) > 0 {
		t.AppendRow(table.Row{"sample", strings.Join(rec.SampleIdentifiers, ", ")})
	}
	if rec.CoverageStart != "" {
		t.AppendRow(table.Row{"coverage", rec.CoverageStart + " .. " + rec.CoverageLatest})
	}
	t.AppendRow(table.Row{"finished", rec.FinishedAt.UTC().Format(time.RFC3339)})
	t.Render()
	return nil
}

// Probe writes probe suggestions.
func Probe(w io.Writer, s probe.Suggestion, f Format) error {
	if f == FormatJSON {
		return renderJSON(w, s)
	}
	t := newTable(w)
	t.SetTitle("suggested settings")
	t.AppendRow(table.Row{"delimiter", strconv.Quote(s.Delimiter)})
	t.AppendRow(table.Row{"encoding", s.Encoding})
	t.AppendRow(table.Row{"measure type", s.MeasureType})
	t.AppendRow(table.Row{"temporality", s.Temporality})
	t.AppendRow(table.Row{"sampled rows", s.Rows})
	if s.Skipped > 0 {
		t.AppendRow(table.Row{"skipped rows", s.Skipped})
	}
	t.Render()
	for _, n := range s.Notes {
		_, _ = fmt.Fprintf(w, "note: %s\n", n)
	}
	return nil
}

// Issues writes configuration problems, one per line.
func Issues(w io.Writer, issues []config.Issue) {
	for _, is := range issues {
		_, _ = fmt.Fprintln(w, is.String())
	}
}
