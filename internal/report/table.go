package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
)

// TableReporter renders a human-readable ranking table, the default output
// of an interactive run.
type TableReporter struct {
	w io.Writer
}

// NewTableReporter creates a table reporter writing to the provided writer.
func NewTableReporter(w io.Writer) *TableReporter { return &TableReporter{w: w} }

// NewStdoutTable returns a table reporter that writes to os.Stdout.
func NewStdoutTable() *TableReporter { return &TableReporter{w: os.Stdout} }

// Publish renders the ranking. With zero scored buckets it prints an
// insufficient-data notice instead of an empty table.
func (r *TableReporter) Publish(_ context.Context, snap Snapshot) error {
	if snap.Insufficient {
		_, err := fmt.Fprintf(r.w, "insufficient data: no bucket was scored in %s\n", durationMs(snap.RunDurationMs))
		return err
	}

	if _, err := fmt.Fprintf(r.w, "run: %s, scored buckets: %d\n\n", durationMs(snap.RunDurationMs), snap.ScoredBuckets); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "RANK\tSOURCE\tFIRST %\tAVG TRAIL MS\tFIRST\tMEASURED")

	for i, rs := range snap.Ranking {
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%.1f\t%d\t%d\n",
			i+1, rs.SourceID, rs.FirstPercent, rs.AvgTrailingLatencyMs, rs.FirstCount, rs.MeasuredCount)
	}

	ranked := make(map[string]struct{}, len(snap.Ranking))
	for _, rs := range snap.Ranking {
		ranked[rs.SourceID] = struct{}{}
	}

	var rest []string

	for id := range snap.Sources {
		if _, ok := ranked[id]; !ok {
			rest = append(rest, id)
		}
	}

	sort.Strings(rest)

	for _, id := range rest {
		fmt.Fprintf(tw, "-\t%s\tn/a\tn/a\t0\t0\n", id)
	}

	return tw.Flush()
}

func durationMs(ms int64) string {
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
