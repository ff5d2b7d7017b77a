package report

import (
	"context"
	"encoding/csv"
	"io"
	"sort"
	"strconv"
)

// CSVReporter writes the snapshot as a CSV table: ranked sources first, in
// ranking order, then any unranked source with the percentage columns left
// empty.
type CSVReporter struct {
	w io.Writer
}

// NewCSVReporter creates a CSV reporter writing to the provided writer.
func NewCSVReporter(w io.Writer) *CSVReporter { return &CSVReporter{w: w} }

// Publish renders the snapshot and flushes the underlying writer.
func (r *CSVReporter) Publish(_ context.Context, snap Snapshot) error {
	cw := csv.NewWriter(r.w)

	if err := cw.Write([]string{"sourceId", "firstPercent", "avgTrailingLatencyMs", "firstCount", "measuredCount"}); err != nil {
		return err
	}

	ranked := make(map[string]struct{}, len(snap.Ranking))

	for _, rs := range snap.Ranking {
		ranked[rs.SourceID] = struct{}{}

		rec := []string{
			rs.SourceID,
			strconv.FormatFloat(rs.FirstPercent, 'f', 1, 64),
			strconv.FormatFloat(rs.AvgTrailingLatencyMs, 'f', 1, 64),
			strconv.FormatUint(rs.FirstCount, 10),
			strconv.FormatUint(rs.MeasuredCount, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	var rest []string

	for id := range snap.Sources {
		if _, ok := ranked[id]; !ok {
			rest = append(rest, id)
		}
	}

	sort.Strings(rest)

	for _, id := range rest {
		st := snap.Sources[id]
		rec := []string{
			id,
			"",
			"",
			strconv.FormatUint(st.FirstCount, 10),
			strconv.FormatUint(st.MeasuredCount, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}
