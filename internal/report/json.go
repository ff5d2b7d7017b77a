package report

import (
	"context"
	"encoding/json"
	"io"
	"os"
)

// JSONReporter writes the snapshot as single-line JSON to an io.Writer.
type JSONReporter struct {
	w io.Writer
}

// NewJSONReporter creates a JSON reporter writing to the provided writer.
func NewJSONReporter(w io.Writer) *JSONReporter { return &JSONReporter{w: w} }

// NewStdoutJSON returns a JSON reporter that writes to os.Stdout.
func NewStdoutJSON() *JSONReporter { return &JSONReporter{w: os.Stdout} }

// Publish marshals the snapshot as JSON and writes it with a trailing newline.
func (r *JSONReporter) Publish(_ context.Context, snap Snapshot) error {
	enc := json.NewEncoder(r.w)
	// Keep compact output; callers can wrap the writer if they want pretty printing.
	return enc.Encode(snap)
}
