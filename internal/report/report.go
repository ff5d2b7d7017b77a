package report

import (
	"context"
	"time"
)

//go:generate mockgen -source=report.go -destination=./mocks/mock_report.go -package=mocks

// SourceStats are the per-source figures of a finished run. FirstPercent is
// the share of scored buckets this source won; AvgTrailingLatencyMs is the
// mean positive delay behind the winner, i.e. zero entries for buckets the
// source won are not averaged in.
type SourceStats struct {
	FirstCount           uint64  `json:"firstCount"`
	MeasuredCount        uint64  `json:"measuredCount"`
	FirstPercent         float64 `json:"firstPercent"`
	AvgTrailingLatencyMs float64 `json:"avgTrailingLatencyMs"`
}

// RankedSource is one entry of the final ranking.
type RankedSource struct {
	SourceID string `json:"sourceId"`
	SourceStats
}

// Snapshot is the final output of one measurement run. Sources holds every
// ever-configured source; Ranking only those with at least one measured
// bucket, ordered by first-arrival share descending, then by ascending
// average trailing latency.
type Snapshot struct {
	GeneratedAt   time.Time              `json:"generatedAt"`
	RunDurationMs int64                  `json:"runDurationMs"`
	ScoredBuckets uint64                 `json:"scoredBuckets"`
	Insufficient  bool                   `json:"insufficient"`
	Sources       map[string]SourceStats `json:"sources"`
	Ranking       []RankedSource         `json:"ranking,omitempty"`
}

// Reporter publishes the final snapshot of a run.
type Reporter interface {
	Publish(ctx context.Context, snap Snapshot) error
}
