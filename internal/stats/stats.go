package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/report"
)

// Trail is one non-winning contribution to a scored bucket.
type Trail struct {
	Source  string
	Latency time.Duration
}

// Aggregator accumulates per-source running totals. It is safe for
// concurrent use: the correlation loop records scored buckets while the run
// controller snapshots on demand.
type Aggregator struct {
	mu            sync.Mutex
	sources       map[string]*totals
	scoredBuckets uint64
}

type totals struct {
	first    uint64
	measured uint64
	summed   time.Duration
	samples  uint64
}

// New creates an aggregator with a zeroed entry per source, so every
// configured source appears in the snapshot even if it never measures.
func New(sourceIDs []string) *Aggregator {
	sources := make(map[string]*totals, len(sourceIDs))
	for _, id := range sourceIDs {
		sources[id] = &totals{}
	}

	return &Aggregator{sources: sources}
}

// RecordBucket scores one bucket: the winner gets a first-arrival, every
// trailing contributor its latency behind the winner. Positive latencies
// feed the trailing average; a zero-latency trail (an arrival-order tie)
// only counts as measured, keeping exactly one zero per bucket.
func (a *Aggregator) RecordBucket(winner string, trails []Trail) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scoredBuckets++

	w := a.entry(winner)
	w.first++
	w.measured++

	for _, tr := range trails {
		e := a.entry(tr.Source)
		e.measured++

		if tr.Latency > 0 {
			e.summed += tr.Latency
			e.samples++
		}
	}
}

// ScoredBuckets returns the number of buckets scored so far.
func (a *Aggregator) ScoredBuckets() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.scoredBuckets
}

// Snapshot returns the per-source stats and the ranking. Sources that never
// contributed to a scored bucket are reported but not ranked; a snapshot
// with zero scored buckets is flagged insufficient.
func (a *Aggregator) Snapshot() report.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := report.Snapshot{
		ScoredBuckets: a.scoredBuckets,
		Insufficient:  a.scoredBuckets == 0,
		Sources:       make(map[string]report.SourceStats, len(a.sources)),
	}

	for id, tot := range a.sources {
		st := report.SourceStats{
			FirstCount:    tot.first,
			MeasuredCount: tot.measured,
		}

		if tot.measured > 0 {
			st.FirstPercent = float64(tot.first) / float64(tot.measured) * 100
		}

		if tot.samples > 0 {
			st.AvgTrailingLatencyMs = float64(tot.summed.Microseconds()) / 1000 / float64(tot.samples)
		}

		snap.Sources[id] = st

		if tot.measured > 0 {
			snap.Ranking = append(snap.Ranking, report.RankedSource{SourceID: id, SourceStats: st})
		}
	}

	sort.Slice(snap.Ranking, func(i, j int) bool {
		ri, rj := snap.Ranking[i], snap.Ranking[j]
		if ri.FirstPercent != rj.FirstPercent {
			return ri.FirstPercent > rj.FirstPercent
		}

		if ri.AvgTrailingLatencyMs != rj.AvgTrailingLatencyMs {
			return ri.AvgTrailingLatencyMs < rj.AvgTrailingLatencyMs
		}

		return ri.SourceID < rj.SourceID
	})

	return snap
}

func (a *Aggregator) entry(id string) *totals {
	e, ok := a.sources[id]
	if !ok {
		e = &totals{}
		a.sources[id] = e
	}

	return e
}
