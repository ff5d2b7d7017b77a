package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAggregator_EmptySnapshotIsInsufficient(t *testing.T) {
	a := New([]string{"a", "b"})

	snap := a.Snapshot()
	require.True(t, snap.Insufficient)
	require.EqualValues(t, 0, snap.ScoredBuckets)
	require.Len(t, snap.Sources, 2, "every configured source appears even unmeasured")
	require.Empty(t, snap.Ranking)
}

func TestAggregator_RecordBucket(t *testing.T) {
	a := New([]string{"a", "b", "c"})

	a.RecordBucket("a", []Trail{
		{Source: "b", Latency: 40 * time.Millisecond},
		{Source: "c", Latency: 100 * time.Millisecond},
	})
	a.RecordBucket("b", []Trail{
		{Source: "a", Latency: 10 * time.Millisecond},
		{Source: "c", Latency: 60 * time.Millisecond},
	})

	require.EqualValues(t, 2, a.ScoredBuckets())

	snap := a.Snapshot()
	require.False(t, snap.Insufficient)

	sa := snap.Sources["a"]
	require.EqualValues(t, 1, sa.FirstCount)
	require.EqualValues(t, 2, sa.MeasuredCount)
	require.InDelta(t, 50.0, sa.FirstPercent, 1e-9)
	require.InDelta(t, 10.0, sa.AvgTrailingLatencyMs, 1e-9)

	sc := snap.Sources["c"]
	require.EqualValues(t, 0, sc.FirstCount)
	require.EqualValues(t, 2, sc.MeasuredCount)
	require.InDelta(t, 80.0, sc.AvgTrailingLatencyMs, 1e-9)
}

func TestAggregator_ZeroLatencyTieCountsMeasuredOnly(t *testing.T) {
	a := New([]string{"a", "b"})

	// An arrival-order tie: the trailing source has latency zero. It is
	// measured but contributes no sample to the trailing average.
	a.RecordBucket("a", []Trail{{Source: "b", Latency: 0}})

	snap := a.Snapshot()
	sb := snap.Sources["b"]
	require.EqualValues(t, 1, sb.MeasuredCount)
	require.Zero(t, sb.AvgTrailingLatencyMs)
}

func TestAggregator_RankingOrder(t *testing.T) {
	a := New([]string{"fast", "slow", "idle"})

	for i := 0; i < 3; i++ {
		a.RecordBucket("fast", []Trail{{Source: "slow", Latency: 50 * time.Millisecond}})
	}

	a.RecordBucket("slow", []Trail{{Source: "fast", Latency: 5 * time.Millisecond}})

	snap := a.Snapshot()
	require.Len(t, snap.Ranking, 2, "a source with zero measured buckets is not ranked")
	require.Equal(t, "fast", snap.Ranking[0].SourceID)
	require.Equal(t, "slow", snap.Ranking[1].SourceID)

	_, ok := snap.Sources["idle"]
	require.True(t, ok)
}

func TestAggregator_RankingTieBreaksOnLatency(t *testing.T) {
	a := New([]string{"a", "b"})

	// Both win once; "a" trails by less.
	a.RecordBucket("a", []Trail{{Source: "b", Latency: 90 * time.Millisecond}})
	a.RecordBucket("b", []Trail{{Source: "a", Latency: 10 * time.Millisecond}})

	snap := a.Snapshot()
	require.Equal(t, "a", snap.Ranking[0].SourceID)
	require.Equal(t, "b", snap.Ranking[1].SourceID)
}
