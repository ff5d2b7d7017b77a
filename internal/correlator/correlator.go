package correlator

import (
	"context"
	"log/slog"
	"time"

	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/availability"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/source"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/stats"
)

// DefaultHorizon is how many keys behind the newest observed key a bucket
// may fall before it is dropped unscored. Dropping old buckets bounds
// memory; it is a deliberate accuracy/memory tradeoff, not an error.
const DefaultHorizon = 100

// bucket collects the events observed for one key, in arrival order, with
// at most one event per source.
type bucket struct {
	key    uint64
	events []source.StreamEvent
}

func (b *bucket) has(id string) bool {
	for _, ev := range b.events {
		if ev.Source == id {
			return true
		}
	}

	return false
}

// activeContributors counts the bucket's contributing sources restricted to
// the given active set.
func (b *bucket) activeContributors(active map[string]struct{}) int {
	n := 0

	for _, ev := range b.events {
		if _, ok := active[ev.Source]; ok {
			n++
		}
	}

	return n
}

// Correlator ingests events from all sources, groups them by key and scores
// each bucket exactly once. All bucket state is owned by the single loop
// goroutine started by Start; availability changes are routed through the
// same loop so eligibility re-evaluation is serialized with scoring.
//
// The correlator runs in two phases. During warm-up, events are buffered
// but not scored. The live phase is entered exactly once: early, when every
// source has reported (or been ruled out), or at the grace deadline, which
// demotes sources that never produced a first event. Entering the live
// phase scores every pending bucket the whole active set already covers;
// the rest stay pending.
type Correlator struct {
	in      chan source.StreamEvent
	deact   chan string
	tracker *availability.Tracker
	stats   *stats.Aggregator
	logger  *slog.Logger
	horizon uint64
	warmup  time.Duration
	verbose bool

	// Single-goroutine owned fields.
	buckets map[uint64]*bucket
	scored  map[uint64]struct{}
	maxKey  uint64
	live    bool

	done chan struct{}

	// Optional metric callbacks provided by the owner (e.g. the run
	// controller).
	incrScored  func(int64)
	incrEvicted func(int64)
}

// New constructs a correlator. A zero horizon falls back to DefaultHorizon.
func New(tracker *availability.Tracker, agg *stats.Aggregator, warmup time.Duration, horizon uint64, logger *slog.Logger, maxQueue int) *Correlator {
	if horizon == 0 {
		horizon = DefaultHorizon
	}

	if maxQueue < 0 {
		maxQueue = 0
	}

	c := &Correlator{
		in:      make(chan source.StreamEvent, maxQueue),
		deact:   make(chan string, 64),
		tracker: tracker,
		stats:   agg,
		logger:  logger,
		horizon: horizon,
		warmup:  warmup,
		buckets: make(map[uint64]*bucket, 32),
		scored:  make(map[uint64]struct{}, 32),
		done:    make(chan struct{}),
	}

	return c
}

// SetMetricsCallbacks installs optional callbacks for metrics updates.
// If not provided, metrics are not recorded by the correlator.
func (c *Correlator) SetMetricsCallbacks(incrScored, incrEvicted func(int64)) {
	c.incrScored = incrScored
	c.incrEvicted = incrEvicted
}

// SetVerbose makes per-bucket scoring visible at info level.
func (c *Correlator) SetVerbose(v bool) { c.verbose = v }

// Enqueue attempts to add an event without blocking. Returns false if the
// queue is full.
func (c *Correlator) Enqueue(ev source.StreamEvent) bool {
	select {
	case c.in <- ev:
		return true
	default:
		return false
	}
}

// Deactivate reports a terminal source error to the correlation loop. The
// availability change and the eligibility sweep both happen on the loop
// goroutine: a shrinking active set can complete open buckets' quorum.
func (c *Correlator) Deactivate(id string) {
	select {
	case c.deact <- id:
	case <-c.done:
	}
}

// Start begins the correlation loop. The loop performs the final flush and
// exits when ctx is canceled.
func (c *Correlator) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		grace := time.NewTimer(c.warmup)
		defer grace.Stop()

		for {
			select {
			case <-ctx.Done():
				c.drainQueue()
				c.finalFlush()
				return
			case ev := <-c.in:
				c.ingest(ev)
			case id := <-c.deact:
				c.deactivate(id)
			case <-grace.C:
				if !c.live {
					c.goLive()
				}
			}
		}
	}()
}

// Stop waits for the loop to finish; the caller must cancel the context
// passed to Start.
func (c *Correlator) Stop(ctx context.Context) {
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

// QueueLen returns the current ingestion queue length.
func (c *Correlator) QueueLen() int { return len(c.in) }

// drainQueue ingests everything accepted before cancellation, so the final
// flush sees every event a producer managed to enqueue.
func (c *Correlator) drainQueue() {
	for {
		select {
		case ev := <-c.in:
			c.ingest(ev)
		default:
			return
		}
	}
}

func (c *Correlator) ingest(ev source.StreamEvent) {
	if !c.tracker.Observe(ev.Source) {
		// The availability gate: inactive sources contribute nothing,
		// even if they resume sending.
		return
	}

	if _, ok := c.scored[ev.Key]; ok {
		// Replay after scoring must not reopen the bucket.
		return
	}

	if c.maxKey > c.horizon && ev.Key < c.maxKey-c.horizon {
		return
	}

	b, ok := c.buckets[ev.Key]
	if !ok {
		b = &bucket{key: ev.Key}
		c.buckets[ev.Key] = b
	}

	if !b.has(ev.Source) {
		b.events = append(b.events, ev)
	}

	if ev.Key > c.maxKey {
		c.maxKey = ev.Key
		c.collectGarbage()
	}

	if !c.live {
		if c.tracker.NoneProbing() {
			c.goLive()
		}

		return
	}

	c.evaluate(b)
}

// deactivate marks a source inactive and re-evaluates open buckets: with
// the source gone, a bucket may now cover the whole remaining active set.
func (c *Correlator) deactivate(id string) {
	if !c.tracker.Deactivate(id) {
		return
	}

	c.logger.Info("source inactive", slog.String("source", id))

	if !c.live {
		if c.tracker.NoneProbing() {
			c.goLive()
		}

		return
	}

	if c.tracker.ActiveCount() < availability.MinSources {
		c.logger.Warn("insufficient active sources; scoring suspended",
			slog.Int("active", c.tracker.ActiveCount()))

		return
	}

	for _, b := range c.buckets {
		c.evaluate(b)
	}
}

// evaluate scores the bucket if every currently active source has
// contributed to it and the quorum is large enough. The active set is
// snapshot-read here, at evaluation time, so a bucket is always scored
// against the set as it stands when the quorum condition is met.
func (c *Correlator) evaluate(b *bucket) {
	active := c.tracker.ActiveSet()
	if len(active) < availability.MinSources {
		return
	}

	if b.activeContributors(active) != len(active) {
		return
	}

	c.score(b, active)
}

// score computes per-source latency relative to the earliest arrival among
// active contributors, records the result and removes the bucket. Exactly
// one contributor wins with latency zero; arrival order breaks ties.
func (c *Correlator) score(b *bucket, active map[string]struct{}) bool {
	contrib := make([]source.StreamEvent, 0, len(b.events))

	for _, ev := range b.events {
		if _, ok := active[ev.Source]; ok {
			contrib = append(contrib, ev)
		}
	}

	if len(contrib) < availability.MinSources {
		return false
	}

	winIdx := 0

	for i, ev := range contrib[1:] {
		if ev.Arrival.Before(contrib[winIdx].Arrival) {
			winIdx = i + 1
		}
	}

	earliest := contrib[winIdx].Arrival
	trails := make([]stats.Trail, 0, len(contrib)-1)

	for i, ev := range contrib {
		if i == winIdx {
			continue
		}

		trails = append(trails, stats.Trail{Source: ev.Source, Latency: ev.Arrival.Sub(earliest)})
	}

	c.stats.RecordBucket(contrib[winIdx].Source, trails)
	delete(c.buckets, b.key)
	c.scored[b.key] = struct{}{}

	if c.incrScored != nil {
		c.incrScored(1)
	}

	lvl := slog.LevelDebug
	if c.verbose {
		lvl = slog.LevelInfo
	}

	c.logger.Log(context.Background(), lvl, "scored bucket",
		slog.Uint64("key", b.key),
		slog.String("winner", contrib[winIdx].Source),
		slog.Int("contributors", len(contrib)),
	)

	return true
}

// goLive enters the live phase exactly once: sources still probing are
// ruled out, then every pending bucket already covered by the whole active
// set is scored. Incomplete buckets stay pending; they complete in the live
// phase or fall off the horizon.
func (c *Correlator) goLive() {
	c.live = true

	for _, id := range c.tracker.ExpireProbing() {
		c.logger.Info("source missed the grace deadline", slog.String("source", id))
	}

	active := c.tracker.ActiveSet()
	before := len(c.buckets)

	for _, b := range c.buckets {
		c.evaluate(b)
	}

	c.logger.Info("entering live phase",
		slog.Int("active", len(active)),
		slog.Int("flushed", before-len(c.buckets)),
	)
}

// finalFlush runs at shutdown: any bucket still holding contributions from
// at least two active sources is scored even if not every active source
// reported for it. Nothing already scored is ever lost. A cancellation
// during warm-up enters the live phase first, then applies the same
// relaxed quorum to whatever the full-coverage flush left pending.
func (c *Correlator) finalFlush() {
	if !c.live {
		c.goLive()
	}

	active := c.tracker.ActiveSet()
	if len(active) < availability.MinSources {
		return
	}

	for _, b := range c.buckets {
		if b.activeContributors(active) >= availability.MinSources {
			c.score(b, active)
		}
	}
}

// collectGarbage drops buckets and scored-key records that fell behind the
// horizon, bounding memory on fast key streams.
func (c *Correlator) collectGarbage() {
	if c.maxKey <= c.horizon {
		return
	}

	floor := c.maxKey - c.horizon
	evicted := int64(0)

	for key := range c.buckets {
		if key < floor {
			delete(c.buckets, key)
			evicted++
		}
	}

	for key := range c.scored {
		if key < floor {
			delete(c.scored, key)
		}
	}

	if evicted > 0 && c.incrEvicted != nil {
		c.incrEvicted(evicted)
	}
}
