package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/availability"
	cfgpkg "github.com/XBitOrg/xbit-testing-datasource-bench/internal/config"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/correlator"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/report"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/source"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/stats"
)

const instrumentationName = "github.com/XBitOrg/xbit-testing-datasource-bench"

// ErrNoSourcesConnected means no endpoint accepted a subscription, so a run
// cannot produce any measurement.
var ErrNoSourcesConnected = errors.New("no sources connected")

// Controller owns one measurement run end to end: it dials every endpoint,
// fans events into the correlator, waits out the run window and publishes
// the final snapshot.
type Controller struct {
	Cfg       cfgpkg.Config
	Endpoints []cfgpkg.Endpoint
	Logger    *slog.Logger
	Tracer    oteltrace.Tracer
	Meter     otelmetric.Meter

	// Metrics
	EventsReceived otelmetric.Int64Counter
	EventsDropped  otelmetric.Int64Counter
	BucketsScored  otelmetric.Int64Counter
	BucketsEvicted otelmetric.Int64Counter
	PublishFailed  otelmetric.Int64Counter

	Tracker    *availability.Tracker
	Correlator *correlator.Correlator
	Stats      *stats.Aggregator

	reporter report.Reporter
}

// Option configures a Controller at construction time.
type Option func(*Controller) error

// WithReporter overrides the default stdout table reporter (useful for
// tests and for the json/csv output modes).
func WithReporter(r report.Reporter) Option {
	return func(c *Controller) error { c.reporter = r; return nil }
}

func New(cfg cfgpkg.Config, endpoints []cfgpkg.Endpoint, logger *slog.Logger, opts ...Option) (*Controller, error) {
	c := &Controller{
		Cfg:       cfg,
		Endpoints: endpoints,
		Logger:    logger,
		Tracer:    otel.Tracer(instrumentationName),
		Meter:     otel.Meter(instrumentationName),
	}

	var err error
	if c.EventsReceived, err = c.Meter.Int64Counter(
		"xbit.bench.events.received",
		otelmetric.WithDescription("The number of data events received across all sources"),
		otelmetric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if c.EventsDropped, err = c.Meter.Int64Counter(
		"xbit.bench.events.dropped",
		otelmetric.WithDescription("The number of events dropped because the ingestion queue was full"),
		otelmetric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if c.BucketsScored, err = c.Meter.Int64Counter(
		"xbit.bench.buckets.scored",
		otelmetric.WithDescription("Number of key buckets scored"),
		otelmetric.WithUnit("{bucket}"),
	); err != nil {
		return nil, err
	}

	if c.BucketsEvicted, err = c.Meter.Int64Counter(
		"xbit.bench.buckets.evicted",
		otelmetric.WithDescription("Number of key buckets evicted unscored past the horizon"),
		otelmetric.WithUnit("{bucket}"),
	); err != nil {
		return nil, err
	}

	if c.PublishFailed, err = c.Meter.Int64Counter(
		"xbit.bench.publish.failed",
		otelmetric.WithDescription("Number of failed snapshot publishes"),
		otelmetric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.reporter == nil {
		c.reporter = report.NewStdoutTable()
	}

	ids := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ids = append(ids, ep.ID)
	}

	c.Tracker = availability.New(ids)
	c.Stats = stats.New(ids)
	c.Correlator = correlator.New(c.Tracker, c.Stats, cfgpkg.WarmupFor(cfg.Duration), cfg.Horizon, logger, cfg.MaxQueue)
	c.Correlator.SetVerbose(cfg.Verbose)
	c.Correlator.SetMetricsCallbacks(
		func(n int64) { c.IncrMetric(context.Background(), MetricBucketsScored, n) },
		func(n int64) { c.IncrMetric(context.Background(), MetricBucketsEvicted, n) },
	)

	return c, nil
}

// Run executes the measurement window and publishes the snapshot. The
// returned snapshot is valid even when publishing failed.
func (c *Controller) Run(ctx context.Context) (report.Snapshot, error) {
	ctx, span := c.Tracer.Start(ctx, "run.Controller.Run")
	defer span.End()

	span.SetAttributes(attribute.Int("sources", len(c.Endpoints)))
	c.Logger.DebugContext(ctx, "run.Controller.Run: begin",
		slog.Int("sources", len(c.Endpoints)),
		slog.Duration("duration", c.Cfg.Duration),
	)

	started := time.Now()

	runCtx, runCancel := context.WithTimeout(ctx, c.Cfg.Duration)
	defer runCancel()

	// The correlator outlives the run window so the final flush can drain
	// what the window produced; it gets its own cancelation.
	corrCtx, corrCancel := context.WithCancel(context.Background())
	defer corrCancel()

	c.Correlator.Start(corrCtx)

	conns := c.dialAll(runCtx)
	if len(conns) == 0 {
		corrCancel()
		c.Correlator.Stop(context.Background())

		return report.Snapshot{}, ErrNoSourcesConnected
	}

	var wg sync.WaitGroup

	for _, conn := range conns {
		conn.Start(runCtx)

		wg.Add(2)
		go c.forward(runCtx, conn, &wg)
		go c.watch(runCtx, conn, &wg)
	}

	<-runCtx.Done()

	for _, conn := range conns {
		conn.Close()
	}

	wg.Wait()
	corrCancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Cfg.GracefulTimeout)
	defer stopCancel()
	c.Correlator.Stop(stopCtx)

	snap := c.Stats.Snapshot()
	snap.GeneratedAt = time.Now()
	snap.RunDurationMs = time.Since(started).Milliseconds()

	// Publish with a fresh context: the run context is spent by now and the
	// snapshot should come out even on a forced shutdown.
	if err := c.reporter.Publish(context.Background(), snap); err != nil {
		c.IncrMetric(ctx, MetricPublishFailed, 1)
		c.Logger.Error("publishing snapshot failed", slog.String("err", err.Error()))

		return snap, err
	}

	c.Logger.DebugContext(ctx, "run.Controller.Run: end",
		slog.Uint64("scored_buckets", snap.ScoredBuckets),
		slog.Int64("run_duration_ms", snap.RunDurationMs),
	)

	return snap, nil
}

// dialAll connects every endpoint. A failed dial rules the source out of
// this run but does not abort it.
func (c *Controller) dialAll(ctx context.Context) []*source.Connection {
	conns := make([]*source.Connection, 0, len(c.Endpoints))

	for _, ep := range c.Endpoints {
		conn, err := source.Dial(ctx, ep, c.Logger,
			source.WithPingInterval(c.Cfg.PingInterval),
			source.WithFirstEventFunc(func(id string) {
				// The Probing->Active transition itself stays on the
				// correlator loop; this marks the moment in the run log.
				c.Logger.Info("source reported its first event", slog.String("source", id))
			}),
		)
		if err != nil {
			c.Logger.Warn("source failed to connect",
				slog.String("source", ep.ID),
				slog.String("err", err.Error()),
			)
			c.Correlator.Deactivate(ep.ID)

			continue
		}

		c.Logger.Info("source connected", slog.String("source", ep.ID), slog.String("name", ep.DisplayName()))
		conns = append(conns, conn)
	}

	return conns
}

// forward drains one connection's events into the correlator until the
// connection's read loop closes the channel.
func (c *Controller) forward(ctx context.Context, conn *source.Connection, wg *sync.WaitGroup) {
	defer wg.Done()

	for ev := range conn.Events() {
		c.IncrMetric(ctx, MetricEventsReceived, 1)

		if !c.Correlator.Enqueue(ev) {
			c.IncrMetric(ctx, MetricEventsDropped, 1)
			c.Logger.Warn("ingestion queue full, dropping event",
				slog.String("source", ev.Source),
				slog.Uint64("key", ev.Key),
			)
		}
	}
}

// watch waits for one connection's terminal error and deactivates the
// source. A clean shutdown emits no error.
func (c *Controller) watch(ctx context.Context, conn *source.Connection, wg *sync.WaitGroup) {
	defer wg.Done()

	select {
	case err := <-conn.Errs():
		c.Logger.Warn("source connection failed",
			slog.String("source", conn.ID()),
			slog.String("err", err.Error()),
		)
		c.Correlator.Deactivate(conn.ID())
	case <-ctx.Done():
	}
}

// MetricType enumerates controller metric counters.
type MetricType int

const (
	MetricEventsReceived MetricType = iota
	MetricEventsDropped
	MetricBucketsScored
	MetricBucketsEvicted
	MetricPublishFailed
)

// IncrMetric increments the selected metric by n (if n > 0).
func (c *Controller) IncrMetric(ctx context.Context, mt MetricType, n int64) {
	if n <= 0 {
		return
	}

	switch mt {
	case MetricEventsReceived:
		c.EventsReceived.Add(ctx, n)
	case MetricEventsDropped:
		c.EventsDropped.Add(ctx, n)
	case MetricBucketsScored:
		c.BucketsScored.Add(ctx, n)
	case MetricBucketsEvicted:
		c.BucketsEvicted.Add(ctx, n)
	case MetricPublishFailed:
		c.PublishFailed.Add(ctx, n)
	}
}
