package config

import (
	"flag"
	"time"
)

// warmupCeiling caps the warm-up window regardless of run duration.
const warmupCeiling = 5 * time.Second

// Config holds instance-level configuration for a measurement run.
type Config struct {
	Endpoints string
	Names     string
	APIKeys   string
	File      string

	Duration     time.Duration
	Horizon      uint64
	MaxQueue     int
	PingInterval time.Duration

	Output          string
	OutputFile      string
	GracefulTimeout time.Duration
	Verbose         bool
}

// RegisterFlags registers CLI flags and returns a reader that captures them after flag.Parse().
func RegisterFlags() func() Config {
	endpoints := flag.String("endpoints", "", "Comma-separated endpoint URLs to race")
	names := flag.String("names", "", "Comma-separated display names, aligned with -endpoints by position")
	apiKeys := flag.String("apiKeys", "", "Comma-separated API keys, aligned with -endpoints by position (empty entries allowed)")
	file := flag.String("config", "", "YAML endpoint store; used when -endpoints is empty")

	duration := flag.Duration("duration", 3*time.Minute, "Measurement run duration")
	horizon := flag.Uint64("horizon", 100, "Keys behind the newest key before a bucket is dropped unscored")
	maxQueue := flag.Int("maxQueue", 10_000, "Max ingestion queue size")
	pingInterval := flag.Duration("pingInterval", 5*time.Second, "Keepalive ping interval per connection")

	output := flag.String("output", "table", "Report format: json|csv|table")
	outputFile := flag.String("outputFile", "", "Write the report to this file instead of stdout")
	graceful := flag.Duration("gracefulTimeout", 10*time.Second, "Graceful shutdown timeout")
	verbose := flag.Bool("verbose", false, "Log every scored bucket")

	return func() Config {
		return Config{
			Endpoints:       *endpoints,
			Names:           *names,
			APIKeys:         *apiKeys,
			File:            *file,
			Duration:        *duration,
			Horizon:         *horizon,
			MaxQueue:        *maxQueue,
			PingInterval:    *pingInterval,
			Output:          *output,
			OutputFile:      *outputFile,
			GracefulTimeout: *graceful,
			Verbose:         *verbose,
		}
	}
}

// WarmupFor returns the warm-up (grace) window for a run of duration d:
// a third of the run, capped at the ceiling. Sources that have not produced
// a first event by then are ruled out of the comparison.
func WarmupFor(d time.Duration) time.Duration {
	w := d / 3
	if w > warmupCeiling {
		w = warmupCeiling
	}

	return w
}
