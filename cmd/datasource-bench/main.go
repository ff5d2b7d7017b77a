package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	cfgpkg "github.com/XBitOrg/xbit-testing-datasource-bench/internal/config"
	otelsetup "github.com/XBitOrg/xbit-testing-datasource-bench/internal/otel"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/report"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/run"
)

const name = "github.com/XBitOrg/xbit-testing-datasource-bench"

func main() {
	if err := realMain(); err != nil {
		log.Fatalln(err)
	}
}

func realMain() (err error) {
	// Instance logger bridged to OTel.
	logger := otelslog.NewLogger(name)
	slog.SetDefault(logger)
	logger.Info("Starting datasource-bench")

	// Set up OpenTelemetry.
	otelShutdown, err := otelsetup.Setup(context.Background())
	if err != nil {
		return
	}

	defer func() { err = errors.Join(err, otelShutdown(context.Background())) }()

	// Config
	readFlags := cfgpkg.RegisterFlags()

	flag.Parse()

	cfg := readFlags()

	endpoints, err := loadEndpoints(cfg)
	if err != nil {
		return err
	}

	// Optional output file for the report.
	var out io.Writer = os.Stdout

	var outFile *os.File

	if cfg.OutputFile != "" {
		f, openErr := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if openErr != nil {
			return openErr
		}

		outFile = f
		out = f
	}

	reporter, err := buildReporter(cfg.Output, out)
	if err != nil {
		return err
	}

	controller, err := run.New(cfg, endpoints, logger, run.WithReporter(reporter))
	if err != nil {
		return err
	}

	// Derive a context canceled on SIGINT/SIGTERM: a signal ends the run
	// early but still produces a report from what was measured.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap, runErr := controller.Run(sigCtx)
	if runErr != nil {
		return runErr
	}

	if snap.Insufficient {
		slog.Warn("run produced no scored buckets")
	}

	if outFile != nil {
		if cerr := outFile.Close(); cerr != nil {
			return cerr
		}
	}

	return nil
}

// loadEndpoints resolves the source set: an endpoints file wins when given,
// otherwise the positional flag lists are combined.
func loadEndpoints(cfg cfgpkg.Config) ([]cfgpkg.Endpoint, error) {
	if cfg.File != "" {
		store, err := cfgpkg.LoadStore(cfg.File)
		if err != nil {
			return nil, err
		}

		return store.Sources, nil
	}

	return cfgpkg.EndpointsFromFlags(cfg.Endpoints, cfg.Names, cfg.APIKeys)
}

func buildReporter(format string, w io.Writer) (report.Reporter, error) {
	switch format {
	case "json":
		return report.NewJSONReporter(w), nil
	case "csv":
		return report.NewCSVReporter(w), nil
	case "table", "":
		return report.NewTableReporter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
