// ssmd-archiver consumes one feed's JetStream stream and writes the durable
// archive: rotated gzip JSONL files with a per-day manifest, optionally
// mirrored into a Postgres index.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/ssmdio/ssmd/pkg/archive"
	"github.com/ssmdio/ssmd/pkg/config"
	"github.com/ssmdio/ssmd/pkg/health"
	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/metrics"
	"github.com/ssmdio/ssmd/pkg/observability/otel"
)

func main() {
	configPath := flag.String("config", "archiver.yaml", "path to the archiver config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ssmd-archiver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg config.Archiver
	if err := config.LoadWithEnv(configPath, "SSMD", &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Verbose)
	m := metrics.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	acfg := archive.Config{
		NATSURL:       cfg.NATS.URL,
		Env:           cfg.Env,
		Feed:          cfg.Feed,
		Consumer:      cfg.NATS.Consumer,
		StorageRoot:   cfg.Storage.Root,
		Interval:      cfg.RotationInterval(),
		MaxBytes:      cfg.Rotation.MaxBytes,
		FetchBatch:    cfg.NATS.FetchBatch,
		FetchWait:     cfg.NATS.FetchWait,
		AckWait:       cfg.NATS.AckWait,
		MaxAckPending: cfg.NATS.MaxAckPending,
		Logger:        logger,
		Metrics:       m,
	}

	if cfg.Observability.TracingEnabled {
		shutdown, err := otel.Initialize(ctx, otel.Config{
			ServiceName: "ssmd-archiver-" + cfg.Feed,
			Exporter:    cfg.Observability.Exporter,
			Endpoint:    cfg.Observability.Endpoint,
			SampleRatio: cfg.Observability.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		acfg.Tracer = otel.Tracer("archiver")
	}

	if cfg.Index.DSN != "" {
		idx, err := archive.NewIndex(ctx, cfg.Index.DSN)
		if err != nil {
			return err
		}
		defer idx.Close()
		acfg.Index = idx
	}

	archiver, err := archive.New(acfg)
	if err != nil {
		return err
	}

	var running atomic.Bool
	if cfg.Health.Addr != "" {
		hs, err := health.NewServer(cfg.Health.Addr, running.Load, metrics.DefaultRegistry, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil {
				logger.Errorf("health server: %v", err)
			}
		}()
		defer hs.Shutdown()
	}

	running.Store(true)
	err = archiver.Run(ctx)
	running.Store(false)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
