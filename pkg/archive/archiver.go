// Package archive consumes a feed's JetStream stream and writes the durable
// on-disk record: rotated gzip JSONL files plus a per-(feed, date) manifest.
// Messages are acked only after they are handed to the file writer, so a
// crash results in redelivery rather than loss.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssmdio/ssmd/pkg/bus"
	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/metrics"
)

// Config configures an Archiver for one feed.
type Config struct {
	// NATSURL is the broker URL.
	NATSURL string

	// Env and Feed identify the stream and subject space.
	Env  string
	Feed string

	// Consumer is the durable consumer name. Default: "archiver_{feed}".
	Consumer string

	// StorageRoot is where archive files and manifests land.
	StorageRoot string

	// Interval and MaxBytes select the rotation policy (exactly one).
	Interval time.Duration
	MaxBytes uint64

	// FetchBatch and FetchWait shape the pull loop. Defaults: 256, 5s.
	FetchBatch int
	FetchWait  time.Duration

	// AckWait and MaxAckPending bound redelivery. Defaults: 30s, 4096.
	AckWait       time.Duration
	MaxAckPending int

	// MaxWriteFailures bounds consecutive failed archive writes before Run
	// gives up; a transient disk hiccup is ridden out via redelivery, a dead
	// disk is fatal. Default: 10.
	MaxWriteFailures int

	// Index, when non-nil, mirrors finalized files and gaps into Postgres.
	Index *Index

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Archiver is the durable consumer for one feed.
type Archiver struct {
	cfg      Config
	subjects bus.SubjectBuilder
	logger   logging.Logger
	metrics  *metrics.Metrics

	nc  *nats.Conn
	sub *nats.Subscription

	writer        *Writer
	builder       *ManifestBuilder
	cursor        Cursor
	writeFailures int
}

// New validates cfg, connects, and binds the durable pull consumer.
func New(cfg Config) (*Archiver, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		return nil, errors.New("env is required")
	}
	if strings.TrimSpace(cfg.Feed) == "" {
		return nil, errors.New("feed is required")
	}
	if cfg.StorageRoot == "" {
		return nil, errors.New("storage root is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "archiver_" + cfg.Feed
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 256
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 4096
	}
	if cfg.MaxWriteFailures <= 0 {
		cfg.MaxWriteFailures = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(false)
	}

	writer, err := NewWriter(WriterConfig{
		Root:     cfg.StorageRoot,
		Feed:     cfg.Feed,
		Interval: cfg.Interval,
		MaxBytes: cfg.MaxBytes,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Archiver{
		cfg:      cfg,
		subjects: bus.NewSubjectBuilder(cfg.Env, cfg.Feed),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		writer:   writer,
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("ssmd-archiver-"+uuid.NewString()[:8]),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	sub, err := js.PullSubscribe(
		a.subjects.Filter(),
		cfg.Consumer,
		nats.BindStream(a.subjects.StreamName()),
		nats.ManualAck(),
		nats.AckWait(cfg.AckWait),
		nats.MaxAckPending(cfg.MaxAckPending),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind consumer %s: %w", cfg.Consumer, err)
	}

	a.nc = nc
	a.sub = sub
	return a, nil
}

// Run fetches and archives until ctx ends, then finalizes the open file and
// manifest.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Infof("archiving %s from stream %s as consumer %s",
		a.subjects.Filter(), a.subjects.StreamName(), a.cfg.Consumer)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		default:
		}

		msgs, err := a.sub.Fetch(a.cfg.FetchBatch, nats.MaxWait(a.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return a.shutdown()
			}
			a.logger.Errorf("fetch failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if err := a.handleBatch(ctx, msgs); err != nil {
			_ = a.shutdown()
			return err
		}
	}
}

func (a *Archiver) handleBatch(ctx context.Context, msgs []*nats.Msg) error {
	if a.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = a.cfg.Tracer.Start(ctx, "archive.batch",
			trace.WithAttributes(
				attribute.String("feed", a.cfg.Feed),
				attribute.Int("batch.size", len(msgs)),
			))
		defer span.End()
	}

	for _, msg := range msgs {
		if err := a.handle(ctx, msg); err != nil {
			a.writeFailures++
			if a.writeFailures >= a.cfg.MaxWriteFailures {
				return fmt.Errorf("archive write failed %d consecutive times: %w", a.writeFailures, err)
			}
			// Leave unacked; JetStream redelivers after AckWait.
			a.logger.Errorf("archive write failed, message left for redelivery: %v", err)
			return nil
		}
		a.writeFailures = 0
		_ = msg.Ack()
	}
	return nil
}

func (a *Archiver) handle(_ context.Context, msg *nats.Msg) error {
	now := time.Now().UTC()
	var seq uint64
	if meta, err := msg.Metadata(); err == nil {
		seq = meta.Sequence.Stream
	}

	date := now.Format("2006-01-02")
	if a.builder != nil && a.builder.Date() != date {
		if err := a.rollover(); err != nil {
			return err
		}
	}
	if a.builder == nil {
		a.startDay(date)
	}

	if gap, ok := a.cursor.Observe(seq, now); ok {
		a.builder.AddGap(gap)
		a.logger.Warnf("sequence gap after %d: %d missing", gap.AfterSeq, gap.MissingCount)
		if a.metrics != nil {
			a.metrics.GapsTotal.WithLabelValues(a.cfg.Feed).Inc()
		}
		if a.cfg.Index != nil {
			if err := a.cfg.Index.RecordGap(a.cfg.Feed, date, gap); err != nil {
				a.countIndexError(err)
			}
		}
		if err := a.writeManifest(); err != nil {
			a.logger.Errorf("manifest update after gap failed: %v", err)
		}
	}

	if _, _, msgType, ticker, ok := bus.ParseDataSubject(msg.Subject); ok {
		a.builder.Observe(msgType, ticker)
	}

	line, injected := InjectTrailers(msg.Data, seq, now)
	if !injected {
		if a.metrics != nil {
			a.metrics.InjectSkippedTotal.WithLabelValues(a.cfg.Feed).Inc()
		}
	}

	entry, err := a.writer.Write(line, seq, now)
	if entry != nil {
		a.finishFile(*entry, date)
	}
	if err != nil {
		return err
	}

	if a.metrics != nil {
		a.metrics.ArchivedRecordsTotal.WithLabelValues(a.cfg.Feed).Inc()
		a.metrics.ArchivedBytesTotal.WithLabelValues(a.cfg.Feed).Add(float64(len(line) + 1))
	}
	return nil
}

func (a *Archiver) startDay(date string) {
	a.writer.RemoveStaleTmp(date)
	interval := a.intervalLabel()
	path := a.manifestPath(date)
	if m, err := LoadManifest(path); err == nil && m.Feed == a.cfg.Feed {
		a.builder = Resume(m, interval)
		// Resume the expectation across restarts so gaps spanning the
		// outage are still recorded.
		var last uint64
		for _, f := range m.Files {
			if f.NatsEndSeq > last {
				last = f.NatsEndSeq
			}
		}
		if last > 0 {
			a.cursor = Cursor{expected: last + 1}
		}
		a.logger.Infof("resumed manifest for %s/%s with %d files", a.cfg.Feed, date, len(m.Files))
		return
	}
	a.builder = NewManifestBuilder(a.cfg.Feed, date, interval)
}

func (a *Archiver) rollover() error {
	entry, err := a.writer.Close()
	if entry != nil {
		a.finishFile(*entry, a.builder.Date())
	}
	if err != nil {
		return err
	}
	if werr := a.writeManifest(); werr != nil {
		return werr
	}
	a.logger.Infof("closed archive day %s for %s", a.builder.Date(), a.cfg.Feed)
	a.builder = nil
	return nil
}

func (a *Archiver) finishFile(entry FileEntry, date string) {
	a.builder.AddFile(entry)
	if a.metrics != nil {
		a.metrics.FilesFinalizedTotal.WithLabelValues(a.cfg.Feed).Inc()
	}
	if err := a.writeManifest(); err != nil {
		a.logger.Errorf("manifest update after rotation failed: %v", err)
	}
	if a.cfg.Index != nil {
		if err := a.cfg.Index.RecordFile(a.cfg.Feed, date, entry); err != nil {
			a.countIndexError(err)
		}
	}
}

func (a *Archiver) countIndexError(err error) {
	a.logger.Warnf("manifest index write failed: %v", err)
	if a.metrics != nil {
		a.metrics.IndexErrorsTotal.WithLabelValues(a.cfg.Feed).Inc()
	}
}

func (a *Archiver) writeManifest() error {
	if a.builder == nil {
		return nil
	}
	return WriteManifest(a.manifestPath(a.builder.Date()), a.builder.Snapshot())
}

func (a *Archiver) manifestPath(date string) string {
	return filepath.Join(a.cfg.StorageRoot, a.cfg.Feed, date, "manifest.json")
}

func (a *Archiver) intervalLabel() string {
	if a.cfg.Interval > 0 {
		return formatInterval(a.cfg.Interval)
	}
	return fmt.Sprintf("%dB", a.cfg.MaxBytes)
}

func (a *Archiver) shutdown() error {
	entry, err := a.writer.Close()
	if entry != nil && a.builder != nil {
		a.finishFile(*entry, a.builder.Date())
	}
	if werr := a.writeManifest(); werr != nil && err == nil {
		err = werr
	}
	// Only close the connection: Unsubscribe would delete the durable
	// consumer and with it the acked cursor the next start resumes from.
	a.nc.Close()
	a.logger.Info("archiver stopped")
	return err
}

// formatInterval renders durations the way configs write them: "15m", "1h".
func formatInterval(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
