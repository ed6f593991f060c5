// Package flusher drains the ring buffer onto the bus from a dedicated OS
// thread. The loop pops up to a batch of records per pass and sleeps briefly
// when the ring is empty, keeping drain latency bounded without spinning.
package flusher

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ssmdio/ssmd/pkg/envelope"
	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/metrics"
	"github.com/ssmdio/ssmd/pkg/ring"
)

const (
	defaultBatchSize  = 64
	defaultEmptySleep = 100 * time.Microsecond
	defaultGrace      = 5 * time.Second
)

// Sink receives decoded records. *bus.Publisher satisfies this.
type Sink interface {
	PublishAsync(messageType, ticker string, payload []byte) error
}

// Config configures a Flusher.
type Config struct {
	Ring *ring.Buffer
	Sink Sink
	Feed string

	// BatchSize caps records drained per pass. Default: 64.
	BatchSize int

	// EmptySleep is the pause when the ring is empty. Default: 100us.
	EmptySleep time.Duration

	// ShutdownGrace bounds the final drain after the context ends. Default: 5s.
	ShutdownGrace time.Duration

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Stats is a snapshot of flusher counters.
type Stats struct {
	Flushed      uint64
	Batches      uint64
	DecodeErrors uint64
	SinkErrors   uint64
}

// Flusher owns the consumer side of one ring.
type Flusher struct {
	ring       *ring.Buffer
	sink       Sink
	feed       string
	batchSize  int
	emptySleep time.Duration
	grace      time.Duration
	logger     logging.Logger
	metrics    *metrics.Metrics

	flushed      atomic.Uint64
	batches      atomic.Uint64
	decodeErrors atomic.Uint64
	sinkErrors   atomic.Uint64
}

// New validates cfg and returns a Flusher. Run must be called exactly once.
func New(cfg Config) (*Flusher, error) {
	if cfg.Ring == nil {
		return nil, errors.New("ring is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.Feed == "" {
		return nil, errors.New("feed is required")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	sleep := cfg.EmptySleep
	if sleep <= 0 {
		sleep = defaultEmptySleep
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false)
	}
	return &Flusher{
		ring:       cfg.Ring,
		sink:       cfg.Sink,
		feed:       cfg.Feed,
		batchSize:  batch,
		emptySleep: sleep,
		grace:      grace,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Run drains the ring until ctx ends, then drains whatever remains within
// the shutdown grace window. It pins itself to an OS thread so the drain
// cadence is not disturbed by goroutine scheduling.
func (f *Flusher) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]byte, ring.MaxRecord)
	for {
		select {
		case <-ctx.Done():
			f.drainAll(buf)
			f.logger.Infof("flusher for %s stopped after %d records", f.feed, f.flushed.Load())
			return ctx.Err()
		default:
		}

		n := f.drainBatch(buf)
		if n == 0 {
			time.Sleep(f.emptySleep)
			continue
		}
		f.batches.Add(1)
		if f.metrics != nil {
			f.metrics.FlushBatchSize.WithLabelValues(f.feed).Observe(float64(n))
			f.metrics.RingDepth.WithLabelValues(f.feed).Set(float64(f.ring.Len()))
		}
	}
}

func (f *Flusher) drainBatch(buf []byte) int {
	n := 0
	for n < f.batchSize {
		rec, ok := f.ring.TryPop(buf)
		if !ok {
			break
		}
		f.handle(rec)
		n++
	}
	return n
}

func (f *Flusher) drainAll(buf []byte) {
	deadline := time.Now().Add(f.grace)
	for time.Now().Before(deadline) {
		rec, ok := f.ring.TryPop(buf)
		if !ok {
			return
		}
		f.handle(rec)
	}
	f.logger.Warnf("flusher for %s hit shutdown grace with %d records left", f.feed, f.ring.Len())
}

func (f *Flusher) handle(rec []byte) {
	env, err := envelope.Decode(rec)
	if err != nil {
		f.decodeErrors.Add(1)
		f.logger.Errorf("undecodable ring frame (%d bytes): %v", len(rec), err)
		return
	}
	if err := f.sink.PublishAsync(env.Type, env.Ticker, env.Payload); err != nil {
		f.sinkErrors.Add(1)
		if f.metrics != nil {
			f.metrics.PublishErrorsTotal.WithLabelValues(f.feed).Inc()
		}
		f.logger.Errorf("publish %s/%s failed: %v", env.Type, env.Ticker, err)
		return
	}
	f.flushed.Add(1)
	if f.metrics != nil {
		f.metrics.FlushedTotal.WithLabelValues(f.feed).Inc()
		f.metrics.PublishedTotal.WithLabelValues(f.feed).Inc()
	}
}

// Stats snapshots flusher counters.
func (f *Flusher) Stats() Stats {
	return Stats{
		Flushed:      f.flushed.Load(),
		Batches:      f.batches.Load(),
		DecodeErrors: f.decodeErrors.Load(),
		SinkErrors:   f.sinkErrors.Load(),
	}
}
