// Package bus wraps NATS JetStream for the capture pipeline: subject
// convention, stream provisioning, and an async publisher with a bounded
// in-flight window.
package bus

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ssmdio/ssmd/pkg/logging"
)

// PublisherConfig configures the JetStream publisher for one feed.
type PublisherConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Env is the environment token in subjects ("prod", "staging", ...).
	Env string

	// Feed is the feed token in subjects ("kalshi", "kraken", ...).
	Feed string

	// Name is an optional NATS connection name. Default: "ssmd-connector-<uuid>".
	Name string

	// StreamMaxAge is how long the stream retains messages. Default: 7 days.
	StreamMaxAge time.Duration

	// StreamReplicas is the stream replication factor. Default: 1.
	StreamReplicas int

	// MaxPending bounds in-flight async publishes. Default: 4096.
	MaxPending int

	Logger logging.Logger
}

// Publisher publishes captured messages onto the feed's JetStream stream.
type Publisher struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	subjects SubjectBuilder
	logger   logging.Logger

	published  atomic.Uint64
	pubErrors  atomic.Uint64
	lastPubErr atomic.Pointer[error]
}

// PublisherStats is a snapshot of publisher counters.
type PublisherStats struct {
	Published uint64
	Errors    uint64
}

// NewPublisher connects, provisions the feed stream if absent, and returns a
// ready publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		return nil, fmt.Errorf("env is required")
	}
	if strings.TrimSpace(cfg.Feed) == "" {
		return nil, fmt.Errorf("feed is required")
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "ssmd-connector-" + uuid.NewString()[:8]
	}
	maxAge := cfg.StreamMaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	replicas := cfg.StreamReplicas
	if replicas <= 0 {
		replicas = 1
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false)
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := &Publisher{
		subjects: NewSubjectBuilder(cfg.Env, cfg.Feed),
		nc:       nc,
		logger:   logger,
	}

	js, err := nc.JetStream(
		nats.PublishAsyncMaxPending(maxPending),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, m *nats.Msg, err error) {
			p.pubErrors.Add(1)
			p.lastPubErr.Store(&err)
			logger.Errorf("async publish failed on %s: %v", m.Subject, err)
		}),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	p.js = js

	if err := p.ensureStream(maxAge, replicas); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream(maxAge time.Duration, replicas int) error {
	name := p.subjects.StreamName()
	if _, err := p.js.StreamInfo(name); err == nil {
		return nil
	}
	if _, err := p.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{p.subjects.All()},
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
		Retention: nats.LimitsPolicy,
		Replicas:  replicas,
	}); err != nil {
		return fmt.Errorf("provision stream %s: %w", name, err)
	}
	p.logger.Infof("provisioned stream %s", name)
	return nil
}

// Subjects returns the builder for this publisher's (env, feed).
func (p *Publisher) Subjects() SubjectBuilder { return p.subjects }

// PublishAsync enqueues one message without waiting for the server ack. Acks
// and errors are handled out of band; errors are counted and logged.
func (p *Publisher) PublishAsync(messageType, ticker string, payload []byte) error {
	subject := p.subjects.Data(messageType, ticker)
	if _, err := p.js.PublishAsync(subject, payload); err != nil {
		p.pubErrors.Add(1)
		p.lastPubErr.Store(&err)
		return err
	}
	p.published.Add(1)
	return nil
}

// Publish sends one message and waits for the server ack. Used on paths
// where per-message durability confirmation matters more than throughput.
func (p *Publisher) Publish(messageType, ticker string, payload []byte) (uint64, error) {
	subject := p.subjects.Data(messageType, ticker)
	ack, err := p.js.Publish(subject, payload)
	if err != nil {
		p.pubErrors.Add(1)
		p.lastPubErr.Store(&err)
		return 0, err
	}
	p.published.Add(1)
	return ack.Sequence, nil
}

// Flush blocks until every async publish has been acked or timeout elapses.
func (p *Publisher) Flush(timeout time.Duration) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("publish flush timed out after %s", timeout)
	}
}

// Err returns the most recent publish error, if any.
func (p *Publisher) Err() error {
	if e := p.lastPubErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Stats snapshots publish counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Errors:    p.pubErrors.Load(),
	}
}

// Close flushes pending publishes and closes the connection.
func (p *Publisher) Close() error {
	err := p.Flush(5 * time.Second)
	_ = p.nc.Drain()
	p.nc.Close()
	return err
}
