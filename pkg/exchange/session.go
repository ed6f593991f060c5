package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmdio/ssmd/pkg/clock"
	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/metrics"
)

// Handler receives each classified message with its monotonic capture
// timestamp. It runs on the read goroutine and must not block.
type Handler func(msg Message, capturedAt uint64)

// SessionConfig configures a Session.
type SessionConfig struct {
	Adapter Adapter

	// Tickers is the initial subscription set.
	Tickers []string

	// InitialBackoff and MaxBackoff bound the reconnect delay. Defaults:
	// 1s, 60s. Each attempt doubles the delay and adds jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxRetries caps consecutive failed connects before Run gives up.
	// Default: 10. A successful subscribe resets the count.
	MaxRetries int

	Handler Handler
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Session drives one adapter: connect, subscribe, read, reconnect with
// backoff. Authentication failures are fatal immediately.
type Session struct {
	adapter Adapter
	handler Handler
	logger  logging.Logger
	metrics *metrics.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     int

	mu      sync.Mutex // guards conn writes and tickers
	conn    *websocket.Conn
	tickers []string

	connected    atomic.Bool
	lastActivity atomic.Int64 // epoch seconds
}

// NewSession validates cfg and returns a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(false)
	}
	return &Session{
		adapter:        cfg.Adapter,
		handler:        cfg.Handler,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxRetries:     cfg.MaxRetries,
		tickers:        append([]string(nil), cfg.Tickers...),
	}, nil
}

// Connected reports whether the websocket is live and subscribed.
func (s *Session) Connected() bool { return s.connected.Load() }

// IdleSeconds reports seconds since the last websocket activity.
func (s *Session) IdleSeconds() float64 {
	last := s.lastActivity.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(last, 0)).Seconds()
}

// Run connects and reads until ctx ends or the retry budget is exhausted.
func (s *Session) Run(ctx context.Context) error {
	feed := s.adapter.Feed()
	backoff := s.initialBackoff
	retries := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.runOnce(ctx)
		wasLive := s.connected.Load()
		s.connected.Store(false)
		if s.metrics != nil {
			s.metrics.WebsocketConnected.WithLabelValues(feed).Set(0)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuth) {
			return fmt.Errorf("%s session: %w", feed, err)
		}

		// A session that got as far as subscribing earns a fresh budget.
		if wasLive {
			retries = 0
			backoff = s.initialBackoff
		}
		retries++
		if retries > s.maxRetries {
			return fmt.Errorf("%s session: gave up after %d reconnect attempts: %w", feed, s.maxRetries, err)
		}
		if s.metrics != nil {
			s.metrics.ReconnectsTotal.WithLabelValues(feed).Inc()
		}

		delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		s.logger.Warnf("%s session ended (%v), reconnecting in %s (attempt %d/%d)",
			feed, err, delay.Round(time.Millisecond), retries, s.maxRetries)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if backoff *= 2; backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	feed := s.adapter.Feed()

	conn, err := s.adapter.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Close the socket when ctx ends so the read loop unblocks immediately
	// instead of waiting out the read deadline.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	// The initial subscribe holds the write mutex, and s.conn is published
	// only once it completes, so a concurrent UpdateSubscriptions can never
	// write to the socket at the same time.
	s.mu.Lock()
	tickers := append([]string(nil), s.tickers...)
	err = s.adapter.Subscribe(conn, tickers)
	if err == nil {
		s.conn = conn
	}
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.connected.Store(true)
	s.touch()
	if s.metrics != nil {
		s.metrics.WebsocketConnected.WithLabelValues(feed).Set(1)
		s.metrics.MarketsSubscribed.WithLabelValues(feed).Set(float64(len(tickers)))
	}
	s.logger.Infof("%s live with %d instruments", feed, len(tickers))

	stopKeepalive := s.startKeepalive(ctx, conn)
	defer stopKeepalive()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.touch()
		if kind != websocket.TextMessage {
			continue
		}

		capturedAt := clock.Now()
		msg, err := s.adapter.Classify(frame)
		if err != nil {
			if errors.Is(err, ErrControl) {
				continue
			}
			if s.metrics != nil {
				s.metrics.ParseErrorsTotal.WithLabelValues(feed).Inc()
			}
			s.logger.Debugf("%s unclassifiable frame: %v", feed, err)
			continue
		}
		if s.metrics != nil {
			s.metrics.MessagesTotal.WithLabelValues(feed, msg.Type).Inc()
		}
		s.handler(msg, capturedAt)
	}
}

func (s *Session) startKeepalive(ctx context.Context, conn *websocket.Conn) func() {
	interval := s.adapter.KeepaliveInterval()
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				s.mu.Lock()
				err := s.adapter.Keepalive(conn)
				s.mu.Unlock()
				if err != nil {
					s.logger.Errorf("%s keepalive failed: %v", s.adapter.Feed(), err)
					conn.Close() // wakes the read loop for reconnect
					return
				}
				s.touch()
			}
		}
	}()
	return func() { close(done) }
}

// UpdateSubscriptions sends subscribe commands for added tickers on the live
// connection and updates the set used after reconnects. Removed tickers take
// effect on the next reconnect.
func (s *Session) UpdateSubscriptions(tickers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]struct{}, len(s.tickers))
	for _, t := range s.tickers {
		known[t] = struct{}{}
	}
	var added []string
	for _, t := range tickers {
		if _, ok := known[t]; !ok {
			added = append(added, t)
		}
	}
	s.tickers = append([]string(nil), tickers...)

	if s.conn == nil || len(added) == 0 {
		return nil
	}
	if err := s.adapter.Subscribe(s.conn, added); err != nil {
		return fmt.Errorf("dynamic subscribe: %w", err)
	}
	if s.metrics != nil {
		s.metrics.MarketsSubscribed.WithLabelValues(s.adapter.Feed()).Set(float64(len(s.tickers)))
	}
	return nil
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().Unix())
	if s.metrics != nil {
		s.metrics.IdleSeconds.WithLabelValues(s.adapter.Feed()).Set(0)
	}
}
