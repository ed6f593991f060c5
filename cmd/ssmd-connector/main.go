// ssmd-connector captures one exchange feed: websocket adapter, subscription
// router, ring buffer, flusher, and JetStream publisher, with a health and
// metrics endpoint on the side.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssmdio/ssmd/pkg/bus"
	"github.com/ssmdio/ssmd/pkg/clock"
	"github.com/ssmdio/ssmd/pkg/config"
	"github.com/ssmdio/ssmd/pkg/envelope"
	"github.com/ssmdio/ssmd/pkg/exchange"
	"github.com/ssmdio/ssmd/pkg/exchange/kalshi"
	"github.com/ssmdio/ssmd/pkg/exchange/kraken"
	"github.com/ssmdio/ssmd/pkg/exchange/polymarket"
	"github.com/ssmdio/ssmd/pkg/flusher"
	"github.com/ssmdio/ssmd/pkg/harman"
	"github.com/ssmdio/ssmd/pkg/health"
	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/metrics"
	"github.com/ssmdio/ssmd/pkg/observability/otel"
	"github.com/ssmdio/ssmd/pkg/ring"
	"github.com/ssmdio/ssmd/pkg/router"
	"github.com/ssmdio/ssmd/pkg/secmaster"
)

func main() {
	configPath := flag.String("config", "connector.yaml", "path to the connector config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ssmd-connector: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg config.Connector
	if err := config.LoadWithEnv(configPath, "SSMD", &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Verbose)
	m := metrics.Get()
	feed := cfg.Feed.Name

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.TracingEnabled {
		shutdown, err := otel.Initialize(ctx, otel.Config{
			ServiceName: "ssmd-connector-" + feed,
			Exporter:    cfg.Observability.Exporter,
			Endpoint:    cfg.Observability.Endpoint,
			SampleRatio: cfg.Observability.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, url, err := bus.StartEmbedded(cfg.NATS.StoreDir)
		if err != nil {
			return err
		}
		defer srv.Shutdown()
		natsURL = url
		logger.Infof("embedded nats at %s", url)
	}

	pub, err := bus.NewPublisher(bus.PublisherConfig{
		URL:            natsURL,
		Env:            cfg.Env,
		Feed:           feed,
		StreamMaxAge:   cfg.NATS.StreamMaxAge,
		StreamReplicas: cfg.NATS.StreamReplicas,
		MaxPending:     cfg.NATS.MaxPending,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer pub.Close()

	var buf *ring.Buffer
	if cfg.Ring.Path != "" {
		buf, err = ring.NewFile(cfg.Ring.Path)
	} else {
		buf, err = ring.New()
	}
	if err != nil {
		return err
	}
	defer buf.Close()

	routes := router.New()
	routes.SetDefault(buf)
	msgTypes := messageTypes(feed)
	for _, t := range cfg.Feed.Tickers {
		for _, mt := range msgTypes {
			routes.Bind(mt, t, buf)
		}
	}

	fl, err := flusher.New(flusher.Config{
		Ring:    buf,
		Sink:    pub,
		Feed:    feed,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		return err
	}

	// Read goroutine is the ring's single producer; the frame buffer is
	// reused across messages.
	frame := make([]byte, 0, ring.MaxRecord)
	handler := func(msg exchange.Message, capturedAt uint64) {
		dest, ok := routes.Lookup(msg.Type, msg.Ticker)
		if !ok {
			return
		}
		frame = frame[:0]
		var err error
		frame, err = envelope.Encode(frame, capturedAt, msg.Type, msg.Ticker, msg.Raw)
		if err != nil {
			logger.Errorf("encode %s/%s: %v", msg.Type, msg.Ticker, err)
			return
		}
		if !dest.TryPush(frame) {
			m.RingDroppedTotal.WithLabelValues(feed).Inc()
		}
	}

	session, err := exchange.NewSession(exchange.SessionConfig{
		Adapter: adapter,
		Tickers: cfg.Feed.Tickers,
		Handler: handler,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	if cfg.Secmaster.Path != "" {
		store, err := secmaster.Open(cfg.Secmaster.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		refresher := secmaster.NewRefresher(store, feed, msgTypes, routes, buf,
			session, cfg.Secmaster.RefreshInterval, logger)
		go refresher.Run(ctx)
	}

	if cfg.Health.Addr != "" {
		hs, err := health.NewServer(cfg.Health.Addr, session.Connected, metrics.DefaultRegistry, logger)
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

	flusherDone := make(chan error, 1)
	go func() { flusherDone <- fl.Run(ctx) }()

	logger.Infof("capturing %s into %s (started %s)", feed, pub.Subjects().StreamName(), clock.Anchor().Format("2006-01-02T15:04:05Z"))
	err = session.Run(ctx)
	stop()
	<-flusherDone

	if err != nil && ctx.Err() == nil {
		// Session died for real; exit nonzero so the supervisor restarts us.
		return err
	}
	logger.Info("connector stopped")
	return nil
}

func buildAdapter(cfg config.Connector, logger logging.Logger) (exchange.Adapter, error) {
	switch cfg.Feed.Name {
	case "kalshi":
		keys, err := config.ResolveKeys(cfg.Feed.Keys)
		if err != nil {
			return nil, err
		}
		if len(keys) != 2 {
			return nil, fmt.Errorf("kalshi needs feed.keys with api key and private key, got %d values", len(keys))
		}
		return kalshi.New(kalshi.Config{
			APIKey:        keys[0],
			PrivateKeyPEM: []byte(keys[1]),
			Demo:          cfg.Feed.Demo,
			URL:           cfg.Feed.URL,
			Logger:        logger,
		})
	case "kraken":
		return kraken.New(kraken.Config{URL: cfg.Feed.URL, Logger: logger}), nil
	case "polymarket":
		return polymarket.New(polymarket.Config{URL: cfg.Feed.URL, Logger: logger}), nil
	case "harman":
		keys, err := config.ResolveKeys(cfg.Feed.Keys)
		if err != nil {
			return nil, err
		}
		if len(keys) != 2 {
			return nil, fmt.Errorf("harman needs feed.keys with key id and secret, got %d values", len(keys))
		}
		return harman.NewAdapter(harman.AdapterConfig{
			BaseURL: cfg.Feed.URL,
			KeyID:   keys[0],
			Secret:  keys[1],
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown feed %q", cfg.Feed.Name)
	}
}

func messageTypes(feed string) []string {
	switch feed {
	case "kalshi":
		return []string{"ticker_v2", "trade"}
	case "kraken":
		return []string{"ticker", "trade"}
	case "polymarket":
		return []string{"book", "price_change", "tick_size_change", "last_trade_price"}
	default:
		return []string{"ticker", "trade"}
	}
}
