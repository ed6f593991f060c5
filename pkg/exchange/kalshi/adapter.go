// Package kalshi implements the exchange adapter for Kalshi's trade API
// websocket. Authentication is RSA-PSS signed headers on the upgrade
// request; data arrives on the ticker_v2 and trade channels.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmdio/ssmd/pkg/exchange"
	"github.com/ssmdio/ssmd/pkg/logging"
)

const (
	// WSPath is the path signed for authentication and dialed for data.
	WSPath = "/trade-api/ws/v2"

	prodHost = "api.elections.kalshi.com"
	demoHost = "demo-api.kalshi.co"

	// MaxMarketsPerCommand is Kalshi's per-subscribe instrument limit.
	MaxMarketsPerCommand = 256
)

// Config configures the adapter.
type Config struct {
	// APIKey is the Kalshi access key ID.
	APIKey string

	// PrivateKeyPEM is the RSA signing key, PKCS#8 or PKCS#1.
	PrivateKeyPEM []byte

	// Demo selects the demo environment.
	Demo bool

	// URL overrides the derived websocket URL when set.
	URL string

	Logger logging.Logger
}

// Adapter implements exchange.Adapter for Kalshi.
type Adapter struct {
	url    string
	signer *Signer
	logger logging.Logger
	cmdID  int
}

// New validates the credentials and returns an Adapter.
func New(cfg Config) (*Adapter, error) {
	signer, err := NewSigner(cfg.APIKey, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("kalshi credentials: %w", err)
	}
	url := cfg.URL
	if url == "" {
		host := prodHost
		if cfg.Demo {
			host = demoHost
		}
		url = "wss://" + host + WSPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false)
	}
	return &Adapter{url: url, signer: signer, logger: logger}, nil
}

func (a *Adapter) Feed() string { return "kalshi" }

// Dial connects with signed auth headers. A 401/403 rejection surfaces as
// exchange.ErrAuth so the session does not retry bad credentials.
func (a *Adapter) Dial(ctx context.Context) (*websocket.Conn, error) {
	headers, err := a.signer.Headers(time.Now().UnixMilli(), WSPath)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, a.url, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: kalshi returned %d", exchange.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", a.url, err)
	}
	a.logger.Infof("kalshi websocket connected to %s", a.url)
	return conn, nil
}

type subscribeCmd struct {
	ID     int             `json:"id"`
	Cmd    string          `json:"cmd"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// Subscribe requests ticker_v2 and trade channels, chunked to the per-command
// market limit.
func (a *Adapter) Subscribe(conn *websocket.Conn, tickers []string) error {
	for start := 0; start < len(tickers); start += MaxMarketsPerCommand {
		end := start + MaxMarketsPerCommand
		if end > len(tickers) {
			end = len(tickers)
		}
		a.cmdID++
		cmd := subscribeCmd{
			ID:  a.cmdID,
			Cmd: "subscribe",
			Params: subscribeParams{
				Channels:      []string{"ticker_v2", "trade"},
				MarketTickers: tickers[start:end],
			},
		}
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("subscribe command %d: %w", a.cmdID, err)
		}
	}
	a.logger.Infof("kalshi subscribed to %d markets", len(tickers))
	return nil
}

// probe is the minimal shape needed to classify a frame.
type probe struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
	} `json:"msg"`
}

// Classify forwards ticker_v2 and trade frames; everything else (subscribed
// acks, errors, heartbeats) is control traffic.
func (a *Adapter) Classify(frame []byte) (exchange.Message, error) {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return exchange.Message{}, fmt.Errorf("parse kalshi frame: %w", err)
	}
	switch p.Type {
	case "ticker_v2", "trade":
		return exchange.Message{Type: p.Type, Ticker: p.Msg.MarketTicker, Raw: frame}, nil
	case "error":
		a.logger.Warnf("kalshi error frame: %s", frame)
		return exchange.Message{}, exchange.ErrControl
	default:
		return exchange.Message{}, exchange.ErrControl
	}
}

// KeepaliveInterval is zero: Kalshi keeps the socket alive with protocol
// level pings that gorilla answers automatically.
func (a *Adapter) KeepaliveInterval() time.Duration { return 0 }

func (a *Adapter) Keepalive(*websocket.Conn) error { return nil }
