// Package kraken implements the exchange adapter for Kraken's v2 websocket.
// No authentication; data arrives on the ticker and trade channels and the
// connection is kept alive with an application-level JSON ping every 30s.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmdio/ssmd/pkg/exchange"
	"github.com/ssmdio/ssmd/pkg/logging"
)

// DefaultURL is Kraken's public v2 websocket endpoint.
const DefaultURL = "wss://ws.kraken.com/v2"

// PingInterval is Kraken's recommended application ping cadence.
const PingInterval = 30 * time.Second

// Config configures the adapter.
type Config struct {
	// URL overrides DefaultURL when set.
	URL string

	Logger logging.Logger
}

// Adapter implements exchange.Adapter for Kraken spot.
type Adapter struct {
	url    string
	logger logging.Logger
}

// New returns an Adapter.
func New(cfg Config) *Adapter {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false)
	}
	return &Adapter{url: url, logger: logger}
}

func (a *Adapter) Feed() string { return "kraken" }

func (a *Adapter) Dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.url, err)
	}
	a.logger.Infof("kraken websocket connected to %s", a.url)
	return conn, nil
}

type subscribeCmd struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

// Subscribe requests the ticker and trade channels for the given symbols.
func (a *Adapter) Subscribe(conn *websocket.Conn, symbols []string) error {
	for _, channel := range []string{"ticker", "trade"} {
		cmd := subscribeCmd{
			Method: "subscribe",
			Params: subscribeParams{Channel: channel, Symbol: symbols},
		}
		if err := conn.WriteJSON(cmd); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	a.logger.Infof("kraken subscribed to ticker and trade for %d symbols", len(symbols))
	return nil
}

type probe struct {
	Channel string `json:"channel"`
	Method  string `json:"method"`
	Data    []struct {
		Symbol string `json:"symbol"`
	} `json:"data"`
}

// Classify forwards ticker and trade channel frames; heartbeats, pongs, and
// subscription results are control traffic.
func (a *Adapter) Classify(frame []byte) (exchange.Message, error) {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return exchange.Message{}, fmt.Errorf("parse kraken frame: %w", err)
	}
	switch p.Channel {
	case "ticker", "trade":
		var symbol string
		if len(p.Data) > 0 {
			symbol = p.Data[0].Symbol
		}
		return exchange.Message{Type: p.Channel, Ticker: symbol, Raw: frame}, nil
	default:
		return exchange.Message{}, exchange.ErrControl
	}
}

func (a *Adapter) KeepaliveInterval() time.Duration { return PingInterval }

// Keepalive sends Kraken's application-level ping.
func (a *Adapter) Keepalive(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]string{"method": "ping"})
}
