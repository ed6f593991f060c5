// Package polymarket implements the exchange adapter for the Polymarket
// CLOB market channel. No authentication. Quirks relative to the others:
// keepalive is a raw "PING" text frame every 10s, instruments are asset IDs
// rather than symbols, and book snapshots can run large, so the read limit
// is raised to 2 MiB.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmdio/ssmd/pkg/exchange"
	"github.com/ssmdio/ssmd/pkg/logging"
)

const (
	// DefaultURL is the public CLOB market channel endpoint.
	DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	// MaxInstrumentsPerConnection is Polymarket's per-connection cap.
	MaxInstrumentsPerConnection = 500

	// MaxMessageSize covers large book snapshots.
	MaxMessageSize = 2 << 20

	// PingInterval is the required raw-text keepalive cadence.
	PingInterval = 10 * time.Second
)

// Config configures the adapter.
type Config struct {
	// URL overrides DefaultURL when set.
	URL string

	Logger logging.Logger
}

// Adapter implements exchange.Adapter for Polymarket.
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

func (a *Adapter) Feed() string { return "polymarket" }

func (a *Adapter) Dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.url, err)
	}
	conn.SetReadLimit(MaxMessageSize)
	a.logger.Infof("polymarket websocket connected to %s", a.url)
	return conn, nil
}

type subscribeCmd struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// Subscribe requests the market channel for the given asset IDs. Polymarket
// sends no subscription ack; book snapshots start arriving immediately.
func (a *Adapter) Subscribe(conn *websocket.Conn, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	if len(assetIDs) > MaxInstrumentsPerConnection {
		a.logger.Warnf("polymarket: %d instruments exceeds the per-connection limit of %d",
			len(assetIDs), MaxInstrumentsPerConnection)
	}
	cmd := subscribeCmd{AssetIDs: assetIDs, Type: "market"}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	a.logger.Infof("polymarket subscribed to %d asset ids", len(assetIDs))
	return nil
}

type event struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
}

// Classify handles both single events and event arrays. Arrays are forwarded
// whole under the first event's type. "PONG" text and unknown shapes are
// control traffic.
func (a *Adapter) Classify(frame []byte) (exchange.Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("PONG")) {
		return exchange.Message{}, exchange.ErrControl
	}

	var first event
	if trimmed[0] == '[' {
		var events []event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return exchange.Message{}, fmt.Errorf("parse polymarket frame: %w", err)
		}
		if len(events) == 0 {
			return exchange.Message{}, exchange.ErrControl
		}
		first = events[0]
	} else {
		if err := json.Unmarshal(trimmed, &first); err != nil {
			return exchange.Message{}, fmt.Errorf("parse polymarket frame: %w", err)
		}
	}
	if first.EventType == "" {
		return exchange.Message{}, exchange.ErrControl
	}
	return exchange.Message{Type: first.EventType, Ticker: first.AssetID, Raw: frame}, nil
}

func (a *Adapter) KeepaliveInterval() time.Duration { return PingInterval }

// Keepalive sends the raw "PING" text frame Polymarket expects.
func (a *Adapter) Keepalive(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, []byte("PING"))
}
