package harman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssmdio/ssmd/pkg/exchange"
	"github.com/ssmdio/ssmd/pkg/logging"
)

// AdapterConfig configures the client side of the mock exchange.
type AdapterConfig struct {
	// BaseURL is the server's host:port, e.g. "127.0.0.1:9431".
	BaseURL string

	// KeyID and Secret are the API credentials exchanged for a JWT.
	KeyID  string
	Secret string

	Logger logging.Logger
}

// Adapter implements exchange.Adapter against a harman server.
type Adapter struct {
	base   string
	keyID  string
	secret string
	logger logging.Logger
}

// NewAdapter returns an Adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.KeyID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("api credentials are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false)
	}
	return &Adapter{base: cfg.BaseURL, keyID: cfg.KeyID, secret: cfg.Secret, logger: logger}, nil
}

func (a *Adapter) Feed() string { return "harman" }

// Dial logs in for a JWT, then upgrades the websocket with it. Rejected
// credentials surface as exchange.ErrAuth.
func (a *Adapter) Dial(ctx context.Context) (*websocket.Conn, error) {
	body, _ := json.Marshal(loginRequest{KeyID: a.keyID, Secret: a.secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+a.base+"/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: harman rejected key %s", exchange.ErrAuth, a.keyID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login returned %d", resp.StatusCode)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("parse login response: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+lr.Token)
	conn, wsResp, err := dialer.DialContext(ctx, "ws://"+a.base+"/ws", header)
	if err != nil {
		if wsResp != nil && wsResp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: websocket rejected token", exchange.ErrAuth)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// Subscribe sends the subscribe command for the given tickers.
func (a *Adapter) Subscribe(conn *websocket.Conn, tickers []string) error {
	return conn.WriteJSON(subscribeCmd{Cmd: "subscribe", Tickers: tickers})
}

type probe struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
	} `json:"msg"`
}

// Classify forwards ticker and trade frames.
func (a *Adapter) Classify(frame []byte) (exchange.Message, error) {
	var p probe
	if err := json.Unmarshal(frame, &p); err != nil {
		return exchange.Message{}, fmt.Errorf("parse harman frame: %w", err)
	}
	switch p.Type {
	case "ticker", "trade":
		return exchange.Message{Type: p.Type, Ticker: p.Msg.MarketTicker, Raw: frame}, nil
	default:
		return exchange.Message{}, exchange.ErrControl
	}
}

func (a *Adapter) KeepaliveInterval() time.Duration { return 0 }

func (a *Adapter) Keepalive(*websocket.Conn) error { return nil }
