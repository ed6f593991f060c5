// Package exchange defines the adapter contract for exchange websocket
// feeds and the shared session runner that drives an adapter through
// connect, subscribe, read, and reconnect.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// ReadTimeout is the idle deadline applied to every adapter's read path.
// Exchanges that go quiet longer than this are treated as dead connections.
const ReadTimeout = 120 * time.Second

var (
	// ErrControl marks frames that carry no market data (heartbeats, pongs,
	// subscription acks). The session consumes them without forwarding.
	ErrControl = errors.New("control message")

	// ErrAuth marks authentication failures. The session treats these as
	// fatal and does not reconnect.
	ErrAuth = errors.New("authentication failed")
)

// Message is one classified market data frame. Raw is the exchange's JSON
// exactly as received; it is never re-marshaled downstream.
type Message struct {
	Type   string
	Ticker string
	Raw    []byte
}

// Adapter implements one exchange's websocket dialect.
type Adapter interface {
	// Feed names the adapter for subjects, paths, and metrics labels.
	Feed() string

	// Dial connects and completes any authentication handshake.
	Dial(ctx context.Context) (*websocket.Conn, error)

	// Subscribe requests market data for the given instruments on a live
	// connection. Adapters chunk per their per-command limits.
	Subscribe(conn *websocket.Conn, tickers []string) error

	// Classify parses one frame. Control frames return ErrControl.
	Classify(frame []byte) (Message, error)

	// KeepaliveInterval is how often Keepalive must run; zero disables it.
	KeepaliveInterval() time.Duration

	// Keepalive sends the exchange's application-level ping.
	Keepalive(conn *websocket.Conn) error
}
