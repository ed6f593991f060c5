package config

import (
	"fmt"
	"strings"
	"time"
)

// Connector is the top-level configuration for cmd/ssmd-connector.
type Connector struct {
	// Env is the environment token in subjects ("prod", "staging").
	Env string `yaml:"env"`

	Feed          Feed          `yaml:"feed"`
	NATS          NATS          `yaml:"nats"`
	Ring          Ring          `yaml:"ring"`
	Health        Health        `yaml:"health"`
	Secmaster     Secmaster     `yaml:"secmaster"`
	Observability Observability `yaml:"observability"`

	Verbose bool `yaml:"verbose"`
}

// Feed selects and configures the exchange adapter.
type Feed struct {
	// Name is the adapter: "kalshi", "kraken", "polymarket", or "harman".
	Name string `yaml:"name"`

	// URL overrides the adapter's default websocket endpoint.
	URL string `yaml:"url"`

	// Demo selects the exchange's demo environment where one exists.
	Demo bool `yaml:"demo"`

	// Tickers is the initial subscription set. May be supplemented or
	// replaced at runtime by the secmaster refresher.
	Tickers []string `yaml:"tickers"`

	// Keys references credentials as "env:VAR[,VAR...]", never inline.
	Keys string `yaml:"keys"`
}

// NATS configures the bus connection.
type NATS struct {
	URL            string        `yaml:"url"`
	StreamMaxAge   time.Duration `yaml:"stream_max_age"`
	StreamReplicas int           `yaml:"stream_replicas"`
	MaxPending     int           `yaml:"max_pending"`

	// Embedded runs an in-process JetStream server instead of dialing URL.
	Embedded bool   `yaml:"embedded"`
	StoreDir string `yaml:"store_dir"`
}

// Ring configures the capture ring buffer.
type Ring struct {
	// Path backs the arena with a file; empty maps anonymously.
	Path string `yaml:"path"`
}

// Health configures the operational HTTP endpoint.
type Health struct {
	// Addr is the listen address, e.g. ":8080". Empty disables the server.
	Addr string `yaml:"addr"`
}

// Secmaster configures the market catalog.
type Secmaster struct {
	// Path is the SQLite database file. Empty disables the catalog.
	Path string `yaml:"path"`

	// RefreshInterval is how often the refresher reapplies the catalog.
	// Default: 1m.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Observability configures tracing.
type Observability struct {
	TracingEnabled bool    `yaml:"tracing_enabled"`
	Exporter       string  `yaml:"exporter"` // stdout, zipkin, jaeger
	Endpoint       string  `yaml:"endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// Validate fails fast on anything the daemon cannot start with.
func (c *Connector) Validate() error {
	if strings.TrimSpace(c.Env) == "" {
		return fmt.Errorf("env is required")
	}
	switch c.Feed.Name {
	case "kalshi", "kraken", "polymarket", "harman":
		// known adapters
	case "":
		return fmt.Errorf("feed.name is required")
	default:
		return fmt.Errorf("unknown feed %q", c.Feed.Name)
	}
	if len(c.Feed.Tickers) == 0 && c.Secmaster.Path == "" {
		return fmt.Errorf("feed.tickers or secmaster.path must be set")
	}
	if c.Feed.Keys != "" && !strings.HasPrefix(c.Feed.Keys, "env:") {
		return fmt.Errorf("feed.keys must use the env: reference form")
	}
	if c.NATS.Embedded && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir is required when nats.embedded is set")
	}
	if c.Secmaster.RefreshInterval < 0 {
		return fmt.Errorf("secmaster.refresh_interval cannot be negative")
	}
	return nil
}
