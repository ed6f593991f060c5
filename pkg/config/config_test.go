package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConnectorYAML(t *testing.T) {
	path := writeConfig(t, `
env: prod
feed:
  name: kalshi
  tickers: [INXD-25001, AAPL-26000]
  keys: env:KALSHI_API_KEY,KALSHI_PRIVATE_KEY
nats:
  url: nats://localhost:4222
  stream_max_age: 168h
ring:
  path: /var/run/ssmd/kalshi.ring
health:
  addr: ":8080"
verbose: true
`)

	var cfg Connector
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "prod" || cfg.Feed.Name != "kalshi" {
		t.Fatalf("loaded %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Feed.Tickers, []string{"INXD-25001", "AAPL-26000"}) {
		t.Fatalf("tickers = %v", cfg.Feed.Tickers)
	}
	if cfg.NATS.StreamMaxAge != 168*time.Hour {
		t.Fatalf("stream_max_age = %v", cfg.NATS.StreamMaxAge)
	}
	if !cfg.Verbose {
		t.Fatal("verbose not loaded")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
env: prod
feed:
  name: kraken
  tickers: [BTC/USD]
nats:
  url: nats://localhost:4222
`)

	t.Setenv("SSMD_ENV", "staging")
	t.Setenv("SSMD_NATS_URL", "nats://nats.internal:4222")
	t.Setenv("SSMD_NATS_STREAMMAXAGE", "48h")
	t.Setenv("SSMD_FEED_TICKERS", "BTC/USD,ETH/USD")
	t.Setenv("SSMD_VERBOSE", "true")

	var cfg Connector
	if err := LoadWithEnv(path, "SSMD", &cfg); err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if cfg.Env != "staging" {
		t.Fatalf("env = %q", cfg.Env)
	}
	if cfg.NATS.URL != "nats://nats.internal:4222" {
		t.Fatalf("nats url = %q", cfg.NATS.URL)
	}
	if cfg.NATS.StreamMaxAge != 48*time.Hour {
		t.Fatalf("stream_max_age = %v", cfg.NATS.StreamMaxAge)
	}
	if !reflect.DeepEqual(cfg.Feed.Tickers, []string{"BTC/USD", "ETH/USD"}) {
		t.Fatalf("tickers = %v", cfg.Feed.Tickers)
	}
	if !cfg.Verbose {
		t.Fatal("verbose override ignored")
	}
}

func TestConnectorValidate(t *testing.T) {
	base := func() Connector {
		return Connector{
			Env:  "prod",
			Feed: Feed{Name: "kraken", Tickers: []string{"BTC/USD"}},
		}
	}

	valid := base()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Connector)
	}{
		{"missing env", func(c *Connector) { c.Env = " " }},
		{"missing feed", func(c *Connector) { c.Feed.Name = "" }},
		{"unknown feed", func(c *Connector) { c.Feed.Name = "nyse" }},
		{"no tickers or secmaster", func(c *Connector) { c.Feed.Tickers = nil }},
		{"inline keys", func(c *Connector) { c.Feed.Keys = "abc123:secret" }},
		{"embedded without store dir", func(c *Connector) { c.NATS.Embedded = true }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate passed", tc.name)
		}
	}

	// Secmaster path substitutes for a ticker list.
	cfg := base()
	cfg.Feed.Tickers = nil
	cfg.Secmaster.Path = "/var/lib/ssmd/markets.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("secmaster-driven config rejected: %v", err)
	}
}

func TestArchiverValidate(t *testing.T) {
	base := func() Archiver {
		return Archiver{
			Env:      "prod",
			Feed:     "kalshi",
			Storage:  Storage{Root: "/srv/archive"},
			Rotation: Rotation{Interval: "15m"},
		}
	}

	valid := base()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Archiver)
	}{
		{"missing env", func(c *Archiver) { c.Env = "" }},
		{"missing feed", func(c *Archiver) { c.Feed = "" }},
		{"missing storage root", func(c *Archiver) { c.Storage.Root = "" }},
		{"no rotation policy", func(c *Archiver) { c.Rotation = Rotation{} }},
		{"both rotation policies", func(c *Archiver) { c.Rotation.MaxBytes = 1 << 20 }},
		{"bad interval", func(c *Archiver) { c.Rotation.Interval = "15x" }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate passed", tc.name)
		}
	}

	cfg := base()
	if got := cfg.RotationInterval(); got != 15*time.Minute {
		t.Fatalf("RotationInterval = %v", got)
	}
	cfg.Rotation = Rotation{MaxBytes: 1 << 20}
	if got := cfg.RotationInterval(); got != 0 {
		t.Fatalf("size-based RotationInterval = %v", got)
	}
}

func TestParseInterval(t *testing.T) {
	good := map[string]time.Duration{
		"30s": 30 * time.Second,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"1d":  24 * time.Hour,
	}
	for in, want := range good {
		got, err := ParseInterval(in)
		if err != nil {
			t.Errorf("ParseInterval(%q) error: %v", in, err)
		} else if got != want {
			t.Errorf("ParseInterval(%q) = %v, want %v", in, got, want)
		}
	}
	for _, in := range []string{"", "m", "0m", "-5m", "15x", "abc"} {
		if _, err := ParseInterval(in); err == nil {
			t.Errorf("ParseInterval(%q) accepted", in)
		}
	}
}

func TestResolveKeys(t *testing.T) {
	t.Setenv("TEST_API_KEY", "key-id-1")
	t.Setenv("TEST_API_SECRET", "s3cr3t")

	values, err := ResolveKeys("env:TEST_API_KEY,TEST_API_SECRET")
	if err != nil {
		t.Fatalf("ResolveKeys: %v", err)
	}
	if !reflect.DeepEqual(values, []string{"key-id-1", "s3cr3t"}) {
		t.Fatalf("values = %v", values)
	}

	if v, err := ResolveKeys(""); err != nil || v != nil {
		t.Fatalf("empty ref: %v, %v", v, err)
	}
	if _, err := ResolveKeys("file:/etc/keys"); err == nil {
		t.Fatal("non-env reference accepted")
	}
	if _, err := ResolveKeys("env:TEST_MISSING_VAR"); err == nil {
		t.Fatal("unset variable accepted")
	}
	if _, err := ResolveKeys("env:TEST_API_KEY,,TEST_API_SECRET"); err == nil {
		t.Fatal("empty variable name accepted")
	}
}
