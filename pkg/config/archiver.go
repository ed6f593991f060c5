package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Archiver is the top-level configuration for cmd/ssmd-archiver.
type Archiver struct {
	Env  string `yaml:"env"`
	Feed string `yaml:"feed"`

	NATS          ArchiverNATS  `yaml:"nats"`
	Storage       Storage       `yaml:"storage"`
	Rotation      Rotation      `yaml:"rotation"`
	Index         Index         `yaml:"index"`
	Health        Health        `yaml:"health"`
	Observability Observability `yaml:"observability"`

	Verbose bool `yaml:"verbose"`
}

// ArchiverNATS configures the durable consumer.
type ArchiverNATS struct {
	URL           string        `yaml:"url"`
	Consumer      string        `yaml:"consumer"`
	FetchBatch    int           `yaml:"fetch_batch"`
	FetchWait     time.Duration `yaml:"fetch_wait"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
}

// Storage locates the archive tree.
type Storage struct {
	Root string `yaml:"root"`
}

// Rotation selects the file rotation policy. Exactly one of Interval or
// MaxBytes must be set.
type Rotation struct {
	// Interval is the aligned window, e.g. "15m", "1h", "1d".
	Interval string `yaml:"interval"`

	// MaxBytes rotates on uncompressed size, e.g. 536870912.
	MaxBytes uint64 `yaml:"max_bytes"`
}

// Index enables the optional Postgres manifest index.
type Index struct {
	DSN string `yaml:"dsn"`
}

// Validate fails fast on anything the daemon cannot start with.
func (c *Archiver) Validate() error {
	if strings.TrimSpace(c.Env) == "" {
		return fmt.Errorf("env is required")
	}
	if strings.TrimSpace(c.Feed) == "" {
		return fmt.Errorf("feed is required")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if (c.Rotation.Interval != "") == (c.Rotation.MaxBytes != 0) {
		return fmt.Errorf("exactly one of rotation.interval or rotation.max_bytes must be set")
	}
	if c.Rotation.Interval != "" {
		if _, err := ParseInterval(c.Rotation.Interval); err != nil {
			return fmt.Errorf("rotation.interval: %w", err)
		}
	}
	return nil
}

// RotationInterval parses the configured interval, 0 when size-based.
func (c *Archiver) RotationInterval() time.Duration {
	if c.Rotation.Interval == "" {
		return 0
	}
	d, _ := ParseInterval(c.Rotation.Interval)
	return d
}

// ParseInterval parses rotation intervals of the form "<n><unit>" where unit
// is s, m, h, or d.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", s)
	}
}
