package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FormatJSONLGz is the only archive format currently written.
const FormatJSONLGz = "jsonl.gz"

// FileEntry describes one finalized archive file within a manifest.
type FileEntry struct {
	Name         string    `json:"name"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Records      uint64    `json:"records"`
	Bytes        uint64    `json:"bytes"`
	NatsStartSeq uint64    `json:"nats_start_seq"`
	NatsEndSeq   uint64    `json:"nats_end_seq"`
}

// Manifest is the per-(feed, date) archive index written next to the files.
type Manifest struct {
	Feed             string      `json:"feed"`
	Date             string      `json:"date"`
	Format           string      `json:"format"`
	RotationInterval string      `json:"rotation_interval"`
	Files            []FileEntry `json:"files"`
	Gaps             []Gap       `json:"gaps"`
	Tickers          []string    `json:"tickers"`
	MessageTypes     []string    `json:"message_types"`
	HasGaps          bool        `json:"has_gaps"`
}

// TotalRecords sums record counts over all finalized files.
func (m *Manifest) TotalRecords() uint64 {
	var n uint64
	for _, f := range m.Files {
		n += f.Records
	}
	return n
}

// ManifestBuilder accumulates one UTC day of archive state and renders it as
// a Manifest. Ticker and message type sets are deduplicated as they arrive.
type ManifestBuilder struct {
	feed     string
	date     string
	interval string

	files   []FileEntry
	gaps    []Gap
	tickers map[string]struct{}
	types   map[string]struct{}
}

// NewManifestBuilder starts an empty manifest for (feed, date). interval is
// the human form of the rotation policy, e.g. "15m".
func NewManifestBuilder(feed, date, interval string) *ManifestBuilder {
	return &ManifestBuilder{
		feed:     feed,
		date:     date,
		interval: interval,
		tickers:  map[string]struct{}{},
		types:    map[string]struct{}{},
	}
}

// Resume rebuilds a builder from a previously written manifest so the
// archiver can continue a day after a restart.
func Resume(m *Manifest, interval string) *ManifestBuilder {
	b := NewManifestBuilder(m.Feed, m.Date, interval)
	b.files = append(b.files, m.Files...)
	b.gaps = append(b.gaps, m.Gaps...)
	for _, t := range m.Tickers {
		b.tickers[t] = struct{}{}
	}
	for _, t := range m.MessageTypes {
		b.types[t] = struct{}{}
	}
	return b
}

// Date reports the UTC day this builder covers, formatted 2006-01-02.
func (b *ManifestBuilder) Date() string { return b.date }

// AddFile records a finalized archive file.
func (b *ManifestBuilder) AddFile(e FileEntry) {
	b.files = append(b.files, e)
}

// AddGap records a detected sequence gap. Gaps accumulate; none is ever
// removed.
func (b *ManifestBuilder) AddGap(g Gap) {
	b.gaps = append(b.gaps, g)
}

// Observe notes the ticker and message type of an archived record.
func (b *ManifestBuilder) Observe(messageType, ticker string) {
	if messageType != "" {
		b.types[messageType] = struct{}{}
	}
	if ticker != "" {
		b.tickers[ticker] = struct{}{}
	}
}

// Snapshot renders the current state. Slices are copied and sorted so the
// caller may hold the result across further mutation.
func (b *ManifestBuilder) Snapshot() Manifest {
	m := Manifest{
		Feed:             b.feed,
		Date:             b.date,
		Format:           FormatJSONLGz,
		RotationInterval: b.interval,
		Files:            append([]FileEntry(nil), b.files...),
		Gaps:             append([]Gap(nil), b.gaps...),
		Tickers:          sortedKeys(b.tickers),
		MessageTypes:     sortedKeys(b.types),
		HasGaps:          len(b.gaps) > 0,
	}
	if m.Files == nil {
		m.Files = []FileEntry{}
	}
	if m.Gaps == nil {
		m.Gaps = []Gap{}
	}
	return m
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WriteManifest writes m atomically: marshal to a temp file in the same
// directory, fsync, rename over the destination.
func WriteManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest from disk. A missing file is reported via
// os.IsNotExist on the wrapped error.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
