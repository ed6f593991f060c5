package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ssmdio/ssmd/pkg/logging"
)

// WriterConfig configures the rotating archive writer for one feed.
// Exactly one rotation policy is active: Interval > 0 rotates on aligned
// time windows, MaxBytes > 0 rotates on uncompressed size.
type WriterConfig struct {
	// Root is the storage root; files land under {Root}/{feed}/{date}/.
	Root string

	// Feed names the directory and manifest feed field.
	Feed string

	// Interval is the aligned rotation window (e.g. 15m). A record received
	// at 12:14:59 lands in 1200.jsonl.gz; the first record at 12:15:00 opens
	// 1215.jsonl.gz.
	Interval time.Duration

	// MaxBytes rotates once a file's uncompressed size reaches this bound.
	MaxBytes uint64

	Logger logging.Logger
}

type currentFile struct {
	f  *os.File
	gz *gzip.Writer

	window    time.Time // UTC window start (time policy) or open time
	name      string
	tmpPath   string
	finalPath string

	records  uint64
	rawBytes uint64
	firstSeq uint64
	lastSeq  uint64
	start    time.Time
	end      time.Time
}

// Writer appends JSONL records into gzip files and rotates them per policy.
// Files are written under a .tmp suffix and renamed into place on finalize,
// so a crash never leaves a partial file with a final name.
type Writer struct {
	root     string
	feed     string
	interval time.Duration
	maxBytes uint64
	logger   logging.Logger

	cur *currentFile
}

// NewWriter validates cfg and returns a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Root == "" {
		return nil, errors.New("storage root is required")
	}
	if cfg.Feed == "" {
		return nil, errors.New("feed is required")
	}
	if (cfg.Interval > 0) == (cfg.MaxBytes > 0) {
		return nil, errors.New("exactly one rotation policy must be set")
	}
	if cfg.Interval > 0 && cfg.Interval < time.Minute {
		return nil, fmt.Errorf("rotation interval %s below 1m", cfg.Interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false)
	}
	return &Writer{
		root:     cfg.Root,
		feed:     cfg.Feed,
		interval: cfg.Interval,
		maxBytes: cfg.MaxBytes,
		logger:   logger,
	}, nil
}

// Write appends one record (a newline is added) stamped with its stream
// sequence and receive time. When the write triggers a rotation the
// finalized file's entry is returned; the record itself always lands in the
// file that is current after rotation.
func (w *Writer) Write(line []byte, seq uint64, now time.Time) (*FileEntry, error) {
	now = now.UTC()

	var finalized *FileEntry
	if w.cur != nil && w.shouldRotate(now) {
		e, err := w.finalize()
		if err != nil {
			return nil, err
		}
		finalized = e
	}
	if w.cur == nil {
		if err := w.open(now); err != nil {
			return finalized, err
		}
	}

	if _, err := w.cur.gz.Write(line); err != nil {
		return finalized, fmt.Errorf("write archive record: %w", err)
	}
	if _, err := w.cur.gz.Write([]byte{'\n'}); err != nil {
		return finalized, fmt.Errorf("write archive record: %w", err)
	}

	c := w.cur
	c.rawBytes += uint64(len(line)) + 1
	c.records++
	if c.records == 1 {
		c.firstSeq = seq
		c.start = now
	}
	if seq != 0 {
		c.lastSeq = seq
	}
	c.end = now
	return finalized, nil
}

func (w *Writer) shouldRotate(now time.Time) bool {
	c := w.cur
	if w.interval > 0 {
		return !now.Truncate(w.interval).Equal(c.window)
	}
	return c.rawBytes >= w.maxBytes
}

func (w *Writer) open(now time.Time) error {
	window := now
	if w.interval > 0 {
		window = now.Truncate(w.interval)
	} else {
		window = now.Truncate(time.Minute)
	}

	dir := filepath.Join(w.root, w.feed, window.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	name := window.Format("1504") + ".jsonl.gz"
	finalPath := filepath.Join(dir, name)
	// Size-based rotation can reopen within the same minute.
	for i := 2; fileExists(finalPath); i++ {
		name = fmt.Sprintf("%s-%d.jsonl.gz", window.Format("1504"), i)
		finalPath = filepath.Join(dir, name)
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}

	w.cur = &currentFile{
		f:         f,
		gz:        gzip.NewWriter(f),
		window:    window,
		name:      name,
		tmpPath:   tmpPath,
		finalPath: finalPath,
	}
	w.logger.Infof("opened archive file %s", finalPath)
	return nil
}

func (w *Writer) finalize() (*FileEntry, error) {
	c := w.cur
	w.cur = nil

	if err := c.gz.Close(); err != nil {
		c.f.Close()
		return nil, fmt.Errorf("close gzip stream: %w", err)
	}
	if err := c.f.Sync(); err != nil {
		c.f.Close()
		return nil, fmt.Errorf("sync archive file: %w", err)
	}
	if err := c.f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(c.tmpPath, c.finalPath); err != nil {
		return nil, fmt.Errorf("rename archive file: %w", err)
	}
	w.logger.Infof("finalized %s: %d records, %d raw bytes", c.finalPath, c.records, c.rawBytes)

	return &FileEntry{
		Name:         c.name,
		Start:        c.start,
		End:          c.end,
		Records:      c.records,
		Bytes:        c.rawBytes,
		NatsStartSeq: c.firstSeq,
		NatsEndSeq:   c.lastSeq,
	}, nil
}

// Close finalizes the current file if one is open.
func (w *Writer) Close() (*FileEntry, error) {
	if w.cur == nil {
		return nil, nil
	}
	return w.finalize()
}

// CurrentDate reports the UTC date of the open file's window, or "" when no
// file is open.
func (w *Writer) CurrentDate() string {
	if w.cur == nil {
		return ""
	}
	return w.cur.window.Format("2006-01-02")
}

// RemoveStaleTmp deletes leftover .tmp files under the feed's directory for
// the given date. Called once on startup before writing.
func (w *Writer) RemoveStaleTmp(date string) {
	dir := filepath.Join(w.root, w.feed, date)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl.gz.tmp") {
			p := filepath.Join(dir, e.Name())
			if err := os.Remove(p); err == nil {
				w.logger.Warnf("removed stale archive temp %s", p)
			}
		}
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
