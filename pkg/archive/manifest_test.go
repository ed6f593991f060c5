package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestManifestSnapshot(t *testing.T) {
	b := NewManifestBuilder("kalshi", "2026-08-14", "15m")
	b.Observe("trade", "INXD-25001")
	b.Observe("ticker_v2", "INXD-25001")
	b.Observe("trade", "AAPL-26000")
	b.Observe("trade", "AAPL-26000") // duplicate

	start := time.Date(2026, 8, 14, 12, 0, 1, 0, time.UTC)
	b.AddFile(FileEntry{
		Name: "1200.jsonl.gz", Start: start, End: start.Add(14 * time.Minute),
		Records: 100, Bytes: 5000, NatsStartSeq: 10, NatsEndSeq: 109,
	})

	m := b.Snapshot()
	if m.Feed != "kalshi" || m.Date != "2026-08-14" || m.Format != FormatJSONLGz {
		t.Fatalf("header fields wrong: %+v", m)
	}
	if m.RotationInterval != "15m" {
		t.Fatalf("RotationInterval = %q", m.RotationInterval)
	}
	if !reflect.DeepEqual(m.Tickers, []string{"AAPL-26000", "INXD-25001"}) {
		t.Fatalf("Tickers = %v", m.Tickers)
	}
	if !reflect.DeepEqual(m.MessageTypes, []string{"ticker_v2", "trade"}) {
		t.Fatalf("MessageTypes = %v", m.MessageTypes)
	}
	if m.HasGaps {
		t.Fatal("HasGaps true with no gaps")
	}
	if m.TotalRecords() != 100 {
		t.Fatalf("TotalRecords = %d", m.TotalRecords())
	}

	b.AddGap(Gap{AfterSeq: 109, MissingCount: 5, DetectedAt: start})
	if m2 := b.Snapshot(); !m2.HasGaps || len(m2.Gaps) != 1 {
		t.Fatalf("gap not reflected: %+v", m2)
	}
}

func TestManifestJSONFieldNames(t *testing.T) {
	b := NewManifestBuilder("kraken", "2026-08-14", "15m")
	b.AddFile(FileEntry{Name: "1200.jsonl.gz", NatsStartSeq: 1, NatsEndSeq: 2, Records: 2})
	b.AddGap(Gap{AfterSeq: 2, MissingCount: 1, DetectedAt: time.Unix(0, 0).UTC()})

	data, err := json.Marshal(b.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"feed", "date", "format", "rotation_interval", "files", "gaps", "tickers", "message_types", "has_gaps"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("manifest missing field %q", key)
		}
	}

	var files []map[string]json.RawMessage
	json.Unmarshal(raw["files"], &files)
	for _, key := range []string{"name", "start", "end", "records", "bytes", "nats_start_seq", "nats_end_seq"} {
		if _, ok := files[0][key]; !ok {
			t.Errorf("file entry missing field %q", key)
		}
	}

	var gaps []map[string]json.RawMessage
	json.Unmarshal(raw["gaps"], &gaps)
	for _, key := range []string{"after_seq", "missing_count", "detected_at"} {
		if _, ok := gaps[0][key]; !ok {
			t.Errorf("gap missing field %q", key)
		}
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	b := NewManifestBuilder("kalshi", "2026-08-14", "15m")
	b.Observe("trade", "INXD-25001")
	b.AddFile(FileEntry{Name: "1200.jsonl.gz", Records: 3, NatsStartSeq: 10, NatsEndSeq: 12})
	want := b.Snapshot()

	if err := WriteManifest(path, want); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	// No temp debris after a successful write.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("manifest .tmp left behind")
	}

	got, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", *got, want)
	}
}

func TestResumeRebuildsState(t *testing.T) {
	b := NewManifestBuilder("kalshi", "2026-08-14", "15m")
	b.Observe("trade", "INXD-25001")
	b.AddFile(FileEntry{Name: "1200.jsonl.gz", Records: 3, NatsStartSeq: 10, NatsEndSeq: 12})
	b.AddGap(Gap{AfterSeq: 12, MissingCount: 2, DetectedAt: time.Unix(0, 0).UTC()})
	m := b.Snapshot()

	r := Resume(&m, "15m")
	r.Observe("ticker_v2", "INXD-25001")
	r.AddFile(FileEntry{Name: "1215.jsonl.gz", Records: 1, NatsStartSeq: 15, NatsEndSeq: 15})

	m2 := r.Snapshot()
	if len(m2.Files) != 2 {
		t.Fatalf("Files = %d, want 2", len(m2.Files))
	}
	if !m2.HasGaps || len(m2.Gaps) != 1 {
		t.Fatal("resumed gaps lost")
	}
	if !reflect.DeepEqual(m2.MessageTypes, []string{"ticker_v2", "trade"}) {
		t.Fatalf("MessageTypes = %v", m2.MessageTypes)
	}
}
