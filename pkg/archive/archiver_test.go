package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ssmdio/ssmd/pkg/bus"
	"github.com/ssmdio/ssmd/pkg/logging"
)

func TestArchiverEndToEnd(t *testing.T) {
	srv, url, err := bus.StartEmbedded(t.TempDir())
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	pub, err := bus.NewPublisher(bus.PublisherConfig{
		URL: url, Env: "test", Feed: "kalshi", Logger: logging.Nop(),
	})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}

	// Pad the stream so the trades land at stream sequences 10, 11, 12.
	// The padding subjects sit in the stream but outside the json filter.
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	for i := 0; i < 9; i++ {
		if _, err := js.Publish("test.kalshi.control.pad", []byte("{}")); err != nil {
			t.Fatalf("pad publish %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"type":"trade","msg":{"market_ticker":"INXD-25001","price":%d}}`, 50+i)
		seq, err := pub.Publish("trade", "INXD-25001", []byte(payload))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if want := uint64(10 + i); seq != want {
			t.Fatalf("stream seq = %d, want %d", seq, want)
		}
	}
	pub.Close()

	storage := t.TempDir()
	a, err := New(Config{
		NATSURL:     url,
		Env:         "test",
		Feed:        "kalshi",
		StorageRoot: storage,
		Interval:    15 * time.Minute,
		FetchBatch:  16,
		FetchWait:   500 * time.Millisecond,
		Logger:      logging.Nop(),
	})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Wait until the durable consumer has acked everything it can see.
	deadline := time.Now().Add(10 * time.Second)
	for {
		info, err := js.ConsumerInfo("TEST_KALSHI", "archiver_kalshi")
		if err == nil && info.AckFloor.Stream >= 12 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("archiver did not ack all messages in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	// Graceful shutdown must leave the durable consumer (and its acked
	// cursor) in place for the next start.
	if _, err := js.ConsumerInfo("TEST_KALSHI", "archiver_kalshi"); err != nil {
		t.Fatalf("durable consumer missing after shutdown: %v", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	m, err := LoadManifest(filepath.Join(storage, "kalshi", date, "manifest.json"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("manifest files = %d, want 1", len(m.Files))
	}
	f := m.Files[0]
	if f.Records != 3 || f.NatsStartSeq != 10 || f.NatsEndSeq != 12 {
		t.Fatalf("file entry = %+v", f)
	}
	if m.HasGaps || len(m.Gaps) != 0 {
		t.Fatalf("unexpected gaps: %+v", m.Gaps)
	}
	if len(m.Tickers) != 1 || m.Tickers[0] != "INXD-25001" {
		t.Fatalf("tickers = %v", m.Tickers)
	}
	if len(m.MessageTypes) != 1 || m.MessageTypes[0] != "trade" {
		t.Fatalf("message types = %v", m.MessageTypes)
	}
	if m.TotalRecords() != 3 {
		t.Fatalf("TotalRecords = %d", m.TotalRecords())
	}

	// Every archived line carries the trailer fields with the right seqs.
	lines := readArchive(t, filepath.Join(storage, "kalshi", date, f.Name))
	if len(lines) != 3 {
		t.Fatalf("archive has %d lines, want 3", len(lines))
	}
	for i, line := range lines {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d invalid JSON: %v", i, err)
		}
		if seq, _ := rec["_nats_seq"].(float64); seq != float64(10+i) {
			t.Fatalf("line %d _nats_seq = %v, want %d", i, rec["_nats_seq"], 10+i)
		}
		if _, ok := rec["_received_at"].(string); !ok {
			t.Fatalf("line %d missing _received_at", i)
		}
		msg, _ := rec["msg"].(map[string]interface{})
		if msg["market_ticker"] != "INXD-25001" {
			t.Fatalf("line %d lost original payload: %v", i, rec)
		}
	}

	// A restarted archiver resumes from the acked cursor: one new message
	// archives exactly once, with no re-archiving of sequences 10-12.
	if _, err := js.Publish("test.kalshi.json.trade.INXD-25001",
		[]byte(`{"type":"trade","msg":{"market_ticker":"INXD-25001","price":53}}`)); err != nil {
		t.Fatalf("publish after restart: %v", err)
	}
	b, err := New(Config{
		NATSURL:     url,
		Env:         "test",
		Feed:        "kalshi",
		StorageRoot: storage,
		Interval:    15 * time.Minute,
		FetchBatch:  16,
		FetchWait:   500 * time.Millisecond,
		Logger:      logging.Nop(),
	})
	if err != nil {
		t.Fatalf("second archiver: %v", err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan error, 1)
	go func() { done2 <- b.Run(ctx2) }()
	deadline = time.Now().Add(10 * time.Second)
	for {
		info, err := js.ConsumerInfo("TEST_KALSHI", "archiver_kalshi")
		if err == nil && info.AckFloor.Stream >= 13 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("restarted archiver did not ack the new message in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel2()
	<-done2

	m, err = LoadManifest(filepath.Join(storage, "kalshi", date, "manifest.json"))
	if err != nil {
		t.Fatalf("load manifest after restart: %v", err)
	}
	if m.TotalRecords() != 4 {
		t.Fatalf("TotalRecords after restart = %d, want 4 (no re-archiving)", m.TotalRecords())
	}
	if len(m.Files) != 2 {
		t.Fatalf("manifest files after restart = %d, want 2", len(m.Files))
	}
	if last := m.Files[len(m.Files)-1]; last.Records != 1 || last.NatsStartSeq != 13 || last.NatsEndSeq != 13 {
		t.Fatalf("restart file entry = %+v", last)
	}
	if m.HasGaps {
		t.Fatalf("restart produced gaps: %+v", m.Gaps)
	}
}

func TestArchiverFatalAfterPersistentWriteFailure(t *testing.T) {
	srv, url, err := bus.StartEmbedded(t.TempDir())
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	pub, err := bus.NewPublisher(bus.PublisherConfig{
		URL: url, Env: "test", Feed: "kraken", Logger: logging.Nop(),
	})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	if _, err := pub.Publish("trade", "BTC/USD", []byte(`{"price":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pub.Close()

	// A plain file as storage root makes every archive write fail.
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	a, err := New(Config{
		NATSURL:          url,
		Env:              "test",
		Feed:             "kraken",
		StorageRoot:      blocked,
		Interval:         15 * time.Minute,
		FetchBatch:       16,
		FetchWait:        200 * time.Millisecond,
		AckWait:          time.Second,
		MaxWriteFailures: 3,
		Logger:           logging.Nop(),
	})
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil despite unwritable storage")
		}
	case <-time.After(20 * time.Second):
		t.Fatal("archiver kept retrying past the write failure bound")
	}
}
