package polymarket

import (
	"errors"
	"testing"

	"github.com/ssmdio/ssmd/pkg/exchange"
	"github.com/ssmdio/ssmd/pkg/logging"
)

func TestClassifySingleEvent(t *testing.T) {
	a := New(Config{Logger: logging.Nop()})

	msg, err := a.Classify([]byte(`{"event_type":"price_change","asset_id":"7131","changes":[]}`))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if msg.Type != "price_change" || msg.Ticker != "7131" {
		t.Fatalf("classified %+v", msg)
	}
}

func TestClassifyEventArray(t *testing.T) {
	a := New(Config{Logger: logging.Nop()})

	frame := []byte(`[{"event_type":"book","asset_id":"7131","bids":[]},{"event_type":"book","asset_id":"9020"}]`)
	msg, err := a.Classify(frame)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	// Arrays travel whole under the first event's identity.
	if msg.Type != "book" || msg.Ticker != "7131" {
		t.Fatalf("classified %+v", msg)
	}
	if string(msg.Raw) != string(frame) {
		t.Fatal("array frame not forwarded whole")
	}
}

func TestClassifyControlFrames(t *testing.T) {
	a := New(Config{Logger: logging.Nop()})

	for _, frame := range []string{
		"PONG",
		"  PONG  ",
		"",
		"[]",
		`{"note":"no event type"}`,
	} {
		if _, err := a.Classify([]byte(frame)); !errors.Is(err, exchange.ErrControl) {
			t.Errorf("Classify(%q) = %v, want control", frame, err)
		}
	}

	if _, err := a.Classify([]byte(`{broken`)); err == nil || errors.Is(err, exchange.ErrControl) {
		t.Fatalf("garbage frame error = %v", err)
	}
}
