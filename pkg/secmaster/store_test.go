package secmaster

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/ssmdio/ssmd/pkg/logging"
	"github.com/ssmdio/ssmd/pkg/router"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "markets.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndActiveTickers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertMarkets(ctx, []Market{
		{Feed: "kalshi", Ticker: "INXD-25001"},
		{Feed: "kalshi", Ticker: "AAPL-26000", Status: "active"},
		{Feed: "kalshi", Ticker: "OLD-1", Status: "inactive"},
		{Feed: "kraken", Ticker: "BTC/USD"},
	})
	if err != nil {
		t.Fatalf("UpsertMarkets: %v", err)
	}

	tickers, err := s.ActiveTickers(ctx, "kalshi")
	if err != nil {
		t.Fatalf("ActiveTickers: %v", err)
	}
	if !reflect.DeepEqual(tickers, []string{"AAPL-26000", "INXD-25001"}) {
		t.Fatalf("tickers = %v", tickers)
	}

	// Upserting again flips status in place rather than duplicating.
	if err := s.UpsertMarkets(ctx, []Market{{Feed: "kalshi", Ticker: "OLD-1"}}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	tickers, _ = s.ActiveTickers(ctx, "kalshi")
	if len(tickers) != 3 {
		t.Fatalf("after reactivation tickers = %v", tickers)
	}
}

func TestDeactivate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertMarkets(ctx, []Market{
		{Feed: "kalshi", Ticker: "INXD-25001"},
		{Feed: "kalshi", Ticker: "AAPL-26000"},
	})
	if err := s.Deactivate(ctx, "kalshi", []string{"INXD-25001"}); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	tickers, _ := s.ActiveTickers(ctx, "kalshi")
	if !reflect.DeepEqual(tickers, []string{"AAPL-26000"}) {
		t.Fatalf("tickers = %v", tickers)
	}
}

type nullDest struct{}

func (nullDest) TryPush([]byte) bool { return true }

type recordingSubscriber struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingSubscriber) UpdateSubscriptions(tickers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), tickers...))
	return nil
}

func TestRefresherReconcilesBindings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertMarkets(ctx, []Market{
		{Feed: "kalshi", Ticker: "INXD-25001"},
		{Feed: "kalshi", Ticker: "AAPL-26000"},
	})

	routes := router.New()
	dest := nullDest{}
	sub := &recordingSubscriber{}
	r := NewRefresher(s, "kalshi", []string{"ticker_v2", "trade"}, routes, dest, sub, 0, logging.Nop())

	if err := r.Apply(ctx); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, ticker := range []string{"INXD-25001", "AAPL-26000"} {
		for _, mt := range []string{"ticker_v2", "trade"} {
			if _, ok := routes.Lookup(mt, ticker); !ok {
				t.Errorf("no binding for %s/%s", mt, ticker)
			}
		}
	}
	if got := routes.Bindings(); got != 4 {
		t.Fatalf("Bindings = %d, want 4", got)
	}

	// Deactivation unbinds on the next apply.
	s.Deactivate(ctx, "kalshi", []string{"AAPL-26000"})
	if err := r.Apply(ctx); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if _, ok := routes.Lookup("trade", "AAPL-26000"); ok {
		t.Fatal("deactivated ticker still bound")
	}
	if got := routes.Bindings(); got != 2 {
		t.Fatalf("Bindings = %d, want 2", got)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.calls) != 2 {
		t.Fatalf("subscriber called %d times, want 2", len(sub.calls))
	}
	if !reflect.DeepEqual(sub.calls[0], []string{"AAPL-26000", "INXD-25001"}) {
		t.Fatalf("first subscription set = %v", sub.calls[0])
	}
	if !reflect.DeepEqual(sub.calls[1], []string{"INXD-25001"}) {
		t.Fatalf("second subscription set = %v", sub.calls[1])
	}
}
