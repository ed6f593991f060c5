package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type countDest struct {
	n atomic.Int64
}

func (d *countDest) TryPush([]byte) bool {
	d.n.Add(1)
	return true
}

func TestBindLookupUnbind(t *testing.T) {
	r := New()
	a := &countDest{}
	b := &countDest{}

	r.Bind("trade", "INXD-25001", a)
	r.Bind("ticker_v2", "INXD-25001", b)

	if d, ok := r.Lookup("trade", "INXD-25001"); !ok || d != a {
		t.Fatal("trade lookup returned wrong destination")
	}
	if d, ok := r.Lookup("ticker_v2", "INXD-25001"); !ok || d != b {
		t.Fatal("ticker_v2 lookup returned wrong destination")
	}
	if _, ok := r.Lookup("trade", "OTHER"); ok {
		t.Fatal("lookup of unbound key succeeded without default")
	}
	if r.Bindings() != 2 {
		t.Fatalf("Bindings = %d, want 2", r.Bindings())
	}

	r.Unbind("trade", "INXD-25001")
	if _, ok := r.Lookup("trade", "INXD-25001"); ok {
		t.Fatal("lookup succeeded after unbind")
	}
	if r.Bindings() != 1 {
		t.Fatalf("Bindings = %d, want 1", r.Bindings())
	}

	// Unbinding twice is a no-op.
	r.Unbind("trade", "INXD-25001")
	if r.Bindings() != 1 {
		t.Fatalf("Bindings after double unbind = %d, want 1", r.Bindings())
	}
}

func TestDefaultDestination(t *testing.T) {
	r := New()
	def := &countDest{}
	r.SetDefault(def)

	d, ok := r.Lookup("trade", "UNBOUND")
	if !ok || d != def {
		t.Fatal("default destination not returned for unbound key")
	}

	bound := &countDest{}
	r.Bind("trade", "UNBOUND", bound)
	if d, _ := r.Lookup("trade", "UNBOUND"); d != bound {
		t.Fatal("explicit binding did not shadow the default")
	}

	r.SetDefault(nil)
	if _, ok := r.Lookup("trade", "NEVER"); ok {
		t.Fatal("lookup succeeded after default cleared")
	}
}

func TestConcurrentLookupsDuringRebinds(t *testing.T) {
	r := New()
	dests := make([]*countDest, 8)
	for i := range dests {
		dests[i] = &countDest{}
	}
	for i := 0; i < 64; i++ {
		r.Bind("trade", fmt.Sprintf("T-%02d", i), dests[i%len(dests)])
	}

	stop := make(chan struct{})
	writerDone := make(chan struct{})

	// One writer churns bindings while readers hammer lookups.
	go func() {
		defer close(writerDone)
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			key := fmt.Sprintf("T-%02d", i%64)
			r.Unbind("trade", key)
			r.Bind("trade", key, dests[i%len(dests)])
			i++
		}
	}()

	// Readers must always see either a valid destination or a clean miss,
	// never torn state.
	var readers sync.WaitGroup
	for g := 0; g < 4; g++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 100000; i++ {
				key := fmt.Sprintf("T-%02d", i%64)
				if d, ok := r.Lookup("trade", key); ok && d == nil {
					t.Error("lookup returned ok with nil destination")
					return
				}
			}
		}()
	}

	readers.Wait()
	close(stop)
	<-writerDone
}

func TestKeyIsDirectional(t *testing.T) {
	r := New()
	a := &countDest{}
	b := &countDest{}

	// The same two strings in opposite roles are distinct keys.
	r.Bind("trade", "ticker", a)
	r.Bind("ticker", "trade", b)

	if d, ok := r.Lookup("trade", "ticker"); !ok || d != a {
		t.Fatal("(trade, ticker) resolved wrong destination")
	}
	if d, ok := r.Lookup("ticker", "trade"); !ok || d != b {
		t.Fatal("(ticker, trade) resolved wrong destination")
	}
	if r.Bindings() != 2 {
		t.Fatalf("Bindings = %d, want 2", r.Bindings())
	}
}

func TestRoutersDoNotShareSymbols(t *testing.T) {
	r1 := New()
	r2 := New()
	a := &countDest{}

	r1.Bind("trade", "INXD-25001", a)
	if _, ok := r2.Lookup("trade", "INXD-25001"); ok {
		t.Fatal("binding leaked between routers")
	}

	// Unbinding strings a router never bound is a no-op, bound count intact.
	r2.Unbind("trade", "INXD-25001")
	if r1.Bindings() != 1 || r2.Bindings() != 0 {
		t.Fatalf("Bindings = %d, %d, want 1, 0", r1.Bindings(), r2.Bindings())
	}
}

func TestRebindReplacesDestination(t *testing.T) {
	r := New()
	a := &countDest{}
	b := &countDest{}

	r.Bind("trade", "INXD-25001", a)
	r.Bind("trade", "INXD-25001", b)
	if d, _ := r.Lookup("trade", "INXD-25001"); d != b {
		t.Fatal("rebind did not replace the destination")
	}
	if r.Bindings() != 1 {
		t.Fatalf("Bindings = %d, want 1", r.Bindings())
	}
}
