// Package router maps (message type, ticker) pairs to capture pipelines.
// Keys are interned to small integer handles and the packed handle pair is
// the map key, so the hot path never builds a composite string. Lookups sit
// on the websocket read path and are wait-free: each shard publishes an
// immutable map through an atomic pointer and readers never take a lock.
// Binds and unbinds copy the shard map and swap the pointer.
package router

import (
	"sync"
	"sync/atomic"

	"github.com/ssmdio/ssmd/pkg/intern"
)

// Destination receives routed records. *ring.Buffer satisfies this.
type Destination interface {
	TryPush(record []byte) bool
}

const shardCount = 16

type shard struct {
	m  atomic.Pointer[map[uint64]Destination]
	mu sync.Mutex
}

// Router routes by exact (message type, ticker) key with an optional default
// destination for unbound keys.
type Router struct {
	shards [shardCount]shard
	syms   *intern.Table
	def    atomic.Pointer[Destination]
	bound  atomic.Int64
}

// New returns an empty router.
func New() *Router {
	r := &Router{syms: intern.NewTable()}
	for i := range r.shards {
		empty := map[uint64]Destination{}
		r.shards[i].m.Store(&empty)
	}
	return r
}

func key(msgType, ticker intern.Sym) uint64 {
	return uint64(msgType)<<32 | uint64(ticker)
}

func (r *Router) shardFor(k uint64) *shard {
	// Fibonacci hashing; shardCount is a power of two.
	return &r.shards[(k*0x9e3779b97f4a7c15)>>60&(shardCount-1)]
}

// Lookup resolves the destination for (msgType, ticker). Falls back to the
// default destination when the key is unbound. Strings never seen by Bind
// are not interned.
func (r *Router) Lookup(msgType, ticker string) (Destination, bool) {
	mt, okT := r.syms.Lookup(msgType)
	tk, okK := r.syms.Lookup(ticker)
	if okT && okK {
		k := key(mt, tk)
		if d, ok := (*r.shardFor(k).m.Load())[k]; ok {
			return d, true
		}
	}
	if def := r.def.Load(); def != nil {
		return *def, true
	}
	return nil, false
}

// Bind routes (msgType, ticker) to dst, replacing any previous binding.
func (r *Router) Bind(msgType, ticker string, dst Destination) {
	k := key(r.syms.Intern(msgType), r.syms.Intern(ticker))
	s := r.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.m.Load()
	next := make(map[uint64]Destination, len(cur)+1)
	for mk, mv := range cur {
		next[mk] = mv
	}
	if _, existed := next[k]; !existed {
		r.bound.Add(1)
	}
	next[k] = dst
	s.m.Store(&next)
}

// Unbind removes the binding for (msgType, ticker) if present.
func (r *Router) Unbind(msgType, ticker string) {
	mt, okT := r.syms.Lookup(msgType)
	tk, okK := r.syms.Lookup(ticker)
	if !okT || !okK {
		return
	}
	k := key(mt, tk)
	s := r.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.m.Load()
	if _, ok := cur[k]; !ok {
		return
	}
	next := make(map[uint64]Destination, len(cur)-1)
	for mk, mv := range cur {
		if mk != k {
			next[mk] = mv
		}
	}
	r.bound.Add(-1)
	s.m.Store(&next)
}

// SetDefault installs the fallback destination for unbound keys. Pass nil to
// clear it.
func (r *Router) SetDefault(dst Destination) {
	if dst == nil {
		r.def.Store(nil)
		return
	}
	r.def.Store(&dst)
}

// Bindings reports the number of explicit bindings.
func (r *Router) Bindings() int {
	return int(r.bound.Load())
}
