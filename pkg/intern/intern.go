// Package intern maps hot-path strings (tickers, message types) to small
// stable handles. Lookups are wait-free: readers load an immutable snapshot
// through an atomic pointer and never take a lock. Interning new strings is
// the slow path and serializes on a mutex.
package intern

import (
	"sync"
	"sync/atomic"
)

// Sym is a handle for an interned string. The zero value is never issued.
type Sym uint32

type snapshot struct {
	bySym  []string
	byName map[string]Sym
}

// Table is a grow-only symbol table safe for concurrent use.
type Table struct {
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	t.snap.Store(&snapshot{
		bySym:  []string{""}, // index 0 reserved
		byName: map[string]Sym{},
	})
	return t
}

// Lookup returns the handle for s if it has been interned.
func (t *Table) Lookup(s string) (Sym, bool) {
	sym, ok := t.snap.Load().byName[s]
	return sym, ok
}

// Intern returns the handle for s, assigning one if needed.
func (t *Table) Intern(s string) Sym {
	if sym, ok := t.Lookup(s); ok {
		return sym
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	if sym, ok := cur.byName[s]; ok {
		return sym
	}

	next := &snapshot{
		bySym:  make([]string, len(cur.bySym), len(cur.bySym)+1),
		byName: make(map[string]Sym, len(cur.byName)+1),
	}
	copy(next.bySym, cur.bySym)
	for k, v := range cur.byName {
		next.byName[k] = v
	}

	sym := Sym(len(next.bySym))
	next.bySym = append(next.bySym, s)
	next.byName[s] = sym
	t.snap.Store(next)
	return sym
}

// Resolve returns the string for sym, or "" if sym was never issued.
func (t *Table) Resolve(sym Sym) string {
	snap := t.snap.Load()
	if int(sym) >= len(snap.bySym) {
		return ""
	}
	return snap.bySym[sym]
}

// Len reports how many strings are interned.
func (t *Table) Len() int {
	return len(t.snap.Load().bySym) - 1
}
