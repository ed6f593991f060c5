// Package ring implements the single-producer single-consumer ring buffer
// between an exchange session and its flusher. The arena is memory mapped
// (file backed or anonymous) so a crash leaves the unflushed tail inspectable.
//
// Layout: 1024 slots of 4096 bytes. Each slot starts with an 8 byte header
// (record length, flags) followed by the payload. Records never span slots,
// so a reader always sees a whole record or nothing.
package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// SlotSize is the fixed slot width including the header.
	SlotSize = 4096

	// Slots is the slot count. Must be a power of two.
	Slots = 1024

	// headerSize holds record length (uint32) and flags (uint32).
	headerSize = 8

	// MaxRecord is the largest payload a slot can carry.
	MaxRecord = SlotSize - headerSize

	arenaSize = SlotSize * Slots
)

const flagValid = 1

type pad [56]byte

// Buffer is the SPSC ring. Exactly one goroutine may push and exactly one
// may pop.
type Buffer struct {
	arena []byte
	file  *os.File

	writePos atomic.Uint64
	_        pad
	readPos  atomic.Uint64
	_        pad

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// Stats is a point-in-time snapshot of ring counters.
type Stats struct {
	Pushed  uint64
	Popped  uint64
	Dropped uint64
	Depth   uint64
}

// New maps an anonymous arena.
func New() (*Buffer, error) {
	arena, err := unix.Mmap(-1, 0, arenaSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap ring arena: %w", err)
	}
	return &Buffer{arena: arena}, nil
}

// NewFile maps the arena onto path, creating or truncating it to the arena
// size. The mapping is shared, so the kernel persists the tail on crash.
func NewFile(path string) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ring file: %w", err)
	}
	if err := f.Truncate(arenaSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("size ring file: %w", err)
	}
	arena, err := unix.Mmap(int(f.Fd()), 0, arenaSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap ring file: %w", err)
	}
	return &Buffer{arena: arena, file: f}, nil
}

func (b *Buffer) slot(pos uint64) []byte {
	off := (pos & (Slots - 1)) * SlotSize
	return b.arena[off : off+SlotSize]
}

// TryPush copies record into the next free slot. It returns false without
// blocking when the ring is full or the record exceeds MaxRecord; both cases
// increment the dropped counter.
func (b *Buffer) TryPush(record []byte) bool {
	if len(record) > MaxRecord {
		b.dropped.Add(1)
		return false
	}

	w := b.writePos.Load()
	r := b.readPos.Load()
	if w-r >= Slots {
		b.dropped.Add(1)
		return false
	}

	s := b.slot(w)
	binary.LittleEndian.PutUint32(s[0:4], uint32(len(record)))
	binary.LittleEndian.PutUint32(s[4:8], flagValid)
	copy(s[headerSize:], record)

	// Publish after the slot contents are written.
	b.writePos.Store(w + 1)
	b.pushed.Add(1)
	return true
}

// TryPop copies the next record into buf and returns the filled slice. It
// returns false without blocking when the ring is empty. buf must hold
// MaxRecord bytes; pass nil to allocate.
func (b *Buffer) TryPop(buf []byte) ([]byte, bool) {
	r := b.readPos.Load()
	w := b.writePos.Load()
	if r == w {
		return nil, false
	}

	s := b.slot(r)
	n := binary.LittleEndian.Uint32(s[0:4])
	if n > MaxRecord {
		// Corrupt header, skip the slot rather than hand out garbage.
		b.readPos.Store(r + 1)
		return nil, false
	}
	if buf == nil || cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	copy(buf, s[headerSize:headerSize+n])

	// Release the slot only after the copy completes.
	b.readPos.Store(r + 1)
	b.popped.Add(1)
	return buf, true
}

// Len reports the number of records currently buffered.
func (b *Buffer) Len() int {
	return int(b.writePos.Load() - b.readPos.Load())
}

// Cap reports the slot count.
func (b *Buffer) Cap() int { return Slots }

// Stats snapshots the ring counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Pushed:  b.pushed.Load(),
		Popped:  b.popped.Load(),
		Dropped: b.dropped.Load(),
		Depth:   b.writePos.Load() - b.readPos.Load(),
	}
}

// Close unmaps the arena and closes the backing file if any. The ring must
// not be used afterwards.
func (b *Buffer) Close() error {
	if b.arena == nil {
		return nil
	}
	err := unix.Munmap(b.arena)
	b.arena = nil
	if b.file != nil {
		if cerr := b.file.Close(); err == nil {
			err = cerr
		}
		b.file = nil
	}
	return err
}
