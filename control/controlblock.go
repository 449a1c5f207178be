// Package control implements the per-entry in-memory control block of
// §4.E: the deserialized entry, a reader-writer lock around it, a usage
// (reference) counter, and a dirty flag set by any mutation that succeeds.
//
// Grounded on the teacher's WALWriter usage-counting discipline
// (wal_writer.go: Write increments a WaitGroup, the deferred Done
// decrements it, Close waits for zero) generalized from "in-flight request
// count" to "in-memory reference count with dirty-writeback", since the
// original design's ControlBlock has no direct teacher analogue.
package control

import (
	"sync"
	"sync/atomic"

	"github.com/negativ/skvdb-sub000/record"
)

// Block wraps one entry. usage==0 makes it eligible for eviction; if dirty
// at eviction time the caller must save it back through the engine before
// discarding it (§4.E invariants).
type Block struct {
	EntryLock sync.RWMutex

	entry *record.Entry
	usage int32
	dirty atomic.Bool
}

// New constructs a Block around entry with usage 1 (the caller's own claim).
func New(entry *record.Entry) *Block {
	return &Block{entry: entry, usage: 1}
}

// Entry returns the wrapped entry. Callers must hold EntryLock (shared for
// reads, exclusive for mutations) per §4.E "the lock is always acquired by
// the volume around all entry mutations or reads exposed externally".
func (b *Block) Entry() *record.Entry { return b.entry }

// MarkDirty sets the dirty flag. Called by the volume after any mutating
// operation succeeds.
func (b *Block) MarkDirty() { b.dirty.Store(true) }

// Dirty reports whether the block has unsaved mutations.
func (b *Block) Dirty() bool { return b.dirty.Load() }

// ClearDirty resets the dirty flag once the entry has been saved back
// through the engine.
func (b *Block) ClearDirty() { b.dirty.Store(false) }

// Acquire increments the usage counter (an additional claim on an
// already-resident block).
func (b *Block) Acquire() int32 { return atomic.AddInt32(&b.usage, 1) }

// Release decrements the usage counter and returns the new value. A
// returned value of zero means the caller was the last reference and is
// responsible for evicting (and, if Dirty(), saving) the block.
func (b *Block) Release() int32 { return atomic.AddInt32(&b.usage, -1) }

// Usage returns the current reference count.
func (b *Block) Usage() int32 { return atomic.LoadInt32(&b.usage) }
