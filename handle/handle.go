// Package handle implements the bounded, generation-tagged handle table
// of spec.md §4.D: an open reference to (adapter, target, partition)
// owned by a world, with the conflict and close rules §4.D and §4.G
// describe.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Flag is the per-handle attribute bitset of spec.md §3's Handle
// glossary entry.
type Flag uint32

const (
	FlagReadOnly Flag = 1 << iota
	FlagMultiWriter
	FlagHostOpen
	FlagPhysicalReserve
	FlagClosing
)

// Opener distinguishes the two classes of caller spec.md §4.D's open
// policy treats differently.
type Opener int

const (
	OpenerHost Opener = iota
	OpenerVMOrKernel
)

// Handle is an open reference to (adapter, target, partition).
type Handle struct {
	ID uint32 // packed gen*N + slot, stable for the handle's lifetime

	mu lock.Mutex // RankHandle: the lowest rank in the total order

	Adapter        *topology.Adapter
	Target         *topology.Target
	PartitionIndex int
	WorldID        topology.WorldID

	flags uint32 // atomic Flag bitset

	serial  uint64 // atomic: next serial number to stamp on issue
	pending int32  // atomic: commands issued and not yet completed

	resultsMu sync.Mutex
	results   []*token.Token // completed tokens awaiting consumption

	refCount int32 // atomic
}

func newHandle(id uint32, a *topology.Adapter, t *topology.Target, partIdx int, world topology.WorldID) *Handle {
	return &Handle{
		ID:             id,
		mu:             *lock.New(lock.RankHandle),
		Adapter:        a,
		Target:         t,
		PartitionIndex: partIdx,
		WorldID:        world,
		refCount:       1,
	}
}

func (h *Handle) HasFlag(f Flag) bool { return atomic.LoadUint32(&h.flags)&uint32(f) != 0 }

func (h *Handle) SetFlag(f Flag) {
	for {
		old := atomic.LoadUint32(&h.flags)
		if atomic.CompareAndSwapUint32(&h.flags, old, old|uint32(f)) {
			return
		}
	}
}

func (h *Handle) ClearFlag(f Flag) {
	for {
		old := atomic.LoadUint32(&h.flags)
		if atomic.CompareAndSwapUint32(&h.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// NextSerial returns the next serial number to stamp on an issued
// command (spec.md §3 "a serial-number counter for commands issued
// through it").
func (h *Handle) NextSerial() uint64 { return atomic.AddUint64(&h.serial, 1) }

func (h *Handle) Pending() int32 { return atomic.LoadInt32(&h.pending) }
func (h *Handle) IncPending()    { atomic.AddInt32(&h.pending, 1) }
func (h *Handle) DecPending() {
	if atomic.AddInt32(&h.pending, -1) < 0 {
		panic("handle: pending count went negative")
	}
}

func (h *Handle) RefCount() int32 { return atomic.LoadInt32(&h.refCount) }
func (h *Handle) Retain()         { atomic.AddInt32(&h.refCount, 1) }

// Release drops the handle's reference count, returning the count
// after decrement.
func (h *Handle) Release() int32 { return atomic.AddInt32(&h.refCount, -1) }

// PostResult appends a completed token to the handle's result list
// (spec.md §3 "a result list (tokens of completed commands awaiting
// consumption)").
func (h *Handle) PostResult(t *token.Token) {
	h.resultsMu.Lock()
	h.results = append(h.results, t)
	h.resultsMu.Unlock()
}

// TakeResult pops the oldest posted result, or nil if none is pending.
func (h *Handle) TakeResult() *token.Token {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	if len(h.results) == 0 {
		return nil
	}
	t := h.results[0]
	h.results = h.results[1:]
	return t
}

// HasMoreResults reports whether any result is still queued for
// TakeResult; called right after TakeResult, it tells whether another
// result waits behind the one just taken.
func (h *Handle) HasMoreResults() bool {
	h.resultsMu.Lock()
	defer h.resultsMu.Unlock()
	return len(h.results) > 0
}

// Partition resolves the handle's bound partition from the target's
// current partition table.
func (h *Handle) Partition() *topology.Partition {
	return h.Target.PartitionTable().At(h.PartitionIndex)
}

func (h *Handle) Lock(s *lock.Set)   { h.mu.LockRanked(s) }
func (h *Handle) Unlock(s *lock.Set) { h.mu.UnlockRanked(s) }
