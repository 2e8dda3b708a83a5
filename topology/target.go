package topology

import (
	"sync/atomic"

	"github.com/coreos/go-scsi-midlayer/lock"
)

// DeviceClass is the SCSI peripheral device type a Target presents.
type DeviceClass int

const (
	ClassDisk DeviceClass = iota
	ClassOptical
	ClassTape
	ClassOther
)

// Policy is the multipath path-selection policy (spec.md §4.E).
type Policy int

const (
	PolicyFixed Policy = iota
	PolicyMRU
	PolicyRoundRobin
)

// TargetFlags are the vendor-specific behavior flags of spec.md §3.
type TargetFlags uint32

const (
	FlagSupportsManualSwitchover TargetFlags = 1 << iota
	FlagMustUseMRUPolicy
	FlagReservedLocally
	FlagDontRetryOnReservConflict
	FlagPseudoDisk
)

// Target represents one logical unit reachable on one or more adapters
// (spec.md §3 "Target").
type Target struct {
	DiskId DiskId
	Class  DeviceClass

	BlockSize int64
	NumBlocks int64

	partTable atomic.Pointer[PartitionTable]

	MaxQueueDepth int
	curQueueDepth int64 // atomic: commands admitted and not yet completed

	// Paths and selection state are mutated only under the adapter lock
	// of their adapter (spec.md §3 invariant); Target itself carries no
	// lock — the owning Adapter's lock is the one that must be held.
	Paths         []*Path
	activeIdx     int // index into Paths, -1 if none
	preferredIdx  int // index into Paths, -1 if none
	rrCursor      int
	mruIdx        int // index into Paths, -1 if none; policy MRU's last-used path

	PolicySel Policy
	VendorFlags TargetFlags

	refCount int32 // find_target/release_target
	useCount int32 // open handles referencing this target

	// delayCmds gates dispatch during failover (spec.md §4.E): all
	// pending requests on the target are held while it's positive.
	delayCmds int32

	dontRetryOnReservConflict bool

	lockRank lock.Rank // documents which rank Target mutation requires (RankAdapter); not a lock itself
}

// NewTarget constructs a Target with an empty partition table (entry 0
// of spec.md's invariant is populated lazily by the first
// read-partition-table call, not here — the invariant only requires
// Partitions[0] to exist once the table has been read at all).
func NewTarget(diskID DiskId, class DeviceClass, blockSize, numBlocks int64, maxQD int) *Target {
	t := &Target{
		DiskId:        diskID,
		Class:         class,
		BlockSize:     blockSize,
		NumBlocks:     numBlocks,
		MaxQueueDepth: maxQD,
		activeIdx:     -1,
		preferredIdx:  -1,
		mruIdx:        -1,
		refCount:      1,
	}
	t.partTable.Store(&PartitionTable{})
	return t
}

func (t *Target) PartitionTable() *PartitionTable {
	return t.partTable.Load()
}

// SwapPartitionTable atomically installs a freshly-read partition table,
// resolving spec.md §9 Open Question (i) with an RCU-style pointer swap
// instead of the original's two unsynchronized stores.
func (t *Target) SwapPartitionTable(pt *PartitionTable) {
	t.partTable.Store(pt)
}

func (t *Target) RefCount() int32   { return atomic.LoadInt32(&t.refCount) }
func (t *Target) UseCount() int32   { return atomic.LoadInt32(&t.useCount) }
func (t *Target) Retain()           { atomic.AddInt32(&t.refCount, 1) }
func (t *Target) Release() int32    { return atomic.AddInt32(&t.refCount, -1) }
func (t *Target) IncUseCount()      { atomic.AddInt32(&t.useCount, 1) }
func (t *Target) DecUseCount()      { atomic.AddInt32(&t.useCount, -1) }

func (t *Target) CurQueueDepth() int64 { return atomic.LoadInt64(&t.curQueueDepth) }
func (t *Target) IncQueueDepth()       { atomic.AddInt64(&t.curQueueDepth, 1) }
func (t *Target) DecQueueDepth() {
	if atomic.AddInt64(&t.curQueueDepth, -1) < 0 {
		panic("topology: target curQueueDepth went negative")
	}
}

// DelayCmds reports the failover hold counter (spec.md §4.E).
func (t *Target) DelayCmds() int32 { return atomic.LoadInt32(&t.delayCmds) }
func (t *Target) IncDelayCmds()    { atomic.AddInt32(&t.delayCmds, 1) }
func (t *Target) DecDelayCmds() {
	if atomic.AddInt32(&t.delayCmds, -1) < 0 {
		panic("topology: target delayCmds went negative")
	}
}

// DontRetryOnReservConflict reports and sets the target-wide retry
// suppression spec.md §4.I describes ("set DONT_RETRY_ON_RESERV_CONFLICT
// on the target until a subsequent read or write clears it").
func (t *Target) DontRetryOnReservConflict() bool { return t.dontRetryOnReservConflict }
func (t *Target) SetDontRetryOnReservConflict(v bool) { t.dontRetryOnReservConflict = v }

// ActivePath returns the currently active path, or nil.
func (t *Target) ActivePath() *Path {
	if t.activeIdx < 0 || t.activeIdx >= len(t.Paths) {
		return nil
	}
	return t.Paths[t.activeIdx]
}

// PreferredPath returns the preferred path, or nil.
func (t *Target) PreferredPath() *Path {
	if t.preferredIdx < 0 || t.preferredIdx >= len(t.Paths) {
		return nil
	}
	return t.Paths[t.preferredIdx]
}

// SetActivePath sets the active path by identity. Callers must hold the
// owning adapter's lock. Per spec.md §3's invariant, exactly one path
// per target is active.
func (t *Target) SetActivePath(p *Path) {
	for i, c := range t.Paths {
		if c == p {
			t.activeIdx = i
			return
		}
	}
	t.activeIdx = -1
}

// SetPreferredPath sets the preferred path by identity. At most one path
// may be preferred (spec.md §3 invariant).
func (t *Target) SetPreferredPath(p *Path) {
	for i, c := range t.Paths {
		if c == p {
			t.preferredIdx = i
			return
		}
	}
	t.preferredIdx = -1
}

// AddPath appends a new path to the target's path list. Callers must
// hold the owning adapter's lock.
func (t *Target) AddPath(p *Path) {
	t.Paths = append(t.Paths, p)
	if t.activeIdx < 0 {
		t.activeIdx = len(t.Paths) - 1
	}
}

// RemovePath removes a path by identity, fixing up active/preferred
// indices. Callers must hold the owning adapter's lock.
func (t *Target) RemovePath(p *Path) {
	for i, c := range t.Paths {
		if c != p {
			continue
		}
		t.Paths = append(t.Paths[:i], t.Paths[i+1:]...)
		reindex := func(idx int) int {
			switch {
			case idx == i:
				return -1
			case idx > i:
				return idx - 1
			default:
				return idx
			}
		}
		t.activeIdx = reindex(t.activeIdx)
		t.preferredIdx = reindex(t.preferredIdx)
		t.mruIdx = reindex(t.mruIdx)
		if t.rrCursor >= len(t.Paths) {
			t.rrCursor = 0
		}
		return
	}
}

// FindPath looks up a path by (adapter name, id, lun). Callers must hold
// the owning adapter's lock for a stable read.
func (t *Target) FindPath(adapterName string, id, lun int) *Path {
	for _, p := range t.Paths {
		if p.AdapterName == adapterName && p.ID == id && p.LUN == lun {
			return p
		}
	}
	return nil
}

// ReservationHeld implements spec.md §3's invariant: "The reservation
// flag on a target is the logical OR of reservation_held_here across
// its paths." Callers must hold the owning adapter's lock.
func (t *Target) ReservationHeld() bool {
	for _, p := range t.Paths {
		if p.ReservationHeldHere {
			return true
		}
	}
	return false
}

// RRCursor/AdvanceRR back the round-robin path-selection policy.
func (t *Target) RRCursor() int { return t.rrCursor }
func (t *Target) AdvanceRR()    { t.rrCursor++ }

// MRUPath/SetMRUPath back policy MRU: the last path a command was
// successfully dispatched on, reused until it dies (spec.md §4.E).
func (t *Target) MRUPath() *Path {
	if t.mruIdx < 0 || t.mruIdx >= len(t.Paths) {
		return nil
	}
	return t.Paths[t.mruIdx]
}

func (t *Target) SetMRUPath(p *Path) {
	for i, c := range t.Paths {
		if c == p {
			t.mruIdx = i
			return
		}
	}
}
