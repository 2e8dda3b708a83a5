package handle

import (
	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// N is the handle table's fixed capacity (spec.md §3 "a bounded
// capacity (e.g., 256)").
const N = 256

var (
	ErrTableFull       = errors.New("handle: table full")
	ErrInvalidHandle   = errors.New("handle: invalid or closed handle")
	ErrBadPartition    = errors.New("handle: partition index out of range")
	ErrBusy            = errors.New("handle: busy, conflicting open exists")
	ErrWrongPartType   = errors.New("handle: partition type mismatch")
	ErrPassthroughBusy = errors.New("handle: non-disk class already open")
)

// Table is the fixed, generation-tagged handle table of spec.md §4.D.
type Table struct {
	mu lock.Mutex // RankTableOrWorldList

	slots      [N]*Handle
	generation uint32
	nextSlot   int

	// PassthroughLocking mirrors the configuration option spec.md §4.D
	// names: when true, non-disk classes allow only one concurrent
	// open.
	PassthroughLocking bool
}

// NewTable constructs an empty handle table.
func NewTable(passthroughLocking bool) *Table {
	return &Table{PassthroughLocking: passthroughLocking}
}

func packID(gen uint32, slot int) uint32 { return gen*N + uint32(slot) }

// Lookup resolves a handle ID to its Handle, returning nil if the slot
// is empty or the stored handle's ID no longer matches (stale
// generation), per spec.md §4.D's lookup algorithm.
func (tb *Table) Lookup(id uint32) *Handle {
	s := lock.NewSet()
	tb.mu.LockRanked(s)
	defer tb.mu.UnlockRanked(s)

	slot := int(id % N)
	h := tb.slots[slot]
	if h == nil || h.ID != id {
		return nil
	}
	return h
}

// OpenRequest bundles the parameters of spec.md §4.D's open policy.
type OpenRequest struct {
	Adapter        *topology.Adapter
	Target         *topology.Target
	PartitionIndex int
	WorldID        topology.WorldID
	Opener         Opener

	ReadOnly        bool
	MultipleWriters bool

	// WantPartitionType/IsDump are required for VM/kernel opens: the
	// partition's Type must equal WantPartitionType (or the
	// configured dump partition type when IsDump is set).
	WantPartitionType byte
	IsDump            bool
	DumpPartitionType byte
}

// Open implements spec.md §4.D's open policy: partition index
// validation, per-adapter open-in-progress serialization, conflict
// checking, and the lazy reservation-conflict path for disk classes.
//
// readPartitionTable is invoked while the adapter's open-in-progress
// guard is held, to (re-)populate the target's partition table; pass a
// no-op if the caller already knows it is current.
func (tb *Table) Open(req OpenRequest, probeReservation func() (conflict bool, err error), readPartitionTable func() error) (*Handle, error) {
	req.Adapter.LockOpen()
	defer req.Adapter.UnlockOpen()

	if err := readPartitionTable(); err != nil {
		return nil, err
	}

	pt := req.Target.PartitionTable()
	part := pt.At(req.PartitionIndex)
	if part == nil {
		return nil, errors.Wrapf(ErrBadPartition, "index %d", req.PartitionIndex)
	}

	if req.Opener == OpenerVMOrKernel {
		want := req.WantPartitionType
		if req.IsDump {
			want = req.DumpPartitionType
		}
		if part.Type != want {
			return nil, errors.Wrapf(ErrWrongPartType, "partition %d has type %#x, want %#x", req.PartitionIndex, part.Type, want)
		}
	}

	conflict := part.Writers() > 0
	multiOK := conflict && req.MultipleWriters && part.HasFlag(topology.PartitionFlagMultiWriter)
	if conflict && !multiOK {
		switch req.Opener {
		case OpenerHost:
			// Host opens are allowed read-only in the face of a
			// conflict, or read-write on an extended partition
			// (spec.md §4.D).
			if !req.ReadOnly && part.Type != extendedPartitionType {
				return nil, errors.Wrap(ErrBusy, "conflicting writer, host open requires read-only or extended partition")
			}
		case OpenerVMOrKernel:
			return nil, errors.Wrap(ErrBusy, "conflicting writer")
		}
	}

	if req.Target.Class != topology.ClassDisk && tb.PassthroughLocking {
		if part.Readers() > 0 || part.Writers() > 0 {
			return nil, ErrPassthroughBusy
		}
	}

	lazyReserve := false
	if req.Target.Class == topology.ClassDisk && probeReservation != nil {
		resConflict, err := probeReservation()
		if err != nil {
			return nil, err
		}
		if resConflict {
			lazyReserve = true
		}
	}

	s := lock.NewSet()
	tb.mu.LockRanked(s)
	slot, id, err := tb.allocLocked()
	if err != nil {
		tb.mu.UnlockRanked(s)
		return nil, err
	}
	h := newHandle(id, req.Adapter, req.Target, req.PartitionIndex, req.WorldID)
	tb.slots[slot] = h
	tb.mu.UnlockRanked(s)

	if req.ReadOnly {
		h.SetFlag(FlagReadOnly)
		part.AddReader()
		part.SetFlag(topology.PartitionFlagReadOnly)
	} else {
		part.AddWriter()
		if req.MultipleWriters {
			h.SetFlag(FlagMultiWriter)
			part.SetFlag(topology.PartitionFlagMultiWriter)
		}
	}
	if req.Opener == OpenerHost {
		h.SetFlag(FlagHostOpen)
	}
	if lazyReserve {
		h.SetFlag(FlagPhysicalReserve)
	}

	req.Target.IncUseCount()
	req.Adapter.IncOpenCount()

	return h, nil
}

// extendedPartitionType is the MBR partition-type byte for an extended
// partition (0x05); treated specially by the host-open conflict rule.
const extendedPartitionType = 0x05

// allocLocked finds a free slot, bumping the generation counter on
// wraparound, per spec.md §4.D. Caller must hold tb.mu.
func (tb *Table) allocLocked() (slot int, id uint32, err error) {
	wrapped := false
	for i := 0; i < N; i++ {
		idx := (tb.nextSlot + i) % N
		if idx == 0 && i > 0 {
			wrapped = true
		}
		if tb.slots[idx] == nil {
			if wrapped {
				tb.generation++
			}
			id := packID(tb.generation, idx)
			tb.nextSlot = (idx + 1) % N
			if tb.nextSlot == 0 {
				// The next scan starts back at slot 0: that is a
				// wraparound too, even though it begins at i == 0.
				tb.generation++
			}
			return idx, id, nil
		}
	}
	return 0, 0, ErrTableFull
}

// Close implements spec.md §4.D's close sequence: decrement
// reader/writer counts (clearing the per-partition flags at zero),
// release the handle's own ref, and on final release decrement the
// adapter's open count and driver-module use count via moduleRelease.
func (tb *Table) Close(h *Handle, moduleRelease func()) {
	part := h.Partition()
	if part != nil {
		if h.HasFlag(FlagReadOnly) {
			part.DropReader()
		} else {
			part.DropWriter()
		}
	}

	if h.Release() > 0 {
		return
	}

	s := lock.NewSet()
	tb.mu.LockRanked(s)
	slot := int(h.ID % N)
	if tb.slots[slot] == h {
		tb.slots[slot] = nil
	}
	tb.mu.UnlockRanked(s)

	h.Target.DecUseCount()
	h.Adapter.DecOpenCount()
	if moduleRelease != nil {
		moduleRelease()
	}
}

// MarkClosing sets the closing flag so in-flight liveness checks
// (spec.md §4.G step 1) start refusing new work through this handle.
func (h *Handle) MarkClosing() { h.SetFlag(FlagClosing) }

// Live reports whether the handle may still accept new commands
// (spec.md §4.G step 1: "Refuse with INVALID_HANDLE if closing or
// gone").
func (h *Handle) Live() bool { return !h.HasFlag(FlagClosing) }
