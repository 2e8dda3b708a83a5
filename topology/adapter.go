package topology

import (
	"sync"
	"sync/atomic"

	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/lock"
)

// Adapter is a SCSI HBA/adapter instance: the driver attachment point
// and the owner of its Targets (spec.md §3 "Adapter").
type Adapter struct {
	Name       string
	DriverName string
	ModuleID   int

	// PCI coordinates, used only for diagnostics (spec.md §6's adapter
	// listing).
	PCIBus, PCIDevice, PCIFunc int

	SGSize      int
	MaxXfer     int64
	PAECapable  bool

	// Driver is the attached shim this adapter dispatches commands
	// through (spec.md §6). Nil until attached.
	Driver driver.Driver

	mu   lock.Mutex
	Targets []*Target

	queuedCount int64 // atomic: commands queued against any target of this adapter

	OpenCount int32 // atomic: number of handles open against any target

	// openMu is the per-adapter "open-in-progress" guard spec.md §4.D
	// calls for: it forces other opens on the same adapter to wait while
	// one open re-reads the partition table. It is never held alongside
	// a ranked lock, so it sits outside the total order of spec.md §5.
	openMu sync.Mutex
}

// NewAdapter constructs an adapter with its per-instance lock at the
// RankAdapter rank (spec.md §5's 5-level total order).
func NewAdapter(name, driverName string, moduleID, sgSize int, maxXfer int64, paeCapable bool) *Adapter {
	return &Adapter{
		Name:       name,
		DriverName: driverName,
		ModuleID:   moduleID,
		SGSize:     sgSize,
		MaxXfer:    maxXfer,
		PAECapable: paeCapable,
		mu:         *lock.New(lock.RankAdapter),
	}
}

// Lock/Unlock serialize Target/Path mutation under this adapter,
// matching the invariant that paths and targets are "mutated only
// under the adapter lock of their adapter" (spec.md §3).
func (a *Adapter) Lock(s *lock.Set)   { a.mu.LockRanked(s) }
func (a *Adapter) Unlock(s *lock.Set) { a.mu.UnlockRanked(s) }

func (a *Adapter) QueuedCount() int64 { return atomic.LoadInt64(&a.queuedCount) }
func (a *Adapter) IncQueued()         { atomic.AddInt64(&a.queuedCount, 1) }
func (a *Adapter) DecQueued() {
	if atomic.AddInt64(&a.queuedCount, -1) < 0 {
		panic("topology: adapter queuedCount went negative")
	}
}

// LockOpen/UnlockOpen serialize Open() calls against this adapter so
// that only one open at a time re-reads a target's partition table.
func (a *Adapter) LockOpen()   { a.openMu.Lock() }
func (a *Adapter) UnlockOpen() { a.openMu.Unlock() }

func (a *Adapter) IncOpenCount() { atomic.AddInt32(&a.OpenCount, 1) }
func (a *Adapter) DecOpenCount() {
	if atomic.AddInt32(&a.OpenCount, -1) < 0 {
		panic("topology: adapter OpenCount went negative")
	}
}

// FindTargetByDiskId returns the target on this adapter matching id, or
// nil. Callers must hold the adapter lock.
func (a *Adapter) FindTargetByDiskId(id DiskId) *Target {
	for _, t := range a.Targets {
		if t.DiskId.Equal(id) {
			return t
		}
	}
	return nil
}
