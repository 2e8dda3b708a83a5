// Package scheduler implements the per-(target, world) fair-share
// stride scheduler of spec.md §4.F.
package scheduler

import "github.com/coreos/go-scsi-midlayer/topology"

// StrideConst is the stride-scheduling constant: large enough that
// stride = StrideConst/shares stays well above zero for the documented
// share range (100-10000).
const StrideConst = 1 << 16

// Default per-world share levels (spec.md §4.F "defaults for
// low/normal/high provided").
const (
	SharesLow    = 500
	SharesNormal = 1000
	SharesHigh   = 2000
)

// request is one queued command awaiting dispatch. originHandleID/originSN
// identify the command that queued it so Abort can find and remove it
// again before it is ever admitted (spec.md §4.G Abort's "queued entry
// removal" step).
type request struct {
	priority bool

	originHandleID uint32
	originSN       uint64

	admitted chan<- struct{} // closed when the scheduler admits this request
	aborted  chan<- struct{} // closed if Abort removes this request first
}

// Entry is a SchedQ: the per-(target, world) accounting spec.md §3
// describes — shares, stride, local virtual time, in-flight count, and
// the regular/priority FIFOs.
type Entry struct {
	Target  *topology.Target
	WorldID topology.WorldID

	Shares int
	Stride int64
	LVT    int64

	cif      int
	perWorldCap int

	regular  []request
	priority []request
}

// NewEntry constructs a scheduler entry with the given shares and
// per-world in-flight cap.
func NewEntry(t *topology.Target, world topology.WorldID, shares, perWorldCap int) *Entry {
	return &Entry{
		Target:      t,
		WorldID:     world,
		Shares:      shares,
		Stride:      StrideConst / int64(shares),
		perWorldCap: perWorldCap,
	}
}

// QueuedLen reports the total queued (not yet dispatched) requests.
func (e *Entry) QueuedLen() int { return len(e.regular) + len(e.priority) }

// CIF reports commands-in-flight for this entry.
func (e *Entry) CIF() int { return e.cif }

// Admissible reports whether this entry may dispatch another command
// right now: the target's cif must be below curQDepth and this entry's
// own cif below its per-world cap (spec.md §4.F).
func (e *Entry) Admissible(curQDepth int) bool {
	return int(e.Target.CurQueueDepth()) < curQDepth && e.cif < e.perWorldCap
}

// onIssue advances local virtual time and bumps in-flight counts, per
// spec.md §4.F "After an issue, lvt += stride".
func (e *Entry) onIssue() {
	e.LVT += e.Stride
	e.cif++
	e.Target.IncQueueDepth()
}

// OnComplete is called when a command dispatched through this entry
// completes.
func (e *Entry) OnComplete() {
	e.cif--
	e.Target.DecQueueDepth()
}
