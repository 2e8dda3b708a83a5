package scheduler

import (
	"golang.org/x/sync/semaphore"

	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/topology"
)

type key struct {
	target *topology.Target
	world  topology.WorldID
}

// Scheduler owns every (target, world) entry and dispatches admitted
// work by smallest local virtual time (spec.md §4.F).
type Scheduler struct {
	mu lock.Mutex // RankLeaf: scheduler state is leaf-level

	entries map[key]*Entry
	sems    map[*topology.Target]*semaphore.Weighted
}

// New constructs an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		entries: make(map[key]*Entry),
		sems:    make(map[*topology.Target]*semaphore.Weighted),
	}
}

// EntryFor returns (creating if necessary) the scheduler entry for
// (t, world), and lazily sizes the target's admission semaphore to its
// configured queue depth.
func (s *Scheduler) EntryFor(t *topology.Target, world topology.WorldID, shares, perWorldCap int) *Entry {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	k := key{t, world}
	if e, ok := s.entries[k]; ok {
		return e
	}
	if _, ok := s.sems[t]; !ok {
		s.sems[t] = semaphore.NewWeighted(int64(t.MaxQueueDepth))
	}
	e := NewEntry(t, world, shares, perWorldCap)
	s.entries[k] = e
	return e
}

// EntryIfExists returns the scheduler entry for (t, world) without
// creating one, for callers like Abort that must not conjure up a
// fresh entry (with arbitrary share/cap defaults) just to discover it
// has nothing queued.
func (s *Scheduler) EntryIfExists(t *topology.Target, world topology.WorldID) (*Entry, bool) {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	e, ok := s.entries[key{t, world}]
	return e, ok
}

// Queued is returned by Enqueue: exactly one of Admitted or Aborted
// closes, never both.
type Queued struct {
	Admitted <-chan struct{}
	Aborted  <-chan struct{}
}

// Enqueue appends a request to the entry's regular or priority queue,
// tagged with the originating command's (handle, serial) identity so
// RemoveQueued can find it again. The returned Queued's Admitted
// channel closes once the scheduler admits the request for dispatch;
// Aborted closes instead if Abort removes it first.
func (s *Scheduler) Enqueue(e *Entry, priority bool, originHandleID uint32, originSN uint64) Queued {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	admitted := make(chan struct{})
	aborted := make(chan struct{})
	r := request{
		priority:       priority,
		originHandleID: originHandleID,
		originSN:       originSN,
		admitted:       admitted,
		aborted:        aborted,
	}
	if priority {
		e.priority = append(e.priority, r)
	} else {
		e.regular = append(e.regular, r)
	}
	return Queued{Admitted: admitted, Aborted: aborted}
}

// RemoveQueued implements spec.md §4.G Abort's queued-entry removal: it
// walks e's regular and priority FIFOs, removes every not-yet-admitted
// request matching (originHandleID, originSN), and closes each one's
// Aborted channel so its waiting goroutine can complete it synthetically
// instead of dispatching it. Returns the number removed.
func (s *Scheduler) RemoveQueued(e *Entry, originHandleID uint32, originSN uint64) int {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	before := len(e.regular) + len(e.priority)
	e.regular = removeMatching(e.regular, originHandleID, originSN)
	e.priority = removeMatching(e.priority, originHandleID, originSN)
	return before - (len(e.regular) + len(e.priority))
}

func removeMatching(reqs []request, originHandleID uint32, originSN uint64) []request {
	out := reqs[:0]
	for _, r := range reqs {
		if r.originHandleID == originHandleID && r.originSN == originSN {
			close(r.aborted)
			continue
		}
		out = append(out, r)
	}
	return out
}

// TryAdmitNow attempts immediate admission for a single command that
// has not been queued (the "direct issue" fast path of spec.md §4.G
// step 7). It returns true if admitted; the caller must then issue the
// command and eventually call OnComplete.
func (s *Scheduler) TryAdmitNow(e *Entry) bool {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	if e.Target.DelayCmds() > 0 {
		return false
	}
	sem := s.sems[e.Target]
	if sem == nil || !sem.TryAcquire(1) {
		return false
	}
	if !e.Admissible(e.Target.MaxQueueDepth) {
		sem.Release(1)
		return false
	}
	e.onIssue()
	return true
}

// OnComplete releases the admission semaphore slot and the entry's
// in-flight accounting for a dispatched command, then runs the
// execute-queued routine (spec.md §4.F "Interaction with queueing").
func (s *Scheduler) OnComplete(e *Entry) {
	e.OnComplete()
	if sem := s.sems[e.Target]; sem != nil {
		sem.Release(1)
	}
	s.ExecuteQueued(e.Target, false)
}

// EntrySnapshot is a point-in-time copy of one scheduler entry's fairness
// accounting, for the metrics package (spec.md §4.F's stats surface).
type EntrySnapshot struct {
	Target  *topology.Target
	WorldID topology.WorldID
	Shares  int
	Stride  int64
	LVT     int64
	CIF     int
	Queued  int
}

// Snapshot returns a copy of every entry's current fairness state.
func (s *Scheduler) Snapshot() []EntrySnapshot {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	out := make([]EntrySnapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntrySnapshot{
			Target: e.Target, WorldID: e.WorldID, Shares: e.Shares,
			Stride: e.Stride, LVT: e.LVT, CIF: e.cif, Queued: e.QueuedLen(),
		})
	}
	return out
}

// ExecuteQueued is the execute-queued routine: called on every
// completion (restricting to the target that just freed a slot) and
// after successful admission of a new command when the queue was
// non-empty. override bypasses the delay_cmds gate; it must only be set
// by the helper-world after a completed failover (spec.md §4.F).
func (s *Scheduler) ExecuteQueued(restrictTo *topology.Target, override bool) {
	for {
		_, r, ok := s.pickNext(restrictTo, override)
		if !ok {
			return
		}
		close(r.admitted)
	}
}

// pickNext finds the queued request belonging to the admissible entry
// with smallest LVT, ties broken by world id (spec.md §4.F), pops it,
// and performs admission bookkeeping. Returns ok=false if nothing is
// both queued and admissible right now.
func (s *Scheduler) pickNext(restrictTo *topology.Target, override bool) (*Entry, request, bool) {
	s_ := lock.NewSet()
	s.mu.LockRanked(s_)
	defer s.mu.UnlockRanked(s_)

	var best *Entry
	for k, e := range s.entries {
		if restrictTo != nil && k.target != restrictTo {
			continue
		}
		if e.QueuedLen() == 0 {
			continue
		}
		if !override && e.Target.DelayCmds() > 0 {
			continue
		}
		if !e.Admissible(e.Target.MaxQueueDepth) {
			continue
		}
		if s.sems[e.Target] == nil {
			continue
		}
		if best == nil || e.LVT < best.LVT || (e.LVT == best.LVT && e.WorldID < best.WorldID) {
			best = e
		}
	}
	// The admission slot is taken only for the chosen entry, so a target
	// with a single free slot still gives it to the smallest LVT.
	if best == nil || !s.sems[best.Target].TryAcquire(1) {
		return nil, request{}, false
	}

	var r request
	if len(best.priority) > 0 {
		r = best.priority[0]
		best.priority = best.priority[1:]
	} else {
		r = best.regular[0]
		best.regular = best.regular[1:]
	}
	best.onIssue()
	return best, r, true
}
