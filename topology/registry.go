package topology

import (
	"github.com/pkg/errors"
	"github.com/coreos/go-scsi-midlayer/lock"
)

// numBuckets is the adapter-name hash table width spec.md §4.C
// specifies for find_target's lookup.
const numBuckets = 19

var (
	ErrAdapterExists   = errors.New("topology: adapter name already registered")
	ErrAdapterNotFound = errors.New("topology: adapter not found")
	ErrTargetBusy      = errors.New("topology: target still referenced, cannot remove")
	ErrTargetNotFound  = errors.New("topology: target not found")
)

// hashName is the additive string hash spec.md §4.C calls for ("a
// simple additive hash over the adapter name, 19 buckets").
func hashName(name string) int {
	h := 0
	for _, c := range name {
		h = (h + int(c)) % numBuckets
	}
	return h
}

// Registry owns all Adapters, keyed by name and additionally bucketed
// by hashName for target lookup (spec.md §4.C).
type Registry struct {
	global lock.Mutex // RankGlobal: guards the adapter list itself

	adapters map[string]*Adapter
	buckets  [numBuckets][]*Adapter

	// RescanInProgress, if set, is consulted by DestroyAdapter (spec.md
	// §4.C: destruction "refuses while a path-evaluation is in
	// progress"). It is a hook rather than a direct dependency because
	// rescan-in-progress tracking lives in package rescan, which already
	// depends on this package's types — a direct import back here would
	// cycle.
	RescanInProgress func(a *Adapter) bool
}

// ErrRescanInProgress is returned by DestroyAdapter when RescanInProgress
// reports a path-evaluation still running on the adapter.
var ErrRescanInProgress = errors.New("topology: rescan in progress")

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		global:   *lock.New(lock.RankGlobal),
		adapters: make(map[string]*Adapter),
	}
}

// CreateAdapter registers a new adapter. Fails if the name is already
// taken (spec.md §4.C create_adapter).
func (r *Registry) CreateAdapter(a *Adapter) error {
	s := lock.NewSet()
	r.global.LockRanked(s)
	defer r.global.UnlockRanked(s)

	if _, ok := r.adapters[a.Name]; ok {
		return errors.Wrapf(ErrAdapterExists, "adapter %q", a.Name)
	}
	r.adapters[a.Name] = a
	b := hashName(a.Name)
	r.buckets[b] = append(r.buckets[b], a)
	return nil
}

// DestroyAdapter unregisters an adapter. Per spec.md §4.C, destruction
// is refused while any target on the adapter still has open handles or
// scheduler entries — the caller (handle/scheduler layers) is
// responsible for having torn those down; DestroyAdapter itself only
// checks that no targets remain referenced.
func (r *Registry) DestroyAdapter(name string) error {
	s := lock.NewSet()
	r.global.LockRanked(s)
	defer r.global.UnlockRanked(s)

	a, ok := r.adapters[name]
	if !ok {
		return errors.Wrapf(ErrAdapterNotFound, "adapter %q", name)
	}
	if r.RescanInProgress != nil && r.RescanInProgress(a) {
		return errors.Wrapf(ErrRescanInProgress, "adapter %q", name)
	}
	for _, t := range a.Targets {
		if t.RefCount() > 0 || t.UseCount() > 0 {
			return errors.Wrapf(ErrTargetBusy, "adapter %q target %v", name, t.DiskId)
		}
	}
	delete(r.adapters, name)
	b := hashName(name)
	for i, c := range r.buckets[b] {
		if c == a {
			r.buckets[b] = append(r.buckets[b][:i], r.buckets[b][i+1:]...)
			break
		}
	}
	return nil
}

// Adapters returns a snapshot of every registered adapter, for
// diagnostics and metrics collection (spec.md §6's adapter listing).
func (r *Registry) Adapters() []*Adapter {
	s := lock.NewSet()
	r.global.LockRanked(s)
	defer r.global.UnlockRanked(s)

	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// FindAdapter returns the adapter registered under name, or nil.
func (r *Registry) FindAdapter(name string) *Adapter {
	s := lock.NewSet()
	r.global.LockRanked(s)
	defer r.global.UnlockRanked(s)
	return r.adapters[name]
}

// CreateTarget adds a target to the named adapter, first checking
// whether an existing target under ANY adapter already carries the same
// DiskId (spec.md §3 "dedup across adapters for multipath") — when
// found, the existing target gains a new path instead of a duplicate
// Target being created, and its ref count is bumped.
func (r *Registry) CreateTarget(adapterName string, id DiskId, class DeviceClass, blockSize, numBlocks int64, maxQD int, path *Path) (*Target, error) {
	s := lock.NewSet()
	r.global.LockRanked(s)
	a, ok := r.adapters[adapterName]
	r.global.UnlockRanked(s)
	if !ok {
		return nil, errors.Wrapf(ErrAdapterNotFound, "adapter %q", adapterName)
	}

	if existing := r.findTargetByDiskIdAllAdapters(id); existing != nil {
		a.Lock(s)
		existing.AddPath(path)
		existing.Retain()
		a.Unlock(s)
		return existing, nil
	}

	t := NewTarget(id, class, blockSize, numBlocks, maxQD)
	a.Lock(s)
	t.AddPath(path)
	a.Targets = append(a.Targets, t)
	a.Unlock(s)
	return t, nil
}

// findTargetByDiskIdAllAdapters scans every adapter's target list. It
// takes each adapter's lock in turn, never more than one at a time, so
// it cannot deadlock against the global total order (spec.md §5).
func (r *Registry) findTargetByDiskIdAllAdapters(id DiskId) *Target {
	s := lock.NewSet()
	r.global.LockRanked(s)
	adapters := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.global.UnlockRanked(s)

	for _, a := range adapters {
		as := lock.NewSet()
		a.Lock(as)
		found := a.FindTargetByDiskId(id)
		a.Unlock(as)
		if found != nil {
			return found
		}
	}
	return nil
}

// FindTarget looks up a target by DiskId across all adapters and bumps
// its ref count on success (spec.md §4.C find_target/release_target
// pairing).
func (r *Registry) FindTarget(id DiskId) *Target {
	t := r.findTargetByDiskIdAllAdapters(id)
	if t != nil {
		t.Retain()
	}
	return t
}

// ReleaseTarget drops the ref count taken by FindTarget or CreateTarget.
func ReleaseTarget(t *Target) {
	t.Release()
}

// RemoveTarget detaches a target from its adapter. Refused if the
// target is still in use: open handles (UseCount), a held reservation,
// or a scheduler entry held by a non-console world, per spec.md §4.C
// remove_target. The scheduler-entry check is the caller's
// responsibility (this package has no scheduler dependency); this
// function enforces the two checks it owns directly.
func (r *Registry) RemoveTarget(adapterName string, t *Target) error {
	s := lock.NewSet()
	r.global.LockRanked(s)
	a, ok := r.adapters[adapterName]
	r.global.UnlockRanked(s)
	if !ok {
		return errors.Wrapf(ErrAdapterNotFound, "adapter %q", adapterName)
	}

	a.Lock(s)
	defer a.Unlock(s)

	if t.UseCount() > 0 {
		return errors.Wrapf(ErrTargetBusy, "target %v has %d open handle(s)", t.DiskId, t.UseCount())
	}
	if t.ReservationHeld() {
		return errors.Wrapf(ErrTargetBusy, "target %v holds a reservation", t.DiskId)
	}

	for i, c := range a.Targets {
		if c == t {
			a.Targets = append(a.Targets[:i], a.Targets[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrTargetNotFound, "target %v not on adapter %q", t.DiskId, adapterName)
}
