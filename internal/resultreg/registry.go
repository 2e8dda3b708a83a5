// Package resultreg maps the opaque driver.ResultID a driver shim hands
// back at completion time to the mid-layer context that was dispatched
// under it (path, token, handle, partition, scheduler entry) — the
// "it contains path, token, handle ID, partition, serial" ResultID
// spec.md §4.H describes.
package resultreg

import (
	"sync"
	"sync/atomic"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Context is everything the completion pipeline needs to process one
// dispatched command's result.
type Context struct {
	Token      *token.Token
	Handle     *handle.Handle
	Adapter    *topology.Adapter
	Target     *topology.Target
	Path       *topology.Path
	Partition  *topology.Partition
	SchedEntry *scheduler.Entry
	Command    *command.Command

	// IsChild marks a split child's context; the join bookkeeping lives
	// on the parent token's callback frame, not here.
	IsChild bool
}

// Registry is a concurrency-safe map from ResultID to Context.
type Registry struct {
	mu   sync.Mutex
	m    map[driver.ResultID]*Context
	next uint64
}

func New() *Registry {
	return &Registry{m: make(map[driver.ResultID]*Context)}
}

// Register allocates a fresh ResultID for ctx and stores it.
func (r *Registry) Register(ctx *Context) driver.ResultID {
	id := driver.ResultID(atomic.AddUint64(&r.next, 1))
	r.mu.Lock()
	r.m[id] = ctx
	r.mu.Unlock()
	return id
}

// Take removes and returns the context for rid, if present.
func (r *Registry) Take(rid driver.ResultID) (*Context, bool) {
	r.mu.Lock()
	ctx, ok := r.m[rid]
	if ok {
		delete(r.m, rid)
	}
	r.mu.Unlock()
	return ctx, ok
}
