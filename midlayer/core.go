// Package midlayer implements the upward-facing facade of spec.md §6:
// Open, Close, Execute, Abort, Reset, ReadBlocking, ReadWriteSGBlocking,
// QueryHandle, Reserve, Release, ResetPhysical, Rescan, GetCapacity,
// GetGeometry, and CmdCompleteDequeue. It is the one place every other
// package gets wired together: topology registry, handle table,
// scheduler, result registry, bounce pool, multipath failover pool, the
// issue and completion pipelines, and the rescan scanner.
package midlayer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/complete"
	"github.com/coreos/go-scsi-midlayer/config"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/bounce"
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/issue"
	"github.com/coreos/go-scsi-midlayer/multipath"
	"github.com/coreos/go-scsi-midlayer/rescan"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

var (
	ErrInvalidAdapter = errors.New("midlayer: adapter not found")
	ErrInvalidTarget  = errors.New("midlayer: target not found")
	ErrNoPath         = errors.New("midlayer: target has no path")
)

// failoverWorkers/failoverQueueDepth size the helper-world pool that
// drives multipath failover (spec.md §4.E's "small pool of workers").
const (
	failoverWorkers    = 4
	failoverQueueDepth = 32
)

// Core wires together every layer of the mid-layer into the single
// upward contract spec.md §6 names.
type Core struct {
	Cfg config.Config

	Registry *topology.Registry
	Handles  *handle.Table
	Sched    *scheduler.Scheduler
	Results  *resultreg.Registry
	Bounce   *bounce.Pool
	Failover *multipath.Pool
	Scanner  *rescan.Scanner

	Issue    *issue.Pipeline
	Complete *complete.Pipeline
}

// New wires a Core from cfg. ctx governs the lifetime of the failover
// helper-world pool; cancel it to stop the pool.
func New(ctx context.Context, cfg config.Config) *Core {
	c := &Core{
		Cfg:      cfg,
		Registry: topology.NewRegistry(),
		Handles:  handle.NewTable(cfg.PassthroughLocking),
		Sched:    scheduler.New(),
		Results:  resultreg.New(),
		Bounce:   bounce.NewPool(cfg.BouncePoolPages),
		Failover: multipath.NewPool(ctx, failoverWorkers, failoverQueueDepth),
	}

	c.Complete = &complete.Pipeline{
		Registry:  c.Results,
		Scheduler: c.Sched,
		Handles:   c.Handles,
		Failover:  c.Failover,
		Activate:  c.activatePath,
	}

	c.Issue = &issue.Pipeline{
		Sched:       c.Sched,
		Failover:    c.Failover,
		Registry:    c.Results,
		UseLunReset: cfg.UseLunReset,
		Bounce:      c.Bounce,
		CopyIn: func(dst []byte, src command.SGEntry) {
			copy(dst, src.Buf)
		},
		CopyOut: func(dst command.SGEntry, src []byte) {
			copy(dst.Buf, src)
		},
	}
	c.Complete.Requeue = c.Issue.RequeuePriority

	c.Scanner = &rescan.Scanner{Reader: partitionReaderFunc(c.readPartitionTable)}
	c.Registry.RescanInProgress = func(a *topology.Adapter) bool {
		return c.Scanner.InProgress()
	}

	return c
}

// AttachAdapter registers a new adapter backed by drv, reading its
// scatter-gather/transfer/PAE limits from drv.Limits() and wiring the
// completion pipeline back into it (spec.md §6's downward contract).
func (c *Core) AttachAdapter(name, driverName string, moduleID int, drv driver.Driver) (*topology.Adapter, error) {
	sgSize, maxXfer, paeCapable := drv.Limits()
	adapter := topology.NewAdapter(name, driverName, moduleID, sgSize, maxXfer, paeCapable)
	adapter.Driver = drv
	if err := c.Registry.CreateAdapter(adapter); err != nil {
		return nil, err
	}
	if att, ok := drv.(driver.Attachable); ok {
		att.SetCompletionSink(c.Complete)
	}
	return adapter, nil
}

// OpenArgs is the caller-facing open request: it identifies the target
// by DiskId, resolved through the adapter registry's find_target/
// release_target pairing (spec.md §4.C), rather than by a raw
// *topology.Target the caller has no business holding onto directly.
type OpenArgs struct {
	AdapterName    string
	DiskId         topology.DiskId
	PartitionIndex int
	WorldID        topology.WorldID
	Opener         handle.Opener

	ReadOnly        bool
	MultipleWriters bool

	WantPartitionType byte
	IsDump            bool
	DumpPartitionType byte
}

// Open implements spec.md §6's open: resolve the target, serialize
// against other opens on the same adapter while the partition table is
// (re-)read, then run the handle table's conflict/reservation policy.
func (c *Core) Open(args OpenArgs) (*handle.Handle, error) {
	adapter := c.Registry.FindAdapter(args.AdapterName)
	if adapter == nil {
		return nil, errors.Wrapf(ErrInvalidAdapter, "adapter %q", args.AdapterName)
	}
	target := c.Registry.FindTarget(args.DiskId)
	if target == nil {
		return nil, errors.Wrapf(ErrInvalidTarget, "disk id %v", args.DiskId)
	}
	defer topology.ReleaseTarget(target)

	req := handle.OpenRequest{
		Adapter:           adapter,
		Target:            target,
		PartitionIndex:    args.PartitionIndex,
		WorldID:           args.WorldID,
		Opener:            args.Opener,
		ReadOnly:          args.ReadOnly,
		MultipleWriters:   args.MultipleWriters,
		WantPartitionType: args.WantPartitionType,
		IsDump:            args.IsDump,
		DumpPartitionType: args.DumpPartitionType,
	}

	var probe func() (bool, error)
	if target.Class == topology.ClassDisk {
		probe = c.probeReservation(target)
	}

	return c.Handles.Open(req, probe, c.openPartitionTable(target))
}

// openPartitionTable is handle.Table.Open's readPartitionTable hook: a
// no-op once the target's table has already been read at least once
// (Table.Open's own doc comment permits exactly this), otherwise a
// fresh whole-disk read.
func (c *Core) openPartitionTable(target *topology.Target) func() error {
	return func() error {
		if target.PartitionTable().Live(0) {
			return nil
		}
		path := target.ActivePath()
		if path == nil {
			return ErrNoPath
		}
		pt, err := c.readPartitionTableFor(path, target)
		if err != nil {
			return err
		}
		target.SwapPartitionTable(pt)
		return nil
	}
}

// Close implements spec.md §6's close via handle.Table.Close.
func (c *Core) Close(h *handle.Handle) {
	h.MarkClosing()
	c.Handles.Close(h, nil)
}

// Execute implements spec.md §6's execute, delegating directly to the
// issue pipeline.
func (c *Core) Execute(h *handle.Handle, cmd *command.Command, opt issue.Options) (*token.Token, error) {
	return c.Issue.Execute(h, cmd, opt)
}

// Abort implements spec.md §6's abort.
func (c *Core) Abort(h *handle.Handle, sn uint64) error {
	return c.Issue.Abort(h, sn)
}

// Reset implements spec.md §6's reset.
func (c *Core) Reset(h *handle.Handle) error {
	return c.Issue.Reset(h)
}

// ResetPhysical implements spec.md §6's reset_physical: an
// unconditional forced LUN reset, distinct from Reset's policy-gated
// one (see issue.Pipeline.ResetPhysical).
func (c *Core) ResetPhysical(h *handle.Handle) error {
	return c.Issue.ResetPhysical(h)
}

// Rescan implements spec.md §6's rescan: ask the driver shim to
// re-enumerate, then re-read and swap in the target's partition table.
func (c *Core) Rescan(h *handle.Handle) error {
	if err := h.Adapter.Driver.Rescan(); err != nil {
		return err
	}
	return c.Scanner.Rescan(h, h.Target)
}
