// Package issue implements the command issue pipeline of spec.md §4.G:
// validity checks, origin stamping, splitting/dispatch, queueing and
// admission, path binding, and the Abort/Reset operations.
package issue

import (
	"time"

	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/complete"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/bounce"
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/multipath"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

var (
	ErrInvalidHandle  = errors.New("issue: invalid or closing handle")
	ErrReadOnly       = errors.New("issue: write refused on read-only handle")
	ErrPartitionGuard = errors.New("issue: write overlaps an open partition-table entry")
	ErrBadCommandType = errors.New("issue: command type not dispatchable")
)

// Pipeline wires together the scheduler, multipath selection, the
// splitter, and a result registry to carry out spec.md §4.G.
type Pipeline struct {
	Sched    *scheduler.Scheduler
	Failover *multipath.Pool
	Registry *resultreg.Registry

	// MBRUnchanged, if set, is consulted by the partition-table guard
	// for writes that touch the primary MBR sector: it should report
	// whether the incoming write leaves every live partition entry
	// materially unchanged (spec.md §4.G step 3). If nil, any write
	// touching an open MBR sector is refused outright — a conservative
	// stand-in, since the mid-layer's Go model does not have a way to
	// read the caller's DMA buffer by itself (see DESIGN.md).
	MBRUnchanged func(cmd *command.Command, part *topology.Partition) bool

	// UseLunReset mirrors the global configuration option spec.md §4.G
	// names: when set, Reset's outgoing CDB carries USE_LUNRESET.
	UseLunReset bool

	// Bounce is the reserved low-memory pool PAE-copy bounces draw from
	// (spec.md §4.G "PAE copy"). A nil Bounce skips bouncing entirely —
	// every child is dispatched as split, which is only correct when no
	// adapter in use ever produces a high-memory SG entry or sets
	// FlagForceCopy.
	Bounce *bounce.Pool

	// CopyIn and CopyOut move bytes between a bounce page and the SG
	// entry it stands in for, for write and read direction commands
	// respectively. Like MBRUnchanged, these are caller-supplied hooks
	// rather than direct memory access: the mid-layer's Go model has no
	// way to dereference a raw machine/physical address by itself (see
	// DESIGN.md). Nil hooks make the fill/copy-back step a no-op.
	CopyIn  func(dst []byte, src command.SGEntry)
	CopyOut func(dst command.SGEntry, src []byte)
}

// Options carries the per-call parameters that aren't intrinsic to the
// command itself.
type Options struct {
	World       topology.WorldID
	Shares      int
	PerWorldCap int
}

// Execute runs steps 1-7 of spec.md §4.G for a QUEUED command,
// returning the token the caller should wait on.
func (p *Pipeline) Execute(h *handle.Handle, cmd *command.Command, opt Options) (*token.Token, error) {
	if !h.Live() {
		return nil, ErrInvalidHandle
	}
	if scsi.IsWrite(cmd.Opcode()) && h.HasFlag(handle.FlagReadOnly) {
		return nil, ErrReadOnly
	}
	if err := p.checkPartitionGuard(h, cmd); err != nil {
		return nil, err
	}

	cmd.OriginHandleID = h.ID
	cmd.OriginSN = h.NextSerial()

	switch cmd.Type {
	case command.TypeAbort:
		return nil, p.Abort(h, cmd.OriginSN)
	case command.TypeReset:
		return nil, p.Reset(h)
	case command.TypeQueued:
		// fall through
	default:
		return nil, ErrBadCommandType
	}

	child := cmd.Clone()
	tok := token.Alloc(uint32(opt.World), false)
	tok.OriginHandleID = cmd.OriginHandleID
	tok.OriginSN = cmd.OriginSN
	h.Retain()
	h.IncPending()

	entry := p.Sched.EntryFor(h.Target, opt.World, opt.Shares, opt.PerWorldCap)

	lim := command.Limits{SGSize: h.Adapter.SGSize, MaxXfer: h.Adapter.MaxXfer, PAECapable: h.Adapter.PAECapable, BlockSize: h.Target.BlockSize}
	direct := lim.SGSize == 0 || command.Fits(child, lim)

	bypass := cmd.Flags&command.FlagBypassesQueue != 0
	if direct {
		p.dispatchSingle(h, child, tok, entry, bypass, false)
		return tok, nil
	}

	children, err := command.Split(child, lim)
	if err != nil {
		h.DecPending()
		h.Release()
		return nil, err
	}
	p.dispatchSplit(h, child, children, tok, entry, bypass)
	return tok, nil
}

// dispatchSingle handles the unsplit fast path: admission, path
// selection, and driver dispatch for a single command carrying the
// token directly. isChild marks a split child so completion doesn't
// double-account the parent handle's pending count and reference.
func (p *Pipeline) dispatchSingle(h *handle.Handle, cmd *command.Command, tok *token.Token, entry *scheduler.Entry, bypass, isChild bool) {
	if bypass {
		p.issueNow(h, cmd, tok, entry, isChild)
		return
	}
	if p.Sched.TryAdmitNow(entry) {
		p.issueNow(h, cmd, tok, entry, isChild)
		return
	}
	q := p.Sched.Enqueue(entry, false, cmd.OriginHandleID, cmd.OriginSN)
	go func() {
		select {
		case <-q.Admitted:
			p.issueNow(h, cmd, tok, entry, isChild)
		case <-q.Aborted:
			p.finishSynthetic(h, cmd, tok, entry, nil, scsi.HostAbort, scsi.SamStatGood, isChild)
		}
	}()
}

// issueNow performs path binding and the actual driver call for one
// physical command (spec.md §4.G "Path binding").
func (p *Pipeline) issueNow(h *handle.Handle, cmd *command.Command, tok *token.Token, entry *scheduler.Entry, isChild bool) {
	s := lock.NewSet()
	h.Adapter.Lock(s)
	path, err := multipath.Select(h.Target)
	if err != nil {
		h.Adapter.Unlock(s)
		p.synthesizeFailure(h, cmd, tok, entry, nil, isChild)
		return
	}
	path.IncInFlight()
	h.Adapter.Unlock(s)

	part := h.Partition()
	ctx := &resultreg.Context{
		Token: tok, Handle: h, Adapter: h.Adapter, Target: h.Target,
		Path: path, Partition: part, SchedEntry: entry, Command: cmd,
		IsChild: isChild,
	}
	rid := p.Registry.Register(ctx)

	tok.IssuedAt = time.Now()
	status, err := h.Adapter.Driver.Command(uint32(h.WorldID), cmd, rid)
	if err != nil || status == driver.StatusFailure {
		p.Registry.Take(rid)
		p.synthesizeFailure(h, cmd, tok, entry, path, isChild)
		return
	}
	if status == driver.StatusWouldBlock {
		p.Registry.Take(rid)
		if cmd.Flags&command.FlagBypassesQueue != 0 {
			time.Sleep(5 * time.Millisecond)
			p.synthesizeBusy(h, cmd, tok, entry, path, isChild)
			return
		}
		// Not a bypass command: requeue at the tail and let the
		// scheduler's execute-queued loop retry it later.
		q := p.Sched.Enqueue(entry, false, cmd.OriginHandleID, cmd.OriginSN)
		go func() {
			select {
			case <-q.Admitted:
				p.issueNow(h, cmd, tok, entry, isChild)
			case <-q.Aborted:
				p.finishSynthetic(h, cmd, tok, entry, nil, scsi.HostAbort, scsi.SamStatGood, isChild)
			}
		}()
	}
}

func (p *Pipeline) synthesizeFailure(h *handle.Handle, cmd *command.Command, tok *token.Token, entry *scheduler.Entry, path *topology.Path, isChild bool) {
	p.finishSynthetic(h, cmd, tok, entry, path, scsi.HostError, scsi.SamStatCheckCondition, isChild)
}

func (p *Pipeline) synthesizeBusy(h *handle.Handle, cmd *command.Command, tok *token.Token, entry *scheduler.Entry, path *topology.Path, isChild bool) {
	p.finishSynthetic(h, cmd, tok, entry, path, scsi.HostOK, scsi.SamStatBusy, isChild)
}

func (p *Pipeline) finishSynthetic(h *handle.Handle, cmd *command.Command, tok *token.Token, entry *scheduler.Entry, path *topology.Path, hostStatus int, deviceStatus byte, isChild bool) {
	if path != nil {
		path.DecInFlight()
	}
	tok.SetResult(token.Result{HostStatus: hostStatus, DeviceStatus: deviceStatus, OriginHandleID: cmd.OriginHandleID, SerialNumber: cmd.OriginSN})
	p.Sched.OnComplete(entry)
	// FinalizeDelivery invokes the child's split-join callback the same
	// way a driver-routed completion would; a top-level command's own
	// pending/ref accounting is only touched once, here, when isChild
	// is false.
	complete.FinalizeDelivery(tok, h)
	if !isChild {
		h.DecPending()
		h.Release()
	}
}
