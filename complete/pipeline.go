// Package complete implements the completion pipeline of spec.md §4.H:
// the driver.CompletionSink entry point every driver shim calls back
// into, and the shared delivery logic (wake/enqueue/callback) that both
// ordinary commands and a split parent's join use identically.
package complete

import (
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/multipath"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Pipeline implements driver.CompletionSink, wiring one adapter's
// driver shim back into the handle table, scheduler, and multipath
// layers (spec.md §4.H).
type Pipeline struct {
	Registry  *resultreg.Registry
	Scheduler *scheduler.Scheduler
	Handles   *handle.Table
	Failover  *multipath.Pool

	// Activate issues the vendor-defined "activate" command down a
	// standby path during failover (spec.md §4.E); wired the same way
	// issue.Pipeline.MBRUnchanged is, since this package has no way to
	// speak a vendor's wire protocol by itself.
	Activate func(p *topology.Path) error

	// Requeue re-dispatches a command after a failover trigger
	// (spec.md §4.H step 6 "requeue the command on the target's
	// priority queue"). It is wired to the issue pipeline's dispatch
	// logic by whoever constructs both, avoiding a direct import cycle
	// between this package and issue.
	Requeue func(ctx *resultreg.Context)
}

// Complete is called by a driver shim, possibly from a bottom-half
// context: it must never perform blocking work (spec.md §6). Every step
// below is non-blocking except the Failover pool submission, which is
// itself a non-blocking channel send.
func (p *Pipeline) Complete(rid driver.ResultID, status driver.Status, deviceStatus byte, sense []byte, bytesXferred int64) {
	ctx, ok := p.Registry.Take(rid)
	if !ok {
		return
	}

	tok := ctx.Token
	hostStatus := classifyHostStatus(status)
	success := hostStatus == scsi.HostOK && deviceStatus == scsi.SamStatGood

	path := ctx.Path
	var triggerFailover bool

	if path != nil && ctx.Adapter != nil {
		s := lock.NewSet()
		ctx.Adapter.Lock(s)

		// Step 2: resurrect a DEAD path on anything but a
		// connect/busy-class failure.
		if path.State() == topology.StateDead && hostStatus != scsi.HostNoConnect && hostStatus != scsi.HostBusBusy {
			multipath.OnIOSuccess(path)
		}

		// Step 3: reservation bookkeeping.
		updateReservation(ctx, deviceStatus, sense)

		dead := pathIsDead(hostStatus, deviceStatus, sense)
		notReady := deviceNotReady(sense)
		switchoverCapable := ctx.Target != nil && ctx.Target.VendorFlags&topology.FlagSupportsManualSwitchover != 0

		if !success {
			multipath.OnIOFailure(path, dead, notReady, switchoverCapable)
		}

		switch {
		case path.State() == topology.StateDead:
			triggerFailover = true
		case path.State() == topology.StateStandby && notReady && switchoverCapable:
			triggerFailover = true
		case path.State() == topology.StateStandby && success:
			// Step 7.
			path.SetState(topology.StateOn)
		}

		if ctx.Partition != nil {
			updatePartitionStats(ctx, bytesXferred, success)
		}

		ctx.Adapter.Unlock(s)
	}

	// Step 4: handle lookup. An administrative context carries no
	// owning handle (e.g. the failover activate probe issued against a
	// standby path, not an open handle): nothing to look up, and
	// FinalizeDelivery below already tolerates a nil h.
	var h *handle.Handle
	stray := false
	if ctx.Handle != nil {
		h = p.Handles.Lookup(ctx.Handle.ID)
		stray = h == nil || h != ctx.Handle
	}

	if triggerFailover && !stray {
		p.driveFailover(ctx)
		return
	}

	if path != nil {
		path.DecInFlight()
	}

	if stray {
		if ctx.SchedEntry != nil {
			p.Scheduler.OnComplete(ctx.SchedEntry)
		}
		tok.Release()
		return
	}

	// Step 8.
	res := token.Result{
		HostStatus:   hostStatus,
		DeviceStatus: deviceStatus,
		BytesXferred: bytesXferred,
	}
	if ctx.Command != nil {
		res.SerialNumber = ctx.Command.OriginSN
		res.OriginHandleID = ctx.Command.OriginHandleID
	}
	copy(res.Sense[:], sense)
	tok.SetResult(res)

	// Steps 9-10.
	FinalizeDelivery(tok, h)

	// Step 11.
	if ctx.SchedEntry != nil {
		p.Scheduler.OnComplete(ctx.SchedEntry)
	}
	// A split child shares its handle's pending count with its parent
	// (incremented once, at split time); a control CDB sent by Abort/
	// Reset never incremented it at all (no SchedEntry is registered
	// for those). Only a queued, non-child completion drops it.
	if ctx.SchedEntry != nil && !ctx.IsChild {
		h.DecPending()
	}
}

// driveFailover implements spec.md §4.H step 6: requeue, decrement
// scheduler in-flight, and hand the probe/activate work to a helper
// world, since it must issue synchronous commands and so must not run
// from this (possibly bottom-half) call.
func (p *Pipeline) driveFailover(ctx *resultreg.Context) {
	ctx.Target.IncDelayCmds()
	if ctx.SchedEntry != nil {
		p.Scheduler.OnComplete(ctx.SchedEntry)
	}
	if p.Requeue != nil {
		p.Requeue(ctx)
	}

	submitted := false
	if p.Failover != nil && p.Activate != nil {
		previous := ctx.Target.ActivePath()
		submitted = p.Failover.Submit(multipath.Request{
			Adapter:  ctx.Adapter,
			Target:   ctx.Target,
			Standby:  ctx.Path,
			Previous: previous,
			Activate: p.Activate,
			Release: func() {
				p.Scheduler.ExecuteQueued(ctx.Target, true)
			},
		})
	}
	if !submitted {
		ctx.Target.DecDelayCmds()
	}
}

// FinalizeDelivery implements spec.md §4.H steps 9-10: wake any waiter
// (via IODone), link the token onto h's result list when ENQUEUE
// delivery is requested, and invoke a registered CALLBACK. It is shared
// verbatim by the split-join finalizer in the issue package, since both
// an ordinary command and a split parent complete through the same
// wake/enqueue/callback contract. h may be nil when no handle-level
// ENQUEUE wiring applies (e.g. a split child's own per-child token).
func FinalizeDelivery(t *token.Token, h *handle.Handle) {
	if t.HasFlag(token.FlagEnqueueRequested) && h != nil {
		t.Retain()
		h.PostResult(t)
	}
	t.IODone()
	if t.HasFlag(token.FlagCallbackRequested) {
		if cb := t.Callback(); cb != nil {
			t.Retain()
			cb(t, nil)
		}
	}
}

func classifyHostStatus(status driver.Status) int {
	switch status {
	case driver.StatusOK:
		return scsi.HostOK
	case driver.StatusFailure:
		return scsi.HostError
	default:
		return scsi.HostError
	}
}
