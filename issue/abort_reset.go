package issue

import (
	"time"

	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

var (
	ErrAbortNotRunning = errors.New("issue: abort found nothing running")
	ErrAbortFailed     = errors.New("issue: abort/reset failed on at least one path")
)

// controlCDBTimeout bounds how long Abort/Reset wait for a path's
// control CDB to complete; the completion pipeline normally wakes the
// token long before this fires.
const controlCDBTimeout = 5 * time.Second

// Abort implements spec.md §4.G's Abort: every queued entry matching
// (handle, sn) is removed with a synthetic HOST_ABORT completion, then
// the abort CDB is sent to every path carrying in-flight I/O or current
// as active.
func (p *Pipeline) Abort(h *handle.Handle, sn uint64) error {
	if e, ok := p.Sched.EntryIfExists(h.Target, h.WorldID); ok {
		p.Sched.RemoveQueued(e, h.ID, sn)
	}
	return p.sweepPaths(h, sn, command.TypeAbort, false)
}

// Reset implements spec.md §4.G's Reset: a reset CDB to every candidate
// path, with USE_LUNRESET set when LUN-reset is globally enabled. It does
// not remove requests waiting in the scheduler's queues; those stay
// queued and are admitted as usual.
func (p *Pipeline) Reset(h *handle.Handle) error {
	return p.sweepPaths(h, 0, command.TypeReset, p.UseLunReset)
}

// ResetPhysical implements the upward contract's reset_physical: a
// forced LUN reset down every candidate path, unconditionally, ignoring
// the UseLunReset policy Reset otherwise honors. It exists for a caller
// that needs a hardware-level bus reset regardless of configuration
// (e.g. recovering a target stuck after a reservation-conflict storm).
func (p *Pipeline) ResetPhysical(h *handle.Handle) error {
	return p.sweepPaths(h, 0, command.TypeReset, true)
}

// sweepPaths sends a control CDB (abort or reset) to every path that
// currently has in-flight I/O or is the target's active path, and
// aggregates the return codes per spec.md §4.G.
func (p *Pipeline) sweepPaths(h *handle.Handle, sn uint64, typ command.Type, lunReset bool) error {
	t := h.Target
	active := t.ActivePath()

	found := false
	anyFailure := false
	for _, path := range t.Paths {
		if path.InFlight() == 0 && path != active {
			continue
		}
		found = true
		ok, err := p.sendControlCDB(h, path, sn, typ, lunReset)
		if err != nil || !ok {
			anyFailure = true
		}
	}
	if !found {
		return ErrAbortNotRunning
	}
	if anyFailure {
		return ErrAbortFailed
	}
	return nil
}

func (p *Pipeline) sendControlCDB(h *handle.Handle, path *topology.Path, sn uint64, typ command.Type, lunReset bool) (bool, error) {
	cmd := &command.Command{Type: typ, OriginHandleID: h.ID, OriginSN: sn}
	if lunReset {
		cmd.Flags |= command.FlagUseLunReset
	}

	tok := token.Alloc(uint32(h.WorldID), false)
	ctx := &resultreg.Context{Token: tok, Handle: h, Adapter: h.Adapter, Target: h.Target, Path: path, Command: cmd}
	rid := p.Registry.Register(ctx)

	status, err := h.Adapter.Driver.Command(uint32(h.WorldID), cmd, rid)
	if err != nil || status == driver.StatusFailure {
		p.Registry.Take(rid)
		return false, err
	}

	done := make(chan struct{})
	go func() {
		tok.WaitForIO()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(controlCDBTimeout):
		tok.IOTimedOut()
	}

	res := tok.Result()
	return res.HostStatus == scsi.HostOK, nil
}
