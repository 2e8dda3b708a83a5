package issue

import (
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/scsi"
)

// RequeuePriority implements spec.md §4.H step 6: once a failover has
// been triggered for ctx's path, the in-flight command is re-admitted
// on the target's priority queue rather than dropped, so it retries on
// whichever path the helper world activates next. It is wired as
// complete.Pipeline.Requeue by whoever constructs both pipelines,
// avoiding a direct import cycle between complete and issue.
func (p *Pipeline) RequeuePriority(ctx *resultreg.Context) {
	h := ctx.Handle
	cmd := ctx.Command
	tok := ctx.Token
	if h == nil || cmd == nil || tok == nil {
		return
	}

	entry := p.Sched.EntryFor(h.Target, h.WorldID, 0, 0)
	if ctx.SchedEntry != nil {
		entry = ctx.SchedEntry
	}

	q := p.Sched.Enqueue(entry, true, cmd.OriginHandleID, cmd.OriginSN)
	go func() {
		select {
		case <-q.Admitted:
			p.issueNow(h, cmd, tok, entry, ctx.IsChild)
		case <-q.Aborted:
			p.finishSynthetic(h, cmd, tok, entry, nil, scsi.HostAbort, scsi.SamStatGood, ctx.IsChild)
		}
	}()
}
