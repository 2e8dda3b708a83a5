package issue

import (
	"sync"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/complete"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
)

// joinState is the captured-by-closure bookkeeping for one split
// command's join, per spec.md §4.H "Split join". It does not live in
// the parent token's arena: the arena's job is the overflow/corruption
// guard on the callback-frame stack, not general-purpose storage, so
// the frame pushed on the parent carries a zero-length payload and all
// real state lives here.
type joinState struct {
	mu sync.Mutex

	needed  int
	handled int

	first        token.Result
	haveFirst    bool
	anyFailure   bool
	bytesXferred int64

	splitFailedMidway bool
}

// dispatchSplit implements the tail of spec.md §4.G's splitting
// decision plus the split-join wiring of §4.H: each child gets its own
// token and a callback that feeds this command's joinState, and the
// parent token gets a join frame pushed so its own completion is
// deferred until every child has reported in.
func (p *Pipeline) dispatchSplit(h *handle.Handle, parent *command.Command, children []*command.Command, parentTok *token.Token, entry *scheduler.Entry, bypass bool) {
	js := &joinState{needed: len(children)}

	parentTok.PushCallbackFrame(func(t *token.Token, _ []byte) {
		p.finishJoin(h, t, js)
	}, 0)

	for _, child := range children {
		childCmd := child

		bounces, err := p.applyChildBounces(h, childCmd)
		if err != nil {
			// Bounce allocation failed after at least one sibling may
			// already have been issued: this child never reaches the
			// driver, but the join must still see it so finishJoin
			// can report the coherent partial-failure status.
			js.mu.Lock()
			js.splitFailedMidway = true
			js.handled++
			done := js.handled == js.needed
			js.mu.Unlock()
			if done {
				parentTok.PopCallbackFrame()
			}
			continue
		}

		childTok := token.Alloc(uint32(h.WorldID), false)
		childTok.OriginHandleID = parent.OriginHandleID
		childTok.OriginSN = parent.OriginSN
		childTok.SetFlag(token.FlagCallbackRequested)
		childTok.SetCallback(func(t *token.Token, _ []byte) {
			p.releaseChildBounces(childCmd, bounces)
			p.joinChild(js, parentTok, t)
		})

		if bypass {
			p.issueNow(h, childCmd, childTok, entry, true)
		} else if p.Sched.TryAdmitNow(entry) {
			p.issueNow(h, childCmd, childTok, entry, true)
		} else {
			q := p.Sched.Enqueue(entry, false, childCmd.OriginHandleID, childCmd.OriginSN)
			go func() {
				select {
				case <-q.Admitted:
					p.issueNow(h, childCmd, childTok, entry, true)
				case <-q.Aborted:
					p.finishSynthetic(h, childCmd, childTok, entry, nil, scsi.HostAbort, scsi.SamStatGood, true)
				}
			}()
		}
	}
}

// applyChildBounces substitutes a bounce page for every SG entry in
// child that needs a PAE copy (spec.md §4.G "PAE copy") and, for
// write-direction commands, fills those pages from the original entry
// via p.CopyIn before the child is ever dispatched.
func (p *Pipeline) applyChildBounces(h *handle.Handle, child *command.Command) ([]command.BounceBuffer, error) {
	if p.Bounce == nil {
		return nil, nil
	}
	forceCopy := child.Flags&command.FlagForceCopy != 0
	bounces, err := command.ApplyBounces(child, h.Adapter.PAECapable, forceCopy, func(n int) ([]byte, func(), error) {
		hdl, err := p.Bounce.Get(n)
		if err != nil {
			return nil, nil, err
		}
		return hdl.Buf, func() { p.Bounce.Put(hdl) }, nil
	})
	if err != nil {
		return bounces, err
	}
	if p.CopyIn != nil && scsi.IsWrite(child.Opcode()) {
		for _, b := range bounces {
			p.CopyIn(b.Page, b.Orig)
		}
	}
	return bounces, nil
}

// releaseChildBounces copies a read-direction child's bounced pages
// back to their original entries via p.CopyOut, then releases every
// bounce page back to the pool. Called once per child, right before its
// result folds into the join, regardless of split outcome.
func (p *Pipeline) releaseChildBounces(child *command.Command, bounces []command.BounceBuffer) {
	if len(bounces) == 0 {
		return
	}
	if p.CopyOut != nil && !scsi.IsWrite(child.Opcode()) {
		for _, b := range bounces {
			p.CopyOut(b.Orig, b.Page)
		}
	}
	for _, b := range bounces {
		b.Release()
	}
}

// joinChild is a child token's completion callback: it folds the
// child's result into js and, once every child has reported in, pops
// the parent's join frame (spec.md §4.H "Split join").
func (p *Pipeline) joinChild(js *joinState, parentTok *token.Token, childTok *token.Token) {
	res := childTok.Result()
	success := res.HostStatus == scsi.HostOK && res.DeviceStatus == scsi.SamStatGood

	js.mu.Lock()
	if !js.haveFirst || (!js.anyFailure && !success) {
		js.first = res
		js.haveFirst = true
	}
	if !success {
		js.anyFailure = true
	}
	js.bytesXferred += res.BytesXferred
	js.handled++
	done := js.handled == js.needed
	js.mu.Unlock()

	// PAE bounce copy-back and release already ran in releaseChildBounces,
	// called by the child's own token callback just before this function.
	//
	// Two references are dropped: the child token's own allocation ref
	// (owned by the split-dispatch logic until the join consumes the
	// result) and the extra ref FinalizeDelivery took before invoking
	// this callback.
	childTok.Release()
	childTok.Release()

	if done {
		parentTok.PopCallbackFrame()
	}
}

// finishJoin is the parent join frame's callback: it stores the
// aggregated result onto the parent token and runs it through the same
// completion-delivery path every other token uses.
func (p *Pipeline) finishJoin(h *handle.Handle, parentTok *token.Token, js *joinState) {
	js.mu.Lock()
	res := js.first
	if !js.anyFailure {
		res.BytesXferred = js.bytesXferred
	} else {
		res.BytesXferred = 0
	}
	if js.splitFailedMidway {
		res.HostStatus = scsi.HostError
	}
	js.mu.Unlock()

	parentTok.SetResult(res)
	complete.FinalizeDelivery(parentTok, h)
	h.DecPending()
	h.Release()
}
