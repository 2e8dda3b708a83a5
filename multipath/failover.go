package multipath

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coreos/go-scsi-midlayer/lock"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Request is a failover-drive message handed to a helper world: probe
// and, on success, activate StandbyPath as the new active path for
// Target (spec.md §4.E "a helper-world context issues a vendor-defined
// 'activate' command... down the standby path").
type Request struct {
	Adapter  *topology.Adapter
	Target   *topology.Target
	Standby  *topology.Path
	Previous *topology.Path

	// Activate issues the vendor-specific activation command and
	// reports whether the standby path accepted it.
	Activate func(p *topology.Path) error

	// Release, if set, is called once failover has completed
	// (successfully or not) so the caller can kick the execute-queued
	// routine with the synchronous override spec.md §4.E describes.
	Release func()
}

// Pool is the small fixed-size pool of helper worlds spec.md's design
// notes describe: "a single-consumer work queue plus a small pool of
// workers", because path probing must issue synchronous commands and
// must not run from a bottom half.
type Pool struct {
	reqs chan Request
	grp  *errgroup.Group
	ctx  context.Context
}

// NewPool starts n helper workers draining a bounded request queue.
func NewPool(ctx context.Context, n, queueDepth int) *Pool {
	grp, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		reqs: make(chan Request, queueDepth),
		grp:  grp,
		ctx:  gctx,
	}
	for i := 0; i < n; i++ {
		grp.Go(func() error {
			p.run()
			return nil
		})
	}
	return p
}

func (p *Pool) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case req, ok := <-p.reqs:
			if !ok {
				return
			}
			p.drive(req)
		}
	}
}

// Submit enqueues a failover request. The target's delay_cmds counter
// must already have been incremented by the caller (the completion
// pipeline's failover trigger, §4.H step 6) before Submit is called.
func (p *Pool) Submit(req Request) bool {
	select {
	case p.reqs <- req:
		return true
	default:
		return false
	}
}

// Close stops accepting work and waits for in-flight drives to finish.
func (p *Pool) Close() {
	close(p.reqs)
	_ = p.grp.Wait()
}

func (p *Pool) drive(req Request) {
	defer req.Target.DecDelayCmds()
	if req.Release != nil {
		defer req.Release()
	}

	err := req.Activate(req.Standby)

	s := lock.NewSet()
	req.Adapter.Lock(s)
	defer req.Adapter.Unlock(s)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"target": req.Target.DiskId,
			"path":   req.Standby.ID,
			"err":    err,
		}).Warn("multipath: failover activation failed, leaving standby")
		return
	}

	req.Standby.SetState(topology.StateOn)
	if req.Previous != nil && req.Previous.State() == topology.StateOn {
		req.Previous.SetState(topology.StateStandby)
	}
	req.Target.SetActivePath(req.Standby)
	req.Standby.FailoverTried = true

	logrus.WithFields(logrus.Fields{
		"target": req.Target.DiskId,
		"path":   req.Standby.ID,
	}).Info("multipath: failover activated standby path")
}
