// Package multipath implements path selection, the path state machine,
// and failover driving described in spec.md §4.E.
package multipath

import (
	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/topology"
)

var ErrNoAlivePath = errors.New("multipath: no alive path for target")

// Select picks a path to dispatch on for t, according to t.PolicySel.
// Callers must hold the owning adapter's lock (path state and selection
// cursors are adapter-lock-protected, spec.md §3).
func Select(t *topology.Target) (*topology.Path, error) {
	switch t.PolicySel {
	case topology.PolicyMRU:
		return selectMRU(t)
	case topology.PolicyRoundRobin:
		return selectRoundRobin(t)
	default:
		return selectFixed(t)
	}
}

func selectFixed(t *topology.Target) (*topology.Path, error) {
	if pref := t.PreferredPath(); pref != nil && pref.Alive() {
		return pref, nil
	}
	return firstAlivePreferOn(t)
}

func selectMRU(t *topology.Target) (*topology.Path, error) {
	if mru := t.MRUPath(); mru != nil && mru.Alive() {
		return mru, nil
	}
	p, err := firstAlivePreferOn(t)
	if err != nil {
		return nil, err
	}
	t.SetMRUPath(p)
	return p, nil
}

func selectRoundRobin(t *topology.Target) (*topology.Path, error) {
	n := len(t.Paths)
	if n == 0 {
		return nil, ErrNoAlivePath
	}
	for i := 0; i < n; i++ {
		idx := (t.RRCursor() + i) % n
		p := t.Paths[idx]
		if p.Alive() {
			t.AdvanceRR()
			return p, nil
		}
	}
	return nil, ErrNoAlivePath
}

// firstAlivePreferOn scans all paths, preferring any ON path over a
// STANDBY one (spec.md §4.E "fall back to any alive path, preferring ON
// over STANDBY").
func firstAlivePreferOn(t *topology.Target) (*topology.Path, error) {
	var standby *topology.Path
	for _, p := range t.Paths {
		switch p.State() {
		case topology.StateOn:
			return p, nil
		case topology.StateStandby:
			if standby == nil {
				standby = p
			}
		}
	}
	if standby != nil {
		return standby, nil
	}
	return nil, ErrNoAlivePath
}

// InitialPolicy applies the MUST_USE_MRU_POLICY vendor flag at target
// creation time: such a target is forced to MRU regardless of the
// caller's requested policy (spec.md §4.E).
func InitialPolicy(t *topology.Target, requested topology.Policy) {
	if t.VendorFlags&topology.FlagMustUseMRUPolicy != 0 {
		t.PolicySel = topology.PolicyMRU
		return
	}
	t.PolicySel = requested
}
