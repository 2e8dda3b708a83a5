package multipath

import "github.com/coreos/go-scsi-midlayer/topology"

// AdminOff forces a path offline (an administrative action, not a
// completion-driven one). Valid from ON or STANDBY.
func AdminOff(p *topology.Path) {
	switch p.State() {
	case topology.StateOn, topology.StateStandby:
		p.SetState(topology.StateOff)
	}
}

// AdminOn brings an OFF path back to ON.
func AdminOn(p *topology.Path) {
	if p.State() == topology.StateOff {
		p.SetState(topology.StateOn)
	}
}

// OnIOSuccess applies the "I/O succeeds" transitions: DEAD or STANDBY
// paths return to ON once a command on them completes without a
// connect/busy-class failure (spec.md §4.E's transition table).
func OnIOSuccess(p *topology.Path) {
	switch p.State() {
	case topology.StateDead, topology.StateStandby:
		p.SetState(topology.StateOn)
	}
}

// OnIOFailure applies completion-driven failure transitions.
//
//   - pathDead: the completion status/sense matched the "path-dead"
//     predicate (spec.md §4.E). An ON path becomes DEAD.
//   - notReadySense && switchoverCapable: device-not-ready sense on a
//     target with manual switchover. An ON path becomes STANDBY.
//   - Otherwise, a STANDBY path that fails any I/O becomes DEAD.
func OnIOFailure(p *topology.Path, pathDead, notReadySense, switchoverCapable bool) {
	switch p.State() {
	case topology.StateOn:
		if pathDead {
			p.SetState(topology.StateDead)
		} else if notReadySense && switchoverCapable {
			p.SetState(topology.StateStandby)
		}
	case topology.StateStandby:
		p.SetState(topology.StateDead)
	}
}
