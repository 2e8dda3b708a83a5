package complete

import (
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/scsi"
)

// updateReservation implements spec.md §4.H step 3: a successful
// RESERVE sets reservation_held_here on the path; RELEASE, a
// power-on-or-reset unit-attention, or a reservation-conflict device
// status clears it. Callers must hold the path's adapter lock.
func updateReservation(ctx *resultreg.Context, deviceStatus byte, sense []byte) {
	if ctx.Path == nil || ctx.Command == nil {
		return
	}
	success := deviceStatus == scsi.SamStatGood

	switch ctx.Command.Opcode() {
	case scsi.Reserve, scsi.Reserve10:
		// The target-level flag is a logical OR across paths
		// (topology.Target.ReservationHeld), so setting it here on the
		// path is sufficient.
		if success {
			ctx.Path.ReservationHeldHere = true
		}
		return
	case scsi.Release, scsi.Release10:
		if success {
			ctx.Path.ReservationHeldHere = false
		}
		return
	}

	if deviceStatus == scsi.SamStatReservationConflict {
		ctx.Path.ReservationHeldHere = false
		return
	}
	if scsi.SenseKey(sense) == scsi.SenseUnitAttention && scsi.ASC(sense) == scsi.AscPowerOnOrReset {
		ctx.Path.ReservationHeldHere = false
	}
}
