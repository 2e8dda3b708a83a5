package complete

import "github.com/coreos/go-scsi-midlayer/scsi"

// pathIsDead implements spec.md §4.E's "path-dead predicate": a
// connect-class host failure, or a hardware-error sense, means the path
// itself (not just the command) is gone.
func pathIsDead(hostStatus int, deviceStatus byte, sense []byte) bool {
	switch hostStatus {
	case scsi.HostNoConnect, scsi.HostBadTarget:
		return true
	}
	if deviceStatus == scsi.SamStatCheckCondition && scsi.SenseKey(sense) == scsi.SenseHardwareError {
		return true
	}
	return false
}

// deviceNotReady reports the "device-not-ready" sense spec.md §4.E and
// §4.H refer to (the trigger for STANDBY-on-manual-switchover
// failover).
func deviceNotReady(sense []byte) bool {
	return scsi.SenseKey(sense) == scsi.SenseNotReady && scsi.ASC(sense) == scsi.AscLunNotReady
}
