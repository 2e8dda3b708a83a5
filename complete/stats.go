package complete

import (
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/scsi"
)

// updatePartitionStats implements spec.md §4.H step 5 for the partition
// roll-up (adapter/target/(target,world) latency statistics are owned
// by the scheduler entry and updated via its own accounting). Callers
// must hold the path's adapter lock.
func updatePartitionStats(ctx *resultreg.Context, bytesXferred int64, success bool) {
	stats := &ctx.Partition.Stats
	stats.CommandsCompleted++
	if !success {
		stats.Errors++
		return
	}
	if ctx.Command != nil && scsi.IsWrite(ctx.Command.Opcode()) {
		stats.BytesWritten += bytesXferred
	} else {
		stats.BytesRead += bytesXferred
	}
}
