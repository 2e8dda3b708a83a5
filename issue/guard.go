package issue

import (
	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// checkPartitionGuard implements spec.md §4.G step 3: a write may not
// touch a sector belonging to a live, currently-open partition-table
// entry of this target, except a write that leaves every entry
// materially unchanged.
func (p *Pipeline) checkPartitionGuard(h *handle.Handle, cmd *command.Command) error {
	if !scsi.IsWrite(cmd.Opcode()) {
		return nil
	}
	pt := h.Target.PartitionTable()
	blocks := blockSpan(cmd, h.Target.BlockSize)

	for i := 0; i < topology.MaxPartitions; i++ {
		part := pt.At(i)
		if part == nil || i == 0 {
			// Partition 0 is the whole target, not a table entry by
			// itself; it carries no TableSector of its own.
			continue
		}
		if part.Readers() == 0 && part.Writers() == 0 {
			continue
		}
		if !overlaps(blocks, int64(part.TableSector), 1) {
			continue
		}
		if part.TableSector == 0 {
			if p.MBRUnchanged != nil && p.MBRUnchanged(cmd, part) {
				continue
			}
			return ErrPartitionGuard
		}
		// Extended/nested-extended tables are protected at sector
		// granularity: any overlapping write is refused outright.
		return ErrPartitionGuard
	}
	return nil
}

type span struct {
	start, count int64
}

func blockSpan(cmd *command.Command, blockSize int64) span {
	if blockSize <= 0 {
		blockSize = 512
	}
	blocks := int64(cmd.DataLen) / blockSize
	if blocks == 0 {
		blocks = 1
	}
	return span{start: int64(cmd.LBA), count: blocks}
}

func overlaps(s span, sector, count int64) bool {
	end := s.start + s.count
	otherEnd := sector + count
	return s.start < otherEnd && sector < end
}
