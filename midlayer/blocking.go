package midlayer

import (
	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/issue"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/wait"
)

// worldOptions fills in the issue.Options a blocking call needs from
// h's own world and this Core's configured default shares.
func (c *Core) worldOptions(h *handle.Handle) issue.Options {
	return issue.Options{World: h.WorldID, Shares: c.Cfg.SharesNormal, PerWorldCap: c.Cfg.PerWorldCap}
}

// ReadBlocking implements spec.md §6's read_blocking: a single READ10
// into buf at lba, issued through the synchronous wait-with-retry loop
// of spec.md §4.I.
func (c *Core) ReadBlocking(h *handle.Handle, buf []byte, lba uint64) wait.Result {
	return c.readWriteBlocking(h, buf, lba, false)
}

func (c *Core) readWriteBlocking(h *handle.Handle, buf []byte, lba uint64, write bool) wait.Result {
	cmd := &command.Command{
		CDB:     buildCDB10(lba, len(buf), write, h.Target.BlockSize),
		SG:      command.SGList{Space: command.AddressVirtual, Entries: []command.SGEntry{{Len: len(buf), Space: command.AddressVirtual, Buf: buf}}},
		DataLen: len(buf),
		LBA:     lba,
		Type:    command.TypeQueued,
	}
	return wait.TimedWait(c.Issue, h, cmd, c.worldOptions(h), c.Cfg.Wait)
}

// ReadWriteSGBlocking implements spec.md §6's read_write_sg_blocking:
// the scatter-gather form of a blocking transfer, for a caller that
// already has its own SGList (e.g. carrying a write's MBR payload
// across multiple buffers) rather than a single contiguous slice.
func (c *Core) ReadWriteSGBlocking(h *handle.Handle, sg command.SGList, lba uint64, write bool) wait.Result {
	cmd := &command.Command{
		CDB:     buildCDB10(lba, sg.TotalLen(), write, h.Target.BlockSize),
		SG:      sg,
		DataLen: sg.TotalLen(),
		LBA:     lba,
		Type:    command.TypeQueued,
	}
	return wait.TimedWait(c.Issue, h, cmd, c.worldOptions(h), c.Cfg.Wait)
}

// buildCDB10 builds a 10-byte READ/WRITE CDB for a blocking transfer;
// the splitter (command.Split) rewrites it again per child if the
// transfer doesn't fit the adapter's limits (spec.md §4.G).
func buildCDB10(lba uint64, dataLen int, write bool, blockSize int64) []byte {
	if blockSize <= 0 {
		blockSize = 512
	}
	cdb := make([]byte, 10)
	if write {
		cdb[0] = scsi.Write10
	} else {
		cdb[0] = scsi.Read10
	}
	scsi.SetLBA(cdb, lba)
	scsi.SetXferLen(cdb, uint32(int64(dataLen)/blockSize))
	return cdb
}

// Reserve implements spec.md §6's reserve: a blocking RESERVE(6),
// through the same wait-with-retry loop as any other command.
// complete.Pipeline's updateReservation (spec.md §4.H step 3) updates
// the path's reservation bookkeeping automatically on success.
func (c *Core) Reserve(h *handle.Handle) wait.Result {
	return c.reservationCDB(h, scsi.Reserve)
}

// Release implements spec.md §6's release.
func (c *Core) Release(h *handle.Handle) wait.Result {
	return c.reservationCDB(h, scsi.Release)
}

func (c *Core) reservationCDB(h *handle.Handle, opcode byte) wait.Result {
	cdb := make([]byte, 6)
	cdb[0] = opcode
	cmd := &command.Command{CDB: cdb, Type: command.TypeQueued}
	return wait.TimedWait(c.Issue, h, cmd, c.worldOptions(h), c.Cfg.Wait)
}
