package tcmuloop

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/scsi"
)

// beginPoll blocks on the uio fd for new ring activity and drains every
// fully-formed entry it finds into d.service, one at a time. A real TCMU
// consumer would hand each entry to a worker pool rather than servicing
// inline; this shim stays single-threaded per Device since Handler is
// expected to be fast (it is the mid-layer's own issue-pipeline dispatch,
// not blocking I/O) and ring order must be preserved.
func (d *Device) beginPoll() {
	buf := make([]byte, 4)
	for {
		if _, err := unix.Read(d.uioFd, buf); err != nil {
			logrus.WithError(err).Error("tcmuloop: uio read failed, stopping poll")
			return
		}
		for {
			cmd, off, id, ok := d.nextRingCommand()
			if !ok {
				break
			}
			d.service(cmd, off, id)
		}
		if _, err := unix.Write(d.uioFd, buf); err != nil {
			logrus.WithError(err).Error("tcmuloop: uio write failed")
			return
		}
	}
}

// nextRingCommand advances past the entry at the ring's current head,
// skipping padding entries the kernel inserted to avoid wrapping an entry
// across the buffer's end, and decodes the next real command.
func (d *Device) nextRingCommand() (*command.Command, int, uint16, bool) {
	for int(d.cmdTail+d.mb.cmdrOffset()) != int(d.mb.cmdHead()+d.mb.cmdrOffset()) {
		off := int(d.cmdTail + d.mb.cmdrOffset())
		switch d.mb.entryOp(off) {
		case opPad:
			d.cmdTail = (d.cmdTail + uint32(d.mb.entryLen(off))) % d.mb.cmdrSize()
			continue
		case opCmd:
			id := d.mb.entryCmdID(off)
			cdb := d.mb.entryCDB(off)
			vecs := int(d.mb.entryReqIovCnt(off))
			sg := command.SGList{Space: command.AddressVirtual, Entries: make([]command.SGEntry, vecs)}
			total := 0
			for i := 0; i < vecs; i++ {
				buf := d.mb.entryIovec(off, i)
				sg.Entries[i] = command.SGEntry{Len: len(buf), Space: command.AddressVirtual, Buf: buf}
				total += len(buf)
			}
			cmd := &command.Command{CDB: cdb, SG: sg, DataLen: total}
			if scsi.IsReadWrite(cmd.Opcode()) {
				cmd.LBA = scsi.LBA(cdb)
			}
			d.cmdTail = (d.cmdTail + uint32(d.mb.entryLen(off))) % d.mb.cmdrSize()
			return cmd, off, id, true
		default:
			panic(fmt.Sprintf("tcmuloop: unsupported ring opcode %d", d.mb.entryOp(off)))
		}
	}
	return nil, 0, 0, false
}

// service runs cmd through Handler and writes the result back into the
// tail entry of the ring, then advances the mailbox's published tail so
// the kernel can reclaim the slot. The completion notification to the
// kernel (the uio write) happens once per beginPoll iteration, after every
// ready entry has been serviced, matching the teacher's batching.
func (d *Device) service(cmd *command.Command, off int, id uint16) {
	var status byte = scsi.SamStatGood
	var sense []byte
	var xferred int64
	if d.Handler != nil {
		status, sense, xferred = d.Handler(cmd)
	} else {
		status = scsi.SamStatCheckCondition
		sense = unsupportedOpSense()
	}
	_ = xferred // the ring protocol reports success/failure, not byte counts

	tailOff := d.tailEntryOff()
	for d.mb.entryOp(tailOff) != opCmd {
		d.mb.setCmdTail((d.mb.cmdTail() + uint32(d.mb.entryLen(tailOff))) % d.mb.cmdrSize())
		tailOff = d.tailEntryOff()
	}
	if d.mb.entryCmdID(tailOff) != id {
		d.mb.setEntryCmdID(tailOff, id)
	}
	d.mb.setEntryRespStatus(tailOff, status)
	if status != scsi.SamStatGood {
		d.mb.setEntryRespSense(tailOff, sense)
	}
	d.mb.setCmdTail((d.mb.cmdTail() + uint32(d.mb.entryLen(tailOff))) % d.mb.cmdrSize())
}

func (d *Device) tailEntryOff() int {
	return int(d.mb.cmdTail() + d.mb.cmdrOffset())
}

func unsupportedOpSense() []byte {
	s := make([]byte, 18)
	s[0] = 0x70
	s[2] = scsi.SenseIllegalRequest
	return s
}
