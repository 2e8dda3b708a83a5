package tcmuloop

import (
	"encoding/binary"
	"syscall"
	"unsafe"

	"github.com/coreos/go-scsi-midlayer/scsi"
)

var byteOrder binary.ByteOrder = binary.LittleEndian

// mailbox is the shared-memory view of a TCMU ring buffer: the fixed
// mailbox header followed by the command ring it describes. Every accessor
// below reaches straight into region via unsafe.Pointer, mirroring the
// kernel's tcmu_mailbox/tcmu_cmd_entry layout byte for byte — there is no
// portable way to express this as a Go struct because the ring's entry
// size and iovec width are architecture-dependent (see offsets_*.go).
type mailbox struct {
	region []byte
}

func (m *mailbox) version() uint16 {
	return *(*uint16)(unsafe.Pointer(&m.region[0]))
}

func (m *mailbox) flags() uint16 {
	return *(*uint16)(unsafe.Pointer(&m.region[2]))
}

func (m *mailbox) cmdrOffset() uint32 {
	return *(*uint32)(unsafe.Pointer(&m.region[4]))
}

func (m *mailbox) cmdrSize() uint32 {
	return *(*uint32)(unsafe.Pointer(&m.region[8]))
}

func (m *mailbox) cmdHead() uint32 {
	return *(*uint32)(unsafe.Pointer(&m.region[12]))
}

func (m *mailbox) cmdTail() uint32 {
	return *(*uint32)(unsafe.Pointer(&m.region[64]))
}

func (m *mailbox) setCmdTail(u uint32) {
	byteOrder.PutUint32(m.region[64:], u)
}

// ringOpcode mirrors enum tcmu_opcode: TCMU_OP_PAD (0) marks filler space
// the producer inserted to avoid wrapping an entry across the ring's end;
// TCMU_OP_CMD (1) is a real command entry.
type ringOpcode int

const (
	opPad ringOpcode = 0
	opCmd ringOpcode = 1
)

const senseBufferSize = 96

// Entry header: a 4-byte len_op (opcode packed into the low 3 bits, length
// in the rest, 8-byte aligned), a 2-byte cmd_id, and a kflags/uflags byte
// pair the kernel and userspace use to flag entries neither side handled.
func (m *mailbox) entryOp(off int) ringOpcode {
	i := *(*uint32)(unsafe.Pointer(&m.region[off+offLenOp]))
	return ringOpcode(i & 0x7)
}

func (m *mailbox) entryLen(off int) int {
	i := *(*uint32)(unsafe.Pointer(&m.region[off+offLenOp]))
	return int(i &^ 0x7)
}

func (m *mailbox) entryCmdID(off int) uint16 {
	return *(*uint16)(unsafe.Pointer(&m.region[off+offCmdId]))
}

func (m *mailbox) setEntryCmdID(off int, id uint16) {
	*(*uint16)(unsafe.Pointer(&m.region[off+offCmdId])) = id
}

func (m *mailbox) setEntryUnknownOp(off int) {
	m.region[off+offUFlags] = 0x1
}

func (m *mailbox) entryReqIovCnt(off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&m.region[off+offReqIovCnt]))
}

func (m *mailbox) entryReqCdbOff(off int) uint64 {
	return *(*uint64)(unsafe.Pointer(&m.region[off+offReqCdbOff]))
}

func (m *mailbox) setEntryRespStatus(off int, status byte) {
	m.region[off+offRespSCSIStatus] = status
}

func (m *mailbox) setEntryRespSense(off int, data []byte) {
	buf := m.region[off+offRespSense : off+offRespSense+senseBufferSize]
	n := copy(buf, data)
	for i := n; i < senseBufferSize; i++ {
		buf[i] = 0
	}
}

// entryIovec returns the idx'th iovec of the entry at off as a slice
// aliasing the mmap region directly: the driver reads and writes this SG
// payload in place rather than copying it through an intermediate buffer.
func (m *mailbox) entryIovec(off int, idx int) []byte {
	var iov syscall.Iovec
	base := unsafe.Pointer(&m.region[off+offReqIov0Base])
	iov = *(*syscall.Iovec)(unsafe.Pointer(uintptr(base) + uintptr(idx)*unsafe.Sizeof(iov)))
	moff := *(*int)(unsafe.Pointer(&iov.Base))
	return m.region[moff : moff+int(iov.Len)]
}

// entryCDB returns the entry's CDB bytes, reusing scsi.CdbLen for the
// fixed-length opcode classes; the 0x7f variable-length marker needs one
// extra byte of the mmap region (cdb[7]) that scsi.CdbLen can't see since
// it only takes the opcode.
func (m *mailbox) entryCDB(off int) []byte {
	start := int(m.entryReqCdbOff(off))
	n := scsi.CdbLen(m.region[start])
	if m.region[start] == 0x7f {
		n += int(m.region[start+7])
	}
	return m.region[start : start+n]
}
