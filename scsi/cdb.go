package scsi

import (
	"encoding/binary"
	"fmt"
)

// CdbLen returns the length, in bytes, of a CDB given its opcode byte.
// See spc-4 4.2.5.1 operation code. Adapted from the per-command
// CdbLen/LBA/XferLen logic go-tcmu used to interpret inbound CDBs; here
// it is used both to interpret and, for the splitter, to rewrite them.
func CdbLen(opcode byte) int {
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode == 0x7f:
		return 8 // variable length; caller must add cdb[7] once the header is known
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	default:
		panic(fmt.Sprintf("what opcode is %x", opcode))
	}
}

// LBA extracts the logical block address from a CDB of the given length.
func LBA(cdb []byte) uint64 {
	order := binary.BigEndian
	switch CdbLen(cdb[0]) {
	case 6:
		val6 := uint8(order.Uint16(cdb[2:4]))
		if val6 == 0 {
			return 256
		}
		return uint64(val6)
	case 10, 12:
		return uint64(order.Uint32(cdb[2:6]))
	case 16:
		return uint64(order.Uint64(cdb[2:10]))
	default:
		panic("unusual scsi command length")
	}
}

// XferLen extracts the requested transfer length, in blocks, from a CDB.
func XferLen(cdb []byte) uint32 {
	order := binary.BigEndian
	switch CdbLen(cdb[0]) {
	case 6:
		return uint32(cdb[4])
	case 10:
		return uint32(order.Uint16(cdb[7:9]))
	case 12:
		return uint32(order.Uint32(cdb[6:10]))
	case 16:
		return uint32(order.Uint32(cdb[10:14]))
	default:
		panic("unusual scsi command length")
	}
}

// SetLBA rewrites the logical block address field of a CDB in place.
// Only 6/10/16-byte READ/WRITE CDBs are rewritten by the splitter (see
// spec.md §4.G); SetLBA panics on an unsupported length rather than
// silently truncating an address it can't represent.
func SetLBA(cdb []byte, lba uint64) {
	order := binary.BigEndian
	switch CdbLen(cdb[0]) {
	case 6:
		if lba > 0xff {
			panic("lba too large for 6-byte cdb")
		}
		order.PutUint16(cdb[2:4], uint16(lba))
		cdb[2] = 0 // top bits of the 21-bit field are unused by the mid-layer's split children
	case 10, 12:
		if lba > 0xffffffff {
			panic("lba too large for 10/12-byte cdb")
		}
		order.PutUint32(cdb[2:6], uint32(lba))
	case 16:
		order.PutUint64(cdb[2:10], lba)
	default:
		panic("SetLBA: unsupported cdb length")
	}
}

// SetXferLen rewrites the block-count field of a CDB in place.
func SetXferLen(cdb []byte, blocks uint32) {
	order := binary.BigEndian
	switch CdbLen(cdb[0]) {
	case 6:
		if blocks > 0xff {
			panic("xfer len too large for 6-byte cdb")
		}
		cdb[4] = byte(blocks)
	case 10:
		if blocks > 0xffff {
			panic("xfer len too large for 10-byte cdb")
		}
		order.PutUint16(cdb[7:9], uint16(blocks))
	case 12:
		order.PutUint32(cdb[6:10], blocks)
	case 16:
		order.PutUint32(cdb[10:14], blocks)
	default:
		panic("SetXferLen: unsupported cdb length")
	}
}

// IsReadWrite reports whether opcode is one of the splitter-rewritable
// READ/WRITE opcodes named in spec.md §4.G.
func IsReadWrite(opcode byte) bool {
	switch opcode {
	case Read6, Write6, Read10, Write10, Read16, Write16:
		return true
	default:
		return false
	}
}

// IsWrite reports whether opcode carries data from the initiator to the
// device (used by the read-only handle check and the partition-table
// guard).
func IsWrite(opcode byte) bool {
	switch opcode {
	case Write6, Write10, Write12, Write16, WriteVerify, WriteVerify12, WriteVerify16,
		WriteSame, WriteSame16, WriteSame32, WriteLong, WriteLong2, WriteBuffer,
		ModeSelect, ModeSelect10, Unmap, Copy, CopyVerify:
		return true
	default:
		return false
	}
}
