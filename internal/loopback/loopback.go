// Package loopback implements driver.Driver against a plain in-memory
// byte slice, adapted from the teacher's ReadWriterAtCmdHandler and its
// EmulateRead/EmulateWrite handlers: no wire protocol, no kernel, just
// block-addressed reads and writes into a backing buffer. It exists so
// the mid-layer's own tests (and `cmd/midlayerctl demo`) have something
// to issue commands against without real hardware or a TCMU-capable
// kernel; it is not part of the mid-layer's specified contract.
package loopback

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Disk is a fixed-size backing store addressed in BlockSize units.
// Command completes asynchronously, on its own goroutine, the way a
// real shim's interrupt or ring-buffer poll loop would, so callers that
// assume synchronous completion are caught by the race detector rather
// than accidentally working.
type Disk struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int64

	sgSize     int
	maxXfer    int64
	paeCapable bool

	sink driver.CompletionSink

	Vendor, Product, Rev string
}

// New allocates a Disk of numBlocks*blockSize bytes. sgSize/maxXfer/
// paeCapable are reported back through Limits, letting tests exercise
// the splitter against a small, easily-controlled adapter profile.
func New(numBlocks, blockSize int64, sgSize int, maxXfer int64, paeCapable bool) *Disk {
	return &Disk{
		data:       make([]byte, numBlocks*blockSize),
		blockSize:  blockSize,
		sgSize:     sgSize,
		maxXfer:    maxXfer,
		paeCapable: paeCapable,
		Vendor:     "go-scsi",
		Product:    "loopback disk",
		Rev:        "0001",
	}
}

func (d *Disk) SetCompletionSink(sink driver.CompletionSink) { d.sink = sink }

// Command implements driver.Driver. Only TEST UNIT READY and READ/WRITE
// opcodes are emulated (spec.md's splitter and PAE-copy machinery is what this
// package exists to exercise); anything else completes with
// ILLEGAL_REQUEST, mirroring the teacher's handler falling through to
// cmd.NotHandled() for an opcode it doesn't recognize.
func (d *Disk) Command(world uint32, cmd *command.Command, rid driver.ResultID) (driver.Status, error) {
	go d.execute(cmd, rid)
	return driver.StatusOK, nil
}

func (d *Disk) execute(cmd *command.Command, rid driver.ResultID) {
	opcode := cmd.Opcode()
	switch {
	case opcode == scsi.TestUnitReady:
		d.complete(rid, scsi.SamStatGood, nil, 0)
	case scsi.IsWrite(opcode):
		d.readWrite(cmd, rid, true)
	case scsi.IsReadWrite(opcode):
		d.readWrite(cmd, rid, false)
	default:
		d.complete(rid, scsi.SamStatCheckCondition, illegalRequestSense(), 0)
	}
}

func (d *Disk) readWrite(cmd *command.Command, rid driver.ResultID, write bool) {
	offset := int64(cmd.LBA) * d.blockSize
	length := int64(cmd.DataLen)
	if offset < 0 || length < 0 || offset+length > int64(len(d.data)) {
		logrus.WithFields(logrus.Fields{"offset": offset, "length": length}).
			Warn("loopback: request out of range")
		d.complete(rid, scsi.SamStatCheckCondition, mediumErrorSense(), 0)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var xferred int64
	pos := offset
	for _, e := range cmd.SG.Entries {
		if e.Buf == nil {
			logrus.Warn("loopback: SG entry carries no addressable buffer (unbounced machine address?)")
			d.complete(rid, scsi.SamStatCheckCondition, mediumErrorSense(), xferred)
			return
		}
		n := e.Len
		if write {
			copy(d.data[pos:pos+int64(n)], e.Buf[:n])
		} else {
			copy(e.Buf[:n], d.data[pos:pos+int64(n)])
		}
		pos += int64(n)
		xferred += int64(n)
	}

	d.complete(rid, scsi.SamStatGood, nil, xferred)
}

func (d *Disk) complete(rid driver.ResultID, deviceStatus byte, sense []byte, bytesXferred int64) {
	d.sink.Complete(rid, driver.StatusOK, deviceStatus, sense, bytesXferred)
}

func illegalRequestSense() []byte {
	s := make([]byte, 18)
	s[0] = 0x70
	s[2] = scsi.SenseIllegalRequest
	return s
}

func mediumErrorSense() []byte {
	s := make([]byte, 18)
	s[0] = 0x70
	s[2] = scsi.SenseMediumError
	return s
}

func (d *Disk) GetInfo(id, lun int, inquiry []byte) (driver.Info, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return driver.Info{
		VendorID:   d.Vendor,
		ProductID:  d.Product,
		ProductRev: d.Rev,
		BlockSize:  d.blockSize,
		NumBlocks:  int64(len(d.data)) / d.blockSize,
	}, true, nil
}

func (d *Disk) Close() error { return nil }

func (d *Disk) ProcInfo() (string, error) { return "loopback disk, no ring buffer", nil }

func (d *Disk) DumpQueue() (string, error) { return "", nil }

func (d *Disk) GetGeometry(id, lun int) (driver.Geometry, error) {
	numBlocks := int64(len(d.data)) / d.blockSize
	return driver.Geometry{Cylinders: uint32(numBlocks / (255 * 63)), Heads: 255, Sectors: 63}, nil
}

func (d *Disk) Ioctl(op uintptr, arg uintptr) error  { return nil }
func (d *Disk) SIoctl(op uintptr, arg uintptr) error { return nil }

// Rescan is a no-op: a loopback disk's geometry never changes after
// construction.
func (d *Disk) Rescan() error { return nil }

func (d *Disk) Limits() (sgSize int, maxXfer int64, paeCapable bool) {
	return d.sgSize, d.maxXfer, d.paeCapable
}
