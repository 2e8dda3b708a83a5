// Package driver defines the downward contract between the mid-layer and
// an HBA driver shim. Everything on the other side of this interface —
// the actual kernel driver, the wire protocol it speaks to a physical or
// virtual HBA — is out of scope for the mid-layer (spec.md §1); only the
// shape of the contract is specified here.
package driver

import (
	"github.com/coreos/go-scsi-midlayer/command"
)

// Status is the coarse result of handing a command to a driver shim.
type Status int

const (
	// StatusOK means the driver shim accepted the command for processing;
	// completion will arrive later via the shim's own callback path.
	StatusOK Status = iota
	// StatusWouldBlock means the shim's internal queue is full; the
	// mid-layer must retry later (or, for BYPASSES_QUEUE commands,
	// synthesize a BUSY completion).
	StatusWouldBlock
	// StatusFailure means the shim rejected the command outright (e.g.
	// the path is gone).
	StatusFailure
)

// Info is the static identity/geometry a shim reports for one (id, lun).
type Info struct {
	VendorID   string
	ProductID  string
	ProductRev string
	BlockSize  int64
	NumBlocks  int64
	RemovableMedia bool
}

// Geometry is the legacy CHS geometry some upper layers still ask for.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
}

// ResultID is the opaque token a shim must hand back unchanged to
// CompletionSink.Complete when a command finishes. It is opaque to the
// driver: the mid-layer encodes whatever it needs (path, token, handle
// ID, partition, serial) into it.
type ResultID uint64

// Driver is the contract an HBA driver shim presents to the mid-layer.
// It corresponds to spec.md §6's "command / getInfo / close / procInfo /
// dumpQueue / getGeometry / ioctl / sioctl / rescan" downward contract.
type Driver interface {
	// Command submits cmd for asynchronous execution, tagged with rid.
	// The driver must eventually call the CompletionSink registered via
	// SetCompletionSink with a matching rid, unless Command itself
	// returns something other than StatusOK.
	Command(world uint32, cmd *command.Command, rid ResultID) (Status, error)

	// GetInfo reports the static identity of the (id, lun) pair. ok is
	// false if no such target exists on this adapter.
	GetInfo(id, lun int, inquiry []byte) (info Info, ok bool, err error)

	// Close tears down the driver shim; no further calls are made after
	// Close returns.
	Close() error

	// ProcInfo and DumpQueue are free-form diagnostic text, analogous to
	// a /proc entry; neither is part of any specified behavior.
	ProcInfo() (string, error)
	DumpQueue() (string, error)

	GetGeometry(id, lun int) (Geometry, error)

	Ioctl(op uintptr, arg uintptr) error
	SIoctl(op uintptr, arg uintptr) error

	// Rescan asks the shim to re-enumerate its targets; any topology
	// changes are reported back through subsequent GetInfo calls and the
	// rescan package's own discovery loop.
	Rescan() error

	// Limits reports the adapter-wide constraints the splitter uses:
	// SGSize is the max scatter-gather entry count per command (0 means
	// "block-only": never split, issue whole"), MaxXfer is the max bytes
	// per command, and PAECapable reports whether the adapter can DMA to
	// high memory.
	Limits() (sgSize int, maxXfer int64, paeCapable bool)
}

// CompletionSink is how a driver shim reports a finished command back to
// the mid-layer. A shim is handed one at attach time (SetCompletionSink)
// and may call Complete from any goroutine, including one that must not
// block (a kernel bottom-half equivalent) — implementations of
// CompletionSink.Complete must not perform blocking work.
type CompletionSink interface {
	Complete(rid ResultID, status Status, deviceStatus byte, sense []byte, bytesXferred int64)
}

// Attachable is implemented by driver shims that need the sink wired in
// after construction (most do, since the sink usually needs the shim's
// own identity to exist first).
type Attachable interface {
	SetCompletionSink(sink CompletionSink)
}
