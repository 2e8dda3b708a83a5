// Package rescan implements spec.md §4.J: re-reading a target's
// partition table and gating destroy_adapter while that's in progress.
// Partition-table parsing itself is explicitly out of scope (spec.md
// §1), so the actual byte-level MBR/GPT decode is a pluggable
// PartitionTableReader the caller supplies.
package rescan

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// ErrRescanInProgress is returned by Rescan when a rescan of this
// target is already running.
var ErrRescanInProgress = errors.New("rescan: already in progress")

// PartitionTableReader reads a target's current on-disk partition
// table through an open handle. Implementations do the actual
// MBR/GPT/whatever parsing; this package only owns when and how often
// that happens, and how the result gets installed.
type PartitionTableReader interface {
	ReadPartitionTable(h *handle.Handle, t *topology.Target) (*topology.PartitionTable, error)
}

// Scanner drives rescans of the targets it is given, gating
// destroy_adapter while one is in flight (spec.md §4.C "refuses while a
// path-evaluation is in progress"). midlayer.Core uses one Scanner for
// all of its adapters.
type Scanner struct {
	Reader PartitionTableReader

	// inProgress is observed, not locked against: spec.md §4.J notes it
	// only needs to gate destroy_adapter's own check, not serialize
	// concurrent rescans against each other (a second Rescan call while
	// one is running simply returns ErrRescanInProgress).
	inProgress int32
}

// InProgress reports whether a rescan is currently running on this
// Scanner. destroy_adapter (package topology, via the caller that owns
// both) consults this before tearing an adapter down.
func (s *Scanner) InProgress() bool {
	return atomic.LoadInt32(&s.inProgress) != 0
}

// Rescan re-reads t's partition table through h and swaps it in. It
// refuses to run concurrently with itself on the same Scanner.
func (s *Scanner) Rescan(h *handle.Handle, t *topology.Target) error {
	if !atomic.CompareAndSwapInt32(&s.inProgress, 0, 1) {
		return ErrRescanInProgress
	}
	defer atomic.StoreInt32(&s.inProgress, 0)

	pt, err := s.Reader.ReadPartitionTable(h, t)
	if err != nil {
		return err
	}
	t.SwapPartitionTable(pt)
	return nil
}
