package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/topology"
)

func newSchedTarget(qd int) *topology.Target {
	return topology.NewTarget(topology.DiskId{Type: topology.DiskIdTypeT10, Id: []byte("d")}, topology.ClassDisk, 512, 100, qd)
}

func TestEntryFairShareStride(t *testing.T) {
	lowShares := NewEntry(newSchedTarget(8), 1, SharesLow, 8)
	highShares := NewEntry(newSchedTarget(8), 2, SharesHigh, 8)
	require.Greater(t, lowShares.Stride, highShares.Stride, "fewer shares must mean a larger stride")
}

func TestTryAdmitNowRespectsQueueDepth(t *testing.T) {
	s := New()
	tgt := newSchedTarget(1)
	e := s.EntryFor(tgt, 1, SharesNormal, 8)

	require.True(t, s.TryAdmitNow(e))
	require.False(t, s.TryAdmitNow(e), "second admit should fail: target queue depth is 1")

	s.OnComplete(e)
	require.True(t, s.TryAdmitNow(e))
}

func TestExecuteQueuedDispatchesSmallestLVTFirst(t *testing.T) {
	s := New()
	tgt := newSchedTarget(1) // one slot: only the chosen entry is admitted
	a := s.EntryFor(tgt, 1, SharesLow, 8)  // larger stride, same starting LVT
	b := s.EntryFor(tgt, 2, SharesHigh, 8) // smaller stride

	qa := s.Enqueue(a, false, 1, 1)
	qb := s.Enqueue(b, false, 2, 1)

	s.ExecuteQueued(tgt, false)

	select {
	case <-qa.Admitted:
	default:
		t.Fatalf("entry with smaller world id and tied LVT should dispatch first")
	}
	select {
	case <-qb.Admitted:
		t.Fatalf("target queue depth is 1: the second entry must wait for a completion")
	default:
	}

	s.OnComplete(a)
	select {
	case <-qb.Admitted:
	default:
		t.Fatalf("second queued entry should dispatch once the first completes")
	}
}

func TestDelayCmdsBlocksExecuteQueuedUnlessOverride(t *testing.T) {
	s := New()
	tgt := newSchedTarget(8)
	e := s.EntryFor(tgt, 1, SharesNormal, 8)
	tgt.IncDelayCmds()

	q := s.Enqueue(e, false, 1, 1)
	s.ExecuteQueued(tgt, false)
	select {
	case <-q.Admitted:
		t.Fatalf("execute-queued must honor delay_cmds without an override")
	default:
	}

	s.ExecuteQueued(tgt, true)
	select {
	case <-q.Admitted:
	default:
		t.Fatalf("override must bypass delay_cmds")
	}
}

func TestRemoveQueuedAbortsMatchingEntryOnly(t *testing.T) {
	s := New()
	tgt := newSchedTarget(1)
	e := s.EntryFor(tgt, 1, SharesNormal, 8)
	require.True(t, s.TryAdmitNow(e), "consume the only queue slot so later enqueues stay queued")

	target := s.Enqueue(e, false, 42, 7)
	other := s.Enqueue(e, false, 42, 8)

	removed := s.RemoveQueued(e, 42, 7)
	require.Equal(t, 1, removed)

	select {
	case <-target.Aborted:
	default:
		t.Fatalf("matching request should have been aborted")
	}
	select {
	case <-target.Admitted:
		t.Fatalf("aborted request must not also be admitted")
	default:
	}
	require.Equal(t, 1, e.QueuedLen(), "non-matching request must remain queued")

	s.OnComplete(e)
	s.ExecuteQueued(tgt, false)
	select {
	case <-other.Admitted:
	default:
		t.Fatalf("request with a different serial number should still admit normally")
	}
}
