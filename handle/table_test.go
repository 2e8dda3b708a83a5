package handle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/topology"
)

func newTestTarget() (*topology.Adapter, *topology.Target) {
	a := topology.NewAdapter("vmhba0", "loopback", 0, 32, 1<<20, false)
	t := topology.NewTarget(topology.DiskId{Type: topology.DiskIdTypeT10, Id: []byte("disk0")}, topology.ClassDisk, 512, 2048, 32)
	pt := &topology.PartitionTable{}
	pt.Partitions[0] = &topology.Partition{Index: 0, Start: 0, Count: 2048}
	t.SwapPartitionTable(pt)
	return a, t
}

func noopRead() error { return nil }

func TestOpenReadWriteThenClose(t *testing.T) {
	tb := NewTable(false)
	a, tgt := newTestTarget()

	h, err := tb.Open(OpenRequest{
		Adapter: a, Target: tgt, PartitionIndex: 0, Opener: OpenerHost,
	}, nil, noopRead)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, int32(1), tgt.UseCount())
	require.Equal(t, int32(1), a.OpenCount)

	tb.Close(h, nil)
	require.Equal(t, int32(0), tgt.UseCount())
	require.Equal(t, int32(0), a.OpenCount)
}

func TestOpenConflictRefusesSecondWriter(t *testing.T) {
	tb := NewTable(false)
	a, tgt := newTestTarget()

	h1, err := tb.Open(OpenRequest{Adapter: a, Target: tgt, PartitionIndex: 0, Opener: OpenerVMOrKernel, WantPartitionType: 0}, nil, noopRead)
	require.NoError(t, err)
	require.NotNil(t, h1)

	_, err = tb.Open(OpenRequest{Adapter: a, Target: tgt, PartitionIndex: 0, Opener: OpenerVMOrKernel, WantPartitionType: 0}, nil, noopRead)
	require.ErrorIs(t, err, ErrBusy)
}

func TestOpenMultipleWritersAllowed(t *testing.T) {
	tb := NewTable(false)
	a, tgt := newTestTarget()

	h1, err := tb.Open(OpenRequest{Adapter: a, Target: tgt, PartitionIndex: 0, Opener: OpenerVMOrKernel, MultipleWriters: true}, nil, noopRead)
	require.NoError(t, err)
	require.NotNil(t, h1)

	h2, err := tb.Open(OpenRequest{Adapter: a, Target: tgt, PartitionIndex: 0, Opener: OpenerVMOrKernel, MultipleWriters: true}, nil, noopRead)
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestLookupRejectsStaleGeneration(t *testing.T) {
	tb := NewTable(false)
	a, tgt := newTestTarget()

	h, err := tb.Open(OpenRequest{Adapter: a, Target: tgt, PartitionIndex: 0, Opener: OpenerHost, ReadOnly: true}, nil, noopRead)
	require.NoError(t, err)

	require.NotNil(t, tb.Lookup(h.ID))
	tb.Close(h, nil)
	require.Nil(t, tb.Lookup(h.ID))
}

func TestBadPartitionIndex(t *testing.T) {
	tb := NewTable(false)
	a, tgt := newTestTarget()

	_, err := tb.Open(OpenRequest{Adapter: a, Target: tgt, PartitionIndex: 5, Opener: OpenerHost}, nil, noopRead)
	require.ErrorIs(t, err, ErrBadPartition)
}
