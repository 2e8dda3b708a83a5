package rescan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/topology"
)

type fakeReader struct {
	mu       sync.Mutex
	started  chan struct{}
	release  chan struct{}
	pt       *topology.PartitionTable
	err      error
	blocking bool
}

func (f *fakeReader) ReadPartitionTable(h *handle.Handle, t *topology.Target) (*topology.PartitionTable, error) {
	if f.blocking {
		close(f.started)
		<-f.release
	}
	return f.pt, f.err
}

func TestRescanSwapsPartitionTable(t *testing.T) {
	tgt := topology.NewTarget(topology.DiskId{}, topology.ClassDisk, 512, 1000, 32)
	newPT := &topology.PartitionTable{}
	s := &Scanner{Reader: &fakeReader{pt: newPT}}

	require.NoError(t, s.Rescan(nil, tgt))
	require.Same(t, newPT, tgt.PartitionTable())
	require.False(t, s.InProgress())
}

func TestRescanRefusesConcurrentRun(t *testing.T) {
	tgt := topology.NewTarget(topology.DiskId{}, topology.ClassDisk, 512, 1000, 32)
	reader := &fakeReader{blocking: true, started: make(chan struct{}), release: make(chan struct{}), pt: &topology.PartitionTable{}}
	s := &Scanner{Reader: reader}

	done := make(chan error, 1)
	go func() { done <- s.Rescan(nil, tgt) }()
	<-reader.started

	require.True(t, s.InProgress())
	require.ErrorIs(t, s.Rescan(nil, tgt), ErrRescanInProgress)

	close(reader.release)
	require.NoError(t, <-done)
	require.False(t, s.InProgress())
}
