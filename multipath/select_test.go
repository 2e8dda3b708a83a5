package multipath

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/topology"
)

func newTarget(policy topology.Policy) *topology.Target {
	t := topology.NewTarget(topology.DiskId{Type: topology.DiskIdTypeT10, Id: []byte("d")}, topology.ClassDisk, 512, 100, 32)
	t.PolicySel = policy
	return t
}

func TestSelectFixedPrefersPreferred(t *testing.T) {
	tgt := newTarget(topology.PolicyFixed)
	p1 := topology.NewPath("hba0", 1, 0)
	p2 := topology.NewPath("hba0", 2, 0)
	tgt.AddPath(p1)
	tgt.AddPath(p2)
	tgt.SetPreferredPath(p2)

	got, err := Select(tgt)
	require.NoError(t, err)
	require.Same(t, p2, got)
}

func TestSelectFixedFallsBackWhenPreferredDead(t *testing.T) {
	tgt := newTarget(topology.PolicyFixed)
	p1 := topology.NewPath("hba0", 1, 0)
	p2 := topology.NewPath("hba0", 2, 0)
	tgt.AddPath(p1)
	tgt.AddPath(p2)
	tgt.SetPreferredPath(p2)
	p2.SetState(topology.StateDead)

	got, err := Select(tgt)
	require.NoError(t, err)
	require.Same(t, p1, got)
}

func TestSelectRoundRobinRotates(t *testing.T) {
	tgt := newTarget(topology.PolicyRoundRobin)
	p1 := topology.NewPath("hba0", 1, 0)
	p2 := topology.NewPath("hba0", 2, 0)
	tgt.AddPath(p1)
	tgt.AddPath(p2)

	first, err := Select(tgt)
	require.NoError(t, err)
	second, err := Select(tgt)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestSelectMRUStaysUntilDead(t *testing.T) {
	tgt := newTarget(topology.PolicyMRU)
	p1 := topology.NewPath("hba0", 1, 0)
	p2 := topology.NewPath("hba0", 2, 0)
	tgt.AddPath(p1)
	tgt.AddPath(p2)

	first, err := Select(tgt)
	require.NoError(t, err)
	second, err := Select(tgt)
	require.NoError(t, err)
	require.Same(t, first, second)

	first.SetState(topology.StateDead)
	third, err := Select(tgt)
	require.NoError(t, err)
	require.NotSame(t, first, third)
}

func TestNoAlivePathErrors(t *testing.T) {
	tgt := newTarget(topology.PolicyFixed)
	p1 := topology.NewPath("hba0", 1, 0)
	tgt.AddPath(p1)
	p1.SetState(topology.StateOff)

	_, err := Select(tgt)
	require.ErrorIs(t, err, ErrNoAlivePath)
}

func TestStateTransitions(t *testing.T) {
	p := topology.NewPath("hba0", 1, 0)
	require.Equal(t, topology.StateOn, p.State())

	OnIOFailure(p, true, false, false)
	require.Equal(t, topology.StateDead, p.State())

	OnIOSuccess(p)
	require.Equal(t, topology.StateOn, p.State())

	OnIOFailure(p, false, true, true)
	require.Equal(t, topology.StateStandby, p.State())

	OnIOFailure(p, false, false, false)
	require.Equal(t, topology.StateDead, p.State())
}
