package issue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/complete"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/internal/bounce"
	"github.com/coreos/go-scsi-midlayer/internal/resultreg"
	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// fakeDriver completes every command immediately, synchronously, from
// within Command itself: good enough to drive the issue/complete
// pipelines end to end without a real driver shim.
type fakeDriver struct {
	sink driver.CompletionSink

	sgSize     int
	maxXfer    int64
	paeCapable bool

	// onCommand, if set, is consulted before the synthetic completion is
	// delivered, so tests can inspect the SG list the pipeline actually
	// dispatched (e.g. that a bounce page replaced a high-memory entry).
	onCommand func(cmd *command.Command)
}

func (d *fakeDriver) SetCompletionSink(sink driver.CompletionSink) { d.sink = sink }

func (d *fakeDriver) Command(world uint32, cmd *command.Command, rid driver.ResultID) (driver.Status, error) {
	if d.onCommand != nil {
		d.onCommand(cmd)
	}
	d.sink.Complete(rid, driver.StatusOK, scsi.SamStatGood, nil, int64(cmd.DataLen))
	return driver.StatusOK, nil
}

func (d *fakeDriver) GetInfo(id, lun int, inquiry []byte) (driver.Info, bool, error) {
	return driver.Info{}, true, nil
}
func (d *fakeDriver) Close() error                       { return nil }
func (d *fakeDriver) ProcInfo() (string, error)          { return "", nil }
func (d *fakeDriver) DumpQueue() (string, error)         { return "", nil }
func (d *fakeDriver) GetGeometry(id, lun int) (driver.Geometry, error) { return driver.Geometry{}, nil }
func (d *fakeDriver) Ioctl(op, arg uintptr) error         { return nil }
func (d *fakeDriver) SIoctl(op, arg uintptr) error        { return nil }
func (d *fakeDriver) Rescan() error                       { return nil }
func (d *fakeDriver) Limits() (int, int64, bool) { return d.sgSize, d.maxXfer, d.paeCapable }

// testRig bundles one adapter/target/handle set up against a fakeDriver,
// with both pipelines wired the way a real facade would.
type testRig struct {
	h        *handle.Handle
	issue    *Pipeline
	drv      *fakeDriver
	bouncePool *bounce.Pool
}

func newTestRig(t *testing.T, sgSize int, maxXfer int64, paeCapable bool) *testRig {
	t.Helper()

	drv := &fakeDriver{sgSize: sgSize, maxXfer: maxXfer, paeCapable: paeCapable}
	adapter := topology.NewAdapter("ad0", "fake", 0, sgSize, maxXfer, paeCapable)
	adapter.Driver = drv

	target := topology.NewTarget(topology.DiskId{Type: topology.DiskIdTypeT10, Lun: 0, Id: []byte("x")}, topology.ClassDisk, 512, 2048, 32)
	path := topology.NewPath(adapter.Name, 0, 0)
	target.AddPath(path)
	target.SetActivePath(path)
	adapter.Targets = append(adapter.Targets, target)

	pt := &topology.PartitionTable{}
	pt.Partitions[0] = &topology.Partition{Index: 0, Count: uint64(target.NumBlocks)}
	target.SwapPartitionTable(pt)

	tb := handle.NewTable(false)
	h, err := tb.Open(handle.OpenRequest{
		Adapter: adapter, Target: target, PartitionIndex: 0,
		WorldID: topology.WorldID(1), Opener: handle.OpenerHost,
	}, nil, func() error { return nil })
	require.NoError(t, err)

	reg := resultreg.New()
	sched := scheduler.New()
	cp := &complete.Pipeline{Registry: reg, Scheduler: sched, Handles: tb}
	drv.sink = cp

	pool := bounce.NewPool(4)
	pl := &Pipeline{
		Sched:    sched,
		Registry: reg,
		Bounce:   pool,
		CopyIn: func(dst []byte, src command.SGEntry) {
			copy(dst, src.Buf)
		},
		CopyOut: func(dst command.SGEntry, src []byte) {
			copy(dst.Buf, src)
		},
	}

	return &testRig{h: h, issue: pl, drv: drv, bouncePool: pool}
}

func TestExecuteDirectDispatchCompletes(t *testing.T) {
	rig := newTestRig(t, 32, 1<<20, true)

	cdb := make([]byte, 10)
	cdb[0] = scsi.Read10
	scsi.SetXferLen(cdb, 1)
	cmd := &command.Command{
		CDB:     cdb,
		DataLen: 512,
		SG:      command.SGList{Entries: []command.SGEntry{{Len: 512, Space: command.AddressVirtual}}},
	}

	tok, err := rig.issue.Execute(rig.h, cmd, Options{World: rig.h.WorldID, Shares: scheduler.SharesNormal, PerWorldCap: 32})
	require.NoError(t, err)
	tok.WaitForIO()
	res := tok.Result()
	require.Equal(t, scsi.HostOK, res.HostStatus)
	require.Equal(t, scsi.SamStatGood, res.DeviceStatus)
}

// TestSplitDispatchBouncesHighMemoryWrites forces a split on a
// non-PAE-capable adapter through a high-memory write entry (command.Fits
// refuses the direct path for any entry needing a PAE copy): each child
// must be dispatched with its bounce page filled from the original buffer.
func TestSplitDispatchBouncesHighMemoryWrites(t *testing.T) {
	rig := newTestRig(t, 32, 1<<20, false)

	src := make([]byte, 512)
	for i := range src {
		src[i] = byte(i)
	}
	cdb := make([]byte, 10)
	cdb[0] = scsi.Write10
	cmd := &command.Command{
		CDB:     cdb,
		DataLen: len(src),
		LBA:     0,
		SG: command.SGList{Entries: []command.SGEntry{
			{Len: len(src), Space: command.AddressMachine, HighMemory: true, Buf: src},
		}},
	}

	var seen []byte
	rig.drv.onCommand = func(c *command.Command) {
		require.Len(t, c.SG.Entries, 1)
		e := c.SG.Entries[0]
		require.Equal(t, command.AddressVirtual, e.Space)
		require.NotNil(t, e.Buf)
		seen = append([]byte(nil), e.Buf...)
	}

	tok, err := rig.issue.Execute(rig.h, cmd, Options{World: rig.h.WorldID, Shares: scheduler.SharesNormal, PerWorldCap: 32})
	require.NoError(t, err)
	tok.WaitForIO()
	res := tok.Result()
	require.Equal(t, scsi.HostOK, res.HostStatus)
	require.Equal(t, scsi.SamStatGood, res.DeviceStatus)
	require.Equal(t, src, seen)
	require.Zero(t, rig.bouncePool.InUse(), "bounce page must be released once the child completes")
}

// TestSplitDispatchCopiesBackHighMemoryReads exercises the read-direction
// side: the bounce page the fake driver "fills" on read must be copied
// back into the original buffer before release.
func TestSplitDispatchCopiesBackHighMemoryReads(t *testing.T) {
	rig := newTestRig(t, 32, 1<<20, false)

	dst := make([]byte, 512)
	cdb := make([]byte, 10)
	cdb[0] = scsi.Read10
	cmd := &command.Command{
		CDB:     cdb,
		DataLen: len(dst),
		LBA:     0,
		SG: command.SGList{Entries: []command.SGEntry{
			{Len: len(dst), Space: command.AddressMachine, HighMemory: true, Buf: dst},
		}},
	}

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(255 - i)
	}
	rig.drv.onCommand = func(c *command.Command) {
		copy(c.SG.Entries[0].Buf, want)
	}

	tok, err := rig.issue.Execute(rig.h, cmd, Options{World: rig.h.WorldID, Shares: scheduler.SharesNormal, PerWorldCap: 32})
	require.NoError(t, err)
	tok.WaitForIO()
	res := tok.Result()
	require.Equal(t, scsi.HostOK, res.HostStatus)
	require.Equal(t, scsi.SamStatGood, res.DeviceStatus)
	require.Equal(t, want, dst)
	require.Zero(t, rig.bouncePool.InUse())
}
