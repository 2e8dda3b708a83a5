package tcmuloop

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/scsi"
)

// buildFakeRing hand-assembles a minimal mailbox + one command entry the
// way the kernel would, so nextRingCommand/service can be exercised
// without a real TCMU device. The entry's request fields (iov_cnt,
// cdb_off, iov0 base/len) store pointers out into the region rather than
// packing the CDB/iovec data inline, since the union these fields share
// with the response fields (status/sense) is only 112 bytes wide.
func buildFakeRing(t *testing.T) (*Device, []byte) {
	t.Helper()

	const (
		cmdrOffset = 128
		entryLen   = 96
		cdbAt      = 600
		bufAt      = 700
		bufLen     = 16
	)
	region := make([]byte, 1024)
	order := binary.LittleEndian

	order.PutUint32(region[4:], cmdrOffset)
	order.PutUint32(region[8:], 4096) // cmdrSize
	order.PutUint32(region[12:], entryLen) // cmdHead: one entry pending
	order.PutUint32(region[64:], 0) // cmdTail

	e := cmdrOffset
	order.PutUint32(region[e+offLenOp:], uint32(entryLen)|uint32(opCmd))
	order.PutUint16(region[e+offCmdId:], 7)
	order.PutUint32(region[e+offReqIovCnt:], 1)
	order.PutUint64(region[e+offReqCdbOff:], uint64(cdbAt))
	order.PutUint64(region[e+offReqIov0Base:], uint64(bufAt))
	order.PutUint64(region[e+offReqIov0Len:], uint64(bufLen))

	cdb := []byte{scsi.Read10, 0, 0, 0, 0, 5, 0, 0, 2, 0} // LBA=5, xferlen=2
	copy(region[cdbAt:], cdb)

	d := &Device{mb: mailbox{region: region}, cmdTail: 0}
	return d, region
}

func TestNextRingCommandDecodesEntry(t *testing.T) {
	d, _ := buildFakeRing(t)

	cmd, off, id, ok := d.nextRingCommand()
	require.True(t, ok)
	require.Equal(t, uint16(7), id)
	require.Equal(t, 128, off)
	require.Equal(t, byte(scsi.Read10), cmd.Opcode())
	require.Equal(t, uint64(5), cmd.LBA)
	require.Len(t, cmd.SG.Entries, 1)
	require.Equal(t, 16, cmd.SG.Entries[0].Len)
	require.Equal(t, command.AddressVirtual, cmd.SG.Entries[0].Space)
	require.Equal(t, uint32(96), d.cmdTail)

	_, _, _, ok = d.nextRingCommand()
	require.False(t, ok, "ring only has one entry; head has not advanced")
}

func TestServiceWritesStatusAndAdvancesTail(t *testing.T) {
	d, region := buildFakeRing(t)

	cmd, off, id, ok := d.nextRingCommand()
	require.True(t, ok)

	var seen *command.Command
	d.Handler = func(c *command.Command) (byte, []byte, int64) {
		seen = c
		return scsi.SamStatGood, nil, int64(c.DataLen)
	}
	d.service(cmd, off, id)

	require.Same(t, cmd, seen)
	require.Equal(t, byte(scsi.SamStatGood), region[off+offRespSCSIStatus])
	require.Equal(t, uint32(96), d.mb.cmdTail())
}

func TestServiceWritesSenseOnError(t *testing.T) {
	d, region := buildFakeRing(t)

	cmd, off, id, ok := d.nextRingCommand()
	require.True(t, ok)

	wantSense := unsupportedOpSense()
	d.Handler = func(c *command.Command) (byte, []byte, int64) {
		return scsi.SamStatCheckCondition, wantSense, 0
	}
	d.service(cmd, off, id)

	require.Equal(t, byte(scsi.SamStatCheckCondition), region[off+offRespSCSIStatus])
	require.Equal(t, byte(scsi.SenseIllegalRequest), scsi.SenseKey(region[off+offRespSense:off+offRespSense+18]))
}

func TestServiceWithoutHandlerReturnsIllegalRequest(t *testing.T) {
	d, region := buildFakeRing(t)

	cmd, off, id, ok := d.nextRingCommand()
	require.True(t, ok)

	d.service(cmd, off, id)

	require.Equal(t, byte(scsi.SamStatCheckCondition), region[off+offRespSCSIStatus])
	require.Equal(t, byte(scsi.SenseIllegalRequest), scsi.SenseKey(region[off+offRespSense:off+offRespSense+18]))
}
