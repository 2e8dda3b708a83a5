package loopback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/driver"
	"github.com/coreos/go-scsi-midlayer/scsi"
)

type recordedCompletion struct {
	status       driver.Status
	deviceStatus byte
	sense        []byte
	bytesXferred int64
}

type capturingSink struct {
	ch chan recordedCompletion
}

func newCapturingSink() *capturingSink {
	return &capturingSink{ch: make(chan recordedCompletion, 1)}
}

func (c *capturingSink) Complete(rid driver.ResultID, status driver.Status, deviceStatus byte, sense []byte, bytesXferred int64) {
	c.ch <- recordedCompletion{status: status, deviceStatus: deviceStatus, sense: sense, bytesXferred: bytesXferred}
}

func (c *capturingSink) wait(t *testing.T) recordedCompletion {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
		return recordedCompletion{}
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	d := New(16, 512, 32, 1<<20, true)
	sink := newCapturingSink()
	d.SetCompletionSink(sink)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeCmd := &command.Command{
		CDB:     []byte{scsi.Write10, 0, 0, 0, 0, 0, 0, 0, 1, 0},
		LBA:     0,
		DataLen: 512,
		SG:      command.SGList{Entries: []command.SGEntry{{Len: 512, Space: command.AddressVirtual, Buf: payload}}},
	}
	_, err := d.Command(1, writeCmd, 1)
	require.NoError(t, err)
	res := sink.wait(t)
	require.Equal(t, scsi.SamStatGood, res.deviceStatus)
	require.Equal(t, int64(512), res.bytesXferred)

	readBuf := make([]byte, 512)
	readCmd := &command.Command{
		CDB:     []byte{scsi.Read10, 0, 0, 0, 0, 0, 0, 0, 1, 0},
		LBA:     0,
		DataLen: 512,
		SG:      command.SGList{Entries: []command.SGEntry{{Len: 512, Space: command.AddressVirtual, Buf: readBuf}}},
	}
	_, err = d.Command(1, readCmd, 2)
	require.NoError(t, err)
	res = sink.wait(t)
	require.Equal(t, scsi.SamStatGood, res.deviceStatus)
	require.Equal(t, payload, readBuf)
}

func TestReadPastEndOfDiskIsMediumError(t *testing.T) {
	d := New(4, 512, 32, 1<<20, true)
	sink := newCapturingSink()
	d.SetCompletionSink(sink)

	buf := make([]byte, 512)
	cmd := &command.Command{
		CDB:     []byte{scsi.Read10, 0, 0, 0, 0, 0, 0, 0, 1, 0},
		LBA:     100,
		DataLen: 512,
		SG:      command.SGList{Entries: []command.SGEntry{{Len: 512, Space: command.AddressVirtual, Buf: buf}}},
	}
	_, err := d.Command(1, cmd, 1)
	require.NoError(t, err)
	res := sink.wait(t)
	require.Equal(t, scsi.SamStatCheckCondition, res.deviceStatus)
	require.Equal(t, byte(scsi.SenseMediumError), scsi.SenseKey(res.sense))
}

func TestUnknownOpcodeIsIllegalRequest(t *testing.T) {
	d := New(4, 512, 32, 1<<20, true)
	sink := newCapturingSink()
	d.SetCompletionSink(sink)

	cmd := &command.Command{CDB: []byte{0xff}}
	_, err := d.Command(1, cmd, 1)
	require.NoError(t, err)
	res := sink.wait(t)
	require.Equal(t, scsi.SamStatCheckCondition, res.deviceStatus)
	require.Equal(t, byte(scsi.SenseIllegalRequest), scsi.SenseKey(res.sense))
}

func TestGetInfoReportsGeometry(t *testing.T) {
	d := New(16, 512, 32, 1<<20, true)
	info, ok, err := d.GetInfo(0, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(512), info.BlockSize)
	require.Equal(t, int64(16), info.NumBlocks)
}
