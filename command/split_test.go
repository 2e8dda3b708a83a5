package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/scsi"
)

func read10CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 10)
	cdb[0] = scsi.Read10
	scsi.SetLBA(cdb, lba)
	scsi.SetXferLen(cdb, blocks)
	return cdb
}

func TestFitsWithinLimits(t *testing.T) {
	cmd := &Command{
		CDB:     read10CDB(0, 8),
		DataLen: 4096,
		SG:      SGList{Entries: []SGEntry{{Len: 4096}}},
	}
	lim := Limits{SGSize: 32, MaxXfer: 1 << 20, PAECapable: true, BlockSize: 512}
	require.True(t, Fits(cmd, lim))
}

func TestFitsRejectsOversizeTransfer(t *testing.T) {
	cmd := &Command{
		CDB:     read10CDB(0, 8),
		DataLen: 1 << 21,
		SG:      SGList{Entries: []SGEntry{{Len: 1 << 21}}},
	}
	lim := Limits{SGSize: 32, MaxXfer: 1 << 20, PAECapable: true, BlockSize: 512}
	require.False(t, Fits(cmd, lim))
}

func TestSplitProducesBlockAlignedChildren(t *testing.T) {
	cmd := &Command{
		CDB:     read10CDB(100, 16),
		DataLen: 16 * 512,
		LBA:     100,
		SG:      SGList{Entries: []SGEntry{{Len: 16 * 512}}},
	}
	lim := Limits{SGSize: 32, MaxXfer: 6 * 512, PAECapable: true, BlockSize: 512}

	children, err := Split(cmd, lim)
	require.NoError(t, err)
	require.NotEmpty(t, children)

	total := 0
	lba := cmd.LBA
	for _, c := range children {
		require.Zero(t, c.DataLen%512, "every child must be block-aligned")
		require.LessOrEqual(t, int64(c.DataLen), lim.MaxXfer)
		require.Equal(t, lba, c.LBA)
		lba += uint64(c.DataLen / 512)
		total += c.DataLen
	}
	require.Equal(t, cmd.DataLen, total)
}

func TestSplitRefusesUnknownOpcode(t *testing.T) {
	cmd := &Command{
		CDB:     []byte{scsi.Inquiry, 0, 0, 0, 0, 0},
		DataLen: 4096,
		SG:      SGList{Entries: []SGEntry{{Len: 4096}}},
	}
	lim := Limits{SGSize: 1, MaxXfer: 512, BlockSize: 512}
	_, err := Split(cmd, lim)
	require.ErrorIs(t, err, ErrUnsplittable)
}

func TestSplitPageBoundaryTrimsNonPAEAdapter(t *testing.T) {
	cmd := &Command{
		CDB:     read10CDB(0, 32),
		DataLen: 32 * 512,
		SG:      SGList{Entries: []SGEntry{{Len: 32 * 512, Space: AddressMachine, HighMemory: false}}},
	}
	lim := Limits{SGSize: 32, MaxXfer: 1 << 20, PAECapable: false, BlockSize: 512}

	children, err := Split(cmd, lim)
	require.NoError(t, err)
	for _, c := range children {
		for _, e := range c.SG.Entries {
			require.LessOrEqual(t, e.Len, pageSize)
		}
	}
}
