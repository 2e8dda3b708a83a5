package command

import (
	"github.com/pkg/errors"

	"github.com/coreos/go-scsi-midlayer/scsi"
)

// ErrUnsplittable is returned by Split when cmd's opcode is not a
// READ/WRITE the splitter knows how to rewrite per child. Such a command
// is refused even when a PAE copy is the only reason to split it: Split
// has no copy-only path that leaves the CDB's block count unrewritten.
var ErrUnsplittable = errors.New("command: opcode not splittable")

// Limits are the adapter-imposed constraints the splitter must respect
// (spec.md §4.G).
type Limits struct {
	SGSize     int   // max scatter-gather entries per command; 0 = block-only
	MaxXfer    int64 // max bytes per command
	PAECapable bool  // adapter can DMA to memory above the low-memory watermark
	BlockSize  int64
}

// Fits reports whether cmd can be issued to the adapter without
// splitting (spec.md §4.G step 7).
func Fits(cmd *Command, lim Limits) bool {
	if lim.SGSize == 0 {
		// block-only adapter: never splits, always issued directly.
		return true
	}
	if len(cmd.SG.Entries) > lim.SGSize {
		return false
	}
	if int64(cmd.DataLen) > lim.MaxXfer {
		return false
	}
	forceCopy := cmd.Flags&FlagForceCopy != 0
	if !lim.PAECapable || forceCopy {
		for _, e := range cmd.SG.Entries {
			if NeedsPAECopy(e, lim.PAECapable, forceCopy) {
				return false
			}
		}
	}
	return true
}

// sgCursor walks an SGList, handing out up to n bytes at a time while
// remembering how much of the "current" entry has already been
// consumed — mirroring the "bytes of current entry already taken"
// cursor spec.md §4.G describes.
type sgCursor struct {
	entries []SGEntry
	idx     int
	taken   int // bytes already consumed from entries[idx]
}

func newSGCursor(l SGList) *sgCursor {
	return &sgCursor{entries: l.Entries}
}

func (c *sgCursor) done() bool {
	return c.idx >= len(c.entries)
}

// take consumes up to want bytes, returning the entries produced and
// the number of bytes actually taken (less than want only at end of
// list).
func (c *sgCursor) take(want int, space AddressSpace) ([]SGEntry, int) {
	var out []SGEntry
	got := 0
	for got < want && !c.done() {
		e := c.entries[c.idx]
		avail := e.Len - c.taken
		n := want - got
		if n > avail {
			n = avail
		}
		child := SGEntry{
			Addr:       e.Addr + uintptr(c.taken),
			Len:        n,
			Space:      space,
			HighMemory: e.HighMemory,
		}
		if e.Buf != nil {
			child.Buf = e.Buf[c.taken : c.taken+n]
		}
		out = append(out, child)
		c.taken += n
		got += n
		if c.taken == e.Len {
			c.idx++
			c.taken = 0
		}
	}
	return out, got
}

// rewind gives back n bytes onto the front of the current (or previous)
// entry, implementing "the last SG entry may be reduced and the cursor
// rewound" for block-alignment trimming.
func (c *sgCursor) rewind(n int) {
	for n > 0 {
		if c.taken >= n {
			c.taken -= n
			return
		}
		n -= c.taken
		c.taken = 0
		if c.idx == 0 {
			return
		}
		c.idx--
		c.taken = c.entries[c.idx].Len
	}
}

// Split decomposes cmd into one or more child Commands, each satisfying
// lim, per spec.md §4.G's splitting algorithm. It returns the children
// in issue order; each child's CDB has its LBA/length fields rewritten
// for the byte range it covers.
func Split(cmd *Command, lim Limits) ([]*Command, error) {
	if lim.BlockSize <= 0 {
		return nil, errors.New("command: split requires a positive block size")
	}
	opcode := cmd.Opcode()
	if !scsi.IsReadWrite(opcode) {
		return nil, ErrUnsplittable
	}

	maxBytes := lim.MaxXfer
	if maxBytes <= 0 || maxBytes > int64(cmd.DataLen) {
		maxBytes = int64(cmd.DataLen)
	}
	maxEntries := lim.SGSize
	if maxEntries <= 0 {
		maxEntries = len(cmd.SG.Entries)
		if maxEntries == 0 {
			maxEntries = 1
		}
	}

	cur := newSGCursor(cmd.SG)
	var children []*Command
	lba := cmd.LBA
	remaining := cmd.DataLen

	for remaining > 0 {
		// Cap this child's byte budget by MaxXfer and by what maxEntries
		// worth of SG entries can plausibly carry (entries may be
		// smaller than a page, so this is a soft cap refined below).
		budget := int(maxBytes)
		if budget > remaining {
			budget = remaining
		}

		entries, got := cur.take(budget, cmd.SG.Space)
		// Trim the entry count down to the adapter's sg_size by merging
		// the overflow back: if take() needed more entries than allowed,
		// shrink the byte budget and retry by rewinding.
		for len(entries) > maxEntries {
			over := entries[len(entries)-1]
			cur.rewind(over.Len)
			entries = entries[:len(entries)-1]
			got -= over.Len
		}

		if !lim.PAECapable {
			entries = splitOnPageBoundary(entries, cur)
			got = sumLen(entries)
		}

		// Align the tail to block_size.
		if rem := got % int(lim.BlockSize); rem != 0 {
			cur.rewind(rem)
			got -= rem
			entries = trimTail(entries, rem)
		}
		if got <= 0 {
			return nil, errors.New("command: split produced a zero-length child; block size misaligned with transfer")
		}

		blocks := uint32(got / int(lim.BlockSize))
		child := cmd.Clone()
		child.SG = SGList{Space: cmd.SG.Space, Entries: entries}
		child.DataLen = got
		child.LBA = lba
		rewriteCDB(child.CDB, lba, blocks)

		children = append(children, child)
		lba += uint64(blocks)
		remaining -= got
	}

	return children, nil
}

func sumLen(es []SGEntry) int {
	n := 0
	for _, e := range es {
		n += e.Len
	}
	return n
}

func trimTail(es []SGEntry, trim int) []SGEntry {
	for trim > 0 && len(es) > 0 {
		last := &es[len(es)-1]
		if last.Len > trim {
			last.Len -= trim
			if last.Buf != nil {
				last.Buf = last.Buf[:last.Len]
			}
			trim = 0
		} else {
			trim -= last.Len
			es = es[:len(es)-1]
		}
	}
	return es
}

const pageSize = 4096

// splitOnPageBoundary enforces "each SG entry is at most one page and
// all entries reference low memory" for adapters that cannot DMA high
// memory. The first entry exceeding one page is cut down and ends the
// child; its remainder and any entries after it are given back to the
// cursor so they reappear in the next child.
func splitOnPageBoundary(entries []SGEntry, cur *sgCursor) []SGEntry {
	out := make([]SGEntry, 0, len(entries))
	for i, e := range entries {
		if e.Len <= pageSize {
			out = append(out, e)
			continue
		}
		// The cursor sits after the last entry taken: give back this
		// entry's excess and every entry after it.
		extra := e.Len - pageSize
		for _, rest := range entries[i+1:] {
			extra += rest.Len
		}
		cur.rewind(extra)
		e.Len = pageSize
		if e.Buf != nil {
			e.Buf = e.Buf[:pageSize]
		}
		out = append(out, e)
		break
	}
	return out
}

// rewriteCDB rewrites the LBA and block-count fields of a child CDB for
// the 6/10/16-byte READ/WRITE opcodes named in spec.md §4.G. 12-byte
// opcodes are intentionally left unrewritten (see SPEC_FULL.md §4.G).
func rewriteCDB(cdb []byte, lba uint64, blocks uint32) {
	scsi.SetLBA(cdb, lba)
	scsi.SetXferLen(cdb, blocks)
}
