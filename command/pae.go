package command

// BounceBuffer is a low-memory page handed out by a bounce pool (see
// internal/bounce) to stand in for a high-memory SG entry the adapter
// cannot DMA to directly (spec.md §4.G "PAE copy"). Release must be
// called exactly once, after the owning child command has completed and
// (for reads) been copied back.
type BounceBuffer struct {
	Page    []byte
	Orig    SGEntry // the high-memory entry this bounce replaces
	Release func()
}

// NeedsPAECopy reports whether e must be bounced: either it is
// high-memory machine-addressed and the adapter can't DMA there, or the
// caller forced a copy via FlagLowLevel-adjacent IO_FORCE_COPY (modeled
// as forceCopy).
func NeedsPAECopy(e SGEntry, paeCapable, forceCopy bool) bool {
	if forceCopy {
		return true
	}
	if paeCapable {
		return false
	}
	return e.Space == AddressMachine && e.HighMemory
}

// ApplyBounces replaces every entry in child's SG list that needs a PAE
// copy with the corresponding bounce page, returning the set of bounces
// created (so the caller can fill them for writes, or schedule a
// copy-back for reads in the join callback). entries not needing a
// bounce are left untouched.
func ApplyBounces(child *Command, paeCapable, forceCopy bool, alloc func(n int) ([]byte, func(), error)) ([]BounceBuffer, error) {
	var bounces []BounceBuffer
	for i, e := range child.SG.Entries {
		if !NeedsPAECopy(e, paeCapable, forceCopy) {
			continue
		}
		page, release, err := alloc(e.Len)
		if err != nil {
			return bounces, err
		}
		bounces = append(bounces, BounceBuffer{Page: page, Orig: e, Release: release})
		child.SG.Entries[i] = SGEntry{
			Len:   e.Len,
			Space: AddressVirtual,
			Buf:   page,
		}
	}
	return bounces, nil
}
