package token

import "encoding/binary"

// frameHeader is written at the start of each pushed frame inside the
// token's fixed arena: a magic (corruption/overflow guard) and the
// payload size, so Pop can find and validate the frame it's restoring
// (spec.md §4.A, §9 "Callback-frame stack inside a token").
type frameHeader struct {
	magic       uint32
	payloadSize uint32
}

// frame is the Go-side bookkeeping for one pushed callback frame: where
// its payload lives in the arena, and what callback/frame were active
// before it was pushed (so Pop can restore them).
type frame struct {
	offset       int
	size         int
	savedCB      Callback
	savedOffset  int
}

// PushCallbackFrame pushes a new frame of payloadSize bytes onto the
// token's callback-frame stack, installing cb as the new top-level
// callback and returning the frame's payload area for the caller to
// fill in. Pushing saves the token's current callback so
// PopCallbackFrame can restore it once this frame is popped.
func (t *Token) PushCallbackFrame(cb Callback, payloadSize int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	need := frameHeaderSize + payloadSize
	if t.frameTop+need > arenaSize {
		panic(ErrFrameOverflow)
	}

	off := t.frameTop
	writeFrameHeader(t.arena[off:], frameHeader{magic: frameMagic, payloadSize: uint32(payloadSize)})

	t.frames = append(t.frames, frame{
		offset:      off,
		size:        need,
		savedCB:     t.callback,
		savedOffset: t.frameTop,
	})
	t.callback = cb
	t.frameTop = off + need

	return t.arena[off+frameHeaderSize : off+need]
}

// PopCallbackFrame pops the topmost frame, invokes its callback exactly
// once with its payload, and restores the previously active callback.
// Popping with no frame pushed is a panic — "a late pop is a panic"
// (spec.md §9).
func (t *Token) PopCallbackFrame() {
	t.mu.Lock()
	if len(t.frames) == 0 {
		t.mu.Unlock()
		panic("token: pop with no frame pushed")
	}
	f := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]

	hdr := readFrameHeader(t.arena[f.offset:])
	if hdr.magic != frameMagic {
		t.mu.Unlock()
		panic("token: callback frame arena corrupted")
	}
	payload := t.arena[f.offset+frameHeaderSize : f.offset+frameHeaderSize+int(hdr.payloadSize)]
	cb := t.callback

	t.callback = f.savedCB
	t.frameTop = f.savedOffset
	t.mu.Unlock()

	cb(t, payload)
}

// HasPendingFrames reports whether any callback frames remain pushed.
func (t *Token) HasPendingFrames() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames) > 0
}

func writeFrameHeader(b []byte, h frameHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.magic)
	binary.LittleEndian.PutUint32(b[4:8], h.payloadSize)
}

func readFrameHeader(b []byte) frameHeader {
	return frameHeader{
		magic:       binary.LittleEndian.Uint32(b[0:4]),
		payloadSize: binary.LittleEndian.Uint32(b[4:8]),
	}
}
