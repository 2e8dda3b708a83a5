// Package token implements the async completion token of spec.md §4.A:
// the rendezvous object for one outstanding command, its callback-frame
// stack, and the wait/wake plumbing used by both the synchronous wait
// loop and the completion pipeline.
package token

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Flag is a bitset of token state, mirroring spec.md §3's "Async Token"
// flags field.
type Flag uint32

const (
	FlagDone Flag = 1 << iota
	FlagTimedOut
	FlagWaiterPresent
	FlagCallbackRequested
	FlagEnqueueRequested
	FlagPostAction
	FlagHostInterrupt
	FlagCannotBlock
)

// frameHeaderSize is the fixed space every callback frame reserves at
// its start in the arena. The header written there is the magic and the
// payload size (see frameHeader); the previous callback and frame offset
// a pop restores are kept in the Go-side frame record. It is small and
// fixed so the whole arena stays a single
// contiguous byte buffer, matching the teacher's SCSICmd.Write style of
// treating a byte slice as a cursor-addressed buffer.
const frameHeaderSize = 24
const frameMagic uint32 = 0xC0FFEE11

// arenaSize is the size of a token's fixed caller-private callback-frame
// stack. Overflowing it is a programming error (spec.md §4.A) and panics
// rather than silently failing.
const arenaSize = 512

// Callback is invoked exactly once when a frame is popped, or when the
// token's top-level completion fires with no frames pushed.
type Callback func(t *Token, payload []byte)

// Result is the fixed-size result buffer a completion is written into
// (spec.md §3 "a fixed-size result buffer").
type Result struct {
	HostStatus   int
	DeviceStatus byte
	Sense        [18]byte
	BytesXferred int64
	SerialNumber uint64
	OriginHandleID uint32
}

// Token is the completion rendezvous object for one outstanding command.
type Token struct {
	mu sync.Mutex

	refCount int32
	flags    Flag

	result Result

	// callback-frame arena.
	arena    [arenaSize]byte
	frameTop int // next free byte offset in arena
	callback Callback
	frames   []frame

	// identity.
	TraceID        uuid.UUID
	OriginHandleID uint32
	OriginSN       uint64
	WorldID        uint32

	// timestamps.
	AllocatedAt time.Time
	IssuedAt    time.Time
	AcctStartAt time.Time

	waiters chan struct{}
	waked   bool
}

var ErrFrameOverflow = errors.New("token: callback frame arena overflow")

// Alloc creates a new Token with refCount 1 (the caller's reference).
func Alloc(worldID uint32, cannotBlock bool) *Token {
	t := &Token{
		refCount:    1,
		TraceID:     uuid.New(),
		WorldID:     worldID,
		AllocatedAt: time.Now(),
		waiters:     make(chan struct{}),
	}
	if cannotBlock {
		t.flags |= FlagCannotBlock
	}
	return t
}

// Retain adds a reference.
func (t *Token) Retain() {
	t.mu.Lock()
	t.refCount++
	t.mu.Unlock()
}

// Release drops a reference and panics if the count goes below zero;
// reaching zero frees nothing itself. Per
// spec.md §3, refs are held by: caller, waiter, each in-flight child,
// each queued entry, each pending callback.
func (t *Token) Release() {
	t.mu.Lock()
	t.refCount--
	n := t.refCount
	t.mu.Unlock()
	if n < 0 {
		panic("token: released past zero")
	}
}

// RefCount reports the current reference count (for tests and
// refcount-soundness assertions).
func (t *Token) RefCount() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refCount
}

func (t *Token) HasFlag(f Flag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags&f != 0
}

func (t *Token) SetFlag(f Flag) {
	t.mu.Lock()
	t.flags |= f
	t.mu.Unlock()
}

func (t *Token) ClearFlag(f Flag) {
	t.mu.Lock()
	t.flags &^= f
	t.mu.Unlock()
}

// CannotBlock reports the token's non-blocking-context marker (spec.md
// §5): any code path that would sleep must check this before issuing a
// command on this token's behalf.
func (t *Token) CannotBlock() bool {
	return t.HasFlag(FlagCannotBlock)
}

// SetCallback installs the top-level callback invoked at completion
// when no frames have been pushed, or registers the handler driving the
// ENQUEUE/CALLBACK delivery mode (spec.md §4.H step 9/10).
func (t *Token) SetCallback(cb Callback) {
	t.mu.Lock()
	t.callback = cb
	t.mu.Unlock()
}

// Callback returns the currently installed top-level callback, or nil.
func (t *Token) Callback() Callback {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callback
}

// Result returns a copy of the token's result buffer.
func (t *Token) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// SetResult stores the completion result (spec.md §4.H step 8),
// replacing the whole result buffer, sense bytes included.
func (t *Token) SetResult(r Result) {
	t.mu.Lock()
	t.result = r
	t.mu.Unlock()
}

// PrepareToWait marks that a waiter is about to suspend on this token
// (spec.md §4.A `prepare_to_wait`).
func (t *Token) PrepareToWait() {
	t.SetFlag(FlagWaiterPresent)
}

// Wait suspends the calling goroutine until some party calls Wake.
func (t *Token) Wait() {
	t.mu.Lock()
	if t.waked {
		t.mu.Unlock()
		return
	}
	ch := t.waiters
	t.mu.Unlock()
	<-ch
}

// WaitForIO suspends until DONE or TIMED_OUT is set.
func (t *Token) WaitForIO() {
	t.PrepareToWait()
	for {
		if t.HasFlag(FlagDone) || t.HasFlag(FlagTimedOut) {
			return
		}
		t.Wait()
	}
}

// wake is the process-wide wake primitive, keyed (conceptually) by the
// token's address — here, simply the token's own channel, which is
// equivalent and avoids a separate global wait-queue table.
func (t *Token) wake() {
	t.mu.Lock()
	if t.waked {
		t.mu.Unlock()
		return
	}
	t.waked = true
	ch := t.waiters
	t.mu.Unlock()
	close(ch)
}

// IODone marks the token done and wakes a waiter if present. A late
// duplicate call is not an error (spec.md §4.A "monotonic once set").
func (t *Token) IODone() {
	t.SetFlag(FlagDone)
	t.wake()
}

// IOTimedOut marks the token timed out and wakes a waiter if present.
func (t *Token) IOTimedOut() {
	t.SetFlag(FlagTimedOut)
	t.wake()
}

// ResetWait rearms the token for a subsequent wait after a retry (the
// synchronous wait loop reissues with a fresh serial number but often
// reuses the token's waiter machinery between attempts in this
// reimplementation simplification: callers that retry should Alloc a
// fresh token per attempt instead, matching spec.md's "retries the READ
// with a new serial number").
func (t *Token) ResetWait() {
	t.mu.Lock()
	t.waked = false
	t.waiters = make(chan struct{})
	t.flags &^= (FlagDone | FlagTimedOut)
	t.mu.Unlock()
}
