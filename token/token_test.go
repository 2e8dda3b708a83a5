package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRefcount(t *testing.T) {
	tok := Alloc(1, false)
	require.Equal(t, int32(1), tok.RefCount())
	tok.Retain()
	require.Equal(t, int32(2), tok.RefCount())
	tok.Release()
	tok.Release()
	require.Equal(t, int32(0), tok.RefCount())
}

func TestIODoneWakesWaiter(t *testing.T) {
	tok := Alloc(1, false)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tok.WaitForIO()
	}()
	tok.IODone()
	wg.Wait()
	assert.True(t, tok.HasFlag(FlagDone))
}

func TestIODoneLateDuplicateNotError(t *testing.T) {
	tok := Alloc(1, false)
	tok.IODone()
	assert.NotPanics(t, func() { tok.IODone() })
}

func TestCallbackFramePushPopInvokesOnce(t *testing.T) {
	tok := Alloc(1, false)
	calls := 0
	payload := tok.PushCallbackFrame(func(t *Token, p []byte) {
		calls++
		assert.Equal(t, byte(0x42), p[0])
	}, 4)
	payload[0] = 0x42

	require.True(t, tok.HasPendingFrames())
	tok.PopCallbackFrame()
	assert.Equal(t, 1, calls)
	assert.False(t, tok.HasPendingFrames())
}

func TestCallbackFrameNestedRestoresOuter(t *testing.T) {
	tok := Alloc(1, false)
	var order []string
	tok.PushCallbackFrame(func(t *Token, p []byte) { order = append(order, "outer") }, 8)
	tok.PushCallbackFrame(func(t *Token, p []byte) { order = append(order, "inner") }, 8)

	tok.PopCallbackFrame()
	tok.PopCallbackFrame()

	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestPopWithNoFramePanics(t *testing.T) {
	tok := Alloc(1, false)
	assert.Panics(t, func() { tok.PopCallbackFrame() })
}

func TestPushCallbackFrameOverflowPanics(t *testing.T) {
	tok := Alloc(1, false)
	assert.Panics(t, func() {
		tok.PushCallbackFrame(func(t *Token, p []byte) {}, arenaSize)
	})
}

func TestCannotBlockFlag(t *testing.T) {
	tok := Alloc(1, true)
	assert.True(t, tok.CannotBlock())
	tok2 := Alloc(1, false)
	assert.False(t, tok2.CannotBlock())
}
