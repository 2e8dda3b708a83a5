// Package bounce implements the low-memory bounce-buffer pool used by
// the PAE-copy step of command splitting (spec.md §4.G, §9 "Bounce
// buffer (PAE copy)"): a fixed-size, reserved-quota page allocator, as
// spec.md §5 describes.
package bounce

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrExhausted is returned when the pool's reserved quota is used up.
// Per spec.md §4.G, "Bounce allocation that fails after at least one
// child has issued leaves a coherent partial-failure state" — callers
// must be prepared to unwind already-issued children on this error.
var ErrExhausted = errors.New("bounce: pool exhausted")

const pageSize = 4096

// Handle is a checked-out bounce page. Callers treat Buf as the payload
// and must pass the whole Handle back to Put.
type Handle struct {
	Buf []byte
	idx int
}

// Pool is a fixed-size set of page-sized low-memory buffers handed out
// and returned under a short-held mutex; it never grows.
type Pool struct {
	mu    sync.Mutex
	pages [][]byte
	free  []int // stack of free page indices

	inUse int64 // atomic, for metrics only
}

// NewPool allocates a pool of n pages.
func NewPool(n int) *Pool {
	p := &Pool{
		pages: make([][]byte, n),
		free:  make([]int, n),
	}
	for i := 0; i < n; i++ {
		p.pages[i] = make([]byte, pageSize)
		p.free[i] = i
	}
	return p
}

// Get checks out a page-sized buffer sized for n bytes (n must be <=
// page size; larger bounces are composed of multiple pages by the
// caller, one per SG entry, matching the splitter's page-boundary
// trimming).
func (p *Pool) Get(n int) (Handle, error) {
	if n > pageSize {
		return Handle{}, errors.Errorf("bounce: request %d exceeds page size %d", n, pageSize)
	}

	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return Handle{}, ErrExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	atomic.AddInt64(&p.inUse, 1)
	buf := p.pages[idx]
	for i := range buf {
		buf[i] = 0
	}
	return Handle{Buf: buf[:n], idx: idx}, nil
}

// Put returns a page obtained from Get.
func (p *Pool) Put(h Handle) {
	p.mu.Lock()
	p.free = append(p.free, h.idx)
	p.mu.Unlock()
	atomic.AddInt64(&p.inUse, -1)
}

// InUse reports the number of pages currently checked out, for metrics.
func (p *Pool) InUse() int64 {
	return atomic.LoadInt64(&p.inUse)
}

// Capacity reports the total number of pages in the pool.
func (p *Pool) Capacity() int {
	return len(p.pages)
}
