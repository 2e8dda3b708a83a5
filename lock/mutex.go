package lock

import "sync"

// Set tracks which lock ranks a single goroutine currently holds. Callers
// that walk through multiple lock acquisitions in one call chain thread
// a *Set down the stack (spec.md §9 suggests exactly this: "a capability
// witness" rather than inspecting goroutine-local state, which Go has no
// supported way to read).
type Set struct {
	held []Rank
}

// NewSet returns an empty lock set for one call chain.
func NewSet() *Set {
	return &Set{}
}

// Highest returns the highest rank currently held, or -1 if none.
func (s *Set) Highest() Rank {
	h := Rank(-1)
	for _, r := range s.held {
		if r > h {
			h = r
		}
	}
	return h
}

// Mutex is a sync.Mutex annotated with its rank in the total order.
// Lock/Unlock behave exactly like sync.Mutex; LockRanked additionally
// checks, in lockdebug builds, that no higher-ranked lock is already
// held in s.
type Mutex struct {
	mu   sync.Mutex
	Rank Rank
}

// New creates a ranked mutex.
func New(r Rank) *Mutex {
	return &Mutex{Rank: r}
}

// Lock acquires the mutex without a rank check (used where no Set is
// threaded through, e.g. leaf locks acquired in isolation).
func (m *Mutex) Lock() {
	m.mu.Lock()
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

// LockRanked acquires the mutex and records it in s, panicking in
// lockdebug builds if s already holds a strictly higher rank (a
// violation of the total order in spec.md §5).
func (m *Mutex) LockRanked(s *Set) {
	checkOrder(s, m.Rank)
	m.mu.Lock()
	s.held = append(s.held, m.Rank)
}

// UnlockRanked releases the mutex and pops it from s.
func (m *Mutex) UnlockRanked(s *Set) {
	m.mu.Unlock()
	for i := len(s.held) - 1; i >= 0; i-- {
		if s.held[i] == m.Rank {
			s.held = append(s.held[:i], s.held[i+1:]...)
			return
		}
	}
}
