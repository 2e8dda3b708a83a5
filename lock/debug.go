//go:build lockdebug

package lock

func checkOrder(s *Set, want Rank) {
	if s == nil {
		return
	}
	if h := s.Highest(); h >= 0 && want < h {
		panic("lock: rank order violation: acquiring " + want.String() + " while holding " + h.String())
	}
}
