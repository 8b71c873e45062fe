package coordinator

import (
	"sort"
	"sync"
)

// ReadySet records which servers reported SwapReady in the current frame. It
// is safe for concurrent use by the per-server barrier goroutines.
type ReadySet struct {
	mu sync.RWMutex
	m  map[int]struct{}
}

// NewReadySet creates an empty ReadySet.
func NewReadySet() *ReadySet {
	return &ReadySet{m: make(map[int]struct{})}
}

// Add marks server i ready.
func (s *ReadySet) Add(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[i] = struct{}{}
}

// Contains reports whether server i is ready.
func (s *ReadySet) Contains(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[i]
	return ok
}

// Size returns the number of ready servers.
func (s *ReadySet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Reset empties the set for the next frame.
func (s *ReadySet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[int]struct{})
}

// Members returns the ready servers in ascending order.
func (s *ReadySet) Members() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, 0, len(s.m))
	for i := range s.m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Missing returns the members of expected that are not ready, in the order
// given.
//
// Parameters:
//   - expected: Servers that were asked for SwapReady
//
// Returns:
//   - The servers still outstanding
func (s *ReadySet) Missing(expected []int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int
	for _, i := range expected {
		if _, ok := s.m[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
