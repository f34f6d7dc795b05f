package gate

import "sync"

// ReplaySet tracks consumed gateway payment references. A reference is
// single-use: once marked, every later presentation is rejected, including
// against a different resource.
//
// The set is process-local and non-durable. Restarting the process forgets
// consumed references; multi-instance deployments need a shared
// unique-constraint store instead.
type ReplaySet struct {
	mu       sync.Mutex
	consumed map[string]struct{}
}

// NewReplaySet creates an empty set.
func NewReplaySet() *ReplaySet {
	return &ReplaySet{consumed: make(map[string]struct{})}
}

// Seen reports whether reference was already consumed.
func (s *ReplaySet) Seen(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.consumed[reference]
	return ok
}

// Mark consumes reference. Returns false if it was already consumed; the
// caller that gets false lost the race and must reject the proof.
func (s *ReplaySet) Mark(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consumed[reference]; ok {
		return false
	}
	s.consumed[reference] = struct{}{}
	return true
}

// Len returns the number of consumed references.
func (s *ReplaySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}
