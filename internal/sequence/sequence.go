// Package sequence implements the Sequence Service (spec §4.3): a
// per-scope monotonic counter starting at 1, strictly increasing with
// no gaps even under concurrent calls. It generalizes the teacher's
// per-connection SequenceGenerator (src/message.go) to a per-chat
// scope keyed map.
package sequence

import (
	"sync"
	"sync/atomic"
)

// Service hands out consecutive integers per scope (scope == chatId).
// Each scope's counter is updated with atomic.AddInt64 once resolved,
// matching the lock-free discipline the teacher used per-connection;
// the outer map only needs a lock to create a scope's counter the
// first time it is seen.
type Service struct {
	mu       sync.Mutex
	counters map[string]*int64
}

// New returns an empty Service. A scope's counter is created on first
// increment and persists for the service's lifetime.
func New() *Service {
	return &Service{counters: make(map[string]*int64)}
}

// Next returns the next integer for scope, starting at 1.
func (s *Service) Next(scope string) int64 {
	counter := s.counterFor(scope)
	return atomic.AddInt64(counter, 1)
}

// Current returns the last value handed out for scope, or 0 if none.
func (s *Service) Current(scope string) int64 {
	s.mu.Lock()
	counter, ok := s.counters[scope]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}

func (s *Service) counterFor(scope string) *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[scope]
	if !ok {
		var zero int64
		counter = &zero
		s.counters[scope] = counter
	}
	return counter
}
