package resilience

import (
	"sync"
	"time"
)

// breakerState tracks consecutive failures for one operation name.
// Created lazily on first failure, never removed; an open breaker
// auto-closes once its cooldown elapses.
type breakerState struct {
	open        bool
	failures    int
	totalErrors int64
	lastFailure time.Time
}

// BreakerStatus is a point-in-time snapshot of one operation's breaker,
// exposed for monitoring callers.
type BreakerStatus struct {
	Operation   string    `json:"operation"`
	Open        bool      `json:"open"`
	Failures    int       `json:"failures"`
	TotalErrors int64     `json:"total_errors"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breakerState
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*breakerState)}
}

func (s *breakerSet) get(operation string) *breakerState {
	if b, ok := s.breakers[operation]; ok {
		return b
	}
	b := &breakerState{}
	s.breakers[operation] = b
	return b
}

// allow reports whether an attempt for operation may proceed. When the
// breaker is open and the cooldown has elapsed it closes the breaker and
// allows the attempt (there is no separate half-open trial state). The
// returned duration is the remaining cooldown when the attempt is denied.
func (s *breakerSet) allow(operation string, timeout time.Duration, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(operation)
	if !b.open {
		return true, 0
	}
	elapsed := now.Sub(b.lastFailure)
	if elapsed >= timeout {
		b.open = false
		b.failures = 0
		return true, 0
	}
	return false, timeout - elapsed
}

// recordSuccess resets the operation's consecutive-failure count.
func (s *breakerSet) recordSuccess(operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(operation)
	b.failures = 0
	b.open = false
}

// recordFailure increments counters and opens the breaker once the
// consecutive-failure count reaches threshold. Returns true if the
// breaker transitioned to open on this failure.
func (s *breakerSet) recordFailure(operation string, threshold int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(operation)
	b.failures++
	b.totalErrors++
	b.lastFailure = now
	if !b.open && b.failures >= threshold {
		b.open = true
		return true
	}
	return false
}

// reset closes the breaker for operation and clears its failure count.
func (s *breakerSet) reset(operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[operation]; ok {
		b.open = false
		b.failures = 0
	}
}

func (s *breakerSet) resetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.breakers {
		b.open = false
		b.failures = 0
	}
}

func (s *breakerSet) snapshot() []BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BreakerStatus, 0, len(s.breakers))
	for name, b := range s.breakers {
		out = append(out, BreakerStatus{
			Operation:   name,
			Open:        b.open,
			Failures:    b.failures,
			TotalErrors: b.totalErrors,
			LastFailure: b.lastFailure,
		})
	}
	return out
}
