package dispatch

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// circuitBreaker tracks consecutive transient failures of one webhook host.
// While open, dispatches to the host are skipped without a network call.
type circuitBreaker struct {
	mu           sync.Mutex
	host         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func newCircuitBreaker(host string, threshold int, resetTimeout time.Duration, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		host:         host,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
		now:          now,
	}
}

// Allow reports whether a call may go out. After resetTimeout an open
// breaker lets a single trial request through.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// one trial request in flight
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}

func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakerSet hands out one breaker per host.
type breakerSet struct {
	mu           sync.Mutex
	breakers     map[string]*circuitBreaker
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

func newBreakerSet(threshold int, resetTimeout time.Duration, now func() time.Time) *breakerSet {
	return &breakerSet{
		breakers:     make(map[string]*circuitBreaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          now,
	}
}

func (s *breakerSet) get(host string) *circuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[host]
	if !ok {
		cb = newCircuitBreaker(host, s.threshold, s.resetTimeout, s.now)
		s.breakers[host] = cb
	}
	return cb
}
