// Package circuitbreaker trips per target module after consecutive
// transient failures and lets a single trial through after a cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type moduleState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialAt             time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*moduleState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
	onChange  func(module string, to State)
}

// New returns a breaker. A threshold <= 0 disables tripping.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*moduleState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// OnStateChange registers fn to be called, with the lock held, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(module string, to State)) *CircuitBreaker {
	cb.onChange = fn
	return cb
}

func (cb *CircuitBreaker) Allow(module string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[module]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.trialAt = cb.clock()
			cb.transition(module, s, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		// One trial at a time. A trial that never reported is replaced
		// after another cooldown.
		if cb.clock().Sub(s.trialAt) >= cb.cooldown {
			s.trialAt = cb.clock()
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(module string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[module]
	if !ok {
		return
	}
	s.consecutiveFailures = 0
	if s.state != StateClosed {
		cb.transition(module, s, StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure(module string) {
	if cb.threshold <= 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[module]
	if !ok {
		s = &moduleState{}
		cb.states[module] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.clock()
		if s.state != StateOpen {
			cb.transition(module, s, StateOpen)
		}
	}
}

// ReleaseTrial gives back a half-open trial whose outcome says nothing about
// the module's health. The next Allow lets a new trial through.
func (cb *CircuitBreaker) ReleaseTrial(module string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s, ok := cb.states[module]; ok && s.state == StateHalfOpen {
		s.trialAt = time.Time{}
	}
}

// State returns the current state for module.
func (cb *CircuitBreaker) State(module string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if s, ok := cb.states[module]; ok {
		return s.state
	}
	return StateClosed
}

// Snapshot returns the modules whose breaker is not closed.
func (cb *CircuitBreaker) Snapshot() map[string]State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]State)
	for module, s := range cb.states {
		if s.state != StateClosed {
			out[module] = s.state
		}
	}
	return out
}

func (cb *CircuitBreaker) transition(module string, s *moduleState, to State) {
	s.state = to
	if cb.onChange != nil {
		cb.onChange(module, to)
	}
}
