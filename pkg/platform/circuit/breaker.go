// Package circuit provides a small circuit breaker used around calls to
// external collaborators (the IP reputation oracle). When the collaborator
// keeps failing the breaker opens and callers fall back to locally known
// signals instead of waiting on a dead upstream.
package circuit

import "sync"

// State of the breaker.
type State string

const (
	// StateClosed means the primary path is healthy.
	StateClosed State = "closed"
	// StateOpen means the primary path is failing and callers should use
	// their fallback.
	StateOpen State = "open"
)

// StateChange reports transitions caused by a recorded outcome, so callers
// can log open/close events exactly once.
type StateChange struct {
	Opened bool
	Closed bool
}

// Breaker tracks consecutive failures and successes for one named upstream.
type Breaker struct {
	mu   sync.Mutex
	name string

	failureThreshold int
	successThreshold int

	failures  int
	successes int
	open      bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive successes close an open
// circuit.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// New creates a breaker with defaults of 5 failures to open and 1 success
// to close.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the upstream name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return StateOpen
	}
	return StateClosed
}

// IsOpen reports whether callers should use their fallback.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Reset manually closes the circuit and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.failures = 0
	b.successes = 0
}

// RecordFailure notes a failed call. It returns whether the caller should now
// use the fallback path, plus any state transition that occurred.
func (b *Breaker) RecordFailure() (useFallback bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	if b.open {
		return true, StateChange{}
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.open = true
		b.failures = 0
		return true, StateChange{Opened: true}
	}
	return false, StateChange{}
}

// RecordSuccess notes a successful call. It returns whether the primary path
// is usable, plus any state transition that occurred.
func (b *Breaker) RecordSuccess() (usePrimary bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if !b.open {
		return true, StateChange{}
	}

	b.successes++
	if b.successes >= b.successThreshold {
		b.open = false
		b.successes = 0
		return true, StateChange{Closed: true}
	}
	return false, StateChange{}
}
