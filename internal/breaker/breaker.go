// Package breaker provides the circuit breaker guarding process start and
// memory cleanup.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects attempts.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed allows every attempt.
	StateClosed State = iota
	// StateOpen rejects attempts until the recovery timeout has elapsed.
	StateOpen
	// StateHalfOpen lets a single trial attempt through after the timeout.
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// Config configures a circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open after the last failure.
	RecoveryTimeout time.Duration
	// OnStateChange is an optional callback when state changes. It is called
	// with the breaker lock held and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Breaker implements a failure-counting circuit breaker.
type Breaker struct {
	name string

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	// trialInFlight is set while the half-open trial has no recorded outcome.
	trialInFlight bool
	config        Config
}

// New creates a named breaker. Non-positive settings fall back to 5 failures
// and a 60s recovery timeout.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{name: name, state: StateClosed, config: config}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// CanAttempt reports whether the guarded operation may run. An open breaker
// whose recovery timeout has elapsed moves to half-open and allows one trial;
// further callers are rejected until that trial's outcome is recorded.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.config.Now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.trialInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
// A failed trial in half-open reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.config.Now()
	b.trialInFlight = false

	if b.state == StateHalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.transitionTo(StateOpen)
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.trialInFlight = false
	b.transitionTo(StateClosed)
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.CanAttempt() {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	TrialInFlight    bool          `json:"trial_in_flight"`
}

// GetStats returns current statistics
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.config.FailureThreshold,
		LastFailureTime:  b.lastFailureTime,
		RecoveryTimeout:  b.config.RecoveryTimeout,
		TrialInFlight:    b.trialInFlight,
	}
}
