// Package process supervises the external crawl subprocess: start, pause,
// resume, stop and emergency stop, progress extraction from its output,
// periodic health checks and bounded automatic recovery after crashes.
package process

import "errors"

// State is the lifecycle state of the supervised process.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrAlreadyRunning is returned by Start while a process is running or paused.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrCircuitOpen is returned while the start or memory breaker rejects attempts.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrNoCommand is returned when no process command is configured.
	ErrNoCommand = errors.New("no process command configured")
)

// active reports whether a subprocess is expected to exist in s.
func (s State) active() bool {
	return s == StateRunning || s == StatePaused
}
