package spinner

import (
	"errors"
	"fmt"
	"time"
)

// State is the supervisor state.
type State int

const (
	Stopped State = iota
	Starting
	Waiting
	Started
	Faulted
	Stopping
	Restarting
)

var stateNames = [...]string{
	Stopped:    "stopped",
	Starting:   "starting",
	Waiting:    "waiting",
	Started:    "started",
	Faulted:    "faulted",
	Stopping:   "stopping",
	Restarting: "restarting",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Stopped, Starting, Waiting, Started, Faulted, Stopping, Restarting}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	for i, n := range stateNames {
		if n == s {
			return State(i), true
		}
	}
	return 0, false
}

var (
	// ErrStartTimeout means the child never accepted a connection within its
	// probe budget.
	ErrStartTimeout = errors.New("start timeout")
	// ErrFaultLimitExceeded means too many consecutive starts failed; the
	// supervisor refuses to start until it is stopped explicitly.
	ErrFaultLimitExceeded = errors.New("fault limit exceeded")
	// ErrProcessExitedDuringStart means the child exited before becoming ready.
	ErrProcessExitedDuringStart = errors.New("process exited during start")
	// ErrStopped is returned to start callers whose attempt was cancelled by a stop.
	ErrStopped = errors.New("stopped before ready")
	// ErrBusy is returned by Refresh when the supervisor is not stopped.
	ErrBusy = errors.New("supervisor is not stopped")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")
)

// StartError carries the supervisor name of a failed start.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %s: %v", e.Name, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// EventType names what subscribers are told.
type EventType string

const (
	EventStarted   EventType = "started"
	EventRestarted EventType = "restarted"
	EventStopped   EventType = "stopped"
	EventError     EventType = "error"
)

// Event is delivered to subscribers.
//
// Error is only sent once the fault budget is spent. Stopped carries Status,
// how the last child ended ("signal: terminated", the start failure, ...),
// empty when no child ran.
type Event struct {
	Type   EventType
	Name   string
	Port   int
	Status string
	Err    error
	Time   time.Time
}
