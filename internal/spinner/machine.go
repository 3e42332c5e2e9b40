package spinner

import (
	"fmt"
	"time"
)

// Input events of the machine. Events produced by asynchronous work carry
// the generation (child incarnation) or epoch (state instance) they belong
// to; mismatching ones are dropped.
type event interface{ isEvent() }

type (
	evStart         struct{}
	evStop          struct{}
	evPortAllocated struct{ port int }
	evPortFailed    struct{ err error }
	evSpawned       struct{ gen uint64 }
	evSpawnFailed   struct{ err error }
	evProbe         struct {
		epoch uint64
		open  bool
	}
	evExit struct {
		gen uint64
		err error
	}
	evTimeout struct{ epoch uint64 }
	evChanged struct{ gen uint64 }
)

func (evStart) isEvent()         {}
func (evStop) isEvent()          {}
func (evPortAllocated) isEvent() {}
func (evPortFailed) isEvent()    {}
func (evSpawned) isEvent()       {}
func (evSpawnFailed) isEvent()   {}
func (evProbe) isEvent()         {}
func (evExit) isEvent()          {}
func (evTimeout) isEvent()       {}
func (evChanged) isEvent()       {}

// Effects are returned by Step and executed by the driver in order.
type effect interface{ isEffect() }

type (
	effTransition struct{ from, to State }
	effAllocPort  struct{}
	effSpawn      struct {
		port int
		gen  uint64
	}
	effProbe struct {
		delay time.Duration
		epoch uint64
		port  int
	}
	effTerminate struct{}
	effKill      struct{}
	effTimer     struct {
		d     time.Duration
		epoch uint64
	}
	effWatch     struct{ gen uint64 }
	effUnwatch   struct{}
	effRelease   struct{ port int }
	effEmit      struct{ ev Event }
	effResolve   struct{ port int }
	effFail      struct{ err error }
	effStopsDone struct{}
)

// effFaulted books a failed start: metrics, history and the last error.
type effFaulted struct {
	cause  error
	faults int
}

func (effTransition) isEffect() {}
func (effAllocPort) isEffect()  {}
func (effSpawn) isEffect()      {}
func (effProbe) isEffect()      {}
func (effTerminate) isEffect()  {}
func (effKill) isEffect()       {}
func (effTimer) isEffect()      {}
func (effWatch) isEffect()      {}
func (effUnwatch) isEffect()    {}
func (effRelease) isEffect()    {}
func (effEmit) isEffect()       {}
func (effResolve) isEffect()    {}
func (effFail) isEffect()       {}
func (effStopsDone) isEffect()  {}
func (effFaulted) isEffect()    {}

// Limits are the spec-derived knobs of the machine.
type Limits struct {
	MaxFaults       int
	ProbeAttempts   int
	ProbeInterval   time.Duration
	ProbeMaxBackoff time.Duration
	StopTimeout     time.Duration
	Watch           bool
}

// Machine is the pure supervisor state. Step never performs I/O.
type Machine struct {
	Name     string
	State    State
	Port     int
	HasChild bool
	Gen      uint64
	Epoch    uint64
	Faults   int
	Restarts int
	Limits   Limits

	probeTry     int
	probeDelay   time.Duration
	restart      bool
	pendingStart bool

	// exitStatus describes how the last child ended; it rides on the next
	// stopped event.
	exitStatus string
}

// Sticky reports whether the machine refuses starts until stopped.
func (m Machine) Sticky() bool {
	return m.State == Faulted && m.Faults > m.Limits.MaxFaults
}

// Step applies ev and returns the next machine and the effects to run.
func (m Machine) Step(ev event) (Machine, []effect) {
	var fx []effect
	switch e := ev.(type) {
	case evStart:
		m.onStart(&fx)
	case evStop:
		m.onStop(&fx)
	case evPortAllocated:
		if m.State == Starting && !m.HasChild {
			m.Port = e.port
			fx = append(fx, effSpawn{port: e.port, gen: m.Gen})
		}
	case evPortFailed:
		if m.State == Starting {
			m.fault(e.err, &fx)
		}
	case evSpawned:
		if m.State == Starting && e.gen == m.Gen {
			m.HasChild = true
			m.enter(Waiting, &fx)
			m.probeTry = 0
			m.probeDelay = m.Limits.ProbeInterval
			fx = append(fx, effProbe{delay: 0, epoch: m.Epoch, port: m.Port})
		}
	case evSpawnFailed:
		if m.State == Starting {
			m.fault(e.err, &fx)
		}
	case evProbe:
		if m.State == Waiting && e.epoch == m.Epoch {
			m.onProbe(e.open, &fx)
		}
	case evExit:
		if e.gen == m.Gen && m.HasChild {
			m.onExit(e.err, &fx)
		}
	case evTimeout:
		if e.epoch == m.Epoch {
			m.onTimeout(&fx)
		}
	case evChanged:
		if m.State == Started && e.gen == m.Gen {
			fx = append(fx, effUnwatch{}, effKill{})
			m.enter(Restarting, &fx)
			fx = append(fx, effTimer{d: m.Limits.StopTimeout, epoch: m.Epoch})
		}
	}
	return m, fx
}

func (m *Machine) onStart(fx *[]effect) {
	switch m.State {
	case Stopped:
		m.beginStart(fx)
	case Started:
		*fx = append(*fx, effResolve{port: m.Port})
	case Faulted:
		// only sticky faults persist in this state
		*fx = append(*fx, effFail{err: ErrFaultLimitExceeded})
	case Stopping:
		m.pendingStart = true
	default:
		// starting, waiting, restarting: the caller waits for this attempt
	}
}

func (m *Machine) onStop(fx *[]effect) {
	switch m.State {
	case Stopped:
		*fx = append(*fx, effStopsDone{})
	case Faulted:
		m.Faults = 0
		m.enter(Stopped, fx)
	case Starting:
		*fx = append(*fx, effFail{err: ErrStopped})
		m.release(fx)
		m.enter(Stopped, fx)
	case Waiting, Restarting:
		*fx = append(*fx, effFail{err: ErrStopped})
		m.beginStop(fx)
	case Started:
		*fx = append(*fx, effUnwatch{})
		m.beginStop(fx)
	case Stopping:
		if m.pendingStart {
			m.pendingStart = false
			*fx = append(*fx, effFail{err: ErrStopped})
		}
	}
}

func (m *Machine) onProbe(open bool, fx *[]effect) {
	if open {
		m.Faults = 0
		typ := EventStarted
		if m.restart {
			typ = EventRestarted
			m.Restarts++
		}
		m.restart = false
		m.enter(Started, fx)
		if m.Limits.Watch {
			*fx = append(*fx, effWatch{gen: m.Gen})
		}
		*fx = append(*fx,
			effEmit{ev: Event{Type: typ, Name: m.Name, Port: m.Port}},
			effResolve{port: m.Port},
		)
		return
	}
	m.probeTry++
	if m.probeTry >= m.Limits.ProbeAttempts {
		*fx = append(*fx, effKill{})
		m.fault(fmt.Errorf("%w: no connection on port %d after %d attempts", ErrStartTimeout, m.Port, m.probeTry), fx)
		return
	}
	*fx = append(*fx, effProbe{delay: m.probeDelay, epoch: m.Epoch, port: m.Port})
	m.probeDelay *= 2
	if m.Limits.ProbeMaxBackoff > 0 && m.probeDelay > m.Limits.ProbeMaxBackoff {
		m.probeDelay = m.Limits.ProbeMaxBackoff
	}
}

func (m *Machine) onExit(exitErr error, fx *[]effect) {
	switch m.State {
	case Starting, Waiting:
		m.HasChild = false
		m.fault(fmt.Errorf("%w: %v", ErrProcessExitedDuringStart, exitErrText(exitErr)), fx)
	case Started:
		*fx = append(*fx, effUnwatch{})
		m.HasChild = false
		m.enter(Restarting, fx)
		m.restartNow(fx)
	case Restarting:
		m.HasChild = false
		m.restartNow(fx)
	case Stopping:
		m.exitStatus = exitErrText(exitErr)
		m.release(fx)
		m.enter(Stopped, fx)
	}
}

func (m *Machine) onTimeout(fx *[]effect) {
	switch m.State {
	case Stopping:
		*fx = append(*fx, effKill{})
		m.exitStatus = "killed after stop timeout"
		m.release(fx)
		m.enter(Stopped, fx)
	case Restarting:
		// the old child ignored SIGKILL long enough; move on without it
		*fx = append(*fx, effKill{})
		m.restartNow(fx)
	}
}

func (m *Machine) beginStart(fx *[]effect) {
	m.Gen++
	m.enter(Starting, fx)
	*fx = append(*fx, effAllocPort{})
}

func (m *Machine) beginStop(fx *[]effect) {
	m.restart = false
	m.enter(Stopping, fx)
	*fx = append(*fx, effTerminate{}, effTimer{d: m.Limits.StopTimeout, epoch: m.Epoch})
}

// restartNow leaves restarting for a fresh start and remembers to announce
// the result as a restart.
func (m *Machine) restartNow(fx *[]effect) {
	m.release(fx)
	m.restart = true
	m.beginStart(fx)
}

func (m *Machine) release(fx *[]effect) {
	if m.Port != 0 || m.HasChild {
		*fx = append(*fx, effRelease{port: m.Port})
	}
	m.Port = 0
	m.HasChild = false
}

// fault records a failed start. The machine settles in stopped, or stays in
// faulted once the fault budget is spent, before callers are answered.
func (m *Machine) fault(cause error, fx *[]effect) {
	m.release(fx)
	m.restart = false
	m.enter(Faulted, fx)
	m.Faults++
	*fx = append(*fx, effFaulted{cause: cause, faults: m.Faults})
	if m.Faults > m.Limits.MaxFaults {
		m.pendingStart = false
		limitErr := fmt.Errorf("%w: %w", ErrFaultLimitExceeded, cause)
		*fx = append(*fx,
			effEmit{ev: Event{Type: EventError, Name: m.Name, Err: limitErr}},
			effFail{err: limitErr},
		)
		return
	}
	m.exitStatus = cause.Error()
	m.enter(Stopped, fx)
	*fx = append(*fx, effFail{err: cause})
}

// enter switches state, bumps the epoch so timers of the old state are
// ignored, and runs entry actions that belong to the state itself.
func (m *Machine) enter(s State, fx *[]effect) {
	from := m.State
	m.State = s
	m.Epoch++
	*fx = append(*fx, effTransition{from: from, to: s})
	if s == Stopped {
		*fx = append(*fx,
			effEmit{ev: Event{Type: EventStopped, Name: m.Name, Status: m.exitStatus}},
			effStopsDone{},
		)
		m.exitStatus = ""
		if m.pendingStart {
			m.pendingStart = false
			m.beginStart(fx)
		}
	}
}

func exitErrText(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
