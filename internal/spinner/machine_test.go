package spinner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MaxFaults:       7,
		ProbeAttempts:   4,
		ProbeInterval:   500 * time.Millisecond,
		ProbeMaxBackoff: 4 * time.Second,
		StopTimeout:     5 * time.Second,
	}
}

type run struct {
	t  *testing.T
	m  Machine
	fx []effect
}

func newRun(t *testing.T, l Limits) *run {
	return &run{t: t, m: Machine{Name: "app", Limits: l}}
}

func (r *run) step(ev event) []effect {
	r.t.Helper()
	var fx []effect
	r.m, fx = r.m.Step(ev)
	r.fx = append(r.fx, fx...)
	return fx
}

// startedAt brings the machine to started on port.
func (r *run) startedAt(port int) {
	r.t.Helper()
	r.step(evStart{})
	r.step(evPortAllocated{port: port})
	r.step(evSpawned{gen: r.m.Gen})
	r.step(evProbe{epoch: r.m.Epoch, open: true})
	require.Equal(r.t, Started, r.m.State)
}

func find[T effect](fx []effect) (T, bool) {
	for _, f := range fx {
		if v, ok := f.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func count[T effect](fx []effect) int {
	n := 0
	for _, f := range fx {
		if _, ok := f.(T); ok {
			n++
		}
	}
	return n
}

func TestMachine_StartHappyPath(t *testing.T) {
	r := newRun(t, testLimits())

	fx := r.step(evStart{})
	assert.Equal(t, Starting, r.m.State)
	_, ok := find[effAllocPort](fx)
	assert.True(t, ok)

	fx = r.step(evPortAllocated{port: 7001})
	sp, ok := find[effSpawn](fx)
	require.True(t, ok)
	assert.Equal(t, 7001, sp.port)
	assert.Equal(t, r.m.Gen, sp.gen)

	fx = r.step(evSpawned{gen: r.m.Gen})
	assert.Equal(t, Waiting, r.m.State)
	pr, ok := find[effProbe](fx)
	require.True(t, ok)
	assert.Zero(t, pr.delay, "first probe runs immediately")

	fx = r.step(evProbe{epoch: r.m.Epoch, open: true})
	assert.Equal(t, Started, r.m.State)
	res, ok := find[effResolve](fx)
	require.True(t, ok)
	assert.Equal(t, 7001, res.port)
	em, ok := find[effEmit](fx)
	require.True(t, ok)
	assert.Equal(t, EventStarted, em.ev.Type)

	// a start while started resolves at once
	fx = r.step(evStart{})
	assert.Len(t, fx, 1)
	_, ok = find[effResolve](fx)
	assert.True(t, ok)
}

func TestMachine_FaultBudget(t *testing.T) {
	r := newRun(t, testLimits())

	var settled []State
	for i := 0; i < 15; i++ {
		fx := r.step(evStart{})
		if _, ok := find[effAllocPort](fx); ok {
			r.step(evPortAllocated{port: 7000})
			r.step(evSpawnFailed{err: errors.New("boom")})
		}
		settled = append(settled, r.m.State)
	}

	stopped, faulted := 0, 0
	for _, s := range settled {
		switch s {
		case Stopped:
			stopped++
		case Faulted:
			faulted++
		}
	}
	assert.Equal(t, 7, stopped)
	assert.Equal(t, 8, faulted)
	assert.True(t, r.m.Sticky())
	assert.Equal(t, 8, r.m.Faults)

	// sticky: no new attempt, immediate failure
	fx := r.step(evStart{})
	f, ok := find[effFail](fx)
	require.True(t, ok)
	assert.ErrorIs(t, f.err, ErrFaultLimitExceeded)
	_, ok = find[effAllocPort](fx)
	assert.False(t, ok)

	// stop clears the fault counter
	r.step(evStop{})
	assert.Equal(t, Stopped, r.m.State)
	assert.Zero(t, r.m.Faults)
	fx = r.step(evStart{})
	_, ok = find[effAllocPort](fx)
	assert.True(t, ok)
}

func TestMachine_FaultLimitErrorWrapsCause(t *testing.T) {
	l := testLimits()
	l.MaxFaults = 0
	r := newRun(t, l)
	cause := errors.New("no such binary")

	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	fx := r.step(evSpawnFailed{err: cause})

	assert.Equal(t, Faulted, r.m.State)
	f, ok := find[effFail](fx)
	require.True(t, ok)
	assert.ErrorIs(t, f.err, ErrFaultLimitExceeded)
	assert.ErrorIs(t, f.err, cause)
	rel, ok := find[effRelease](fx)
	require.True(t, ok)
	assert.Equal(t, 7000, rel.port)
	assert.Zero(t, r.m.Port)
}

func TestMachine_SuccessResetsFaults(t *testing.T) {
	r := newRun(t, testLimits())
	r.step(evStart{})
	r.step(evPortFailed{err: errors.New("exhausted")})
	assert.Equal(t, 1, r.m.Faults)
	assert.Equal(t, Stopped, r.m.State)

	r.startedAt(7002)
	assert.Zero(t, r.m.Faults)
}

func TestMachine_ProbeBackoffIsCapped(t *testing.T) {
	l := testLimits()
	l.ProbeAttempts = 10
	r := newRun(t, l)
	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	r.step(evSpawned{gen: r.m.Gen})

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		fx := r.step(evProbe{epoch: r.m.Epoch, open: false})
		p, ok := find[effProbe](fx)
		require.True(t, ok)
		delays = append(delays, p.delay)
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, delays)
}

func TestMachine_ProbeExhaustionFaults(t *testing.T) {
	l := testLimits()
	l.ProbeAttempts = 2
	r := newRun(t, l)
	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	r.step(evSpawned{gen: r.m.Gen})

	r.step(evProbe{epoch: r.m.Epoch, open: false})
	fx := r.step(evProbe{epoch: r.m.Epoch, open: false})

	assert.Equal(t, Stopped, r.m.State)
	_, ok := find[effKill](fx)
	assert.True(t, ok)
	f, ok := find[effFail](fx)
	require.True(t, ok)
	assert.ErrorIs(t, f.err, ErrStartTimeout)
}

func TestMachine_StaleEventsAreIgnored(t *testing.T) {
	r := newRun(t, testLimits())
	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	r.step(evSpawned{gen: r.m.Gen})
	oldEpoch := r.m.Epoch
	oldGen := r.m.Gen
	r.step(evProbe{epoch: oldEpoch, open: true})
	require.Equal(t, Started, r.m.State)

	before := r.m
	for _, ev := range []event{
		evProbe{epoch: oldEpoch, open: false},
		evTimeout{epoch: oldEpoch},
		evExit{gen: oldGen - 1},
		evChanged{gen: oldGen + 1},
		evSpawned{gen: oldGen},
		evPortAllocated{port: 9999},
	} {
		fx := r.step(ev)
		assert.Empty(t, fx, "%T", ev)
	}
	assert.Equal(t, before, r.m)
}

func TestMachine_CrashRestartsAndAnnounces(t *testing.T) {
	r := newRun(t, testLimits())
	r.startedAt(7000)
	gen := r.m.Gen

	fx := r.step(evExit{gen: gen, err: errors.New("signal: killed")})
	assert.Equal(t, Starting, r.m.State)
	assert.Equal(t, gen+1, r.m.Gen)
	rel, ok := find[effRelease](fx)
	require.True(t, ok)
	assert.Equal(t, 7000, rel.port)

	r.step(evPortAllocated{port: 7003})
	r.step(evSpawned{gen: r.m.Gen})
	fx = r.step(evProbe{epoch: r.m.Epoch, open: true})
	em, ok := find[effEmit](fx)
	require.True(t, ok)
	assert.Equal(t, EventRestarted, em.ev.Type)
	assert.Equal(t, 1, r.m.Restarts)
	assert.Equal(t, 7003, r.m.Port)
}

func TestMachine_ChangeKillsAndRestarts(t *testing.T) {
	l := testLimits()
	l.Watch = true
	r := newRun(t, l)
	r.startedAt(7000)
	w, ok := find[effWatch](r.fx)
	require.True(t, ok)
	assert.Equal(t, r.m.Gen, w.gen)

	fx := r.step(evChanged{gen: r.m.Gen})
	assert.Equal(t, Restarting, r.m.State)
	_, ok = find[effKill](fx)
	assert.True(t, ok)
	_, ok = find[effUnwatch](fx)
	assert.True(t, ok)
	tm, ok := find[effTimer](fx)
	require.True(t, ok)
	assert.Equal(t, r.m.Epoch, tm.epoch)

	// the child goes away
	r.step(evExit{gen: r.m.Gen})
	assert.Equal(t, Starting, r.m.State)
	r.step(evPortAllocated{port: 7000})
	r.step(evSpawned{gen: r.m.Gen})
	fx = r.step(evProbe{epoch: r.m.Epoch, open: true})
	em, ok := find[effEmit](fx)
	require.True(t, ok)
	assert.Equal(t, EventRestarted, em.ev.Type)
}

func TestMachine_RestartTimeoutMovesOn(t *testing.T) {
	l := testLimits()
	l.Watch = true
	r := newRun(t, l)
	r.startedAt(7000)
	r.step(evChanged{gen: r.m.Gen})
	fx := r.step(evTimeout{epoch: r.m.Epoch})
	assert.Equal(t, Starting, r.m.State)
	assert.Equal(t, 1, count[effRelease](fx))
}

func TestMachine_StopGracefulAndForced(t *testing.T) {
	r := newRun(t, testLimits())
	r.startedAt(7000)

	fx := r.step(evStop{})
	assert.Equal(t, Stopping, r.m.State)
	_, ok := find[effTerminate](fx)
	assert.True(t, ok)

	fx = r.step(evExit{gen: r.m.Gen, err: errors.New("signal: terminated")})
	assert.Equal(t, Stopped, r.m.State)
	_, ok = find[effStopsDone](fx)
	assert.True(t, ok)
	em, ok := find[effEmit](fx)
	require.True(t, ok)
	assert.Equal(t, EventStopped, em.ev.Type)
	assert.Equal(t, "signal: terminated", em.ev.Status)

	// forced
	r.startedAt(7000)
	r.step(evStop{})
	fx = r.step(evTimeout{epoch: r.m.Epoch})
	assert.Equal(t, Stopped, r.m.State)
	_, ok = find[effKill](fx)
	assert.True(t, ok)
	em, ok = find[effEmit](fx)
	require.True(t, ok)
	assert.Equal(t, "killed after stop timeout", em.ev.Status)
	// the late exit is ignored
	assert.Empty(t, r.step(evExit{gen: r.m.Gen}))
}

func TestMachine_StopWhileWaitingFailsStarters(t *testing.T) {
	r := newRun(t, testLimits())
	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	r.step(evSpawned{gen: r.m.Gen})

	fx := r.step(evStop{})
	f, ok := find[effFail](fx)
	require.True(t, ok)
	assert.ErrorIs(t, f.err, ErrStopped)
	assert.Equal(t, Stopping, r.m.State)
	assert.Zero(t, r.m.Faults)
}

func TestMachine_StartDuringStoppingIsReplayed(t *testing.T) {
	r := newRun(t, testLimits())
	r.startedAt(7000)
	r.step(evStop{})
	assert.Empty(t, r.step(evStart{}))

	fx := r.step(evExit{gen: r.m.Gen})
	assert.Equal(t, Starting, r.m.State)
	_, ok := find[effAllocPort](fx)
	assert.True(t, ok)
}

func TestMachine_StopCancelsPendingStart(t *testing.T) {
	r := newRun(t, testLimits())
	r.startedAt(7000)
	r.step(evStop{})
	r.step(evStart{})
	fx := r.step(evStop{})
	f, ok := find[effFail](fx)
	require.True(t, ok)
	assert.ErrorIs(t, f.err, ErrStopped)

	r.step(evExit{gen: r.m.Gen})
	assert.Equal(t, Stopped, r.m.State)
}

func TestMachine_StopWhenStoppedIsNoop(t *testing.T) {
	r := newRun(t, testLimits())
	fx := r.step(evStop{})
	require.Len(t, fx, 1)
	_, ok := fx[0].(effStopsDone)
	assert.True(t, ok)
	assert.Equal(t, Stopped, r.m.State)
}

func TestMachine_EpochChangesOnEveryTransition(t *testing.T) {
	r := newRun(t, testLimits())
	r.startedAt(7000)
	transitions := count[effTransition](r.fx)
	assert.Equal(t, uint64(transitions), r.m.Epoch)
}

func TestStateNames(t *testing.T) {
	for _, s := range AllStates() {
		got, ok := ParseState(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseState("nope")
	assert.False(t, ok)
	assert.Equal(t, "state(42)", State(42).String())
}

func emitted(fx []effect) []EventType {
	var out []EventType
	for _, f := range fx {
		if e, ok := f.(effEmit); ok {
			out = append(out, e.ev.Type)
		}
	}
	return out
}

func TestMachine_ErrorOnlyOnceBudgetIsSpent(t *testing.T) {
	l := testLimits()
	l.MaxFaults = 1
	r := newRun(t, l)

	// recoverable: booked, announced as stopped with the cause
	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	fx := r.step(evSpawnFailed{err: errors.New("boom")})
	assert.Equal(t, Stopped, r.m.State)
	assert.Equal(t, []EventType{EventStopped}, emitted(fx))
	assert.Equal(t, 1, count[effFaulted](fx))
	em, _ := find[effEmit](fx)
	assert.Equal(t, "boom", em.ev.Status)

	// sticky: exactly one error carrying the limit and the cause
	r.step(evStart{})
	r.step(evPortAllocated{port: 7000})
	fx = r.step(evSpawnFailed{err: errors.New("boom again")})
	assert.Equal(t, Faulted, r.m.State)
	assert.Equal(t, []EventType{EventError}, emitted(fx))
	em, _ = find[effEmit](fx)
	assert.ErrorIs(t, em.ev.Err, ErrFaultLimitExceeded)
	assert.Contains(t, em.ev.Err.Error(), "boom again")

	// the stop that clears it reports no child status
	fx = r.step(evStop{})
	em, ok := find[effEmit](fx)
	require.True(t, ok)
	assert.Equal(t, EventStopped, em.ev.Type)
	assert.Empty(t, em.ev.Status)
}
