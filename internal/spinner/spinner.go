// Package spinner supervises one on-demand child process.
//
// Each Spinner runs a single goroutine that owns the child, its port and its
// timers. Requests and asynchronous results are queued to that goroutine and
// applied to a pure state machine (Machine.Step); the effects it returns are
// executed in order by the goroutine.
package spinner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/nploy/internal/env"
	"github.com/loykin/nploy/internal/history"
	"github.com/loykin/nploy/internal/metrics"
	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/watch"
)

// ProbeFunc reports whether something accepts TCP connections on host:port.
type ProbeFunc func(ctx context.Context, host string, port int) bool

// DialProbe is the default readiness probe.
func DialProbe(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: time.Second}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Deps are the collaborators shared by all spinners of a registry.
type Deps struct {
	Alloc     portalloc.Allocator
	// Env yields the environment base at each spawn.
	Env       func() *env.Env
	Logger    *slog.Logger
	History   *history.Recorder
	Probe     ProbeFunc
	ProbeHost string
	// WatchDebounce overrides the watcher debounce window.
	WatchDebounce time.Duration
	// OnTransition is called from the supervisor goroutine on every state change.
	OnTransition func(name string, from, to State)
}

// Snapshot is a consistent view of a spinner for readers.
type Snapshot struct {
	Name      string       `json:"name"`
	State     State        `json:"-"`
	StateName string       `json:"state"`
	Port      int          `json:"port"`
	PID       int          `json:"pid"`
	RunID     string       `json:"run_id,omitempty"`
	Faults    int          `json:"faults"`
	Restarts  int          `json:"restarts"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Spec      process.Spec `json:"spec"`
}

type startResult struct {
	port int
	err  error
}

type request struct {
	ev      event
	start   chan startResult
	stop    chan error
	refresh *refreshReq
}

type refreshReq struct {
	spec  process.Spec
	reply chan error
}

// Spinner supervises one named child.
type Spinner struct {
	name string
	deps Deps
	log  *slog.Logger

	inbox   *queue
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	// owned by the loop goroutine
	m          Machine
	spec       process.Spec
	child      *process.Process
	watcher    *watch.Watcher
	timers     []*time.Timer
	starts     []chan startResult
	stops      []chan error
	startBegan time.Time

	mu    sync.RWMutex
	snap  Snapshot
	shown *process.Process

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates a stopped spinner and starts its goroutine.
func New(name string, spec process.Spec, deps Deps) *Spinner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Env == nil {
		base := env.New()
		deps.Env = func() *env.Env { return base }
	}
	if deps.Probe == nil {
		deps.Probe = DialProbe
	}
	if deps.ProbeHost == "" {
		deps.ProbeHost = "127.0.0.1"
	}
	spec.Name = name
	spec = spec.WithDefaults()
	s := &Spinner{
		name:    name,
		deps:    deps,
		log:     deps.Logger.With("spinner", name),
		inbox:   newQueue(),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		spec:    spec,
		subs:    make(map[int]chan Event),
	}
	s.m = Machine{Name: name, Limits: limitsOf(spec)}
	s.publish()
	go s.run()
	return s
}

func limitsOf(spec process.Spec) Limits {
	return Limits{
		MaxFaults:       spec.FaultAttempts,
		ProbeAttempts:   spec.ProbeAttempts,
		ProbeInterval:   spec.ProbeInterval,
		ProbeMaxBackoff: spec.ProbeMaxBackoff,
		StopTimeout:     spec.StopTimeout,
		Watch:           spec.Watch != "",
	}
}

func (s *Spinner) Name() string { return s.name }

// Start ensures the child is running and ready and returns its port.
// Concurrent callers share one attempt.
func (s *Spinner) Start(ctx context.Context) (int, error) {
	reply := make(chan startResult, 1)
	if !s.post(request{ev: evStart{}, start: reply}) {
		return 0, ErrClosed
	}
	select {
	case r := <-reply:
		return r.port, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrClosed
	}
}

// Stop terminates the child and returns once the spinner is stopped.
// Stopping a stopped spinner succeeds immediately.
func (s *Spinner) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.post(request{ev: evStop{}, stop: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Refresh replaces the spec. It fails with ErrBusy unless the spinner is stopped.
func (s *Spinner) Refresh(spec process.Spec) error {
	reply := make(chan error, 1)
	if !s.post(request{refresh: &refreshReq{spec: spec, reply: reply}}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Close stops the child and ends the supervisor goroutine.
func (s *Spinner) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.once.Do(func() { close(s.closing) })
	select {
	case <-s.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Snapshot returns the latest published view.
func (s *Spinner) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Child returns the current child handle, or nil when none is running.
func (s *Spinner) Child() *process.Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shown
}

// Subscribe returns a channel of lifecycle events and a cancel function.
// Events are dropped for subscribers whose buffer is full.
func (s *Spinner) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
}

func (s *Spinner) post(r request) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	s.inbox.push(r)
	return true
}

// postEvent is used by timers, probes, watchers and exit waiters.
func (s *Spinner) postEvent(ev event) { s.inbox.push(request{ev: ev}) }

func (s *Spinner) run() {
	defer close(s.done)
	for {
		select {
		case <-s.inbox.ready():
			for _, r := range s.inbox.drain() {
				s.handle(r)
			}
		case <-s.closing:
			s.shutdown()
			return
		}
	}
}

func (s *Spinner) shutdown() {
	s.cancelTimers()
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.child != nil {
		if err := s.child.Stop(s.spec.StopTimeout); err != nil {
			s.log.Warn("child outlived close", "error", err)
		}
	}
	for _, w := range s.starts {
		w <- startResult{err: ErrClosed}
	}
	s.starts = nil
	for _, w := range s.stops {
		w <- nil
	}
	s.stops = nil
	s.subMu.Lock()
	for id, c := range s.subs {
		close(c)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}

func (s *Spinner) handle(r request) {
	switch {
	case r.refresh != nil:
		r.refresh.reply <- s.refresh(r.refresh.spec)
		return
	case r.start != nil:
		s.starts = append(s.starts, r.start)
	case r.stop != nil:
		s.stops = append(s.stops, r.stop)
	}
	s.step(r.ev)
}

func (s *Spinner) refresh(spec process.Spec) error {
	if s.m.State != Stopped {
		return fmt.Errorf("%w: %s is %s", ErrBusy, s.name, s.m.State)
	}
	spec.Name = s.name
	s.spec = spec.WithDefaults()
	s.m.Limits = limitsOf(s.spec)
	s.publish()
	return nil
}

// step feeds ev and every event produced synchronously by its effects
// through the machine before anything else is dequeued.
func (s *Spinner) step(ev event) {
	pending := []event{ev}
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]
		next, fx := s.m.Step(cur)
		s.m = next
		for _, f := range fx {
			if out := s.exec(f); out != nil {
				pending = append(pending, out)
			}
		}
	}
	s.publish()
}

func (s *Spinner) exec(f effect) event {
	switch e := f.(type) {
	case effTransition:
		s.transition(e.from, e.to)
	case effAllocPort:
		port, err := s.deps.Alloc.AllocIn(s.name, s.spec.PortRange)
		if err != nil {
			return evPortFailed{err: err}
		}
		return evPortAllocated{port: port}
	case effSpawn:
		return s.spawn(e.port, e.gen)
	case effProbe:
		s.scheduleProbe(e)
	case effTerminate:
		if s.child != nil {
			if err := s.child.Terminate(); err != nil {
				s.log.Warn("terminate failed", "error", err)
			}
		}
	case effKill:
		if s.child != nil {
			if err := s.child.Kill(); err != nil {
				s.log.Warn("kill failed", "error", err)
			}
		}
	case effTimer:
		epoch := e.epoch
		s.timers = append(s.timers, time.AfterFunc(e.d, func() { s.postEvent(evTimeout{epoch: epoch}) }))
	case effWatch:
		s.startWatch(e.gen)
	case effUnwatch:
		if s.watcher != nil {
			_ = s.watcher.Close()
			s.watcher = nil
		}
	case effRelease:
		if e.port != 0 {
			s.deps.Alloc.Free(e.port)
		}
		s.child = nil
	case effEmit:
		s.emit(e.ev)
	case effResolve:
		for _, w := range s.starts {
			w <- startResult{port: e.port}
		}
		s.starts = nil
	case effFail:
		for _, w := range s.starts {
			w <- startResult{err: &StartError{Name: s.name, Err: e.err}}
		}
		s.starts = nil
	case effStopsDone:
		for _, w := range s.stops {
			w <- nil
		}
		s.stops = nil
	case effFaulted:
		metrics.IncFault(s.name)
		s.lastErr(e.cause)
		s.record(history.EventFaulted, e.cause.Error())
		s.log.Warn("start failed", "error", e.cause, "faults", e.faults)
	}
	return nil
}

func (s *Spinner) spawn(port int, gen uint64) event {
	child, err := process.Spawn(s.spec, process.SpawnOptions{
		Env:    s.deps.Env().ForChild(s.spec.Env, port),
		Port:   port,
		Logger: s.deps.Logger,
	})
	if err != nil {
		s.log.Warn("spawn failed", "port", port, "error", err)
		return evSpawnFailed{err: err}
	}
	s.child = child
	s.log.Info("child spawned", "port", port, "pid", child.PID(), "run", child.RunID())
	go func() {
		<-child.Done()
		s.postEvent(evExit{gen: gen, err: child.ExitErr()})
	}()
	return evSpawned{gen: gen}
}

func (s *Spinner) scheduleProbe(e effProbe) {
	probe := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		open := s.deps.Probe(ctx, s.deps.ProbeHost, e.port)
		s.postEvent(evProbe{epoch: e.epoch, open: open})
	}
	if e.delay <= 0 {
		go probe()
		return
	}
	s.timers = append(s.timers, time.AfterFunc(e.delay, probe))
}

func (s *Spinner) startWatch(gen uint64) {
	w, err := watch.New(context.Background(), s.spec.Watch, func() {
		s.postEvent(evChanged{gen: gen})
	}, watch.Options{Debounce: s.deps.WatchDebounce, Logger: s.deps.Logger})
	if err != nil {
		s.log.Warn("watch failed", "path", s.spec.Watch, "error", err)
		return
	}
	s.watcher = w
}

func (s *Spinner) cancelTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// transition runs on every state change: timers of the old state die here.
func (s *Spinner) transition(from, to State) {
	s.cancelTimers()
	s.log.Debug("state change", "from", from.String(), "to", to.String())
	metrics.RecordStateTransition(s.name, from.String(), to.String())
	metrics.SetCurrentState(s.name, from.String(), false)
	metrics.SetCurrentState(s.name, to.String(), true)
	if s.deps.OnTransition != nil {
		s.deps.OnTransition(s.name, from, to)
	}

	switch to {
	case Starting:
		if from == Stopped || from == Restarting {
			s.startBegan = time.Now()
		}
	case Started:
		s.clearErr()
		metrics.ObserveStartDuration(s.name, time.Since(s.startBegan).Seconds())
	case Stopped:
		if from == Stopping {
			metrics.IncStop(s.name)
		}
	}
}

func (s *Spinner) record(typ history.EventType, errText string) {
	if s.deps.History == nil {
		return
	}
	rec := history.Record{
		Name:     s.name,
		Port:     s.m.Port,
		State:    s.m.State.String(),
		Restarts: s.m.Restarts,
		Faults:   s.m.Faults,
		Error:    errText,
	}
	if s.child != nil {
		rec.PID = s.child.PID()
		rec.RunID = s.child.RunID()
	}
	if err := s.deps.History.Record(history.Event{Type: typ, Record: rec}); err != nil {
		s.log.Debug("history not recorded", "error", err)
	}
}

func (s *Spinner) emit(ev Event) {
	ev.Time = time.Now()
	switch ev.Type {
	case EventStarted:
		metrics.IncStart(s.name)
		s.record(history.EventStarted, "")
		s.log.Info("child ready", "port", ev.Port)
	case EventRestarted:
		metrics.IncRestart(s.name)
		s.record(history.EventRestarted, "")
		s.log.Info("child restarted", "port", ev.Port, "restarts", s.m.Restarts)
	case EventError:
		s.lastErr(ev.Err)
		s.log.Error("fault limit exceeded, stop required", "error", ev.Err, "faults", s.m.Faults)
	case EventStopped:
		s.record(history.EventStopped, "")
		s.log.Info("stopped", "status", ev.Status)
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, c := range s.subs {
		select {
		case c <- ev:
		default:
			s.log.Debug("subscriber full, event dropped", "event", string(ev.Type))
		}
	}
}

// error bookkeeping for snapshots

func (s *Spinner) lastErr(err error) {
	s.mu.Lock()
	s.snap.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Spinner) clearErr() {
	s.mu.Lock()
	s.snap.LastError = ""
	s.mu.Unlock()
}

func (s *Spinner) publish() {
	snap := Snapshot{
		Name:      s.name,
		State:     s.m.State,
		StateName: s.m.State.String(),
		Port:      s.m.Port,
		Faults:    s.m.Faults,
		Restarts:  s.m.Restarts,
		Spec:      s.spec,
	}
	if s.child != nil {
		st := s.child.Snapshot()
		snap.PID = st.PID
		snap.RunID = st.RunID
		snap.StartedAt = st.StartedAt
	}
	s.mu.Lock()
	snap.LastError = s.snap.LastError
	s.snap = snap
	s.shown = s.child
	s.mu.Unlock()
}

// IsStartError reports whether err came from a failed start of any spinner.
func IsStartError(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}
