// Package registry keeps one spinner per application name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/nploy/internal/env"
	"github.com/loykin/nploy/internal/history"
	"github.com/loykin/nploy/internal/portalloc"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/spinner"
)

var (
	ErrNotFound  = errors.New("spinner not found")
	ErrEmptyName = errors.New("spinner name is empty")
	ErrClosed    = errors.New("registry closed")
)

// Descriptor is the status of one spinner as reported to clients.
type Descriptor struct {
	Name      string       `json:"name"`
	Status    string       `json:"status"`
	State     string       `json:"state"`
	Port      int          `json:"port"`
	PID       int          `json:"pid"`
	RunID     string       `json:"run_id,omitempty"`
	Faults    int          `json:"faults"`
	Restarts  int          `json:"restarts"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Command   string       `json:"command"`
	Spec      process.Spec `json:"spec"`
}

// CoarseStatus folds the transient start states into "starting".
func CoarseStatus(s spinner.State) string {
	switch s {
	case spinner.Starting, spinner.Waiting:
		return "starting"
	default:
		return s.String()
	}
}

func describe(s spinner.Snapshot) Descriptor {
	return Descriptor{
		Name:      s.Name,
		Status:    CoarseStatus(s.State),
		State:     s.State.String(),
		Port:      s.Port,
		PID:       s.PID,
		RunID:     s.RunID,
		Faults:    s.Faults,
		Restarts:  s.Restarts,
		StartedAt: s.StartedAt,
		LastError: s.LastError,
		Command:   s.Spec.CommandLine(),
		Spec:      s.Spec,
	}
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithHistory attaches a recorder that receives lifecycle events of every spinner.
func WithHistory(h *history.Recorder) Option { return func(r *Registry) { r.hist = h } }

// WithProbe replaces the readiness probe; host is the address probed.
func WithProbe(p spinner.ProbeFunc, host string) Option {
	return func(r *Registry) {
		r.probe = p
		r.probeHost = host
	}
}

// WithTransitionHook is called on every state change of every spinner.
func WithTransitionHook(fn func(name string, from, to spinner.State)) Option {
	return func(r *Registry) { r.onTransition = fn }
}

// Registry owns the spinners. It is safe for concurrent use.
type Registry struct {
	alloc        portalloc.Allocator
	log          *slog.Logger
	hist         *history.Recorder
	probe        spinner.ProbeFunc
	probeHost    string
	onTransition func(name string, from, to spinner.State)

	mu       sync.RWMutex
	envMu    sync.RWMutex
	envM     *env.Env
	spinners map[string]*spinner.Spinner
	closed   bool
}

func New(alloc portalloc.Allocator, opts ...Option) *Registry {
	r := &Registry{
		alloc:    alloc,
		log:      slog.Default(),
		envM:     env.New(),
		spinners: make(map[string]*spinner.Spinner),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetGlobalEnv sets variables passed to every child spawned afterwards,
// including restarts of names that already exist.
// kvs must be in the form "KEY=VALUE".
func (r *Registry) SetGlobalEnv(kvs []string) {
	r.envMu.Lock()
	defer r.envMu.Unlock()
	e := r.envM
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e = e.WithSet(kv[:i], kv[i+1:])
		}
	}
	r.envM = e
}

func (r *Registry) globalEnv() *env.Env {
	r.envMu.RLock()
	defer r.envMu.RUnlock()
	return r.envM
}

// Allocator returns the allocator shared by all spinners.
func (r *Registry) Allocator() portalloc.Allocator { return r.alloc }

// Start returns the port of the named child, starting it when needed.
// A stopped spinner takes the supplied spec before starting.
func (r *Registry) Start(ctx context.Context, spec process.Spec) (int, error) {
	sp, err := r.ensure(spec)
	if err != nil {
		return 0, err
	}
	return sp.Start(ctx)
}

func (r *Registry) ensure(spec process.Spec) (*spinner.Spinner, error) {
	if spec.Name == "" {
		return nil, ErrEmptyName
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	sp, ok := r.spinners[spec.Name]
	if !ok {
		sp = spinner.New(spec.Name, spec, spinner.Deps{
			Alloc:        r.alloc,
			Env:          r.globalEnv,
			Logger:       r.log,
			History:      r.hist,
			Probe:        r.probe,
			ProbeHost:    r.probeHost,
			OnTransition: r.onTransition,
		})
		r.spinners[spec.Name] = sp
		r.mu.Unlock()
		r.log.Debug("spinner created", "spinner", spec.Name)
		return sp, nil
	}
	r.mu.Unlock()

	if sp.Snapshot().State == spinner.Stopped {
		// ErrBusy here means a concurrent caller already moved it on
		if err := sp.Refresh(spec); err != nil && !errors.Is(err, spinner.ErrBusy) {
			return nil, err
		}
	}
	return sp, nil
}

// Stop stops the named spinner and waits until it is stopped.
func (r *Registry) Stop(ctx context.Context, name string) error {
	sp, ok := r.Spinner(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return sp.Stop(ctx)
}

// StopAll stops every spinner concurrently and waits for all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range r.all() {
		g.Go(func() error {
			if err := sp.Stop(gctx); err != nil {
				return fmt.Errorf("stop %s: %w", sp.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) Get(name string) (Descriptor, bool) {
	sp, ok := r.Spinner(name)
	if !ok {
		return Descriptor{}, false
	}
	return describe(sp.Snapshot()), true
}

func (r *Registry) List() map[string]Descriptor {
	out := make(map[string]Descriptor)
	for _, sp := range r.all() {
		out[sp.Name()] = describe(sp.Snapshot())
	}
	return out
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.spinners))
	for n := range r.spinners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Spinner(name string) (*spinner.Spinner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.spinners[name]
	return sp, ok
}

// PIDs maps names of live children to their pids. Zombies are left out.
func (r *Registry) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, sp := range r.all() {
		if c := sp.Child(); c != nil && c.Alive() {
			out[sp.Name()] = int32(c.PID())
		}
	}
	return out
}

func (r *Registry) all() []*spinner.Spinner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*spinner.Spinner, 0, len(r.spinners))
	for _, sp := range r.spinners {
		out = append(out, sp)
	}
	return out
}

// Close stops every child and ends all spinner goroutines. Start fails afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var g errgroup.Group
	for _, sp := range r.all() {
		g.Go(func() error { return sp.Close(ctx) })
	}
	return g.Wait()
}
