// Package router maps request keys (hostnames or application names) to
// running children, starting them on first use and killing them when idle.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"vawter.tech/stopper"

	"github.com/loykin/nploy/internal/history"
	"github.com/loykin/nploy/internal/metrics"
	"github.com/loykin/nploy/internal/process"
	"github.com/loykin/nploy/internal/registry"
	"github.com/loykin/nploy/internal/spinner"
)

const (
	DefaultIdleTimeout   = 15 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultHost          = "127.0.0.1"

	sweepTimeout = 30 * time.Second
)

// ErrNotFound is returned for keys without a route.
var ErrNotFound = errors.New("route not found")

// Mode selects how keys are interpreted.
type Mode string

const (
	// ModeHostname treats keys as hostnames and normalises a leading "www.".
	ModeHostname Mode = "hostname"
	// ModeApp uses keys verbatim.
	ModeApp Mode = "app"
)

// Options configures a Router.
type Options struct {
	Mode          Mode
	Dir           string // base for relative scripts
	Host          string // host returned in endpoints
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// Defaults is the spec every route starts from; Name and Script are
	// filled per route.
	Defaults process.Spec
	Logger   *slog.Logger
	History  *history.Recorder
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeHostname
	}
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Endpoint is the answer of GetRoute: either an address or a redirect.
type Endpoint struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// RouteInfo describes a configured route.
type RouteInfo struct {
	Key        string    `json:"key"`
	Script     string    `json:"script"`
	WWW        bool      `json:"www"`
	Status     string    `json:"status"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	LastAccess time.Time `json:"last_access,omitempty"`
}

type route struct {
	key        string
	www        bool
	spec       process.Spec
	lastAccess atomic.Int64 // unix nanos, 0 when never accessed since the last kill
}

func (rt *route) touch() { rt.lastAccess.Store(time.Now().UnixNano()) }

// Router is safe for concurrent use.
type Router struct {
	reg  *registry.Registry
	opts Options
	log  *slog.Logger
	sctx *stopper.Context

	mu     sync.RWMutex
	routes map[string]*route
}

// New returns a router over reg and starts its idle reaper.
func New(reg *registry.Registry, opts Options) *Router {
	opts = opts.withDefaults()
	r := &Router{
		reg:    reg,
		opts:   opts,
		log:    opts.Logger.With("component", "router"),
		sctx:   stopper.WithContext(context.Background()),
		routes: make(map[string]*route),
	}
	r.sctx.Go(r.reap)
	return r
}

// Options returns the effective options.
func (r *Router) Options() Options { return r.opts }

// normalise strips "www." in hostname mode and reports whether it was there.
func (r *Router) normalise(key string) (string, bool) {
	if r.opts.Mode != ModeHostname {
		return key, false
	}
	key = strings.ToLower(key)
	if rest, ok := strings.CutPrefix(key, "www."); ok {
		return rest, true
	}
	return key, false
}

// SetRoute adds or replaces the route for key. A running child keeps its
// old spec until it is stopped.
func (r *Router) SetRoute(key string, target Target) {
	name, www := r.normalise(key)
	rt := &route{key: name, www: www, spec: r.specFor(name, target)}
	r.mu.Lock()
	r.routes[name] = rt
	r.mu.Unlock()
	r.log.Debug("route set", "route", name, "www", www, "script", rt.spec.Script)
}

func (r *Router) SetRoutes(m map[string]Target) {
	for k, t := range m {
		r.SetRoute(k, t)
	}
}

// ClearRoutes forgets every route. Running children are not stopped.
func (r *Router) ClearRoutes() {
	r.mu.Lock()
	r.routes = make(map[string]*route)
	r.mu.Unlock()
}

func (r *Router) specFor(name string, t Target) process.Spec {
	spec := r.opts.Defaults
	spec.Name = name
	if t.Command != "" {
		spec.Command = t.Command
	}
	spec.Script = r.resolve(t.Script)
	if len(t.Args) > 0 {
		spec.Args = append([]string(nil), t.Args...)
	}
	spec.Env = append(append([]string(nil), spec.Env...), t.Env...)
	if spec.Script != "" {
		spec.WorkDir = filepath.Dir(spec.Script)
	}
	if t.WorkDir != "" {
		spec.WorkDir = r.resolve(t.WorkDir)
	}
	return t.Options.apply(spec)
}

func (r *Router) resolve(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.opts.Dir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func (r *Router) lookup(key string) (*route, bool, error) {
	name, www := r.normalise(key)
	r.mu.RLock()
	rt, ok := r.routes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, www, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rt, www, nil
}

// GetRoute resolves key to an endpoint, starting the child when needed.
// A www mismatch yields a redirect and starts nothing.
func (r *Router) GetRoute(ctx context.Context, key string) (Endpoint, error) {
	rt, www, err := r.lookup(key)
	if err != nil {
		return Endpoint{}, err
	}
	switch {
	case www && !rt.www:
		return Endpoint{Redirect: rt.key}, nil
	case !www && rt.www:
		return Endpoint{Redirect: "www." + rt.key}, nil
	}
	rt.touch()
	port, err := r.reg.Start(ctx, rt.spec)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: r.opts.Host, Port: port}, nil
}

// Kill stops the child of key. Killing a route that is not running succeeds.
func (r *Router) Kill(ctx context.Context, key string) error {
	rt, _, err := r.lookup(key)
	if err != nil {
		return err
	}
	return r.kill(ctx, rt)
}

func (r *Router) kill(ctx context.Context, rt *route) error {
	rt.lastAccess.Store(0)
	err := r.reg.Stop(ctx, rt.key)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return err
}

// GetChild returns the running child of key, or nil when none runs.
func (r *Router) GetChild(key string) (*process.Process, error) {
	rt, _, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	sp, ok := r.reg.Spinner(rt.key)
	if !ok {
		return nil, nil
	}
	return sp.Child(), nil
}

// GetPID returns the pid of the running child of key, or 0.
func (r *Router) GetPID(key string) (int, error) {
	c, err := r.GetChild(key)
	if err != nil || c == nil {
		return 0, err
	}
	return c.PID(), nil
}

// Routes lists routes sorted by key.
func (r *Router) Routes() []RouteInfo {
	r.mu.RLock()
	out := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		info := RouteInfo{Key: rt.key, Script: rt.spec.Script, WWW: rt.www, Status: spinner.Stopped.String()}
		if la := rt.lastAccess.Load(); la > 0 {
			info.LastAccess = time.Unix(0, la)
		}
		if d, ok := r.reg.Get(rt.key); ok {
			info.Status = d.Status
			info.Port = d.Port
			info.PID = d.PID
		}
		out = append(out, info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Router) snapshot() []*route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	return out
}

func (r *Router) reap(sctx *stopper.Context) error {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-sctx.Stopping():
			return nil
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			r.sweep(ctx)
			cancel()
		}
	}
}

// sweep kills every started route idle for longer than IdleTimeout and
// waits for all kills, so sweeps never overlap.
func (r *Router) sweep(ctx context.Context) {
	now := time.Now()
	var g errgroup.Group
	for _, rt := range r.snapshot() {
		la := rt.lastAccess.Load()
		if la == 0 || now.Sub(time.Unix(0, la)) <= r.opts.IdleTimeout {
			continue
		}
		d, ok := r.reg.Get(rt.key)
		if !ok || d.State != spinner.Started.String() {
			continue
		}
		g.Go(func() error {
			if err := r.kill(ctx, rt); err != nil {
				r.log.Warn("idle kill failed", "route", rt.key, "error", err)
				return nil
			}
			metrics.IncIdleKill(rt.key)
			r.recordIdle(d)
			r.log.Info("idled", "route", rt.key, "port", d.Port)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) recordIdle(d registry.Descriptor) {
	if r.opts.History == nil {
		return
	}
	_ = r.opts.History.Record(history.Event{Type: history.EventIdled, Record: history.Record{
		Name:     d.Name,
		RunID:    d.RunID,
		PID:      d.PID,
		Port:     d.Port,
		State:    spinner.Stopped.String(),
		Restarts: d.Restarts,
		Faults:   d.Faults,
	}})
}

// Close stops the reaper and kills every route's child concurrently.
func (r *Router) Close(ctx context.Context) error {
	r.sctx.Stop(time.Second)
	_ = r.sctx.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range r.snapshot() {
		g.Go(func() error { return r.kill(gctx, rt) })
	}
	return g.Wait()
}
