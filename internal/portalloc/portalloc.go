// Package portalloc hands out TCP ports to supervised children.
//
// Two strategies exist. Dynamic scans a range for a port the OS reports free
// and remembers which ports it already handed out, so two children never get
// the same port even before either has bound it. Static assigns each key a
// fixed port from a monotonically increasing counter and never reclaims it.
package portalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// ErrNoPortsAvailable is returned when the range holds no usable port.
var ErrNoPortsAvailable = errors.New("no ports available")

const (
	DefaultFrom = 7000
	DefaultTo   = 7999
)

// Range is an inclusive port interval.
type Range struct {
	From int `mapstructure:"from" json:"from"`
	To   int `mapstructure:"to" json:"to"`
}

// DefaultRange returns [7000, 7999].
func DefaultRange() Range { return Range{From: DefaultFrom, To: DefaultTo} }

// Valid reports whether r describes a usable interval.
func (r Range) Valid() bool {
	return r.From > 0 && r.To >= r.From && r.To <= 65535
}

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.From, r.To) }

// Allocator is the port source used by supervisors.
type Allocator interface {
	Alloc(key string) (int, error)
	AllocIn(key string, r Range) (int, error)
	Free(port int)
	Claimed() map[int]string
}

// Checker reports whether port is free for binding according to the OS.
type Checker func(port int) bool

// ListenChecker returns a Checker that tries to bind host:port and closes the
// listener immediately.
func ListenChecker(host string) Checker {
	return func(port int) bool {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
}

// Option configures a Dynamic allocator.
type Option func(*Dynamic)

// WithChecker replaces the OS free-port probe.
func WithChecker(c Checker) Option { return func(d *Dynamic) { d.check = c } }

// WithLogger sets the logger used for allocation events.
func WithLogger(l *slog.Logger) Option { return func(d *Dynamic) { d.log = l } }

// WithObserver registers a callback invoked after every claim change with the
// number of currently claimed ports.
func WithObserver(fn func(claimed int)) Option { return func(d *Dynamic) { d.observe = fn } }

// Dynamic allocates the lowest free port of a range.
type Dynamic struct {
	mu      sync.Mutex
	rng     Range
	claimed map[int]string
	check   Checker
	log     *slog.Logger
	observe func(int)
}

// NewDynamic returns a Dynamic allocator over r. An invalid r falls back to
// DefaultRange.
func NewDynamic(r Range, opts ...Option) *Dynamic {
	if !r.Valid() {
		r = DefaultRange()
	}
	d := &Dynamic{
		rng:     r,
		claimed: make(map[int]string),
		check:   ListenChecker("127.0.0.1"),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Range returns the default range of the allocator.
func (d *Dynamic) Range() Range { return d.rng }

func (d *Dynamic) Alloc(key string) (int, error) { return d.AllocIn(key, d.rng) }

// AllocIn finds the lowest port in r that the checker reports free and is not
// claimed locally. When the free port found is already claimed the scan
// resumes from the next port.
func (d *Dynamic) AllocIn(key string, r Range) (int, error) {
	if !r.Valid() {
		r = d.rng
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for from := r.From; from <= r.To; {
		port, ok := d.scan(from, r.To)
		if !ok {
			break
		}
		if owner, taken := d.claimed[port]; taken {
			d.log.Debug("port already claimed, retrying", "port", port, "owner", owner, "key", key)
			from = port + 1
			continue
		}
		d.claimed[port] = key
		d.log.Debug("port allocated", "port", port, "key", key)
		d.notify()
		return port, nil
	}
	d.log.Warn("port range exhausted", "range", r.String(), "key", key)
	return 0, fmt.Errorf("%w in %s", ErrNoPortsAvailable, r)
}

// scan returns the first port in [from,to] the checker reports free.
func (d *Dynamic) scan(from, to int) (int, bool) {
	for p := from; p <= to; p++ {
		if _, mine := d.claimed[p]; mine {
			continue
		}
		if d.check(p) {
			return p, true
		}
	}
	return 0, false
}

// Free releases a claim. Freeing an unclaimed port is a no-op.
func (d *Dynamic) Free(port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claimed[port]; !ok {
		return
	}
	delete(d.claimed, port)
	d.log.Debug("port released", "port", port)
	d.notify()
}

func (d *Dynamic) Claimed() map[int]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]string, len(d.claimed))
	for p, k := range d.claimed {
		out[p] = k
	}
	return out
}

func (d *Dynamic) notify() {
	if d.observe != nil {
		d.observe(len(d.claimed))
	}
}

// Static assigns every key a port once and keeps it for the process lifetime.
type Static struct {
	mu    sync.Mutex
	rng   Range
	next  int
	ports map[string]int
	log   *slog.Logger
}

// NewStatic returns a Static allocator over r.
func NewStatic(r Range, l *slog.Logger) *Static {
	if !r.Valid() {
		r = DefaultRange()
	}
	if l == nil {
		l = slog.Default()
	}
	return &Static{rng: r, next: r.From, ports: make(map[string]int), log: l}
}

func (s *Static) Alloc(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.ports[key]; ok {
		return p, nil
	}
	if s.next > s.rng.To {
		return 0, fmt.Errorf("%w in %s", ErrNoPortsAvailable, s.rng)
	}
	p := s.next
	s.next++
	s.ports[key] = p
	s.log.Debug("static port assigned", "port", p, "key", key)
	return p, nil
}

// AllocIn ignores r: static assignments always come from the allocator range.
func (s *Static) AllocIn(key string, _ Range) (int, error) { return s.Alloc(key) }

// Free is a no-op; static ports stay reserved for their key.
func (s *Static) Free(int) {}

func (s *Static) Claimed() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.ports))
	for k, p := range s.ports {
		out[p] = k
	}
	return out
}
