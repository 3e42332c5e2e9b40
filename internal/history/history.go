// Package history exports supervisor lifecycle events to external systems.
// Sinks are write-only; nothing is ever read back to restore state.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventRestarted EventType = "restarted"
	EventStopped   EventType = "stopped"
	EventFaulted   EventType = "faulted"
	EventIdled     EventType = "idled"
)

// Record describes the child incarnation an event refers to.
type Record struct {
	Name     string `json:"name"`
	RunID    string `json:"run_id"`
	PID      int    `json:"pid"`
	Port     int    `json:"port"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	Faults   int    `json:"faults"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("history recorder closed")

const (
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

// Recorder fans events out to sinks from a background goroutine so that
// supervisors never block on slow destinations. Failures are logged.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRecorder starts a recorder over sinks. A nil logger uses slog.Default.
func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		log:     l,
		timeout: defaultTimeout,
		queue:   make(chan Event, defaultQueue),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. When the queue is full the event is dropped and logged.
func (r *Recorder) Record(e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, event dropped", "type", e.Type, "name", e.Record.Name)
	}
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "type", e.Type, "name", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
