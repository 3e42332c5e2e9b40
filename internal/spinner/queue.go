package spinner

import "sync"

// queue is an unbounded multi-producer single-consumer FIFO. Producers never
// block, so timers and exit waiters cannot stall on a busy supervisor.
type queue struct {
	mu     sync.Mutex
	items  []request
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(r request) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) ready() <-chan struct{} { return q.signal }

func (q *queue) drain() []request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
