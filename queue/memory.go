package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// Broker holds the in-process queues. Handles opened on the same Broker with
// the same name share one FIFO.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*fifo
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*fifo)}
}

func (b *Broker) fifo(name string) *fifo {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.queues[name]
	if !ok {
		f = &fifo{wake: make(chan struct{})}
		b.queues[name] = f
	}
	return f
}

// Open returns a handle on one side of the named queue
func (b *Broker) Open(name string, side Side) *MemoryQueue {
	return &MemoryQueue{name: name, side: side, fifo: b.fifo(name)}
}

// Depth returns the number of units waiting on name
func (b *Broker) Depth(name string) int {
	return b.fifo(name).len()
}

// Contents returns copies of the units waiting on name, oldest first
func (b *Broker) Contents(name string) []*unit.Unit {
	f := b.fifo(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*unit.Unit, len(f.items))
	for i, u := range f.items {
		out[i] = u.Clone()
	}
	return out
}

// fifo is a mutex-guarded slice. wake is closed and replaced on every push so
// any number of pollers can wait without a goroutine per waiter.
type fifo struct {
	mu    sync.Mutex
	items []*unit.Unit
	wake  chan struct{}
}

func (f *fifo) push(u *unit.Unit) {
	f.mu.Lock()
	f.items = append(f.items, u)
	close(f.wake)
	f.wake = make(chan struct{})
	f.mu.Unlock()
}

// pop returns the head, or nil and the channel that signals the next push
func (f *fifo) pop() (*unit.Unit, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return nil, f.wake
	}
	u := f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]
	return u, nil
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// MemoryQueue is a handle on a Broker queue
type MemoryQueue struct {
	name   string
	side   Side
	fifo   *fifo
	closed atomic.Bool
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Name() string { return q.name }
func (q *MemoryQueue) Side() Side   { return q.side }

// Put appends a copy of u
func (q *MemoryQueue) Put(ctx context.Context, u *unit.Unit) error {
	if err := checkSide(q.name, q.side, InputSide, "Put"); err != nil {
		return err
	}
	if q.closed.Load() {
		return errors.ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.fifo.push(u.Clone())
	return nil
}

// Poll removes the oldest unit, waiting up to timeout
func (q *MemoryQueue) Poll(ctx context.Context, timeout time.Duration) (*unit.Unit, error) {
	if err := checkSide(q.name, q.side, OutputSide, "Poll"); err != nil {
		return nil, err
	}
	if q.closed.Load() {
		return nil, errors.ErrQueueClosed
	}

	u, wake := q.fifo.pop()
	if u != nil || timeout <= 0 {
		return u, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// Another poller may have taken it.
		if u, wake = q.fifo.pop(); u != nil {
			return u, nil
		}
	}
}

// Close invalidates the handle. Units already queued stay for other handles.
func (q *MemoryQueue) Close() error {
	q.closed.Store(true)
	return nil
}
