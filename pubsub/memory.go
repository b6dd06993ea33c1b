package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// Bus is the in-process pubsub transport
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*MemoryChannel
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*MemoryChannel)}
}

// Open returns a handle on the named channel
func (b *Bus) Open(name string, role Role) *MemoryChannel {
	ch := &MemoryChannel{name: name, role: role, bus: b, topics: make(map[string]bool)}
	if role == Subscriber {
		ch.box = newMailbox()
		b.mu.Lock()
		b.subs[name] = append(b.subs[name], ch)
		b.mu.Unlock()
	}
	return ch
}

func (b *Bus) remove(ch *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[ch.name]
	for i, c := range list {
		if c == ch {
			b.subs[ch.name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (b *Bus) broadcast(name, topic string, u *unit.Unit) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[name] {
		if ch.subscribed(topic) {
			ch.box.push(message{topic: topic, unit: u.Clone()})
		}
	}
}

// MemoryChannel is a handle on a Bus channel
type MemoryChannel struct {
	name string
	role Role
	bus  *Bus
	box  *mailbox

	mu     sync.RWMutex
	topics map[string]bool
	closed atomic.Bool
}

var _ Channel = (*MemoryChannel)(nil)

func (c *MemoryChannel) Name() string { return c.name }
func (c *MemoryChannel) Role() Role   { return c.role }

func (c *MemoryChannel) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// Subscribe adds topic to this handle
func (c *MemoryChannel) Subscribe(topic string) error {
	if err := checkRole(c.name, c.role, Subscriber, "Subscribe"); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.ErrChannelClosed
	}
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
	return nil
}

// Get returns the next message
func (c *MemoryChannel) Get(ctx context.Context) (string, *unit.Unit, error) {
	if err := checkRole(c.name, c.role, Subscriber, "Get"); err != nil {
		return "", nil, err
	}
	return c.box.get(ctx)
}

// Put delivers a copy of u to every subscriber of topic
func (c *MemoryChannel) Put(ctx context.Context, topic string, u *unit.Unit) error {
	if err := checkRole(c.name, c.role, Publisher, "Put"); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.broadcast(c.name, topic, u)
	return nil
}

// Close detaches the handle and wakes a blocked Get
func (c *MemoryChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.role == Subscriber {
		c.bus.remove(c)
		c.box.close()
	}
	return nil
}
