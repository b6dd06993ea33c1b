// Package pubsub provides topic based broadcast of unit notifications.
//
// A channel handle is either a Publisher or a Subscriber. Every subscriber
// handle that subscribed to a topic receives its own copy of each unit put
// on that topic, in the order it was put. Delivery never drops: a slow
// subscriber buffers rather than blocking publishers.
package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// Role selects what a handle may do
type Role int

const (
	Publisher Role = iota
	Subscriber
)

func (r Role) String() string {
	switch r {
	case Publisher:
		return "publisher"
	case Subscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Channel is one handle on a named pubsub channel
type Channel interface {
	Name() string
	Role() Role
	// Subscribe adds a topic. Subscriber only.
	Subscribe(topic string) error
	// Get blocks until a message for a subscribed topic arrives. Subscriber only.
	Get(ctx context.Context) (string, *unit.Unit, error)
	// Put broadcasts a copy of u on topic. Publisher only.
	Put(ctx context.Context, topic string, u *unit.Unit) error
	Close() error
}

// Kind names a pubsub transport
type Kind string

const (
	KindMemory Kind = "memory"
	KindNATS   Kind = "nats"
)

// KindFor selects the transport for a bridge address
func KindFor(address string) (Kind, error) {
	switch {
	case address == "" || address == "memory":
		return KindMemory, nil
	case strings.HasPrefix(address, "nats://"), strings.HasPrefix(address, "tls://"):
		return KindNATS, nil
	default:
		return "", errors.WrapInvalid(errors.ErrUnknownTransport, "pubsub", "KindFor", "resolve address "+address)
	}
}

func checkRole(name string, have, want Role, method string) error {
	if have != want {
		return errors.WrapInvalid(errors.ErrWrongSide, "pubsub", method,
			fmt.Sprintf("%s as %s of %s", strings.ToLower(method), have, name))
	}
	return nil
}

type message struct {
	topic string
	unit  *unit.Unit
}

// mailbox is an unbounded FIFO of messages for one subscriber handle
type mailbox struct {
	mu     sync.Mutex
	items  []message
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{})}
}

func (m *mailbox) push(msg message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, msg)
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *mailbox) get(ctx context.Context) (string, *unit.Unit, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", nil, errors.ErrChannelClosed
		}
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = message{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg.topic, msg.unit, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	close(m.wake)
}
