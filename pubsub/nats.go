package pubsub

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/natsclient"
	"github.com/c360/pilotstreams/unit"
)

// SubjectPrefix starts every pubsub subject
const SubjectPrefix = "pilot.pubsub."

// Subject returns the NATS subject for topic on channel name
func Subject(name, topic string) string {
	return SubjectPrefix + name + "." + topic
}

// NATSChannel is a pubsub handle on core NATS subjects. A subscriber funnels
// every topic subscription into one mailbox.
type NATSChannel struct {
	name   string
	role   Role
	client *natsclient.Client
	logger *slog.Logger
	box    *mailbox

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed atomic.Bool
}

var _ Channel = (*NATSChannel)(nil)

// OpenNATS returns a handle on channel name
func OpenNATS(client *natsclient.Client, name string, role Role, logger *slog.Logger) *NATSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	ch := &NATSChannel{
		name:   name,
		role:   role,
		client: client,
		logger: logger.With("pubsub", name, "role", role.String()),
		subs:   make(map[string]*nats.Subscription),
	}
	if role == Subscriber {
		ch.box = newMailbox()
	}
	return ch
}

func (c *NATSChannel) Name() string { return c.name }
func (c *NATSChannel) Role() Role   { return c.role }

// Subscribe listens on topic. Subscribing twice is a no-op.
func (c *NATSChannel) Subscribe(topic string) error {
	if err := checkRole(c.name, c.role, Subscriber, "Subscribe"); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.ErrChannelClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return nil
	}

	prefix := SubjectPrefix + c.name + "."
	sub, err := c.client.Subscribe(Subject(c.name, topic), func(subject string, data []byte) {
		u, err := unit.Unmarshal(data)
		if err != nil {
			c.logger.Error("Dropping undecodable notification", "subject", subject, "error", err)
			return
		}
		c.box.push(message{topic: strings.TrimPrefix(subject, prefix), unit: u})
	})
	if err != nil {
		return errors.Wrap(err, "NATSChannel", "Subscribe", "subscribe "+topic)
	}
	c.subs[topic] = sub
	return nil
}

// Get returns the next message
func (c *NATSChannel) Get(ctx context.Context) (string, *unit.Unit, error) {
	if err := checkRole(c.name, c.role, Subscriber, "Get"); err != nil {
		return "", nil, err
	}
	return c.box.get(ctx)
}

// Put publishes u on topic
func (c *NATSChannel) Put(ctx context.Context, topic string, u *unit.Unit) error {
	if err := checkRole(c.name, c.role, Publisher, "Put"); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.ErrChannelClosed
	}
	data, err := unit.Marshal(u)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, Subject(c.name, topic), data); err != nil {
		return errors.WrapTransient(err, "NATSChannel", "Put", "publish "+topic)
	}
	return nil
}

// Close unsubscribes and wakes a blocked Get
func (c *NATSChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for topic, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrBadSubscription) && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "NATSChannel", "Close", "unsubscribe "+topic))
		}
	}
	c.subs = nil
	if c.box != nil {
		c.box.close()
	}
	return stderrors.Join(errs...)
}
