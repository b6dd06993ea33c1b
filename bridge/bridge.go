// Package bridge resolves queue and pubsub channel names to transports.
//
// Each channel name maps to an address through the bridge address table.
// Names without an address, or with the address "memory", use the shared
// in-process Broker and Bus; "nats://" addresses use one NATS connection per
// distinct address, shared by every handle opened through the Resolver.
package bridge

import (
	"context"
	stderrors "errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/natsclient"
	"github.com/c360/pilotstreams/pubsub"
	"github.com/c360/pilotstreams/queue"
)

// Resolver opens channel handles. It is safe for concurrent use. Views made
// with With share the transports and connections of their parent.
type Resolver struct {
	addresses map[string]string
	*shared
}

type shared struct {
	broker     *queue.Broker
	bus        *pubsub.Bus
	logger     *slog.Logger
	clientOpts []natsclient.ClientOption
	queueOpts  []queue.JetStreamOption

	mu      sync.Mutex
	clients map[string]*natsclient.Client
	closed  bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithBroker shares an existing in-process queue broker
func WithBroker(b *queue.Broker) Option {
	return func(r *Resolver) {
		r.broker = b
	}
}

// WithBus shares an existing in-process pubsub bus
func WithBus(b *pubsub.Bus) Option {
	return func(r *Resolver) {
		r.bus = b
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithClientOptions are applied to every NATS connection the Resolver makes
func WithClientOptions(opts ...natsclient.ClientOption) Option {
	return func(r *Resolver) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// WithQueueOptions are applied to every JetStream queue
func WithQueueOptions(opts ...queue.JetStreamOption) Option {
	return func(r *Resolver) {
		r.queueOpts = append(r.queueOpts, opts...)
	}
}

// WithClient registers an already connected client for address. It is
// closed with the resolver.
func WithClient(address string, c *natsclient.Client) Option {
	return func(r *Resolver) {
		r.clients[address] = c
	}
}

// NewResolver creates a resolver over the bridge address table
func NewResolver(addresses map[string]string, opts ...Option) *Resolver {
	r := &Resolver{
		addresses: maps.Clone(addresses),
		shared: &shared{
			logger:  slog.Default(),
			clients: make(map[string]*natsclient.Client),
		},
	}
	if r.addresses == nil {
		r.addresses = make(map[string]string)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.broker == nil {
		r.broker = queue.NewBroker()
	}
	if r.bus == nil {
		r.bus = pubsub.NewBus()
	}
	r.logger = r.logger.With("component", "bridge")
	return r
}

// With returns a view whose address table is this one overlaid with
// addresses. Closing any view closes the shared connections.
func (r *Resolver) With(addresses map[string]string) *Resolver {
	merged := maps.Clone(r.addresses)
	maps.Copy(merged, addresses)
	return &Resolver{addresses: merged, shared: r.shared}
}

// Address returns the configured address for name, empty for in-process
func (r *Resolver) Address(name string) string {
	return r.addresses[name]
}

// Broker returns the in-process queue broker
func (r *Resolver) Broker() *queue.Broker {
	return r.broker
}

// Bus returns the in-process pubsub bus
func (r *Resolver) Bus() *pubsub.Bus {
	return r.bus
}

// OpenQueue opens one side of queue name
func (r *Resolver) OpenQueue(ctx context.Context, name string, side queue.Side) (queue.Queue, error) {
	address := r.Address(name)
	kind, err := queue.KindFor(address)
	if err != nil {
		return nil, err
	}

	switch kind {
	case queue.KindJetStream:
		client, err := r.Client(ctx, address)
		if err != nil {
			return nil, err
		}
		opts := append([]queue.JetStreamOption{queue.WithJetStreamLogger(r.logger)}, r.queueOpts...)
		return queue.OpenJetStream(ctx, client, name, side, opts...)
	default:
		return r.broker.Open(name, side), nil
	}
}

// OpenPubsub opens a handle on pubsub channel name
func (r *Resolver) OpenPubsub(ctx context.Context, name string, role pubsub.Role) (pubsub.Channel, error) {
	address := r.Address(name)
	kind, err := pubsub.KindFor(address)
	if err != nil {
		return nil, err
	}

	switch kind {
	case pubsub.KindNATS:
		client, err := r.Client(ctx, address)
		if err != nil {
			return nil, err
		}
		return pubsub.OpenNATS(client, name, role, r.logger), nil
	default:
		return r.bus.Open(name, role), nil
	}
}

// Client returns the connection for address, connecting on first use
func (r *Resolver) Client(ctx context.Context, address string) (*natsclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.WrapFatal(errors.ErrNoConnection, "Resolver", "Client", "resolver closed")
	}
	if c, ok := r.clients[address]; ok {
		return c, nil
	}

	opts := append([]natsclient.ClientOption{natsclient.WithLogger(r.logger)}, r.clientOpts...)
	c, err := natsclient.NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "Resolver", "Client", "connect "+address)
	}
	r.clients[address] = c
	r.logger.Info("Bridge connected", "address", address)
	return c, nil
}

// Close closes every connection the resolver opened
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for address, c := range r.clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Resolver", "Close", "close "+address))
		}
	}
	r.clients = nil
	return stderrors.Join(errs...)
}
