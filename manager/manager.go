// Package manager submits units to an agent and keeps track of their state
// from the notifications the pipeline publishes.
package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/pilotstreams/agent"
	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/health"
	"github.com/c360/pilotstreams/unit"
)

// DefaultName is the component name of a manager
const DefaultName = "unit_manager"

// Options configure a Manager. Zero values select the agent's channels and
// an in-memory store.
type Options struct {
	Component   component.Config
	SubmitQueue string
	StatePubsub string
	Store       Store
}

// Callback receives a copy of each unit whose recorded state changed
type Callback func(u *unit.Unit)

// Manager submits units and records the most advanced state reported for
// each of them. It runs as a component with no inputs: one output for
// submissions and a subscriber on the state topic.
type Manager struct {
	opts   Options
	comp   *component.Component
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	units     map[string]*unit.Unit
	order     []string
	changed   chan struct{}
	callbacks []Callback
}

// New starts a manager
func New(ctx context.Context, opts Options, deps component.Dependencies) (*Manager, error) {
	if opts.Component.Name == "" {
		opts.Component.Name = DefaultName
	}
	if opts.SubmitQueue == "" {
		opts.SubmitQueue = agent.QueueStagingInput
	}
	if opts.StatePubsub == "" {
		opts.StatePubsub = agent.StatePubsub
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}

	m := &Manager{
		opts:    opts,
		store:   opts.Store,
		logger:  deps.GetLoggerWithComponent(opts.Component.Name),
		units:   make(map[string]*unit.Unit),
		changed: make(chan struct{}),
	}
	comp, err := component.Spawn(ctx, opts.Component, component.InitializerFunc(m.initialize), deps)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "New", "spawn manager component")
	}
	m.comp = comp
	return m, nil
}

func (m *Manager) initialize(c *component.Component) error {
	if err := c.DeclareOutput(m.opts.SubmitQueue, unit.StagingInput); err != nil {
		return err
	}
	if err := c.DeclarePublisher(component.TopicState, m.opts.StatePubsub); err != nil {
		return err
	}
	return c.DeclareSubscriber(component.TopicState, m.opts.StatePubsub, m.observe)
}

// Submit creates a unit in state New for each description and hands it to
// the agent in StagingInput. It returns copies of the submitted units; a
// unit that could not be handed over is returned Failed.
func (m *Manager) Submit(ctx context.Context, descs []unit.Description) ([]*unit.Unit, error) {
	out := make([]*unit.Unit, 0, len(descs))
	var errs []error
	for _, d := range descs {
		if d.Executable == "" {
			errs = append(errs, errors.WrapInvalid(fmt.Errorf("%w: description without executable", errors.ErrInvalidData),
				"Manager", "Submit", "check description"))
			continue
		}

		u := unit.NewUnit(d)
		m.track(ctx, u.Clone())

		// The StagingInput notification reaches observe like any other.
		m.comp.Adopt(u)
		if err := m.comp.AdvanceOne(ctx, u, unit.StagingInput, component.PublishAndPush); err != nil {
			errs = append(errs, err)
			u.Fail(err)
			m.record(ctx, u.Clone())
		}
		out = append(out, u.Clone())
	}

	if len(out) > 0 {
		m.logger.Info("Units submitted", "count", len(out), "queue", m.opts.SubmitQueue)
	}
	return out, stderrors.Join(errs...)
}

// track registers a new unit
func (m *Manager) track(ctx context.Context, u *unit.Unit) {
	m.mu.Lock()
	m.units[u.UID] = u
	m.order = append(m.order, u.UID)
	m.mu.Unlock()
	m.persist(ctx, u)
}

func (m *Manager) observe(ctx context.Context, _ string, u *unit.Unit) error {
	m.record(ctx, u)
	return nil
}

// record keeps u if it is more advanced than what is known. Units this
// manager did not submit are ignored.
func (m *Manager) record(ctx context.Context, u *unit.Unit) {
	m.mu.Lock()
	prev, ok := m.units[u.UID]
	if !ok || !supersedes(prev, u) {
		m.mu.Unlock()
		return
	}
	m.units[u.UID] = u
	close(m.changed)
	m.changed = make(chan struct{})
	callbacks := m.callbacks
	m.mu.Unlock()

	m.persist(ctx, u)
	if prev.State != u.State {
		m.logger.Debug("Unit state changed", "uid", u.UID, "from", prev.State.String(), "state", u.State.String())
		for _, cb := range callbacks {
			m.call(cb, u.Clone())
		}
	}
}

func (m *Manager) persist(ctx context.Context, u *unit.Unit) {
	if err := m.store.Save(ctx, u); err != nil {
		m.logger.Warn("Failed to store unit", "uid", u.UID, "state", u.State.String(), "error", err)
	}
}

func (m *Manager) call(cb Callback, u *unit.Unit) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("State callback panicked", "uid", u.UID, "panic", r)
		}
	}()
	cb(u)
}

// OnState registers cb for every state change of a submitted unit. Callbacks
// run on the notification goroutine, in registration order.
func (m *Manager) OnState(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// copy on write so record can call without the lock
	m.callbacks = append(m.callbacks[:len(m.callbacks):len(m.callbacks)], cb)
}

// Wait blocks until every unit in uids is in one of states, or in a final
// state, and returns copies of them. No uids means every submitted unit; no
// states means the final states.
func (m *Manager) Wait(ctx context.Context, uids []string, states ...unit.State) ([]*unit.Unit, error) {
	if len(states) == 0 {
		states = []unit.State{unit.Done, unit.Failed, unit.Canceled}
	}
	want := unit.NewSet(states...)

	for {
		m.mu.Lock()
		ids := uids
		if len(ids) == 0 {
			ids = m.order
		}
		out := make([]*unit.Unit, 0, len(ids))
		pending := 0
		for _, uid := range ids {
			u, ok := m.units[uid]
			if !ok {
				m.mu.Unlock()
				return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnitNotFound, uid), "Manager", "Wait", "look up unit")
			}
			if !want.Has(u.State) && !u.State.Final() {
				pending++
			}
			out = append(out, u.Clone())
		}
		changed := m.changed
		m.mu.Unlock()

		if pending == 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, errors.WrapTransient(ctx.Err(), "Manager", "Wait", fmt.Sprintf("wait for %d units", pending))
		case <-changed:
		}
	}
}

// Get returns a copy of a unit. Units not submitted by this manager are
// looked up in the store.
func (m *Manager) Get(ctx context.Context, uid string) (*unit.Unit, error) {
	m.mu.Lock()
	u, ok := m.units[uid]
	m.mu.Unlock()
	if ok {
		return u.Clone(), nil
	}
	return m.store.Get(ctx, uid)
}

// List returns copies of the units this manager submitted, in submission
// order.
func (m *Manager) List() []*unit.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*unit.Unit, 0, len(m.order))
	for _, uid := range m.order {
		out = append(out, m.units[uid].Clone())
	}
	return out
}

// Counts returns how many submitted units are in each state
func (m *Manager) Counts() map[unit.State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[unit.State]int)
	for _, u := range m.units {
		counts[u.State]++
	}
	return counts
}

// Store returns the backing store
func (m *Manager) Store() Store { return m.store }

// Health reports the manager component health
func (m *Manager) Health() health.Status { return m.comp.Health() }

// Stop stops the manager component
func (m *Manager) Stop(timeout time.Duration) error { return m.comp.Stop(timeout) }
