package component

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/profile"
	"github.com/c360/pilotstreams/unit"
)

// AdvanceFlag selects what Advance does besides changing state
type AdvanceFlag uint8

const (
	// Publish broadcasts the unit on the state topic
	Publish AdvanceFlag = 1 << iota
	// Push forwards the unit to the queue bound to its state, or drops it
	// when the state is terminal. Either way the instance gives up the unit.
	Push

	PublishAndPush = Publish | Push
)

// Advance moves units to state (unit.Unset keeps each unit's state), then
// publishes and forwards them as flags say. It is safe to call from any
// goroutine. Per-unit failures do not stop the others; they are joined in
// the returned error.
//
// With debug assertions on, pushing a unit the instance does not own fails
// with ErrNotOwner and pushing it twice within one visit fails with
// ErrDoubleAdvance; neither unit is then touched.
func (c *Component) Advance(ctx context.Context, units []*unit.Unit, state unit.State, flags AdvanceFlag) error {
	if state != unit.Unset && !state.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidState, state), "Component", "Advance", "check state")
	}

	var errs []error
	for _, u := range units {
		if u == nil {
			continue
		}
		if err := c.advance(ctx, u, state, flags); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// AdvanceOne is Advance for a single unit
func (c *Component) AdvanceOne(ctx context.Context, u *unit.Unit, state unit.State, flags AdvanceFlag) error {
	return c.Advance(ctx, []*unit.Unit{u}, state, flags)
}

func (c *Component) advance(ctx context.Context, u *unit.Unit, state unit.State, flags AdvanceFlag) error {
	push := flags&Push != 0
	if push && c.cfg.DebugEnabled() {
		if err := c.ledger.check(u.UID); err != nil {
			kind := "not_owner"
			if stderrors.Is(err, errors.ErrDoubleAdvance) {
				kind = "double_advance"
			}
			c.metrics.RecordRoutingError(c.cfg.Name, kind)
			c.logger.Error("Ownership violation", "uid", u.UID, "state", u.State.String(), "error", err)
			return errors.WrapInvalid(err, "Component", "Advance", "push "+u.UID)
		}
	}

	if state != unit.Unset {
		u.SetState(state)
	}
	c.profiler.Record(c.cfg.Name, profile.EventAdvance, u)

	var errs []error
	if flags&Publish != 0 {
		if err := c.Publish(ctx, TopicState, u); err != nil {
			errs = append(errs, err)
		}
	}
	if push {
		c.ledger.push(u.UID)
		if err := c.route(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// route forwards u to the queue bound to its state
func (c *Component) route(ctx context.Context, u *unit.Unit) error {
	state := u.State.String()
	out, ok := c.outputs[u.State]
	if !ok {
		c.metrics.RecordRoutingError(c.cfg.Name, "unknown_route")
		c.metrics.RecordAdvanced(c.cfg.Name, state, "unrouted")
		c.logger.Error("No output for state, unit dropped", "uid", u.UID, "state", state)
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownRoute, state), "Component", "Advance", "route "+u.UID)
	}

	if out.queue == nil {
		c.metrics.RecordAdvanced(c.cfg.Name, state, "terminal")
		c.profiler.Record(c.cfg.Name, profile.EventDrop, u)
		return nil
	}

	if err := out.queue.Put(ctx, u); err != nil {
		c.recordError(err)
		c.metrics.RecordAdvanced(c.cfg.Name, state, "lost")
		c.logger.Error("Failed to forward unit", "uid", u.UID, "state", state, "queue", out.name, "error", err)
		return errors.Wrap(err, "Component", "Advance", "put "+u.UID+" on "+out.name)
	}
	c.metrics.RecordAdvanced(c.cfg.Name, state, "forwarded")
	c.profiler.Record(c.cfg.Name, profile.EventPut, u, out.name)
	return nil
}

// Publish sends each unit on every channel declared for topic. A topic
// without publishers is reported with ErrUnknownTopic and nothing is sent.
func (c *Component) Publish(ctx context.Context, topic string, units ...*unit.Unit) error {
	chans, ok := c.publishers[topic]
	if !ok {
		c.metrics.RecordRoutingError(c.cfg.Name, "unknown_topic")
		c.logger.Error("No publisher for topic", "topic", topic)
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownTopic, topic), "Component", "Publish", "publish")
	}

	var errs []error
	for _, u := range units {
		if u == nil {
			continue
		}
		for _, ch := range chans {
			if err := ch.Put(ctx, topic, u); err != nil {
				c.logger.Warn("Notification not sent", "topic", topic, "pubsub", ch.Name(), "uid", u.UID, "error", err)
				errs = append(errs, errors.Wrap(err, "Component", "Publish", "publish "+u.UID))
				continue
			}
			c.metrics.RecordNotification(c.cfg.Name, topic)
			c.profiler.Record(c.cfg.Name, profile.EventPublish, u, topic)
		}
	}
	return stderrors.Join(errs...)
}

// Retain keeps ownership of u after its worker returns, for a worker that
// advances the unit later from another goroutine. With debug assertions on,
// retaining a unit the instance does not own fails with ErrNotOwner.
func (c *Component) Retain(u *unit.Unit) error {
	if err := c.ledger.retain(u.UID, c.cfg.DebugEnabled()); err != nil {
		return errors.WrapInvalid(err, "Component", "Retain", "retain "+u.UID)
	}
	return nil
}

// Adopt takes ownership of a unit created outside the pipeline, so it can
// be pushed with Advance.
func (c *Component) Adopt(u *unit.Unit) {
	c.ledger.adopt(u.UID)
}

// Owns reports whether the instance currently holds u
func (c *Component) Owns(u *unit.Unit) bool {
	return c.ledger.holds(u.UID)
}

// Held returns the number of units the instance holds
func (c *Component) Held() int {
	return c.ledger.size()
}
