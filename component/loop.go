package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/profile"
	"github.com/c360/pilotstreams/unit"
)

// loop polls every input in declaration order until ctx ends, sleeping
// after a pass that found nothing.
func (c *Component) loop(ctx context.Context) {
	idle := time.NewTimer(0)
	if !idle.Stop() {
		<-idle.C
	}
	defer idle.Stop()

	for {
		found := false
		for _, in := range c.inputs {
			if ctx.Err() != nil {
				return
			}
			u, err := in.queue.Poll(ctx, c.cfg.PollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.recordError(err)
				c.logger.Warn("Poll failed", "queue", in.queue.Name(), "error", err)
				continue
			}
			if u == nil {
				continue
			}
			found = true
			c.dispatch(ctx, in, u)
		}

		if found {
			continue
		}
		c.metrics.RecordIdlePass(c.cfg.Name)
		idle.Reset(c.cfg.IdleSleep)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// dispatch handles one dequeued unit. Every failure is contained here and
// affects only this unit.
func (c *Component) dispatch(ctx context.Context, in *input, u *unit.Unit) {
	c.touch()
	c.profiler.Record(c.cfg.Name, profile.EventGet, u)
	c.metrics.RecordReceived(c.cfg.Name, u.State.String())
	log := c.logger.With("uid", u.UID, "state", u.State.String())

	if !in.states.Has(u.State) {
		err := errors.WrapInvalid(
			fmt.Errorf("%w: %s on %s", errors.ErrStateMismatch, u.State, in.queue.Name()),
			"Component", "dispatch", "check state")
		c.recordError(err)
		c.metrics.RecordRejected(c.cfg.Name, "state_mismatch")
		log.Error("Unit in unexpected state", "queue", in.queue.Name(), "accepted", in.states.Sorted())
		c.reject(ctx, u)
		return
	}

	c.ledger.arrive(u.UID)
	_ = c.Publish(ctx, TopicState, u)

	worker, ok := c.workers[u.State]
	if !ok {
		c.ledger.forget(u.UID)
		c.metrics.RecordRejected(c.cfg.Name, "missing_worker")
		log.Error("No worker for state")
		return
	}

	arrived := u.State
	if err := c.invoke(ctx, worker, u); err != nil {
		c.failed.Add(1)
		c.recordError(err)
		c.metrics.RecordFailed(c.cfg.Name, arrived.String())
		// The unit belongs to the next stage once pushed; it is not failed
		// here.
		if c.ledger.released(u.UID) {
			log.Error("Worker failed after forwarding unit", "error", err)
			c.ledger.forget(u.UID)
			return
		}
		log.Error("Worker failed", "error", err)

		u.Error = err.Error()
		if aerr := c.Advance(ctx, []*unit.Unit{u}, unit.Failed, Publish); aerr != nil {
			log.Error("Failed to publish failure", "error", aerr)
		}
		c.ledger.forget(u.UID)
		return
	}
	c.processed.Add(1)

	// A retained unit may already be changing on another goroutine, so the
	// state is only read when no one else holds it.
	if c.ledger.finish(u.UID) && !u.State.Final() && c.cfg.DebugEnabled() {
		c.metrics.RecordRoutingError(c.cfg.Name, "not_advanced")
		log.Error("Worker returned without advancing unit",
			"error", errors.ErrNotAdvanced, "current_state", u.State.String())
	}
}

// invoke runs the worker, converting a panic into an error
func (c *Component) invoke(ctx context.Context, worker WorkerFunc, u *unit.Unit) (err error) {
	arrival := &unit.Unit{UID: u.UID, State: u.State}
	state := u.State.String()
	start := time.Now()
	c.active.Add(1)
	c.metrics.SetActiveWorkers(c.cfg.Name, 1)
	c.profiler.Record(c.cfg.Name, profile.EventWorkStart, u)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Worker panic", "uid", arrival.UID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", r)
		}
		c.active.Add(-1)
		c.metrics.SetActiveWorkers(c.cfg.Name, 0)
		c.metrics.RecordWorker(c.cfg.Name, state, time.Since(start))
		c.profiler.Record(c.cfg.Name, profile.EventWorkDone, arrival)
	}()

	return worker(ctx, u)
}

// reject sends a mismatched unit to the reject queue when one is configured
func (c *Component) reject(ctx context.Context, u *unit.Unit) {
	if c.rejectQueue == nil {
		return
	}
	if err := c.rejectQueue.Put(ctx, u); err != nil {
		c.logger.Error("Failed to put unit on reject queue", "uid", u.UID, "queue", c.cfg.RejectQueue, "error", err)
	}
}

// listen feeds one subscriber until its channel closes or ctx ends
func (c *Component) listen(ctx context.Context, sub *subscriber) {
	defer c.listeners.Done()
	log := c.logger.With("topic", sub.topic, "pubsub", sub.channel.Name())

	for {
		topic, u, err := sub.channel.Get(ctx)
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, errors.ErrChannelClosed) {
				log.Error("Subscriber stopped", "error", err)
			}
			return
		}
		if err := c.notify(ctx, sub, topic, u); err != nil {
			log.Warn("Subscriber callback failed", "uid", u.UID, "error", err)
		}
	}
}

func (c *Component) notify(ctx context.Context, sub *subscriber, topic string, u *unit.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.callback(ctx, topic, u)
}
