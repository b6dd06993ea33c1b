package component

import (
	"fmt"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/pubsub"
	"github.com/c360/pilotstreams/queue"
	"github.com/c360/pilotstreams/unit"
)

func (c *Component) declaring(method string) error {
	if c.sealed.Load() || c.setupCtx == nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Component", method, "declare binding")
	}
	return nil
}

func checkStates(method string, states []unit.State) error {
	if len(states) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: no states given", errors.ErrInvalidState), "Component", method, "check states")
	}
	for _, s := range states {
		if !s.Valid() {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidState, s), "Component", method, "check states")
		}
	}
	return nil
}

// DeclareInput reads units in the given states from queueName. A queue can
// have only one input binding per instance. The dispatch loop polls inputs
// in declaration order.
func (c *Component) DeclareInput(queueName string, states ...unit.State) error {
	if err := c.declaring("DeclareInput"); err != nil {
		return err
	}
	if err := checkStates("DeclareInput", states); err != nil {
		return err
	}
	if c.inputNames[queueName] {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateInput, queueName), "Component", "DeclareInput", "bind input")
	}

	q, err := c.resolver.OpenQueue(c.setupCtx, queueName, queue.OutputSide)
	if err != nil {
		return errors.Wrap(err, "Component", "DeclareInput", "open "+queueName)
	}
	c.inputNames[queueName] = true
	c.inputs = append(c.inputs, &input{queue: q, states: unit.NewSet(states...)})
	c.logger.Debug("Input declared", "queue", queueName, "states", states)
	return nil
}

// DeclareOutput forwards units advanced into the given states to
// queueName. An empty queueName marks the states terminal. Re-declaring a
// state follows the configured override policy.
func (c *Component) DeclareOutput(queueName string, states ...unit.State) error {
	return c.bindOutput("DeclareOutput", queueName, states, false)
}

// DeclareTerminal marks states terminal: units advanced into them are
// dropped from the pipeline after notification.
func (c *Component) DeclareTerminal(states ...unit.State) error {
	return c.bindOutput("DeclareTerminal", "", states, false)
}

// ReplaceOutput rebinds states without applying the override policy
func (c *Component) ReplaceOutput(queueName string, states ...unit.State) error {
	return c.bindOutput("ReplaceOutput", queueName, states, true)
}

func (c *Component) bindOutput(method, queueName string, states []unit.State, replace bool) error {
	if err := c.declaring(method); err != nil {
		return err
	}
	if err := checkStates(method, states); err != nil {
		return err
	}
	for _, s := range states {
		prev, exists := c.outputs[s]
		if !exists || replace {
			continue
		}
		if err := c.override(method, s, fmt.Sprintf("output %q replaces %q", queueName, prev.name)); err != nil {
			return err
		}
	}

	var q queue.Queue
	if queueName != "" {
		q = c.outQueues[queueName]
		if q == nil {
			var err error
			if q, err = c.resolver.OpenQueue(c.setupCtx, queueName, queue.InputSide); err != nil {
				return errors.Wrap(err, "Component", method, "open "+queueName)
			}
			c.outQueues[queueName] = q
		}
	}
	for _, s := range states {
		c.outputs[s] = output{name: queueName, queue: q}
	}
	c.logger.Debug("Output declared", "queue", queueName, "states", states, "terminal", queueName == "")
	return nil
}

// DeclareWorker sets the worker for the given states. Re-declaring a state
// follows the configured override policy.
func (c *Component) DeclareWorker(fn WorkerFunc, states ...unit.State) error {
	return c.bindWorker("DeclareWorker", fn, states, false)
}

// ReplaceWorker rebinds states without applying the override policy
func (c *Component) ReplaceWorker(fn WorkerFunc, states ...unit.State) error {
	return c.bindWorker("ReplaceWorker", fn, states, true)
}

func (c *Component) bindWorker(method string, fn WorkerFunc, states []unit.State, replace bool) error {
	if err := c.declaring(method); err != nil {
		return err
	}
	if fn == nil {
		return errors.WrapInvalid(errors.ErrMissingWorker, "Component", method, "check worker")
	}
	if err := checkStates(method, states); err != nil {
		return err
	}
	for _, s := range states {
		if _, exists := c.workers[s]; exists && !replace {
			if err := c.override(method, s, "worker replaced"); err != nil {
				return err
			}
		}
	}
	for _, s := range states {
		c.workers[s] = fn
	}
	return nil
}

func (c *Component) override(method string, s unit.State, what string) error {
	if c.cfg.Override == OverrideReject {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDuplicateBinding, s), "Component", method, "bind "+s.String())
	}
	c.logger.Warn("Binding overridden", "state", s.String(), "detail", what)
	return nil
}

// DeclarePublisher sends notifications for topic on pubsubName. A topic may
// have several channels; each receives every notification.
func (c *Component) DeclarePublisher(topic, pubsubName string) error {
	if err := c.declaring("DeclarePublisher"); err != nil {
		return err
	}
	ch, err := c.resolver.OpenPubsub(c.setupCtx, pubsubName, pubsub.Publisher)
	if err != nil {
		return errors.Wrap(err, "Component", "DeclarePublisher", "open "+pubsubName)
	}
	if len(c.publishers[topic]) > 0 {
		c.logger.Warn("Topic has several publishers, subscribers may see duplicates", "topic", topic, "pubsub", pubsubName)
	}
	c.publishers[topic] = append(c.publishers[topic], ch)
	return nil
}

// DeclareSubscriber calls cb for every notification on topic from
// pubsubName. The subscription is live when Spawn returns; cb runs on its
// own listener goroutine.
func (c *Component) DeclareSubscriber(topic, pubsubName string, cb SubscriberFunc) error {
	if err := c.declaring("DeclareSubscriber"); err != nil {
		return err
	}
	if cb == nil {
		return errors.WrapInvalid(errors.ErrMissingWorker, "Component", "DeclareSubscriber", "check callback")
	}
	ch, err := c.resolver.OpenPubsub(c.setupCtx, pubsubName, pubsub.Subscriber)
	if err != nil {
		return errors.Wrap(err, "Component", "DeclareSubscriber", "open "+pubsubName)
	}
	if err := ch.Subscribe(topic); err != nil {
		_ = ch.Close()
		return errors.Wrap(err, "Component", "DeclareSubscriber", "subscribe "+topic)
	}
	c.subscribers = append(c.subscribers, &subscriber{topic: topic, channel: ch, callback: cb})
	return nil
}

// Outputs returns the bound queue name per state, empty for terminal states
func (c *Component) Outputs() map[unit.State]string {
	out := make(map[unit.State]string, len(c.outputs))
	for s, o := range c.outputs {
		out[s] = o.name
	}
	return out
}

// Accepts reports whether some input accepts state s
func (c *Component) Accepts(s unit.State) bool {
	for _, in := range c.inputs {
		if in.states.Has(s) {
			return true
		}
	}
	return false
}
