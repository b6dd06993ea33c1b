package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"

	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// SchedulerOptions size the pilot the scheduler allocates from
type SchedulerOptions struct {
	Cores int    `json:"cores"`
	Pilot string `json:"pilot,omitempty"`
}

// Scheduler assigns each unit a contiguous run of free cores, taking the
// first run that fits. Units that do not fit yet are retained and placed
// when a state notification shows a running unit has finished executing.
// One scheduler instance owns the cores of one pilot.
type Scheduler struct {
	opts SchedulerOptions
	c    *component.Component

	mu      sync.Mutex
	busy    []bool
	alloc   map[string][]int
	waiting []*unit.Unit
}

type placement struct {
	u     *unit.Unit
	slots []int
}

// NewScheduler creates a scheduler for a pilot of opts.Cores cores
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Cores < 1 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: cores must be positive, got %d", errors.ErrInvalidConfig, opts.Cores),
			"Scheduler", "NewScheduler", "check cores")
	}
	return &Scheduler{
		opts:  opts,
		busy:  make([]bool, opts.Cores),
		alloc: make(map[string][]int),
	}, nil
}

// Initialize declares the stage bindings
func (s *Scheduler) Initialize(c *component.Component) error {
	s.c = c
	return firstErr(
		c.DeclareInput(QueueScheduling, unit.Scheduling),
		c.DeclareWorker(s.schedule, unit.Scheduling),
		c.DeclareOutput(QueueExecuting, unit.Executing),
		c.DeclarePublisher(component.TopicState, StatePubsub),
		c.DeclareSubscriber(component.TopicState, StatePubsub, s.observe),
	)
}

func (s *Scheduler) schedule(ctx context.Context, u *unit.Unit) error {
	n := u.Description.CoresOrDefault()
	if n > len(s.busy) {
		return errors.WrapInvalid(fmt.Errorf("%w: %d cores requested, pilot has %d", errors.ErrResourceLimit, n, len(s.busy)),
			"Scheduler", "schedule", "check request")
	}

	s.mu.Lock()
	slots, ok := s.allocate(u.UID, n)
	if !ok {
		if err := s.c.Retain(u); err != nil {
			s.mu.Unlock()
			return err
		}
		s.waiting = append(s.waiting, u)
		waiting := len(s.waiting)
		s.mu.Unlock()
		s.c.Logger().Debug("Unit waits for cores", "uid", u.UID, "cores", n, "waiting", waiting)
		return nil
	}
	s.mu.Unlock()

	return s.place(ctx, placement{u: u, slots: slots})
}

// observe releases the cores of a unit that left execution and places
// waiting units that now fit.
func (s *Scheduler) observe(ctx context.Context, _ string, u *unit.Unit) error {
	if u.State != unit.StagingOutput && !u.State.Final() {
		return nil
	}

	s.mu.Lock()
	if !s.release(u.UID) {
		s.mu.Unlock()
		return nil
	}
	ready := s.fit()
	s.mu.Unlock()

	var errs []error
	for _, p := range ready {
		if err := s.place(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (s *Scheduler) place(ctx context.Context, p placement) error {
	p.u.Slots = p.slots
	if s.opts.Pilot != "" {
		p.u.Pilot = s.opts.Pilot
	}
	if err := s.c.AdvanceOne(ctx, p.u, unit.Executing, component.PublishAndPush); err != nil {
		s.mu.Lock()
		s.release(p.u.UID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// fit removes and returns the waiting units that fit, oldest first.
// Caller holds mu.
func (s *Scheduler) fit() []placement {
	var ready []placement
	s.waiting = slices.DeleteFunc(s.waiting, func(u *unit.Unit) bool {
		slots, ok := s.allocate(u.UID, u.Description.CoresOrDefault())
		if ok {
			ready = append(ready, placement{u: u, slots: slots})
		}
		return ok
	})
	return ready
}

// allocate marks the first run of n free cores busy. Caller holds mu.
func (s *Scheduler) allocate(uid string, n int) ([]int, bool) {
	run := 0
	for i, b := range s.busy {
		if b {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		slots := make([]int, n)
		for j := range slots {
			slots[j] = i - n + 1 + j
			s.busy[slots[j]] = true
		}
		s.alloc[uid] = slots
		return slots, true
	}
	return nil, false
}

// release frees the cores held by uid. Caller holds mu.
func (s *Scheduler) release(uid string) bool {
	slots, ok := s.alloc[uid]
	if !ok {
		return false
	}
	for _, i := range slots {
		s.busy[i] = false
	}
	delete(s.alloc, uid)
	return true
}

// SchedulerStats is a point-in-time view of core usage
type SchedulerStats struct {
	Cores   int `json:"cores"`
	Busy    int `json:"busy"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// Stats returns current core usage
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := 0
	for _, b := range s.busy {
		if b {
			busy++
		}
	}
	return SchedulerStats{Cores: len(s.busy), Busy: busy, Running: len(s.alloc), Waiting: len(s.waiting)}
}
