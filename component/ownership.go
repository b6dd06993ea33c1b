package component

import (
	"sync"

	"github.com/c360/pilotstreams/errors"
)

// claim is this instance's hold on one unit
type claim struct {
	visiting bool // a worker invocation for the unit is running
	pushed   bool // forwarded or dropped since arrival
	retained bool // the worker kept it for asynchronous advancement
}

// ledger tracks which units the instance owns. Advance may be called from
// goroutines other than the loop, so it is locked.
type ledger struct {
	mu   sync.Mutex
	held map[string]*claim
}

func newLedger() *ledger {
	return &ledger{held: make(map[string]*claim)}
}

// arrive starts a visit. A unit seen again starts a new claim.
func (l *ledger) arrive(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[uid] = &claim{visiting: true}
}

// adopt takes ownership of a unit that did not arrive on an input
func (l *ledger) adopt(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[uid]; !ok {
		l.held[uid] = &claim{retained: true}
	}
}

// retain keeps the unit owned after its worker returns
func (l *ledger) retain(uid string, strict bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.held[uid]
	if !ok {
		if strict {
			return errors.ErrNotOwner
		}
		cl = &claim{}
		l.held[uid] = cl
	}
	cl.retained = true
	return nil
}

// check reports whether a push would be legal without recording it
func (l *ledger) check(uid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.held[uid]
	switch {
	case !ok:
		return errors.ErrNotOwner
	case cl.pushed:
		return errors.ErrDoubleAdvance
	}
	return nil
}

// push records that the unit left the instance. Outside a visit the claim
// ends immediately; during one it ends when the worker returns, so a second
// push in the same visit is detected.
func (l *ledger) push(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.held[uid]
	if !ok {
		return
	}
	cl.pushed = true
	if !cl.visiting {
		delete(l.held, uid)
	}
}

// finish ends a visit and reports a unit that was neither pushed nor
// retained.
func (l *ledger) finish(uid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.held[uid]
	if !ok {
		return false
	}
	cl.visiting = false
	if cl.retained && !cl.pushed {
		return false
	}
	delete(l.held, uid)
	return !cl.pushed
}

// released reports whether the unit has left the instance, either pushed
// during the current visit or no longer claimed at all
func (l *ledger) released(uid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.held[uid]
	return !ok || cl.pushed
}

func (l *ledger) forget(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, uid)
}

func (l *ledger) holds(uid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[uid]
	return ok
}

func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
