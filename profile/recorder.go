// Package profile records per-unit pipeline events and analyses them.
//
// Components write events to a Recorder as units move through them. The
// analysis functions work on a plain []Event, so CSV dumps from earlier runs
// can be analysed the same way as a live recorder.
package profile

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

// Event names written by the component runtime
const (
	EventGet       = "get"        // unit taken off an input queue
	EventWorkStart = "work start" // worker invoked
	EventWorkDone  = "work done"  // worker returned
	EventPut       = "put"        // unit put on an output queue
	EventPublish   = "publish"    // unit state published
	EventAdvance   = "advance"    // unit state changed
	EventDrop      = "drop"       // unit left the pipeline at a terminal state
)

// Event is one profile record
type Event struct {
	Time      time.Time
	Component string
	Event     string
	UID       string
	State     unit.State
	Message   string
}

// Recorder collects events in memory. A nil *Recorder discards everything.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
	now    func() time.Time
}

// Option configures a Recorder
type Option func(*Recorder)

// WithLimit keeps at most n events, dropping the oldest
func WithLimit(n int) Option {
	return func(r *Recorder) {
		r.limit = n
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates an empty recorder
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record adds an event for u as seen by component
func (r *Recorder) Record(component, event string, u *unit.Unit, message ...string) {
	if r == nil {
		return
	}
	e := Event{
		Time:      r.now(),
		Component: component,
		Event:     event,
	}
	if u != nil {
		e.UID = u.UID
		e.State = u.State
	}
	if len(message) > 0 {
		e.Message = message[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = slices.Delete(r.events, 0, len(r.events)-r.limit)
	}
}

// Events returns a copy of the recorded events in recording order
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Len returns the number of recorded events
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset drops all events
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var csvHeader = []string{"time", "component", "event", "uid", "state", "message"}

// WriteCSV writes the recorded events with a header row
func (r *Recorder) WriteCSV(w io.Writer) error {
	return WriteCSV(w, r.Events())
}

// WriteCSV writes events with a header row
func WriteCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return errors.Wrap(err, "profile", "WriteCSV", "write header")
	}
	for _, e := range events {
		state := ""
		if e.State != unit.Unset {
			state = e.State.String()
		}
		row := []string{e.Time.UTC().Format(time.RFC3339Nano), e.Component, e.Event, e.UID, state, e.Message}
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "profile", "WriteCSV", "write row")
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses events written by WriteCSV
func ReadCSV(r io.Reader) ([]Event, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.WrapInvalid(err, "profile", "ReadCSV", "parse csv")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if !slices.Equal(rows[0], csvHeader) {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "profile", "ReadCSV", "check header")
	}

	events := make([]Event, 0, len(rows)-1)
	for i, row := range rows[1:] {
		t, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return nil, errors.WrapInvalid(err, "profile", "ReadCSV", fmt.Sprintf("parse time on line %d", i+2))
		}
		var state unit.State
		if row[4] != "" {
			if state, err = unit.ParseState(row[4]); err != nil {
				return nil, err
			}
		}
		events = append(events, Event{
			Time:      t,
			Component: row[1],
			Event:     row[2],
			UID:       row[3],
			State:     state,
			Message:   row[5],
		})
	}
	return events, nil
}
