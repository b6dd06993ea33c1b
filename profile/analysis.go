package profile

import (
	"slices"
	"time"

	"github.com/c360/pilotstreams/unit"
)

// Filter matches events. Zero fields match anything.
type Filter struct {
	Component string
	Event     string
	State     unit.State
	Message   string
}

// Match reports whether e satisfies every set field
func (f Filter) Match(e Event) bool {
	return (f.Component == "" || f.Component == e.Component) &&
		(f.Event == "" || f.Event == e.Event) &&
		(f.State == unit.Unset || f.State == e.State) &&
		(f.Message == "" || f.Message == e.Message)
}

func matchAny(filters []Filter, e Event) bool {
	for _, f := range filters {
		if f.Match(e) {
			return true
		}
	}
	return false
}

// Point is a value at an offset from the calibration time
type Point struct {
	At    time.Duration
	Value float64
}

// Spec selects the events that enter and leave a stage
type Spec struct {
	In  []Filter
	Out []Filter
}

// Counter is a running count of units inside a stage. Events out of order
// may drive it negative; those readings are reported as invalid.
type Counter struct {
	value int
	last  int
	seen  bool
}

// Add applies delta and reports whether the reading is valid and differs
// from the previous valid reading.
func (c *Counter) Add(delta int) (int, bool) {
	c.value += delta
	if c.value < 0 {
		return c.value, false
	}
	if c.seen && c.value == c.last {
		return c.value, false
	}
	c.seen = true
	c.last = c.value
	return c.value, true
}

// Value returns the current count
func (c *Counter) Value() int { return c.value }

func sorted(events []Event) []Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b Event) int { return a.Time.Compare(b.Time) })
	return out
}

// Concurrency returns how many units were inside the stage described by
// spec over time. Only changes are reported.
func Concurrency(events []Event, t0 time.Time, spec Spec) []Point {
	var c Counter
	var points []Point
	for _, e := range sorted(events) {
		var delta int
		switch {
		case matchAny(spec.In, e):
			delta = 1
		case matchAny(spec.Out, e):
			delta = -1
		default:
			continue
		}
		if v, ok := c.Add(delta); ok {
			points = append(points, Point{At: e.Time.Sub(t0), Value: float64(v)})
		}
	}
	return points
}

// Frequency returns, at each matching event, the rate of matching events per
// second over the window ending at that event.
func Frequency(events []Event, t0 time.Time, window time.Duration, filter Filter) []Point {
	if window <= 0 {
		return nil
	}
	var times []time.Time
	for _, e := range sorted(events) {
		if filter.Match(e) {
			times = append(times, e.Time)
		}
	}

	points := make([]Point, 0, len(times))
	start := 0
	for i, t := range times {
		for !times[start].After(t.Add(-window)) {
			start++
		}
		// Count events in (t-window, t], including later ones at the same instant.
		end := i
		for end+1 < len(times) && times[end+1].Equal(t) {
			end++
		}
		n := end - start + 1
		points = append(points, Point{At: t.Sub(t0), Value: float64(n) / window.Seconds()})
	}
	return points
}

// Calibrate returns the time of the first event matching any filter
func Calibrate(events []Event, filters ...Filter) (time.Time, bool) {
	for _, e := range sorted(events) {
		if matchAny(filters, e) {
			return e.Time, true
		}
	}
	return time.Time{}, false
}

// Span returns the first and last time of events matching any filter. With
// no filters every event matches.
func Span(events []Event, filters ...Filter) (first, last time.Time, ok bool) {
	for _, e := range events {
		if len(filters) > 0 && !matchAny(filters, e) {
			continue
		}
		if !ok || e.Time.Before(first) {
			first = e.Time
		}
		if !ok || e.Time.After(last) {
			last = e.Time
		}
		ok = true
	}
	return first, last, ok
}

// Durations accumulates time spent in one state
type Durations struct {
	Count int
	Total time.Duration
	Max   time.Duration
}

// Add records one visit
func (d *Durations) Add(v time.Duration) {
	d.Count++
	d.Total += v
	d.Max = max(d.Max, v)
}

// Mean returns the average visit, zero when empty
func (d Durations) Mean() time.Duration {
	if d.Count == 0 {
		return 0
	}
	return d.Total / time.Duration(d.Count)
}

// StateDurations measures, per state, how long units stayed in it. A visit
// starts at an advance event into the state and ends at the unit's next
// advance event. Final states have no end and are not measured.
func StateDurations(events []Event) map[unit.State]*Durations {
	type entry struct {
		state unit.State
		since time.Time
	}
	open := make(map[string]entry)
	out := make(map[unit.State]*Durations)

	for _, e := range sorted(events) {
		if e.Event != EventAdvance || e.UID == "" {
			continue
		}
		if prev, ok := open[e.UID]; ok && prev.state != e.State {
			d := out[prev.state]
			if d == nil {
				d = &Durations{}
				out[prev.state] = d
			}
			d.Add(e.Time.Sub(prev.since))
		} else if ok {
			continue
		}
		if e.State.Final() {
			delete(open, e.UID)
			continue
		}
		open[e.UID] = entry{state: e.State, since: e.Time}
	}
	return out
}
