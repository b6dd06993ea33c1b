package unit

import (
	"fmt"
	"strings"

	"github.com/c360/pilotstreams/errors"
)

// State is the stage a unit is currently in. The zero value is Unset, which
// is never a valid unit state and means "keep the current state" where a new
// state is optional.
type State int

// Pipeline states in the order a unit normally visits them
const (
	Unset State = iota
	New
	StagingInput
	Scheduling
	Executing
	StagingOutput
	Done
	Failed
	Canceled
)

var stateNames = [...]string{
	Unset:         "UNSET",
	New:           "NEW",
	StagingInput:  "STAGING_INPUT",
	Scheduling:    "SCHEDULING",
	Executing:     "EXECUTING",
	StagingOutput: "STAGING_OUTPUT",
	Done:          "DONE",
	Failed:        "FAILED",
	Canceled:      "CANCELED",
}

var stateAliases = map[string]State{
	"STAGING_IN":  StagingInput,
	"STAGING_OUT": StagingOutput,
	"CANCELLED":   Canceled,
}

// States lists every valid state in pipeline order
func States() []State {
	return []State{New, StagingInput, Scheduling, Executing, StagingOutput, Done, Failed, Canceled}
}

// FinalStates lists the states a unit never leaves
func FinalStates() []State {
	return []State{Done, Failed, Canceled}
}

func (s State) String() string {
	if s < Unset || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Valid reports whether s is a state a unit may hold
func (s State) Valid() bool {
	return s > Unset && s <= Canceled
}

// Final reports whether s is Done, Failed or Canceled
func (s State) Final() bool {
	return s == Done || s == Failed || s == Canceled
}

// Before reports whether s comes strictly earlier in the pipeline than o.
// Final states are unordered with respect to each other.
func (s State) Before(o State) bool {
	if s.Final() && o.Final() {
		return false
	}
	return s < o
}

// ParseState maps a state name to its State. Matching ignores case.
func ParseState(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, sn := range stateNames {
		if State(i) != Unset && sn == n {
			return State(i), nil
		}
	}
	if s, ok := stateAliases[n]; ok {
		return s, nil
	}
	return Unset, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidState, name), "unit", "ParseState", "parse state")
}

// MarshalText encodes the state as its name
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", errors.ErrInvalidState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Set is a set of states, used for input bindings and wait conditions
type Set map[State]struct{}

// NewSet builds a set from states
func NewSet(states ...State) Set {
	s := make(Set, len(states))
	for _, st := range states {
		s[st] = struct{}{}
	}
	return s
}

// Has reports membership
func (s Set) Has(st State) bool {
	_, ok := s[st]
	return ok
}

// Sorted returns the members in pipeline order
func (s Set) Sorted() []State {
	out := make([]State, 0, len(s))
	for _, st := range States() {
		if s.Has(st) {
			out = append(out, st)
		}
	}
	return out
}
