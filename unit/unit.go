// Package unit defines the record that flows through the pipeline and the
// closed set of states it moves through.
package unit

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/c360/pilotstreams/errors"
)

// UIDPrefix starts every generated unit identifier
const UIDPrefix = "unit."

// NewUID returns a process-wide unique unit identifier
func NewUID() string {
	return UIDPrefix + uuid.NewString()
}

// Unit is one item of work. UID never changes after creation; stages mutate
// the rest while they own the unit.
type Unit struct {
	UID         string              `json:"uid"`
	State       State               `json:"state"`
	Description Description         `json:"description"`
	Pilot       string              `json:"pilot,omitempty"`
	Sandbox     string              `json:"sandbox,omitempty"`
	Slots       []int               `json:"slots,omitempty"`
	ExitCode    *int                `json:"exit_code,omitempty"`
	Stdout      string              `json:"stdout,omitempty"`
	Stderr      string              `json:"stderr,omitempty"`
	Error       string              `json:"error,omitempty"`
	Timestamps  map[State]time.Time `json:"timestamps,omitempty"`
}

// NewUnit creates a unit in state New for the description
func NewUnit(d Description) *Unit {
	u := &Unit{
		UID:         NewUID(),
		Description: d,
	}
	u.SetState(New)
	return u
}

// SetState moves the unit to s and stamps the time of entry
func (u *Unit) SetState(s State) {
	u.State = s
	if u.Timestamps == nil {
		u.Timestamps = make(map[State]time.Time)
	}
	u.Timestamps[s] = time.Now().UTC()
}

// Fail moves the unit to Failed and records why
func (u *Unit) Fail(err error) {
	if err != nil {
		u.Error = err.Error()
	}
	u.SetState(Failed)
}

// Clone returns a deep copy
func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	c.Description = u.Description.clone()
	c.Slots = slices.Clone(u.Slots)
	c.Timestamps = maps.Clone(u.Timestamps)
	if u.ExitCode != nil {
		code := *u.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// Validate checks the invariants every transport relies on
func (u *Unit) Validate() error {
	if u == nil || u.UID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "unit", "Validate", "check uid")
	}
	if !u.State.Valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrInvalidState, int(u.State)), "unit", "Validate", "check state")
	}
	return nil
}

// Marshal encodes the unit for a transport
func Marshal(u *Unit) ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(u)
}

// Unmarshal decodes a unit received from a transport
func Unmarshal(data []byte) (*Unit, error) {
	var u Unit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, errors.WrapInvalid(err, "unit", "Unmarshal", "decode unit")
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}
