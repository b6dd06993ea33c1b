package unit

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/errors"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Unset, "UNSET"},
		{New, "NEW"},
		{StagingInput, "STAGING_INPUT"},
		{Scheduling, "SCHEDULING"},
		{Executing, "EXECUTING"},
		{StagingOutput, "STAGING_OUTPUT"},
		{Done, "DONE"},
		{Failed, "FAILED"},
		{Canceled, "CANCELED"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestState_Predicates(t *testing.T) {
	assert.False(t, Unset.Valid())
	assert.False(t, State(99).Valid())
	for _, s := range States() {
		assert.True(t, s.Valid(), s.String())
	}

	assert.ElementsMatch(t, []State{Done, Failed, Canceled}, FinalStates())
	assert.True(t, Done.Final())
	assert.False(t, Executing.Final())

	assert.True(t, Scheduling.Before(Executing))
	assert.True(t, StagingOutput.Before(Done))
	assert.False(t, Done.Before(Failed))
	assert.False(t, Executing.Before(Executing))
}

func TestParseState(t *testing.T) {
	for _, s := range States() {
		got, err := ParseState(strings.ToLower(s.String()))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseState("STAGING_OUT")
	require.NoError(t, err)
	assert.Equal(t, StagingOutput, got)

	_, err = ParseState("UNSET")
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	_, err = ParseState("RUNNING")
	assert.True(t, errors.IsInvalid(err))
}

func TestSet(t *testing.T) {
	s := NewSet(Done, Scheduling, Failed)
	assert.True(t, s.Has(Scheduling))
	assert.False(t, s.Has(Executing))
	assert.Equal(t, []State{Scheduling, Done, Failed}, s.Sorted())
}

func TestNewUnit(t *testing.T) {
	u := NewUnit(Description{Executable: "/bin/date"})

	assert.True(t, strings.HasPrefix(u.UID, UIDPrefix))
	assert.Equal(t, New, u.State)
	assert.Contains(t, u.Timestamps, New)
	assert.NotEqual(t, u.UID, NewUnit(Description{}).UID)
}

func TestUnit_CloneIsDeep(t *testing.T) {
	code := 0
	u := NewUnit(Description{
		Executable:  "/bin/sh",
		Arguments:   []string{"-c", "true"},
		Environment: map[string]string{"A": "1"},
	})
	u.Slots = []int{0, 1}
	u.ExitCode = &code

	c := u.Clone()
	c.Description.Arguments[0] = "-x"
	c.Description.Environment["A"] = "2"
	c.Slots[0] = 7
	*c.ExitCode = 9
	c.SetState(Done)

	assert.Equal(t, "-c", u.Description.Arguments[0])
	assert.Equal(t, "1", u.Description.Environment["A"])
	assert.Equal(t, 0, u.Slots[0])
	assert.Equal(t, 0, *u.ExitCode)
	assert.Equal(t, New, u.State)
	assert.NotContains(t, u.Timestamps, Done)

	var nilUnit *Unit
	assert.Nil(t, nilUnit.Clone())
}

func TestUnit_Fail(t *testing.T) {
	u := NewUnit(Description{})
	u.Fail(assert.AnError)
	assert.Equal(t, Failed, u.State)
	assert.Equal(t, assert.AnError.Error(), u.Error)
}

func TestMarshalUnmarshal(t *testing.T) {
	u := NewUnit(Description{Executable: "/bin/date", Cores: 2})
	u.SetState(Executing)

	data, err := Marshal(u)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, u.UID, wire["uid"])
	assert.Equal(t, "EXECUTING", wire["state"])
	assert.Contains(t, wire["timestamps"], "EXECUTING")

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, u.UID, back.UID)
	assert.Equal(t, Executing, back.State)
	assert.Equal(t, 2, back.Description.Cores)
	assert.Contains(t, back.Timestamps, New)
}

func TestMarshal_RejectsInvalid(t *testing.T) {
	_, err := Marshal(&Unit{UID: "unit.x"})
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	_, err = Marshal(&Unit{State: New})
	assert.True(t, errors.IsInvalid(err))

	_, err = Unmarshal([]byte(`{"uid":"unit.x","state":"BOGUS"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	assert.True(t, errors.IsInvalid(err))
}
