package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

func TestSupersedes(t *testing.T) {
	at := func(s unit.State) *unit.Unit { return &unit.Unit{UID: "unit.1", State: s} }

	tests := []struct {
		prev, next unit.State
		want       bool
	}{
		{unit.New, unit.StagingInput, true},
		{unit.Executing, unit.Scheduling, false},
		{unit.Executing, unit.Executing, true},
		{unit.StagingOutput, unit.Done, true},
		{unit.Executing, unit.Failed, true},
		{unit.Done, unit.Failed, false},
		{unit.Failed, unit.StagingOutput, false},
	}
	for _, tt := range tests {
		t.Run(tt.prev.String()+"->"+tt.next.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, supersedes(at(tt.prev), at(tt.next)))
		})
	}
	assert.True(t, supersedes(nil, at(unit.New)))
}

// storeContract runs the behaviour every Store shares
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	a := unit.NewUnit(unit.Description{Executable: "a"})
	b := unit.NewUnit(unit.Description{Executable: "b"})
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	a.SetState(unit.Executing)
	require.NoError(t, s.Save(ctx, a))
	older := a.Clone()
	older.SetState(unit.Scheduling)
	require.NoError(t, s.Save(ctx, older))

	got, err := s.Get(ctx, a.UID)
	require.NoError(t, err)
	assert.Equal(t, unit.Executing, got.State)

	got.Stdout = "changed"
	again, err := s.Get(ctx, a.UID)
	require.NoError(t, err)
	assert.Empty(t, again.Stdout, "Get must return a copy")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Less(t, list[0].UID, list[1].UID)

	require.NoError(t, s.Delete(ctx, b.UID))
	_, err = s.Get(ctx, b.UID)
	assert.ErrorIs(t, err, errors.ErrUnitNotFound)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Error(t, s.Save(ctx, &unit.Unit{}))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}
