package component

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

type relayOptions struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func relayFactory(raw json.RawMessage) (Initializer, error) {
	var opts relayOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, err
	}
	if opts.From == "" {
		return nil, stderrors.New("from is required")
	}
	return InitializerFunc(func(c *Component) error {
		return must(
			c.DeclareInput(opts.From, unit.Scheduling),
			c.DeclareWorker(func(ctx context.Context, u *unit.Unit) error {
				return c.AdvanceOne(ctx, u, unit.Executing, Push)
			}, unit.Scheduling),
			c.DeclareOutput(opts.To, unit.Executing),
		)
	}), nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Name: "relay", Factory: relayFactory}))
	require.NoError(t, r.Register(Registration{Name: "a-first", Factory: relayFactory}))

	err := r.Register(Registration{Name: "relay", Factory: relayFactory})
	assert.ErrorIs(t, err, errors.ErrDuplicateBinding)
	assert.ErrorIs(t, r.Register(Registration{Name: "nofactory"}), errors.ErrInvalidConfig)

	regs := r.Registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, "a-first", regs[0].Name)
	assert.Equal(t, "relay", regs[1].Name)
}

func TestRegistry_SpawnInstances(t *testing.T) {
	h := newHarness(t)
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Name: "relay", Factory: relayFactory}))

	raw := json.RawMessage(`{"from":"scheduling","to":"executing"}`)
	cfg := h.config("")
	cs, err := r.Spawn(h.ctx, "relay", 3, cfg, raw, h.deps())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.StopAll(time.Second) })
	require.Len(t, cs, 3)

	names := make([]string, 0, 3)
	for _, c := range r.Instances() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"relay.0", "relay.1", "relay.2"}, names)

	c, ok := r.Instance("relay.1")
	require.True(t, ok)
	assert.Equal(t, StateRunning, c.LifecycleState())

	for i := 0; i < 9; i++ {
		h.put("scheduling", newUnit(unit.Scheduling))
	}
	require.Eventually(t, func() bool { return h.depth("executing") == 9 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.StopAll(time.Second))
	assert.Empty(t, r.Instances())
	for _, c := range cs {
		assert.Equal(t, StateStopped, c.LifecycleState())
	}
}

func TestRegistry_SpawnErrors(t *testing.T) {
	h := newHarness(t)
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Name: "relay", Factory: relayFactory}))

	_, err := r.Spawn(h.ctx, "missing", 1, h.config("x"), nil, h.deps())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = r.Spawn(h.ctx, "relay", 2, h.config("x"), json.RawMessage(`{}`), h.deps())
	assert.ErrorContains(t, err, "from is required")

	calls := 0
	require.NoError(t, r.Register(Registration{Name: "flaky", Factory: func(raw json.RawMessage) (Initializer, error) {
		calls++
		if calls == 2 {
			return nil, stderrors.New("second build fails")
		}
		return relayFactory(raw)
	}}))
	_, err = r.Spawn(h.ctx, "flaky", 3, h.config("x"), json.RawMessage(`{"from":"q","to":"out"}`), h.deps())
	assert.ErrorContains(t, err, "second build fails")
	assert.Empty(t, r.Instances())
}
