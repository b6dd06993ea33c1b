package component

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/bridge"
	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/profile"
	"github.com/c360/pilotstreams/pubsub"
	"github.com/c360/pilotstreams/queue"
	"github.com/c360/pilotstreams/unit"
)

const statePubsub = "state_pubsub"

// harness wires components to one in-process bridge and watches the state
// topic the way a manager would.
type harness struct {
	t        *testing.T
	ctx      context.Context
	resolver *bridge.Resolver
	registry *metric.MetricsRegistry
	profiler *profile.Recorder
	watch    pubsub.Channel
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := bridge.NewResolver(nil)
	watch := r.Bus().Open(statePubsub, pubsub.Subscriber)
	require.NoError(t, watch.Subscribe(TopicState))
	t.Cleanup(func() { _ = watch.Close() })

	return &harness{
		t:        t,
		ctx:      ctx,
		resolver: r,
		registry: metric.NewMetricsRegistry(),
		profiler: profile.NewRecorder(),
		watch:    watch,
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Resolver:        h.resolver,
		MetricsRegistry: h.registry,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Profiler:        h.profiler,
	}
}

func (h *harness) config(name string) Config {
	return Config{Name: name, PollTimeout: 5 * time.Millisecond, IdleSleep: time.Millisecond}
}

func (h *harness) spawn(cfg Config, impl Initializer) *Component {
	h.t.Helper()
	c, err := Spawn(h.ctx, cfg, impl, h.deps())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Stop(time.Second) })
	return c
}

func (h *harness) put(queueName string, units ...*unit.Unit) {
	h.t.Helper()
	q := h.resolver.Broker().Open(queueName, queue.InputSide)
	for _, u := range units {
		require.NoError(h.t, q.Put(h.ctx, u))
	}
}

func (h *harness) depth(queueName string) int {
	return h.resolver.Broker().Depth(queueName)
}

// next returns the next state notification
func (h *harness) next(timeout time.Duration) (*unit.Unit, bool) {
	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()
	_, u, err := h.watch.Get(ctx)
	if err != nil {
		return nil, false
	}
	return u, true
}

// waitState skips notifications until uid is reported in state
func (h *harness) waitState(uid string, state unit.State) *unit.Unit {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		u, ok := h.next(time.Until(deadline))
		if ok && u.UID == uid && u.State == state {
			return u
		}
	}
	h.t.Fatalf("no %s notification for %s", state, uid)
	return nil
}

// drain returns every notification arriving within d
func (h *harness) drain(d time.Duration) []*unit.Unit {
	var out []*unit.Unit
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out
		}
		u, ok := h.next(remaining)
		if !ok {
			return out
		}
		out = append(out, u)
	}
}

// stage is a test component built from a function
type stage struct {
	init      func(c *Component) error
	finalized atomic.Int32
}

func (s *stage) Initialize(c *Component) error { return s.init(c) }

type finalizingStage struct{ stage }

func (s *finalizingStage) Finalize(*Component) error {
	s.finalized.Add(1)
	return nil
}

func newUnit(state unit.State) *unit.Unit {
	u := unit.NewUnit(unit.Description{Executable: "/bin/true"})
	u.SetState(state)
	return u
}

func must(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
