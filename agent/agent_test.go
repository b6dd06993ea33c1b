package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/bridge"
	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/pubsub"
	"github.com/c360/pilotstreams/queue"
	"github.com/c360/pilotstreams/unit"
)

// pipeline runs agent stages on one in-process bridge
type pipeline struct {
	t        *testing.T
	ctx      context.Context
	resolver *bridge.Resolver
	registry *component.Registry
	metrics  *metric.MetricsRegistry
	watch    pubsub.Channel
	sandbox  string
	base     string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := bridge.NewResolver(nil)
	watch := r.Bus().Open(StatePubsub, pubsub.Subscriber)
	require.NoError(t, watch.Subscribe(component.TopicState))
	t.Cleanup(func() { _ = watch.Close() })

	reg := component.NewRegistry()
	require.NoError(t, Register(reg))
	t.Cleanup(func() { _ = reg.StopAll(2 * time.Second) })

	return &pipeline{
		t:        t,
		ctx:      ctx,
		resolver: r,
		registry: reg,
		metrics:  metric.NewMetricsRegistry(),
		watch:    watch,
		sandbox:  t.TempDir(),
		base:     t.TempDir(),
	}
}

func (p *pipeline) deps() component.Dependencies {
	return component.Dependencies{
		Resolver:        p.resolver,
		MetricsRegistry: p.metrics,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (p *pipeline) spawn(kind string, opts any) *component.Component {
	p.t.Helper()
	raw, err := json.Marshal(opts)
	require.NoError(p.t, err)
	cfg := component.Config{PollTimeout: 5 * time.Millisecond, IdleSleep: time.Millisecond}
	cs, err := p.registry.Spawn(p.ctx, kind, 1, cfg, raw, p.deps())
	require.NoError(p.t, err)
	return cs[0]
}

func (p *pipeline) spawnAll(cores int) {
	staging := StagingOptions{SandboxRoot: p.sandbox, BaseDir: p.base}
	p.spawn(KindStagingInput, staging)
	p.spawn(KindScheduler, SchedulerOptions{Cores: cores, Pilot: "pilot.0000"})
	p.spawn(KindExecutor, ExecutorOptions{Workers: 4})
	p.spawn(KindStagingOutput, staging)
}

func (p *pipeline) submit(queueName string, state unit.State, descs ...unit.Description) []*unit.Unit {
	p.t.Helper()
	q := p.resolver.Broker().Open(queueName, queue.InputSide)
	out := make([]*unit.Unit, 0, len(descs))
	for _, d := range descs {
		u := unit.NewUnit(d)
		u.SetState(state)
		require.NoError(p.t, q.Put(p.ctx, u))
		out = append(out, u)
	}
	return out
}

// final waits for a final notification of every uid
func (p *pipeline) final(uids ...string) map[string]*unit.Unit {
	p.t.Helper()
	want := make(map[string]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	got := make(map[string]*unit.Unit)

	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	for len(got) < len(want) {
		_, u, err := p.watch.Get(ctx)
		require.NoError(p.t, err, "waiting for %d final units, have %d", len(want), len(got))
		if want[u.UID] && u.State.Final() {
			got[u.UID] = u
		}
	}
	return got
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	requireShell(t)
	p := newPipeline(t)
	p.spawnAll(4)

	require.NoError(t, os.WriteFile(filepath.Join(p.base, "input.txt"), []byte("payload\n"), 0o644))

	units := p.submit(QueueStagingInput, unit.StagingInput, unit.Description{
		Executable:    "sh",
		Arguments:     []string{"-c", `cat data/in.txt > result.txt; echo "$PILOT_CORES $GREETING"`},
		Environment:   map[string]string{"GREETING": "hello"},
		Cores:         2,
		InputStaging:  []unit.Directive{{Source: "input.txt", Target: "data/in.txt"}},
		OutputStaging: []unit.Directive{{Source: "result.txt", Target: "out/result.txt"}},
	})

	done := p.final(units[0].UID)[units[0].UID]
	require.Equal(t, unit.Done, done.State, done.Error)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Equal(t, "2 hello\n", done.Stdout)
	assert.Equal(t, []int{0, 1}, done.Slots)
	assert.Equal(t, "pilot.0000", done.Pilot)
	assert.Equal(t, filepath.Join(p.sandbox, done.UID), done.Sandbox)

	for _, s := range []unit.State{unit.StagingInput, unit.Scheduling, unit.Executing, unit.StagingOutput, unit.Done} {
		assert.Contains(t, done.Timestamps, s)
	}

	staged, err := os.ReadFile(filepath.Join(p.base, "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(staged))

	stdout, err := os.ReadFile(filepath.Join(done.Sandbox, "STDOUT"))
	require.NoError(t, err)
	assert.Equal(t, "2 hello\n", string(stdout))
}

func TestPipeline_ManyUnitsShareCores(t *testing.T) {
	requireShell(t)
	p := newPipeline(t)
	p.spawnAll(2)

	descs := make([]unit.Description, 12)
	for i := range descs {
		descs[i] = unit.Description{Executable: "sh", Arguments: []string{"-c", "sleep 0.01"}, Cores: 1 + i%2}
	}
	units := p.submit(QueueStagingInput, unit.StagingInput, descs...)

	uids := make([]string, len(units))
	for i, u := range units {
		uids[i] = u.UID
	}
	for uid, u := range p.final(uids...) {
		assert.Equal(t, unit.Done, u.State, "%s: %s", uid, u.Error)
	}
}

func TestPipeline_Failures(t *testing.T) {
	requireShell(t)
	p := newPipeline(t)
	p.spawnAll(2)

	units := p.submit(QueueStagingInput, unit.StagingInput,
		unit.Description{Executable: "sh", Arguments: []string{"-c", "echo oops >&2; exit 3"}},
		unit.Description{Executable: "/nonexistent/binary"},
		unit.Description{Executable: "sh", Cores: 8},
		unit.Description{Executable: "sh", InputStaging: []unit.Directive{{Source: "missing.txt", Target: "in.txt"}}},
		unit.Description{Executable: "sh", InputStaging: []unit.Directive{{Source: "/etc/hostname", Target: "../escape"}}},
	)
	got := p.final(units[0].UID, units[1].UID, units[2].UID, units[3].UID, units[4].UID)

	exit := got[units[0].UID]
	assert.Equal(t, unit.Failed, exit.State)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 3, *exit.ExitCode)
	assert.Equal(t, "exit status 3", exit.Error)
	assert.Equal(t, "oops\n", exit.Stderr)

	missing := got[units[1].UID]
	assert.Equal(t, unit.Failed, missing.State)
	assert.Nil(t, missing.ExitCode)
	assert.NotEmpty(t, missing.Error)

	tooBig := got[units[2].UID]
	assert.Equal(t, unit.Failed, tooBig.State)
	assert.Contains(t, tooBig.Error, "exceeds pilot capacity")

	assert.Equal(t, unit.Failed, got[units[3].UID].State)
	assert.Contains(t, got[units[4].UID].Error, "not inside the sandbox")

	// The pilot keeps running units after failures.
	ok := p.submit(QueueStagingInput, unit.StagingInput, unit.Description{Executable: "sh", Arguments: []string{"-c", "true"}})
	assert.Equal(t, unit.Done, p.final(ok[0].UID)[ok[0].UID].State)
}

func TestExecutor_Timeout(t *testing.T) {
	requireShell(t)
	p := newPipeline(t)
	p.spawn(KindExecutor, ExecutorOptions{Workers: 1, Timeout: "50ms"})

	units := p.submit(QueueExecuting, unit.Executing, unit.Description{Executable: "sh", Arguments: []string{"-c", "sleep 5"}})
	u := p.final(units[0].UID)[units[0].UID]
	assert.Equal(t, unit.Failed, u.State)
	assert.Contains(t, u.Error, "process killed")
}

func TestExecutor_OutputCapped(t *testing.T) {
	requireShell(t)
	p := newPipeline(t)
	p.spawn(KindExecutor, ExecutorOptions{OutputLimit: 4})

	units := p.submit(QueueExecuting, unit.Executing, unit.Description{Executable: "sh", Arguments: []string{"-c", "echo 0123456789"}})
	require.Eventually(t, func() bool {
		return p.resolver.Broker().Depth(QueueStagingOutput) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := p.resolver.Broker().Contents(QueueStagingOutput)[0]
	assert.Equal(t, units[0].UID, got.UID)
	assert.Equal(t, unit.StagingOutput, got.State)
	assert.Equal(t, "0123", got.Stdout)
}

func TestNewExecutor_InvalidOptions(t *testing.T) {
	_, err := NewExecutor(ExecutorOptions{Timeout: "soon"})
	assert.Error(t, err)

	e, err := NewExecutor(ExecutorOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultExecutorWorkers, e.opts.Workers)
	assert.Equal(t, DefaultOutputLimit, e.opts.OutputLimit)
	assert.Equal(t, 5*time.Second, e.opts.stopTimeout)
}

func TestRegister(t *testing.T) {
	reg := component.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg), "second registration must conflict")
	assert.Error(t, Register(nil))

	var names []string
	for _, r := range reg.Registrations() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{KindExecutor, KindScheduler, KindStagingInput, KindStagingOutput}, names)

	_, err := reg.Spawn(context.Background(), KindScheduler, 1, component.Config{}, json.RawMessage(`{"cores":2,"bogus":1}`), component.Dependencies{})
	assert.Error(t, err)
}

func TestWorkDirAndEnviron(t *testing.T) {
	u := unit.NewUnit(unit.Description{Executable: "x", Environment: map[string]string{"B": "2", "A": "1"}})
	u.Sandbox = "/sandbox/u"
	u.Slots = []int{2, 3}

	assert.Equal(t, "/sandbox/u", workDir(u))
	u.Description.WorkDir = "sub"
	assert.Equal(t, "/sandbox/u/sub", workDir(u))
	u.Description.WorkDir = "/abs"
	assert.Equal(t, "/abs", workDir(u))

	env := environ(u)
	tail := env[len(env)-6:]
	assert.Equal(t, []string{
		"A=1", "B=2",
		"PILOT_UNIT_ID=" + u.UID,
		"PILOT_SANDBOX=/sandbox/u",
		"PILOT_CORES=1",
		"PILOT_SLOTS=2,3",
	}, tail)
}

func TestApplyActions(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	require.NoError(t, apply(unit.ActionCopy, src, filepath.Join(dir, "a", "copy.txt")))
	data, err := os.ReadFile(filepath.Join(dir, "a", "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	require.NoError(t, apply(unit.ActionLink, src, filepath.Join(dir, "link.txt")))
	target, err := os.Readlink(filepath.Join(dir, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, src, target)

	require.NoError(t, apply(unit.ActionMove, src, filepath.Join(dir, "moved.txt")))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	sub := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested", "f"), []byte("y"), 0o644))
	require.NoError(t, apply(unit.ActionCopy, sub, filepath.Join(dir, "tree-copy")))
	data, err = os.ReadFile(filepath.Join(dir, "tree-copy", "nested", "f"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))

	assert.Error(t, apply("teleport", src, filepath.Join(dir, "t")))

	_, err = inside("/sb", "../x")
	assert.Error(t, err)
	_, err = inside("/sb", "/etc/passwd")
	assert.Error(t, err)
	p, err := inside("/sb", "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/sb/a/b", p)
}
