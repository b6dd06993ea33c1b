package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/pkg/worker"
	"github.com/c360/pilotstreams/unit"
)

// Executor defaults
const (
	DefaultExecutorWorkers = 4
	DefaultOutputLimit     = 64 * 1024
)

// ExecutorOptions configure the process pool
type ExecutorOptions struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// OutputLimit caps the stdout and stderr kept on the unit. The full
	// streams are written to STDOUT and STDERR in the sandbox.
	OutputLimit int `json:"output_limit,omitempty"`
	// Timeout kills a unit process that runs longer, e.g. "10m".
	Timeout     string `json:"timeout,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`

	timeout     time.Duration
	stopTimeout time.Duration
}

// Executor runs each unit's executable on a bounded pool of goroutines so
// the dispatch loop keeps polling while processes run. Units are retained
// when handed to the pool and advanced from it.
type Executor struct {
	opts ExecutorOptions
	c    *component.Component
	pool *worker.Pool[*unit.Unit]
}

// NewExecutor creates the execution stage
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultExecutorWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 64
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	opts.stopTimeout = 5 * time.Second

	var err error
	if opts.Timeout != "" {
		if opts.timeout, err = time.ParseDuration(opts.Timeout); err != nil {
			return nil, errors.WrapInvalid(err, "Executor", "NewExecutor", "parse timeout")
		}
	}
	if opts.StopTimeout != "" {
		if opts.stopTimeout, err = time.ParseDuration(opts.StopTimeout); err != nil {
			return nil, errors.WrapInvalid(err, "Executor", "NewExecutor", "parse stop timeout")
		}
	}
	return &Executor{opts: opts}, nil
}

// Initialize declares the stage bindings and starts the pool
func (e *Executor) Initialize(c *component.Component) error {
	e.c = c
	if err := firstErr(
		c.DeclareInput(QueueExecuting, unit.Executing),
		c.DeclareWorker(e.submit, unit.Executing),
		c.DeclareOutput(QueueStagingOutput, unit.StagingOutput),
		c.DeclareTerminal(unit.Failed, unit.Canceled),
		c.DeclarePublisher(component.TopicState, StatePubsub),
	); err != nil {
		return err
	}

	opts := []worker.Option[*unit.Unit]{worker.WithErrorHandler(e.onPoolError)}
	if reg := c.MetricsRegistry(); reg != nil {
		opts = append(opts, worker.WithMetricsRegistry[*unit.Unit](reg, "pilot_executor_pool"))
	}
	e.pool = worker.NewPool(e.opts.Workers, e.opts.QueueSize, e.execute, opts...)
	return e.pool.Start(c.Context())
}

// Finalize stops the pool
func (e *Executor) Finalize(*component.Component) error {
	if e.pool == nil {
		return nil
	}
	return e.pool.Stop(e.opts.stopTimeout)
}

// Stats returns the pool statistics
func (e *Executor) Stats() worker.PoolStats {
	if e.pool == nil {
		return worker.PoolStats{}
	}
	return e.pool.Stats()
}

func (e *Executor) submit(_ context.Context, u *unit.Unit) error {
	if err := e.c.Retain(u); err != nil {
		return err
	}
	if err := e.pool.Submit(u); err != nil {
		return errors.WrapTransient(err, "Executor", "submit", "queue "+u.UID)
	}
	return nil
}

// execute runs on a pool goroutine and owns u until it advances it
func (e *Executor) execute(ctx context.Context, u *unit.Unit) error {
	if err := e.run(ctx, u); err != nil {
		e.c.Logger().Info("Unit failed", "uid", u.UID, "error", err)
		u.Fail(err)
		return e.c.AdvanceOne(ctx, u, unit.Unset, component.PublishAndPush)
	}
	return e.c.AdvanceOne(ctx, u, unit.StagingOutput, component.PublishAndPush)
}

// onPoolError fails a unit whose execution panicked
func (e *Executor) onPoolError(u *unit.Unit, err error) {
	var panicErr *worker.PanicError
	if !stderrors.As(err, &panicErr) {
		e.c.Logger().Error("Failed to advance executed unit", "uid", u.UID, "error", err)
		return
	}
	u.Fail(err)
	if aerr := e.c.AdvanceOne(e.c.Context(), u, unit.Unset, component.PublishAndPush); aerr != nil {
		e.c.Logger().Error("Failed to fail unit", "uid", u.UID, "error", aerr)
	}
}

func (e *Executor) run(ctx context.Context, u *unit.Unit) error {
	d := u.Description
	if e.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, d.Executable, d.Arguments...)
	cmd.Dir = workDir(u)
	cmd.Env = environ(u)
	// Children that inherit the output pipes must not hold Wait open.
	cmd.WaitDelay = time.Second

	stdout := &capped{limit: e.opts.OutputLimit}
	stderr := &capped{limit: e.opts.OutputLimit}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if u.Sandbox != "" {
		closeOut, err := tee(cmd, u.Sandbox)
		if err != nil {
			return err
		}
		defer closeOut()
	}

	err := cmd.Run()
	u.Stdout, u.Stderr = stdout.String(), stderr.String()

	var exitErr *exec.ExitError
	switch {
	case stderrors.As(err, &exitErr):
		code := exitErr.ExitCode()
		u.ExitCode = &code
		if ctx.Err() != nil {
			return fmt.Errorf("process killed: %w", ctx.Err())
		}
		return fmt.Errorf("exit status %d", code)
	case err != nil:
		return errors.Wrap(err, "Executor", "run", "start "+d.Executable)
	}
	code := 0
	u.ExitCode = &code
	return nil
}

// tee also writes the process streams to STDOUT and STDERR in the sandbox
func tee(cmd *exec.Cmd, sandbox string) (func(), error) {
	out, err := os.Create(filepath.Join(sandbox, "STDOUT"))
	if err != nil {
		return nil, errors.Wrap(err, "Executor", "run", "create STDOUT")
	}
	errf, err := os.Create(filepath.Join(sandbox, "STDERR"))
	if err != nil {
		out.Close()
		return nil, errors.Wrap(err, "Executor", "run", "create STDERR")
	}
	cmd.Stdout = io.MultiWriter(out, cmd.Stdout)
	cmd.Stderr = io.MultiWriter(errf, cmd.Stderr)
	return func() {
		out.Close()
		errf.Close()
	}, nil
}

func workDir(u *unit.Unit) string {
	switch wd := u.Description.WorkDir; {
	case wd == "":
		return u.Sandbox
	case filepath.IsAbs(wd) || u.Sandbox == "":
		return wd
	default:
		return filepath.Join(u.Sandbox, wd)
	}
}

// environ is the agent environment plus the unit environment and the
// PILOT_ variables describing the placement.
func environ(u *unit.Unit) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(u.Description.Environment)) {
		env = append(env, k+"="+u.Description.Environment[k])
	}
	slots := make([]string, len(u.Slots))
	for i, s := range u.Slots {
		slots[i] = strconv.Itoa(s)
	}
	return append(env,
		"PILOT_UNIT_ID="+u.UID,
		"PILOT_SANDBOX="+u.Sandbox,
		"PILOT_CORES="+strconv.Itoa(u.Description.CoresOrDefault()),
		"PILOT_SLOTS="+strings.Join(slots, ","),
	)
}

// capped keeps the first limit bytes written to it and discards the rest
type capped struct {
	limit int
	buf   strings.Builder
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) String() string { return c.buf.String() }
