package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/pilotstreams/bridge"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/health"
	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/profile"
	"github.com/c360/pilotstreams/pubsub"
	"github.com/c360/pilotstreams/queue"
	"github.com/c360/pilotstreams/unit"
)

// TopicState is the topic every state notification is published on
const TopicState = "state"

// WorkerFunc processes a unit in one state. It runs on the instance
// goroutine, never concurrently with another worker of the same instance.
type WorkerFunc func(ctx context.Context, u *unit.Unit) error

// SubscriberFunc handles one notification. It runs on a listener goroutine
// and must synchronize any state it shares with workers.
type SubscriberFunc func(ctx context.Context, topic string, u *unit.Unit) error

type input struct {
	queue  queue.Queue
	states unit.Set
}

// output is a forwarding destination. A nil queue marks a terminal state.
type output struct {
	name  string
	queue queue.Queue
}

type subscriber struct {
	topic    string
	channel  pubsub.Channel
	callback SubscriberFunc
}

// Component hosts one pipeline stage instance: its bindings, its dispatch
// loop and its listeners. Binding tables are written only during Initialize,
// so the loop and Advance read them without locking.
type Component struct {
	cfg      Config
	id       string
	impl     Initializer
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	profiler *profile.Recorder
	resolver *bridge.Resolver

	// setupCtx is set only while Initialize runs, for opening channels
	setupCtx context.Context
	sealed   atomic.Bool

	inputs      []*input
	inputNames  map[string]bool
	outputs     map[unit.State]output
	outQueues   map[string]queue.Queue
	workers     map[unit.State]WorkerFunc
	publishers  map[string][]pubsub.Channel
	subscribers []*subscriber
	rejectQueue queue.Queue

	ledger *ledger

	state        atomic.Int32
	active       atomic.Int32
	processed    atomic.Int64
	failed       atomic.Int64
	errorCount   atomic.Int32
	lastError    atomic.Value // string
	lastActivity atomic.Int64 // unix nanos
	startedAt    time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	graceful  atomic.Bool
	done      chan struct{}
	listeners sync.WaitGroup
}

// Spawn starts a component instance on its own goroutine. It returns after
// Initialize and start-up validation finished, with their error if either
// failed; in that case the instance has already exited.
func Spawn(ctx context.Context, cfg Config, impl Initializer, deps Dependencies) (*Component, error) {
	if impl == nil {
		return nil, errors.WrapFatal(errors.ErrNoInitializer, "Component", "Spawn", "check initializer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	resolver := deps.Resolver
	if resolver == nil {
		resolver = bridge.NewResolver(cfg.BridgeAddresses, bridge.WithLogger(deps.GetLogger()))
	} else if len(cfg.BridgeAddresses) > 0 {
		resolver = resolver.With(cfg.BridgeAddresses)
	}

	id := fmt.Sprintf("%s.%s", cfg.Name, uuid.NewString()[:8])
	c := &Component{
		cfg:        cfg,
		id:         id,
		impl:       impl,
		logger:     deps.GetLoggerWithComponent(cfg.Name).With("instance", id),
		metrics:    deps.MetricsRegistry.CoreMetrics(),
		registry:   deps.MetricsRegistry,
		profiler:   deps.Profiler,
		resolver:   resolver,
		inputNames: make(map[string]bool),
		outputs:    make(map[unit.State]output),
		outQueues:  make(map[string]queue.Queue),
		workers:    make(map[unit.State]WorkerFunc),
		publishers: make(map[string][]pubsub.Channel),
		ledger:     newLedger(),
		done:       make(chan struct{}),
	}
	c.lastError.Store("")

	runCtx, cancel := context.WithCancel(ctx)
	c.ctx, c.cancel = runCtx, cancel

	ready := make(chan error, 1)
	go c.run(runCtx, ready)

	if err := <-ready; err != nil {
		<-c.done
		cancel()
		return nil, err
	}
	return c, nil
}

// Name returns the configured component name
func (c *Component) Name() string { return c.cfg.Name }

// ID returns the identifier of this instance
func (c *Component) ID() string { return c.id }

// Config returns the instance configuration
func (c *Component) Config() Config { return c.cfg }

// Logger returns the instance logger
func (c *Component) Logger() *slog.Logger { return c.logger }

// Context is cancelled when the instance is told to terminate. Work a stage
// runs off the dispatch goroutine should stop with it.
func (c *Component) Context() context.Context { return c.ctx }

// MetricsRegistry returns the registry for stage-specific collectors, or nil
func (c *Component) MetricsRegistry() *metric.MetricsRegistry { return c.registry }

// Done is closed when the instance has exited
func (c *Component) Done() <-chan struct{} { return c.done }

// LifecycleState returns where the instance is in its lifecycle
func (c *Component) LifecycleState() State { return State(c.state.Load()) }

// Close asks the instance to terminate and returns immediately. A unit in
// flight may be lost without notification, and Finalize is not run.
func (c *Component) Close() {
	c.cancel()
}

// Stop terminates the instance, runs Finalize and waits up to timeout for
// the instance to exit.
func (c *Component) Stop(timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.graceful.Store(true)
	c.cancel()

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrStopTimeout, "Component", "Stop", "wait for "+c.id)
	}
}

func (c *Component) run(ctx context.Context, ready chan<- error) {
	defer close(c.done)

	c.setState(StateInitializing)
	if err := c.setup(ctx); err != nil {
		c.setState(StateFailed)
		c.recordError(err)
		c.logger.Error("Component failed to start", "error", err)
		c.closeChannels()
		ready <- err
		return
	}

	c.startedAt = time.Now()
	c.setState(StateRunning)
	c.logger.Info("Component started",
		"inputs", len(c.inputs), "workers", len(c.workers), "subscribers", len(c.subscribers))
	ready <- nil

	c.loop(ctx)

	if c.graceful.Load() {
		if f, ok := c.impl.(Finalizer); ok {
			if err := c.finalize(f); err != nil {
				c.logger.Warn("Finalize failed", "error", err)
			}
		}
	}

	c.closeChannels()
	c.listeners.Wait()
	c.setState(StateStopped)
	c.logger.Info("Component stopped",
		"processed", c.processed.Load(), "failed", c.failed.Load())
}

// setup runs Initialize, seals the binding tables, validates them and starts
// the subscriber listeners.
func (c *Component) setup(ctx context.Context) (err error) {
	c.setupCtx = ctx
	defer func() {
		c.setupCtx = nil
		c.sealed.Store(true)
		if r := recover(); r != nil {
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "Component", "Initialize", "initialize "+c.cfg.Name)
		}
	}()

	if err := c.impl.Initialize(c); err != nil {
		return errors.WrapFatal(err, "Component", "Initialize", "initialize "+c.cfg.Name)
	}
	if err := c.validate(); err != nil {
		return err
	}
	if c.cfg.RejectQueue != "" {
		q, err := c.resolver.OpenQueue(ctx, c.cfg.RejectQueue, queue.InputSide)
		if err != nil {
			return errors.WrapFatal(err, "Component", "Initialize", "open reject queue")
		}
		c.rejectQueue = q
	}

	for _, sub := range c.subscribers {
		c.listeners.Add(1)
		go c.listen(ctx, sub)
	}
	return nil
}

// validate checks that every state an input accepts has a worker
func (c *Component) validate() error {
	var errs []error
	for _, in := range c.inputs {
		for _, s := range in.states.Sorted() {
			if _, ok := c.workers[s]; !ok {
				errs = append(errs, fmt.Errorf("%w: %s on %s", errors.ErrMissingWorker, s, in.queue.Name()))
			}
		}
	}
	if len(errs) > 0 {
		return errors.WrapFatal(stderrors.Join(errs...), "Component", "validate", "check workers")
	}
	return nil
}

func (c *Component) finalize(f Finalizer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalize panic: %v", r)
		}
	}()
	return f.Finalize(c)
}

func (c *Component) closeChannels() {
	for _, in := range c.inputs {
		_ = in.queue.Close()
	}
	for _, q := range c.outQueues {
		_ = q.Close()
	}
	if c.rejectQueue != nil {
		_ = c.rejectQueue.Close()
	}
	for _, chans := range c.publishers {
		for _, ch := range chans {
			_ = ch.Close()
		}
	}
	for _, sub := range c.subscribers {
		_ = sub.channel.Close()
	}
}

func (c *Component) setState(s State) {
	c.state.Store(int32(s))
	status := 0
	if s == StateRunning {
		status = 1
	}
	c.metrics.RecordComponentStatus(c.cfg.Name, status)
}

func (c *Component) recordError(err error) {
	c.errorCount.Add(1)
	c.lastError.Store(err.Error())
}

func (c *Component) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Health reports the instance health
func (c *Component) Health() health.Status {
	var last time.Time
	if ns := c.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return health.FromReport(c.id, health.Report{
		Running:      c.LifecycleState() == StateRunning,
		LastError:    c.lastError.Load().(string),
		ErrorCount:   int(c.errorCount.Load()),
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		StartedAt:    c.startedAt,
		LastActivity: last,
	})
}
