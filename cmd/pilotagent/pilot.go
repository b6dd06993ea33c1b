package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/pilotstreams/agent"
	"github.com/c360/pilotstreams/api"
	"github.com/c360/pilotstreams/bridge"
	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/config"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/health"
	"github.com/c360/pilotstreams/manager"
	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/natsclient"
	"github.com/c360/pilotstreams/notify"
	"github.com/c360/pilotstreams/profile"
	"github.com/c360/pilotstreams/unit"
)

// pilot holds everything the agent process started, in start order
type pilot struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics       *metric.MetricsRegistry
	monitor       *health.Monitor
	natsClient    *natsclient.Client // nil without nats urls
	configManager *config.Manager    // nil without nats urls
	resolver      *bridge.Resolver
	profiler      *profile.Recorder
	registry      *component.Registry
	manager       *manager.Manager // nil when disabled
	hub           *notify.Hub
	server        *api.Server // nil when disabled
}

type reporterFunc func() health.Status

func (f reporterFunc) Health() health.Status { return f() }

// startPilot brings the agent up. On error everything already started is
// shut down again.
func startPilot(ctx context.Context, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) (*pilot, error) {
	p := &pilot{
		cfg:      cfg,
		logger:   logger,
		metrics:  metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
		registry: component.NewRegistry(),
	}

	if err := p.start(ctx, level); err != nil {
		if stopErr := p.shutdown(5 * time.Second); stopErr != nil {
			logger.Warn("Cleanup after failed start", "error", stopErr)
		}
		return nil, err
	}
	return p, nil
}

func (p *pilot) start(ctx context.Context, level *slog.LevelVar) error {
	if err := p.setupInfrastructure(ctx, level); err != nil {
		return err
	}

	if p.cfg.Profile.Path != "" {
		p.profiler = profile.NewRecorder()
	}

	deps := component.Dependencies{
		Resolver:        p.resolver,
		MetricsRegistry: p.metrics,
		Logger:          p.logger,
		Profiler:        p.profiler,
	}

	if err := agent.Register(p.registry); err != nil {
		return fmt.Errorf("register stages: %w", err)
	}
	if err := p.spawnStages(ctx, deps); err != nil {
		return err
	}

	hub, err := notify.NewHub(notify.Options{}, p.logger, p.metrics)
	if err != nil {
		return fmt.Errorf("create notify hub: %w", err)
	}
	hub.Start(ctx)
	p.hub = hub

	if p.cfg.Manager.Enabled {
		if err := p.setupManager(ctx, deps); err != nil {
			return err
		}
		p.manager.OnState(hub.Publish)
	}

	if p.cfg.API.Enabled {
		if err := p.setupServer(ctx); err != nil {
			return err
		}
	}
	return nil
}

// setupInfrastructure connects to NATS when servers are configured and
// builds the bridge resolver over that connection
func (p *pilot) setupInfrastructure(ctx context.Context, level *slog.LevelVar) error {
	var resolverOpts []bridge.Option
	resolverOpts = append(resolverOpts,
		bridge.WithLogger(p.logger),
		bridge.WithClientOptions(p.clientOptions()...),
	)

	if url := p.cfg.NATS.URL(); url != "" {
		client, err := natsclient.NewClient(url, p.clientOptions()...)
		if err != nil {
			return fmt.Errorf("create NATS client: %w", err)
		}
		p.natsClient = client

		if err := connectToNATS(ctx, client); err != nil {
			return err
		}
		p.monitor.Register("nats", reporterFunc(func() health.Status {
			if client.IsHealthy() {
				return health.NewHealthy("nats", client.Status().String())
			}
			return health.NewUnhealthy("nats", client.Status().String())
		}))
		resolverOpts = append(resolverOpts, bridge.WithClient(url, client))

		if err := p.setupConfigManager(ctx, level); err != nil {
			return err
		}
	}

	p.resolver = bridge.NewResolver(p.cfg.Bridges, resolverOpts...)
	return nil
}

func (p *pilot) clientOptions() []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(p.logger),
		natsclient.WithName(appName + "-" + p.cfg.Pilot.ID),
		natsclient.WithMaxReconnects(p.cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(p.metrics),
	}
	if p.cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(p.cfg.NATS.ReconnectWait))
	}
	if p.cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(p.cfg.NATS.Username, p.cfg.NATS.Password))
	}
	if p.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(p.cfg.NATS.Token))
	}
	return opts
}

// connectToNATS establishes the connection and waits for it to be ready
func connectToNATS(ctx context.Context, client *natsclient.Client) error {
	slog.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

// setupConfigManager starts the KV configuration and follows log level
// changes made there
func (p *pilot) setupConfigManager(ctx context.Context, level *slog.LevelVar) error {
	cm, err := config.NewConfigManager(ctx, p.cfg, p.natsClient, "", p.logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := cm.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	p.configManager = cm

	updates := cm.OnChange("log")
	go func() {
		for update := range updates {
			next := parseLevel(update.Config.Get().Log.Level)
			if level.Level() != next {
				level.Set(next)
				p.logger.Info("Log level changed", "level", next.String())
			}
		}
	}()
	return nil
}

// spawnStages starts the configured instances of every stage. A stage with
// zero instances runs in another process.
func (p *pilot) spawnStages(ctx context.Context, deps component.Dependencies) error {
	for _, stage := range config.StageNames() {
		count := p.cfg.Instances(stage)
		if count == 0 {
			p.logger.Info("Stage not run by this agent", "stage", stage)
			continue
		}

		raw, err := stageOptions(p.cfg, stage)
		if err != nil {
			return err
		}
		instances, err := p.registry.Spawn(ctx, stage, count, p.cfg.ComponentConfig(stage), raw, deps)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", stage, err)
		}
		for _, c := range instances {
			p.monitor.Register(c.Name(), c)
		}
		p.logger.Info("Stage started", "stage", stage, "instances", len(instances))
	}
	return nil
}

// stageOptions derives the stage factory input from the pilot section and
// overlays the options configured for the stage
func stageOptions(cfg *config.Config, stage string) (json.RawMessage, error) {
	opts := map[string]any{}
	switch stage {
	case config.StageScheduler:
		opts["cores"] = cfg.Pilot.Cores
		opts["pilot"] = cfg.Pilot.ID
	case config.StageStagingInput, config.StageStagingOutput:
		if cfg.Pilot.SandboxRoot != "" {
			opts["sandbox_root"] = cfg.Pilot.SandboxRoot
		}
		if cfg.Pilot.BaseDir != "" {
			opts["base_dir"] = cfg.Pilot.BaseDir
		}
		if cfg.Pilot.Cleanup {
			opts["cleanup"] = true
		}
	}

	if raw := cfg.Stages[stage].Options; len(raw) > 0 && string(raw) != "null" {
		var configured map[string]any
		if err := json.Unmarshal(raw, &configured); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: stages.%s.options: %w", errors.ErrInvalidConfig, stage, err),
				"pilotagent", "stageOptions", "decode options")
		}
		maps.Copy(opts, configured)
	}

	if len(opts) == 0 {
		return nil, nil
	}
	return json.Marshal(opts)
}

func (p *pilot) setupManager(ctx context.Context, deps component.Dependencies) error {
	var store manager.Store = manager.NewMemoryStore()
	if p.cfg.Manager.Store == config.StoreKV {
		if p.natsClient == nil {
			return errors.WrapInvalid(errors.ErrNoConnection, "pilotagent", "setupManager", "open kv store")
		}
		kv, err := manager.OpenKVStore(ctx, p.natsClient, p.cfg.Manager.Bucket)
		if err != nil {
			return fmt.Errorf("open unit store: %w", err)
		}
		store = kv
	}

	m, err := manager.New(ctx, manager.Options{
		Component:   p.cfg.ComponentConfig("manager"),
		SubmitQueue: agent.QueueStagingInput,
		StatePubsub: agent.StatePubsub,
		Store:       store,
	}, deps)
	if err != nil {
		return fmt.Errorf("start unit manager: %w", err)
	}
	p.manager = m
	p.monitor.Register("manager", m)
	return nil
}

func (p *pilot) setupServer(ctx context.Context) error {
	opts := api.Options{
		Addr:    p.cfg.API.Addr,
		System:  appName,
		Health:  p.monitor,
		Metrics: p.metrics.Handler(),
		Stream:  p.hub,
	}
	// A nil *manager.Manager in the interface would mount the unit routes.
	if p.manager != nil {
		opts.Units = p.manager
	}

	server := api.NewServer(opts, p.logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	p.server = server
	return nil
}

// submit hands descs to the manager. With exitWhenDone, done is called once
// every unit is final.
func (p *pilot) submit(ctx context.Context, descs []unit.Description, exitWhenDone bool, done context.CancelFunc) error {
	if p.manager == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "pilotagent", "submit", "check unit manager")
	}

	units, err := p.manager.Submit(ctx, descs)
	if err != nil {
		p.logger.Warn("Some units were not submitted", "error", err)
	}
	if len(units) == 0 {
		return err
	}
	if !exitWhenDone {
		return nil
	}

	uids := make([]string, 0, len(units))
	for _, u := range units {
		uids = append(uids, u.UID)
	}
	go func() {
		defer done()
		final, err := p.manager.Wait(ctx, uids)
		if err != nil {
			p.logger.Warn("Stopped waiting for units", "error", err)
			return
		}
		counts := make(map[string]int)
		for _, u := range final {
			counts[u.State.String()]++
		}
		p.logger.Info("All units final", "units", len(final), "states", counts)
	}()
	return nil
}

// shutdown stops everything in reverse start order
func (p *pilot) shutdown(timeout time.Duration) error {
	step := shutdownBudget(timeout, 4)
	var errs []error

	if p.server != nil {
		if err := p.server.Stop(step); err != nil {
			errs = append(errs, err)
		}
	}
	if p.manager != nil {
		if err := p.manager.Stop(step); err != nil {
			errs = append(errs, err)
		}
	}
	if p.hub != nil {
		if err := p.hub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.registry.StopAll(step); err != nil {
		errs = append(errs, err)
	}
	if err := p.writeProfile(); err != nil {
		errs = append(errs, err)
	}
	if p.configManager != nil {
		if err := p.configManager.Stop(step); err != nil {
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), step)
	defer cancel()
	if p.resolver != nil {
		if err := p.resolver.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.natsClient != nil {
		if err := p.natsClient.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (p *pilot) writeProfile() error {
	if p.profiler == nil {
		return nil
	}
	path := p.cfg.Profile.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "pilotagent", "writeProfile", "create profile dir")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "pilotagent", "writeProfile", "create profile")
	}
	defer f.Close()

	if err := p.profiler.WriteCSV(f); err != nil {
		return errors.Wrap(err, "pilotagent", "writeProfile", "write profile")
	}
	p.logger.Info("Profile written", "path", path, "events", p.profiler.Len())
	return nil
}
