package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/pubsub"
)

// Unit store kinds for the manager
const (
	StoreMemory = "memory"
	StoreKV     = "kv"
)

// Stage names, matching the agent's registered kinds
const (
	StageStagingInput  = "staging_input"
	StageScheduler     = "scheduler"
	StageExecutor      = "executor"
	StageStagingOutput = "staging_output"
)

// Config is the complete agent configuration
type Config struct {
	Version   string            `json:"version"` // semver, controls KV sync direction
	NATS      NATSConfig        `json:"nats"`
	Bridges   map[string]string `json:"bridges,omitempty"` // channel name -> transport address
	Pilot     PilotConfig       `json:"pilot"`
	Stages    StagesConfig      `json:"stages"`
	Component ComponentConfig   `json:"component"`
	Debug     string            `json:"debug,omitempty"`
	Log       LogConfig         `json:"log"`
	API       APIConfig         `json:"api"`
	Manager   ManagerConfig     `json:"manager"`
	Profile   ProfileConfig     `json:"profile"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// URL returns the first configured server, or empty
func (n NATSConfig) URL() string {
	if len(n.URLs) == 0 {
		return ""
	}
	return n.URLs[0]
}

// PilotConfig describes the resource this agent manages
type PilotConfig struct {
	ID          string `json:"id"`
	Cores       int    `json:"cores"`
	SandboxRoot string `json:"sandbox_root,omitempty"`
	BaseDir     string `json:"base_dir,omitempty"`
	Cleanup     bool   `json:"cleanup,omitempty"`
}

// StageConfig sets the instance count of a stage and its raw options
type StageConfig struct {
	Instances int             `json:"instances"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// StagesConfig is keyed by stage name
type StagesConfig map[string]StageConfig

// ComponentConfig holds defaults shared by every stage instance
type ComponentConfig struct {
	PollTimeout time.Duration `json:"poll_timeout,omitempty"`
	IdleSleep   time.Duration `json:"idle_sleep,omitempty"`
	Override    string        `json:"override,omitempty"`
	RejectQueue string        `json:"reject_queue,omitempty"`
}

// LogConfig selects the log handler. Level can change at runtime through
// the config Manager.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	Enabled         bool          `json:"enabled"`
	Addr            string        `json:"addr,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty"`
}

// ManagerConfig configures the unit manager
type ManagerConfig struct {
	Enabled bool   `json:"enabled"`
	Store   string `json:"store,omitempty"`
	Bucket  string `json:"bucket,omitempty"`
}

// ProfileConfig enables the profiler. An empty path disables it.
type ProfileConfig struct {
	Path string `json:"path,omitempty"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return invalid("version", err)
		}
	}
	if c.Pilot.Cores < 1 {
		return invalid("pilot.cores", fmt.Errorf("must be at least 1, got %d", c.Pilot.Cores))
	}

	for name, stage := range c.Stages {
		if !slices.Contains(StageNames(), name) {
			return invalid("stages", fmt.Errorf("unknown stage %q", name))
		}
		if stage.Instances < 0 {
			return invalid("stages."+name+".instances", fmt.Errorf("negative count %d", stage.Instances))
		}
	}
	// Core accounting lives in one scheduler per pilot.
	if n := c.Stages[StageScheduler].Instances; n > 1 {
		return invalid("stages.scheduler.instances", fmt.Errorf("at most one scheduler per pilot, got %d", n))
	}

	for name, address := range c.Bridges {
		if strings.TrimSpace(name) == "" {
			return invalid("bridges", fmt.Errorf("empty channel name"))
		}
		if _, err := pubsub.KindFor(address); err != nil {
			return invalid("bridges."+name, err)
		}
	}

	switch component.OverridePolicy(c.Component.Override) {
	case "", component.OverrideWarn, component.OverrideReject:
	default:
		return invalid("component.override", fmt.Errorf("unknown policy %q", c.Component.Override))
	}
	if c.Component.PollTimeout < 0 || c.Component.IdleSleep < 0 {
		return invalid("component", fmt.Errorf("negative timing"))
	}

	switch c.Manager.Store {
	case "", StoreMemory:
	case StoreKV:
		if c.NATS.URL() == "" {
			return invalid("manager.store", fmt.Errorf("kv store needs nats.urls"))
		}
		if c.Manager.Bucket != "" && !isValidBucketName(c.Manager.Bucket) {
			return invalid("manager.bucket", fmt.Errorf("invalid bucket name %q", c.Manager.Bucket))
		}
	default:
		return invalid("manager.store", fmt.Errorf("unknown store %q", c.Manager.Store))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("log.level", fmt.Errorf("unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return invalid("log.format", fmt.Errorf("unknown format %q", c.Log.Format))
	}
	return nil
}

func invalid(field string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, field, err),
		"Config", "Validate", "validate "+field)
}

// isValidBucketName follows the JetStream KV bucket name rules
func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// StageNames lists the stages in pipeline order
func StageNames() []string {
	return []string{StageStagingInput, StageScheduler, StageExecutor, StageStagingOutput}
}

// Instances returns the configured instance count of a stage
func (c *Config) Instances(stage string) int {
	return c.Stages[stage].Instances
}

// ComponentConfig returns the settings for one stage instance named name
func (c *Config) ComponentConfig(name string) component.Config {
	return component.Config{
		Name:        name,
		Debug:       c.Debug,
		PollTimeout: c.Component.PollTimeout,
		IdleSleep:   c.Component.IdleSleep,
		Override:    component.OverridePolicy(c.Component.Override),
		RejectQueue: c.Component.RejectQueue,
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal config")
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation with credentials masked
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "PILOT",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment overrides
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the configuration used before any layer applies: one
// instance of every stage on a single-core pilot, in-process bridges.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pilot"
	}
	return &Config{
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Pilot: PilotConfig{
			ID:    hostname,
			Cores: 1,
		},
		Stages: StagesConfig{
			StageStagingInput:  {Instances: 1},
			StageScheduler:     {Instances: 1},
			StageExecutor:      {Instances: 1},
			StageStagingOutput: {Instances: 1},
		},
		Log: LogConfig{Level: "info", Format: "json"},
		API: APIConfig{
			Enabled:         true,
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Manager: ManagerConfig{
			Enabled: true,
			Store:   StoreMemory,
		},
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Stage options are raw documents and replace rather than merge.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if k != "options" {
			if baseMap, ok := base[k].(map[string]any); ok {
				if overrideMap, ok := v.(map[string]any); ok {
					result[k] = deepMergeMaps(baseMap, overrideMap)
					continue
				}
			}
		}
		result[k] = v
	}
	return result
}

// durationFields are the dotted paths holding durations
var durationFields = [][]string{
	{"nats", "reconnect_wait"},
	{"component", "poll_timeout"},
	{"component", "idle_sleep"},
	{"api", "shutdown_timeout"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, path := range durationFields {
		section, ok := data[path[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[path[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", path[0], path[1], err)
		}
		section[path[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies PILOT_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
		}
		return val, true, nil
	}
	atoi := func(name string, dst *int) error {
		val, ok, err := env(name)
		if err != nil || !ok {
			return err
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_"+name)
		}
		*dst = n
		return nil
	}
	str := func(name string, dst *string) error {
		val, ok, err := env(name)
		if ok {
			*dst = val
		}
		return err
	}

	if val, ok, err := env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val, ok, err := env("BRIDGES"); err != nil {
		return err
	} else if ok {
		bridges, err := parseBridges(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_BRIDGES")
		}
		if cfg.Bridges == nil {
			cfg.Bridges = make(map[string]string)
		}
		for name, address := range bridges {
			cfg.Bridges[name] = address
		}
	}
	if val, ok, err := env("CLEANUP"); err != nil {
		return err
	} else if ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_CLEANUP")
		}
		cfg.Pilot.Cleanup = b
	}

	for _, apply := range []func() error{
		func() error { return str("NATS_USERNAME", &cfg.NATS.Username) },
		func() error { return str("NATS_PASSWORD", &cfg.NATS.Password) },
		func() error { return str("NATS_TOKEN", &cfg.NATS.Token) },
		func() error { return str("ID", &cfg.Pilot.ID) },
		func() error { return atoi("CORES", &cfg.Pilot.Cores) },
		func() error { return str("SANDBOX", &cfg.Pilot.SandboxRoot) },
		func() error { return str("BASE_DIR", &cfg.Pilot.BaseDir) },
		func() error { return str("DEBUG", &cfg.Debug) },
		func() error { return str("LOG_LEVEL", &cfg.Log.Level) },
		func() error { return str("LOG_FORMAT", &cfg.Log.Format) },
		func() error { return str("API_ADDR", &cfg.API.Addr) },
		func() error { return str("MANAGER_STORE", &cfg.Manager.Store) },
		func() error { return str("MANAGER_BUCKET", &cfg.Manager.Bucket) },
		func() error { return str("PROFILE", &cfg.Profile.Path) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

// parseBridges reads "name=address,name=address"
func parseBridges(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, address, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: bridge %q is not name=address", errors.ErrInvalidConfig, pair)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(address)
	}
	return out, nil
}

// CompareVersions compares two semver version strings
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	error if either version is invalid
func CompareVersions(v1, v2 string) (int, error) {
	major1, minor1, patch1, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	major2, minor2, patch2, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}

	for _, pair := range [][2]int{{major1, major2}, {minor1, minor2}, {patch1, patch2}} {
		switch {
		case pair[0] > pair[1]:
			return 1, nil
		case pair[0] < pair[1]:
			return -1, nil
		}
	}
	return 0, nil
}

// parseSemVer parses a semantic version string (e.g., "1.2.3")
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, fmt.Errorf("version cannot be empty")
	}
	version = strings.TrimPrefix(version, "v")

	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version part '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
