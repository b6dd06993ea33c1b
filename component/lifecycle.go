package component

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/pilotstreams/errors"
)

// Initializer declares a component's bindings. Initialize runs exactly once,
// on the instance goroutine, before the dispatch loop starts. Declarations
// are only accepted while it runs.
type Initializer interface {
	Initialize(c *Component) error
}

// Finalizer is optionally implemented by an Initializer. Finalize runs once
// after the loop exits through Stop. Close does not run it.
type Finalizer interface {
	Finalize(c *Component) error
}

// InitializerFunc adapts a function to Initializer
type InitializerFunc func(c *Component) error

// Initialize calls f(c)
func (f InitializerFunc) Initialize(c *Component) error { return f(c) }

// OverridePolicy decides what re-declaring an output or worker does
type OverridePolicy string

const (
	// OverrideWarn logs a warning and replaces the earlier binding
	OverrideWarn OverridePolicy = "warn"
	// OverrideReject fails the declaration with ErrDuplicateBinding
	OverrideReject OverridePolicy = "reject"
)

// Defaults for Config
const (
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultIdleSleep   = 10 * time.Millisecond
)

// Config configures one component instance. It is not changed after Spawn.
type Config struct {
	Name string `json:"name"`
	// BridgeAddresses maps queue and pubsub names to transport addresses,
	// overlaying the dependencies' resolver. Empty means in-process.
	BridgeAddresses map[string]string `json:"bridge_addresses,omitempty"`
	// Debug "debug" turns on ownership assertions in Advance.
	Debug       string         `json:"debug,omitempty"`
	PollTimeout time.Duration  `json:"poll_timeout,omitempty"`
	IdleSleep   time.Duration  `json:"idle_sleep,omitempty"`
	Override    OverridePolicy `json:"override,omitempty"`
	// RejectQueue receives units whose state no input accepts. Unset means
	// such units are discarded.
	RejectQueue string `json:"reject_queue,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.IdleSleep == 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.Override == "" {
		c.Override = OverrideWarn
	}
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "check name")
	}
	if c.PollTimeout < 0 || c.IdleSleep < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check timings")
	}
	switch c.Override {
	case "", OverrideWarn, OverrideReject:
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: override %q", errors.ErrInvalidConfig, c.Override),
			"Config", "Validate", "check override policy")
	}
	return nil
}

// DebugEnabled reports whether ownership assertions are on
func (c Config) DebugEnabled() bool {
	return strings.EqualFold(c.Debug, "debug")
}

// State is the lifecycle state of a component instance
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
