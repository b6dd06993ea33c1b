package component

import (
	"log/slog"

	"github.com/c360/pilotstreams/bridge"
	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/profile"
)

// Dependencies are the shared services a component instance uses. Every
// field may be nil.
type Dependencies struct {
	Resolver        *bridge.Resolver        // channel transports; nil gives the instance a private in-process bridge
	MetricsRegistry *metric.MetricsRegistry // Prometheus registry
	Logger          *slog.Logger            // defaults to slog.Default()
	Profiler        *profile.Recorder       // per-unit profile events
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}
