// Package health models component health and aggregates it for the agent.
package health

import (
	"regexp"
	"strings"
	"time"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	urlPattern        = regexp.MustCompile(`(?:https?|wss?|nats|tls)://[^\s]+`)
	pathPattern       = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portPattern       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component or of a group of them
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are the counters a component reports with its health
type Metrics struct {
	Uptime         time.Duration `json:"uptime"`
	ErrorCount     int           `json:"error_count"`
	UnitsProcessed int64         `json:"units_processed"`
	UnitsFailed    int64         `json:"units_failed"`
	LastActivity   time.Time     `json:"last_activity,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StatusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StatusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// WithMetrics returns a copy with metrics attached
func (s Status) WithMetrics(m *Metrics) Status {
	s.Metrics = m
	return s
}

// WithSubStatus returns a copy with sub appended. The receiver's slice is
// never shared with the result.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// Report is what a running component knows about itself
type Report struct {
	Running      bool
	LastError    string
	ErrorCount   int
	Processed    int64
	Failed       int64
	StartedAt    time.Time
	LastActivity time.Time
}

// FromReport builds the status for component name. A stopped component is
// unhealthy; a running one that has failed units is degraded.
func FromReport(name string, r Report) Status {
	var s Status
	switch {
	case !r.Running:
		s = NewUnhealthy(name, "Component not running")
	case r.LastError != "":
		s = NewDegraded(name, sanitize(r.LastError))
	default:
		s = NewHealthy(name, "Component running")
	}

	var uptime time.Duration
	if !r.StartedAt.IsZero() {
		uptime = time.Since(r.StartedAt)
	}
	return s.WithMetrics(&Metrics{
		Uptime:         uptime,
		ErrorCount:     r.ErrorCount,
		UnitsProcessed: r.Processed,
		UnitsFailed:    r.Failed,
		LastActivity:   r.LastActivity,
	})
}

// sanitize strips addresses, paths and credentials from an error message
// before it is exposed on the health endpoint.
func sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = pathPattern.ReplaceAllString(msg, "[PATH]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	msg = portPattern.ReplaceAllString(msg, "[PORT]")

	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialPattern.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
