// Package health reports readiness of bus sessions and factories
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/jsonrpcbus/bus"
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`(nats|tls)://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a session, factory or process
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains traffic counters attached to a status
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	MessagesIn   uint64        `json:"messages_in,omitempty"`
	MessagesOut  uint64        `json:"messages_out,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with subStatus appended; the receiver's slice is not shared
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials so
// dial errors can be exposed on an unauthenticated health endpoint.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs go first since they contain paths
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// SessionState is what a session reports about itself for health purposes
type SessionState struct {
	Name      string
	Type      bus.SessionType
	Ready     bool
	Closed    bool
	Peers     int
	LastError error
	Since     time.Time
	Stats     bus.Stats
}

// FromSession converts a session's state into a Status.
// Closed sessions are unhealthy; client sessions that are still connecting are degraded.
func FromSession(s SessionState) Status {
	var status Status
	switch {
	case s.Closed:
		status = NewUnhealthy(s.Name, "session closed")
	case s.Type.IsServer():
		status = NewHealthy(s.Name, "listening")
	case s.Ready:
		status = NewHealthy(s.Name, "connected")
	case s.LastError != nil:
		status = NewDegraded(s.Name, sanitizeErrorMessage(s.LastError.Error()))
	default:
		status = NewDegraded(s.Name, "connecting")
	}

	var uptime time.Duration
	if !s.Since.IsZero() {
		uptime = time.Since(s.Since)
	}

	return status.WithMetrics(&Metrics{
		Uptime:       uptime,
		ErrorCount:   int(s.Stats.Errors),
		MessagesIn:   s.Stats.MessagesIn,
		MessagesOut:  s.Stats.MessagesOut,
		LastActivity: s.Stats.LastActivity,
	})
}
