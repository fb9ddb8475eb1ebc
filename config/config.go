package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/transport"
)

// Log formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config is the process-level bus configuration. Per-session settings live
// in endpoint URIs; Config holds what factories share plus named endpoints.
type Config struct {
	Version   string              `json:"version,omitempty"` // semver of the config document
	Log       LogConfig           `json:"log"`
	Bus       BusConfig           `json:"bus"`
	Metrics   MetricsConfig       `json:"metrics"`
	Endpoints map[string]Endpoint `json:"endpoints,omitempty"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// BusConfig sizes the event-loop group and sets the default session timeout
type BusConfig struct {
	Loops          int      `json:"loops,omitempty"`      // 0 means one per CPU
	QueueSize      int      `json:"queue_size,omitempty"` // per-loop task queue
	DefaultTimeout Duration `json:"default_timeout,omitempty"`
}

// MetricsConfig controls the Prometheus and health endpoint
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`
	Address           string `json:"address,omitempty"`
	Path              string `json:"path,omitempty"`
	RuntimeCollectors bool   `json:"runtime_collectors,omitempty"`
}

// Endpoint is a named session: its role, URI and extra URI options
type Endpoint struct {
	Role    string            `json:"role"`
	URI     string            `json:"uri"`
	Topic   string            `json:"topic,omitempty"`   // subscribers only
	Options map[string]string `json:"options,omitempty"` // merged over the URI query
}

// Duration is a time.Duration read from JSON as "10s", "2d" or a number of milliseconds
type Duration time.Duration

// UnmarshalJSON accepts a duration string or milliseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON writes the Go duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// parseDurationWithDays parses durations that may be given in days (e.g. "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: FormatJSON},
		Bus: BusConfig{
			QueueSize:      transport.DefaultQueueSize,
			DefaultTimeout: Duration(bus.DefaultTimeout),
		},
		Metrics: MetricsConfig{Address: ":9090", Path: "/metrics"},
	}
}

var roles = map[string]bus.SessionType{
	bus.TypeRequester.String():  bus.TypeRequester,
	bus.TypeResponder.String():  bus.TypeResponder,
	bus.TypePublisher.String():  bus.TypePublisher,
	bus.TypeSubscriber.String(): bus.TypeSubscriber,
}

// Validate checks the configuration and normalizes case-insensitive fields
func (c *Config) Validate() error {
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	switch c.Log.Format {
	case "", FormatJSON, FormatText:
	default:
		return fmt.Errorf("log.format %q: must be json or text", c.Log.Format)
	}

	if c.Bus.Loops < 0 {
		return errors.New("bus.loops must not be negative")
	}
	if c.Bus.QueueSize < 0 {
		return errors.New("bus.queue_size must not be negative")
	}
	if c.Bus.DefaultTimeout < 0 {
		return errors.New("bus.default_timeout must not be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics.address is required when metrics are enabled")
		}
		if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
		}
	}

	for name, ep := range c.Endpoints {
		if name == "" {
			return errors.New("endpoint name cannot be empty")
		}
		if err := c.Endpoints[name].validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", name, err)
		}
		ep.Role = strings.ToLower(ep.Role)
		c.Endpoints[name] = ep
	}
	return nil
}

func (e Endpoint) validate() error {
	if _, ok := roles[strings.ToLower(e.Role)]; !ok {
		return fmt.Errorf("role %q: must be requester, responder, publisher or subscriber", e.Role)
	}
	if e.Topic != "" && !strings.EqualFold(e.Role, bus.TypeSubscriber.String()) {
		return errors.New("topic is only used by subscribers")
	}
	_, err := e.Parse()
	return err
}

// SessionType returns the role as a bus.SessionType
func (e Endpoint) SessionType() (bus.SessionType, error) {
	t, ok := roles[strings.ToLower(e.Role)]
	if !ok {
		return 0, fmt.Errorf("unknown role %q", e.Role)
	}
	return t, nil
}

// Parse returns the URI with Options merged over its query
func (e Endpoint) Parse() (*endpoint.Endpoint, error) {
	ep, err := endpoint.Parse(e.URI)
	if err != nil {
		return nil, err
	}
	if len(e.Options) > 0 {
		ep = ep.WithOptions(endpoint.Options(e.Options))
	}
	return ep, nil
}

// ResolvedURI returns the URI sessions are opened with
func (e Endpoint) ResolvedURI() (string, error) {
	ep, err := e.Parse()
	if err != nil {
		return "", err
	}
	return ep.String(), nil
}

// Endpoint returns the named endpoint
func (c *Config) Endpoint(name string) (Endpoint, bool) {
	ep, ok := c.Endpoints[name]
	return ep, ok
}

// EndpointNames returns the endpoint names in sorted order
func (c *Config) EndpointNames() []string {
	names := make([]string, 0, len(c.Endpoints))
	for name := range c.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToOptions builds factory options. registry may be nil to disable metrics.
func (c *Config) ToOptions(logger *slog.Logger, registry *metric.MetricsRegistry) transport.Options {
	return transport.NewOptions(
		transport.WithLogger(logger),
		transport.WithMetrics(registry),
		transport.WithLoops(c.Bus.Loops),
		transport.WithQueueSize(c.Bus.QueueSize),
		transport.WithDefaultTimeout(time.Duration(c.Bus.DefaultTimeout)),
	)
}

// ParseLevel maps a level name to a slog.Level; "" is info
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", level)
	}
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	clone := *c
	if c.Endpoints != nil {
		clone.Endpoints = make(map[string]Endpoint, len(c.Endpoints))
		for name, ep := range c.Endpoints {
			if ep.Options != nil {
				opts := make(map[string]string, len(ep.Options))
				for k, v := range ep.Options {
					opts[k] = v
				}
				ep.Options = opts
			}
			clone.Endpoints[name] = ep
		}
	}
	return &clone
}

// String returns the configuration as indented JSON
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to a configuration that may be
// replaced at runtime
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg; nil starts from Default
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// CompareVersions compares two semver strings: -1 if v1 < v2, 0 if equal, 1 if v1 > v2
func CompareVersions(v1, v2 string) (int, error) {
	a, err := semVer(v1)
	if err != nil {
		return 0, err
	}
	b, err := semVer(v2)
	if err != nil {
		return 0, err
	}
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1, nil
		case a[i] < b[i]:
			return -1, nil
		}
	}
	return 0, nil
}

func semVer(v string) ([3]int, error) {
	major, minor, patch, err := parseSemVer(v)
	if err != nil {
		return [3]int{}, fmt.Errorf("invalid version %q: %w", v, err)
	}
	return [3]int{major, minor, patch}, nil
}

// parseSemVer parses "major.minor.patch" with an optional v prefix
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, errors.New("version cannot be empty")
	}
	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got %q", version)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version part %q", p)
		}
		n[i] = v
	}
	return n[0], n[1], n[2], nil
}
