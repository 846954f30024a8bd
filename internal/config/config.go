package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration read from strings such as "250ms" or "5s" in
// every supported config format.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for both the control plane (serve) and the
// reference engine (engine). Zero values mean "unspecified" and are replaced
// by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher" toml:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Registry   RegistryConfig   `json:"registry" yaml:"registry" toml:"registry"`
	Session    SessionConfig    `json:"session" yaml:"session" toml:"session"`
	Transport  TransportConfig  `json:"transport" yaml:"transport" toml:"transport"`
	HTTP       HTTPConfig       `json:"http" yaml:"http" toml:"http"`
	Engine     EngineConfig     `json:"engine" yaml:"engine" toml:"engine"`
}

// DispatcherConfig selects the placement policy.
type DispatcherConfig struct {
	DAGAware       bool     `json:"dag_aware" yaml:"dag_aware" toml:"dag_aware"`
	AppFIFO        bool     `json:"app_fifo" yaml:"app_fifo" toml:"app_fifo"`
	MaxQueueSize   int      `json:"max_queue_size" yaml:"max_queue_size" toml:"max_queue_size"`
	MaxPendingWait Duration `json:"max_pending_wait" yaml:"max_pending_wait" toml:"max_pending_wait"`
}

type SchedulerConfig struct {
	DispatchInterval Duration `json:"dispatch_interval" yaml:"dispatch_interval" toml:"dispatch_interval"`
	ContextPoolSize  int      `json:"context_pool_size" yaml:"context_pool_size" toml:"context_pool_size"`
	SweepInterval    Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
}

type RegistryConfig struct {
	HeartbeatTimeout Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ProbeTimeout     Duration `json:"probe_timeout" yaml:"probe_timeout" toml:"probe_timeout"`
	// Optional directory of static engine registrations.
	EnginesDir string `json:"engines_dir" yaml:"engines_dir" toml:"engines_dir"`
}

type SessionConfig struct {
	MaxInflightChains int64    `json:"max_inflight_chains" yaml:"max_inflight_chains" toml:"max_inflight_chains"`
	SessionTTL        Duration `json:"session_ttl" yaml:"session_ttl" toml:"session_ttl"`
}

type TransportConfig struct {
	PrimitiveTimeout Duration `json:"primitive_timeout" yaml:"primitive_timeout" toml:"primitive_timeout"`
	ConnectTimeout   Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
}

// HTTPConfig tunes the control-plane HTTP layer.
type HTTPConfig struct {
	MaxBodyBytes    int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	VarWaitTimeout  Duration `json:"var_wait_timeout" yaml:"var_wait_timeout" toml:"var_wait_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	CORSEnabled     bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods     []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders     []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`
}

// EngineConfig describes the reference engine started by `parrotd engine`.
type EngineConfig struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	Model     string `json:"model" yaml:"model" toml:"model"`
	Tokenizer string `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer"`
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	// Address the control plane should use to reach the engine. Derived from
	// Addr when empty.
	AdvertiseURL       string   `json:"advertise_url" yaml:"advertise_url" toml:"advertise_url"`
	ControlPlane       string   `json:"control_plane" yaml:"control_plane" toml:"control_plane"`
	ThreadsCapacity    int      `json:"threads_capacity" yaml:"threads_capacity" toml:"threads_capacity"`
	RequestsUpperbound int      `json:"requests_upperbound" yaml:"requests_upperbound" toml:"requests_upperbound"`
	MaxBatchSize       int      `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxTokensSum       int      `json:"max_tokens_sum" yaml:"max_tokens_sum" toml:"max_tokens_sum"`
	HeartbeatInterval  Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	StepInterval       Duration `json:"step_interval" yaml:"step_interval" toml:"step_interval"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultAddr             = ":8080"
	DefaultEngineAddr       = ":9090"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultMaxQueueSize     = 1024
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultSweepInterval    = time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultThreadsCapacity  = 8
	DefaultEngineName       = "engine-0"
	DefaultEngineModel      = "echo"
)

// ApplyDefaults fills unspecified values. Component-level defaults (pool
// sizes, batch bounds, timeouts) are left to the packages that own them.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Dispatcher.MaxQueueSize <= 0 {
		c.Dispatcher.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		c.Registry.HeartbeatTimeout = Duration(DefaultHeartbeatTimeout)
	}
	if c.Scheduler.SweepInterval <= 0 {
		c.Scheduler.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	e := &c.Engine
	if e.Name == "" {
		e.Name = DefaultEngineName
	}
	if e.Model == "" {
		e.Model = DefaultEngineModel
	}
	if e.Addr == "" {
		e.Addr = DefaultEngineAddr
	}
	if e.ThreadsCapacity <= 0 {
		e.ThreadsCapacity = DefaultThreadsCapacity
	}
	if e.AdvertiseURL == "" {
		e.AdvertiseURL = advertiseURL(e.Addr)
	}
	if e.ControlPlane == "" {
		e.ControlPlane = advertiseURL(c.Addr)
	}
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	if c.Dispatcher.MaxPendingWait < 0 {
		return fmt.Errorf("dispatcher.max_pending_wait must not be negative")
	}
	if c.Session.MaxInflightChains < 0 {
		return fmt.Errorf("session.max_inflight_chains must not be negative")
	}
	if c.Engine.RequestsUpperbound < 0 {
		return fmt.Errorf("engine.requests_upperbound must not be negative")
	}
	return nil
}

// advertiseURL turns a listen address into a URL reachable on this host.
func advertiseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
