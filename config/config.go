package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryConfig selects and configures the service registry backend.
// Kind is "zookeeper" or "consul". Addrs is the list of coordination
// service addresses ("host:port").
type RegistryConfig struct {
	Kind           string        `yaml:"kind"`
	Addrs          []string      `yaml:"addrs"`
	SessionTimeout time.Duration `yaml:"session_timeout,omitempty"`
	// Balancer names the load-balancer extension used by SelectEndpoint.
	// Empty means the default extension (first declared, i.e. random).
	Balancer string `yaml:"balancer,omitempty"`
}

// PoolConfig configures the per-endpoint connection pool.
type PoolConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MaxPerEndpoint      int           `yaml:"max_per_endpoint,omitempty"`
	IdleTimeout         time.Duration `yaml:"idle_timeout,omitempty"`
	HealthCheckEnabled  bool          `yaml:"health_check_enabled"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
	MaxPendingAcquires  int           `yaml:"max_pending_acquires,omitempty"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout,omitempty"`
	WarmupConns         int           `yaml:"warmup_conns,omitempty"`
}

// ClientConfig configures the RPC client multiplexer.
type ClientConfig struct {
	RequestTimeout              time.Duration `yaml:"request_timeout,omitempty"`
	RequestTimeoutCheckInterval time.Duration `yaml:"request_timeout_check_interval,omitempty"`
	MaxPendingRequests          int           `yaml:"max_pending_requests,omitempty"`
	// Codec and Compressor name the defaults used when encoding requests.
	Codec      string `yaml:"codec,omitempty"`
	Compressor string `yaml:"compressor,omitempty"`
}

// ServerConfig configures the RPC server listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	MaxFrameSize uint32        `yaml:"max_frame_size,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
}

// BreakerConfig configures circuit breakers (per service, process-global manager).
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout,omitempty"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls,omitempty"`
}

// RetryConfig configures the client retry policy.
type RetryConfig struct {
	Mode              string        `yaml:"mode,omitempty"` // "fixed" or "exponential"
	MaxRetries        int           `yaml:"max_retries,omitempty"`
	BaseDelay         time.Duration `yaml:"base_delay,omitempty"`
	Multiplier        float64       `yaml:"multiplier,omitempty"`
	MaxDelay          time.Duration `yaml:"max_delay,omitempty"`
	RetryOnCircuitOpen bool         `yaml:"retry_on_circuit_open,omitempty"`
}

// RateLimitConfig configures the default limiter parameters. Per-key limiters
// are created on first use from these values.
type RateLimitConfig struct {
	Kind       string `yaml:"kind,omitempty"` // "token_bucket" or "sliding_window"
	Rate       int64  `yaml:"rate,omitempty"`
	Capacity   int64  `yaml:"capacity,omitempty"`
	WindowMs   int64  `yaml:"window_ms,omitempty"`
	WindowSlices int  `yaml:"window_slices,omitempty"`
}

// AuthConfig configures token signing and the opaque-key store.
type AuthConfig struct {
	// Secret signs new tokens. VerifySecrets, when set, lists every secret
	// accepted during verification (rotation); Secret is always tried first.
	Secret        string        `yaml:"secret"`
	VerifySecrets []string      `yaml:"verify_secrets,omitempty"`
	TokenExpiry   time.Duration `yaml:"token_expiry,omitempty"`
	KeyExpiry     time.Duration `yaml:"key_expiry,omitempty"`
	// PublicPatterns lists interface-name regexes that bypass authentication.
	PublicPatterns []string    `yaml:"public_patterns,omitempty"`
	Redis          RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the optional Redis-backed opaque-key store.
// Empty Addr means the in-memory store is used.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// NSQConfig configures the optional NSQ sink for traces and metric snapshots.
type NSQConfig struct {
	NSQDAddr     string `yaml:"nsqd_addr,omitempty"`
	TraceTopic   string `yaml:"trace_topic,omitempty"`
	MetricsTopic string `yaml:"metrics_topic,omitempty"`
}

// MetricsConfig configures the periodic metrics reporter.
type MetricsConfig struct {
	ReportEnabled  bool          `yaml:"report_enabled"`
	ReportInterval time.Duration `yaml:"report_interval,omitempty"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	GraceTimeout time.Duration `yaml:"grace_timeout,omitempty"`
}

// RPCConfig is the root configuration tree for the framework.
type RPCConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Registry  RegistryConfig  `yaml:"registry"`
	Pool      PoolConfig      `yaml:"pool"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	NSQ       NSQConfig       `yaml:"nsq"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
}

// Defaults mirrored from the protocol contract. Callers that build configs in
// code should go through ApplyDefaults to pick these up.
const (
	DefaultRequestTimeout              = 5 * time.Second
	DefaultRequestTimeoutCheckInterval = 10 * time.Second
	DefaultMaxPendingRequests          = 1000
	DefaultMaxPerEndpoint              = 10
	DefaultIdleTimeout                 = 300 * time.Second
	DefaultHealthCheckInterval         = 30 * time.Second
	DefaultMaxPendingAcquires          = 1000
	DefaultConnectTimeout              = 5 * time.Second
	DefaultWarmupConns                 = 2
	DefaultMaxFrameSize                = 1 << 20
	DefaultFailureThreshold            = 5
	DefaultRecoveryTimeout             = 60 * time.Second
	DefaultHalfOpenMaxCalls            = 3
	DefaultRate                        = 100
	DefaultCapacity                    = 200
	DefaultWindowMs                    = 1000
	DefaultWindowSlices                = 10
	DefaultTokenExpiry                 = 24 * time.Hour
	DefaultKeyExpiry                   = 30 * 24 * time.Hour
	DefaultGraceTimeout                = 30 * time.Second
	DefaultReportInterval              = 30 * time.Second
	DefaultSessionTimeout              = 10 * time.Second
)

// ApplyDefaults fills every zero-valued numeric field with the framework
// default. It is called by Load and is safe to call on hand-built configs.
func (c *RPCConfig) ApplyDefaults() {
	if c.Server.MaxFrameSize == 0 {
		c.Server.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = DefaultRequestTimeout
	}
	if c.Client.RequestTimeoutCheckInterval == 0 {
		c.Client.RequestTimeoutCheckInterval = DefaultRequestTimeoutCheckInterval
	}
	if c.Client.MaxPendingRequests == 0 {
		c.Client.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.Client.Codec == "" {
		c.Client.Codec = "json"
	}
	if c.Client.Compressor == "" {
		c.Client.Compressor = "none"
	}
	if c.Pool.MaxPerEndpoint == 0 {
		c.Pool.MaxPerEndpoint = DefaultMaxPerEndpoint
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = DefaultIdleTimeout
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Pool.MaxPendingAcquires == 0 {
		c.Pool.MaxPendingAcquires = DefaultMaxPendingAcquires
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Pool.WarmupConns == 0 {
		c.Pool.WarmupConns = DefaultWarmupConns
	}
	if c.Registry.SessionTimeout == 0 {
		c.Registry.SessionTimeout = DefaultSessionTimeout
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.Breaker.HalfOpenMaxCalls == 0 {
		c.Breaker.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if c.Retry.Mode == "" {
		c.Retry.Mode = "exponential"
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 3 * time.Second
	}
	if c.RateLimit.Kind == "" {
		c.RateLimit.Kind = "token_bucket"
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultRate
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = DefaultCapacity
	}
	if c.RateLimit.WindowMs == 0 {
		c.RateLimit.WindowMs = DefaultWindowMs
	}
	if c.RateLimit.WindowSlices == 0 {
		c.RateLimit.WindowSlices = DefaultWindowSlices
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = DefaultTokenExpiry
	}
	if c.Auth.KeyExpiry == 0 {
		c.Auth.KeyExpiry = DefaultKeyExpiry
	}
	if c.Metrics.ReportInterval == 0 {
		c.Metrics.ReportInterval = DefaultReportInterval
	}
	if c.Shutdown.GraceTimeout == 0 {
		c.Shutdown.GraceTimeout = DefaultGraceTimeout
	}
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*RPCConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg RPCConfig
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data from %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with every field at its framework default.
func Default() *RPCConfig {
	var cfg RPCConfig
	cfg.Pool.Enabled = true
	cfg.Pool.HealthCheckEnabled = true
	cfg.ApplyDefaults()
	return &cfg
}
