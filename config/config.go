// Package config provides configuration management for the egress fleet.
// Values come from defaults, an optional YAML file, and FLEET_-prefixed
// environment variables, highest priority last.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. FLEET_MAX_RETRIES=5.
const EnvPrefix = "FLEET"

// Config holds every tunable of the fleet.  It is loaded once at startup and
// then shared across goroutines as a read-only value, so no locking is needed
// after initialization.
type Config struct {
	// Host and Port locate the operator HTTP API (/health, /proxy).
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// MetricsEnabled starts a separate Prometheus listener on MetricsPort.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`

	// MaxRetries is the number of retries after the initial attempt before a
	// fetch reports a terminal failure.
	MaxRetries int `mapstructure:"max_retries"`

	// BaseRetryDelay seeds the exponential backoff between attempts.
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay"`

	// RequestTimeout is the per-attempt deadline covering connect, TLS
	// handshake, response read, and body drain.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// SessionRefreshTimeout bounds one cookie bootstrap round trip, including
	// time spent waiting for a global refresh slot.
	SessionRefreshTimeout time.Duration `mapstructure:"session_refresh_timeout"`

	// MaxConcurrentRefresh caps simultaneous cookie refreshes across all
	// source IPs so a cold start cannot stampede the origin.
	MaxConcurrentRefresh int `mapstructure:"max_concurrent_refresh"`

	// SessionExpirySlack refreshes a session when any cookie expires within
	// this window.  SessionMaxAge forces a refresh regardless of cookie
	// expiries.  SessionCookieTTL is the assumed lifetime of session cookies
	// that carry no Expires/Max-Age attribute.
	SessionExpirySlack time.Duration `mapstructure:"session_expiry_slack"`
	SessionMaxAge      time.Duration `mapstructure:"session_max_age"`
	SessionCookieTTL   time.Duration `mapstructure:"session_cookie_ttl"`

	// ResourceCleanInterval is how often the janitor scans for idle bindings;
	// SessionInactiveTime is how long an IP must be quiet before its binding
	// is reclaimed.
	ResourceCleanInterval time.Duration `mapstructure:"resource_clean_interval"`
	SessionInactiveTime   time.Duration `mapstructure:"session_inactive_time"`

	// ShutdownGrace is how long in-flight jobs may run after INT/TERM.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// Circuit breaker: the breaker opens once an IP has seen at least
	// CircuitMinRequests terminal outcomes and its failure rate exceeds
	// CircuitFailureThreshold.  After CircuitRecoveryTime a single probe is
	// allowed through.
	CircuitFailureThreshold float64       `mapstructure:"circuit_failure_threshold"`
	CircuitMinRequests      int64         `mapstructure:"circuit_min_requests"`
	CircuitRecoveryTime     time.Duration `mapstructure:"circuit_recovery_time"`

	// Pool selection heuristics for HealthyNext: an address past
	// PoolWarmupRequests observed requests is skipped when its failure rate
	// exceeds PoolFailureThreshold or its average latency exceeds
	// PoolMaxAvgLatency.
	PoolFailureThreshold float64       `mapstructure:"pool_failure_threshold"`
	PoolWarmupRequests   int64         `mapstructure:"pool_warmup_requests"`
	PoolMaxAvgLatency    time.Duration `mapstructure:"pool_max_avg_latency"`

	// IPv6Prefix, IPv6Start, and IPv6Count define the source address pool:
	// IPv6Count addresses formed by appending the ordinals IPv6Start and up
	// to the prefix text, 2001:db8::1001 and so on.  The addresses must be
	// bound on a local interface by the deployment.
	IPv6Prefix string `mapstructure:"ipv6_prefix"`
	IPv6Start  int    `mapstructure:"ipv6_start"`
	IPv6Count  int    `mapstructure:"ipv6_count"`

	// Workers is the number of concurrent fetch executors; QueueCapacity is
	// the submit queue depth (0 means Workers*4).
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`

	// AllowedHosts is the closed origin whitelist.  SessionHosts is the
	// subset whose requests must carry bootstrap cookies.  HomeURL is the
	// origin page fetched to obtain those cookies.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	SessionHosts []string `mapstructure:"session_hosts"`
	HomeURL      string   `mapstructure:"home_url"`

	// Optional per-client token-bucket limiting on the operator API.
	RateLimitEnabled bool    `mapstructure:"rate_limit_enabled"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	// InsecureTLS disables server certificate verification.  Only for lab
	// origins with self-signed certificates; never set in production.
	InsecureTLS bool `mapstructure:"insecure_tls"`
}

// Load builds the configuration from defaults, an optional config file
// (path may be empty to search the working directory for config.yaml), and
// FLEET_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine; defaults plus environment apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config pre-filled with the same defaults Load uses.
// Each call returns a fresh independent copy that callers may mutate.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static and known to unmarshal.
		panic(fmt.Sprintf("config: default unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8171)
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_port", 9290)

	v.SetDefault("max_retries", 3)
	v.SetDefault("base_retry_delay", 500*time.Millisecond)
	v.SetDefault("request_timeout", 30*time.Second)

	v.SetDefault("session_refresh_timeout", 15*time.Second)
	v.SetDefault("max_concurrent_refresh", 5)
	v.SetDefault("session_expiry_slack", 30*time.Second)
	v.SetDefault("session_max_age", 10*time.Minute)
	v.SetDefault("session_cookie_ttl", time.Hour)

	v.SetDefault("resource_clean_interval", 5*time.Minute)
	v.SetDefault("session_inactive_time", 30*time.Minute)
	v.SetDefault("shutdown_grace", 30*time.Second)

	v.SetDefault("circuit_failure_threshold", 0.8)
	v.SetDefault("circuit_min_requests", 20)
	v.SetDefault("circuit_recovery_time", 5*time.Minute)

	v.SetDefault("pool_failure_threshold", 0.5)
	v.SetDefault("pool_warmup_requests", 10)
	v.SetDefault("pool_max_avg_latency", 10*time.Second)

	v.SetDefault("ipv6_prefix", "2001:db8::")
	v.SetDefault("ipv6_start", 1)
	v.SetDefault("ipv6_count", 16)

	v.SetDefault("workers", 10)
	v.SetDefault("queue_capacity", 0)

	v.SetDefault("allowed_hosts", []string{"kh.google.com", "earth.google.com", "www.google.com"})
	v.SetDefault("session_hosts", []string{"kh.google.com"})
	v.SetDefault("home_url", "https://earth.google.com/web/")

	v.SetDefault("rate_limit_enabled", false)
	v.SetDefault("rate_limit_rps", 5.0)
	v.SetDefault("rate_limit_burst", 10)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("insecure_tls", false)
}

// Validate clamps out-of-range values back to safe defaults, logging a
// warning for each correction.  Startup proceeds with the corrected values
// rather than failing on a bad knob.
func (c *Config) Validate() {
	if c.MaxRetries < 0 {
		log.Warn().Int("max_retries", c.MaxRetries).Msg("config: max_retries must be >= 0, using 3")
		c.MaxRetries = 3
	}
	if c.BaseRetryDelay <= 0 {
		log.Warn().Dur("base_retry_delay", c.BaseRetryDelay).Msg("config: base_retry_delay must be > 0, using 500ms")
		c.BaseRetryDelay = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		log.Warn().Dur("request_timeout", c.RequestTimeout).Msg("config: request_timeout must be > 0, using 30s")
		c.RequestTimeout = 30 * time.Second
	}
	if c.SessionRefreshTimeout <= 0 {
		log.Warn().Dur("session_refresh_timeout", c.SessionRefreshTimeout).Msg("config: session_refresh_timeout must be > 0, using 15s")
		c.SessionRefreshTimeout = 15 * time.Second
	}
	if c.MaxConcurrentRefresh < 1 {
		log.Warn().Int("max_concurrent_refresh", c.MaxConcurrentRefresh).Msg("config: max_concurrent_refresh must be >= 1, using 5")
		c.MaxConcurrentRefresh = 5
	}
	if c.CircuitFailureThreshold <= 0 || c.CircuitFailureThreshold > 1 {
		log.Warn().Float64("circuit_failure_threshold", c.CircuitFailureThreshold).Msg("config: circuit_failure_threshold must be in (0,1], using 0.8")
		c.CircuitFailureThreshold = 0.8
	}
	if c.CircuitMinRequests < 1 {
		log.Warn().Int64("circuit_min_requests", c.CircuitMinRequests).Msg("config: circuit_min_requests must be >= 1, using 20")
		c.CircuitMinRequests = 20
	}
	if c.CircuitRecoveryTime <= 0 {
		log.Warn().Dur("circuit_recovery_time", c.CircuitRecoveryTime).Msg("config: circuit_recovery_time must be > 0, using 5m")
		c.CircuitRecoveryTime = 5 * time.Minute
	}
	if c.PoolFailureThreshold <= 0 || c.PoolFailureThreshold > 1 {
		log.Warn().Float64("pool_failure_threshold", c.PoolFailureThreshold).Msg("config: pool_failure_threshold must be in (0,1], using 0.5")
		c.PoolFailureThreshold = 0.5
	}
	if c.IPv6Count < 1 {
		log.Warn().Int("ipv6_count", c.IPv6Count).Msg("config: ipv6_count must be >= 1, using 16")
		c.IPv6Count = 16
	}
	if c.IPv6Start < 0 {
		log.Warn().Int("ipv6_start", c.IPv6Start).Msg("config: ipv6_start must be >= 0, using 1")
		c.IPv6Start = 1
	}
	if c.Workers < 1 {
		log.Warn().Int("workers", c.Workers).Msg("config: workers must be >= 1, using 10")
		c.Workers = 10
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.Workers * 4
	}
	if len(c.AllowedHosts) == 0 {
		log.Warn().Msg("config: allowed_hosts is empty; every fetch will be rejected")
	}
	if c.InsecureTLS {
		log.Warn().Msg("config: insecure_tls is set; server certificates will NOT be verified")
	}
}

// ListenAddr returns the operator API address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddr returns the Prometheus listener address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}
