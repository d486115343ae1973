package config

import "time"

// Config represents the complete ocrgate configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Redis     RedisConfig     `yaml:"redis,omitempty"`
	API       APIConfig       `yaml:"api"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`

	// SourcePath is the absolute path of the file this config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name          string        `yaml:"name"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	JobRetention  time.Duration `yaml:"job_retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	EventBuffer   int           `yaml:"event_buffer"`
}

// StateConfig selects where jobs and webhook registrations live.
type StateConfig struct {
	Backend string `yaml:"backend"` // sqlite | redis
	Path    string `yaml:"path"`
}

// RedisConfig is shared by every Redis-backed component.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password,omitempty"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	MaxBodySize string   `yaml:"max_body_size"`
	EnableCORS  bool     `yaml:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool          `yaml:"trust_proxy"`
	Auth       APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single credential (owner "admin", full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a named credential and its scopes. The name is the
// owner identity that jobs and webhook registrations are bound to.
type APIToken struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RateLimitConfig defines the two admission profiles and where their state lives.
type RateLimitConfig struct {
	Backend       string        `yaml:"backend"`      // memory | redis
	FailureMode   string        `yaml:"failure_mode"` // fail_closed | fail_open
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	Authenticated LimitProfile  `yaml:"authenticated"`
	Anonymous     LimitProfile  `yaml:"anonymous"`
}

// LimitProfile is one token bucket plus one sliding window.
type LimitProfile struct {
	BurstCapacity   float64       `yaml:"burst_capacity"`
	RefillPerSec    float64       `yaml:"refill_per_sec"`
	SustainedLimit  int           `yaml:"sustained_limit"`
	SustainedWindow time.Duration `yaml:"sustained_window"`
}

// WebhooksConfig defines outbound delivery and destination policy.
type WebhooksConfig struct {
	AllowedSchemes []string      `yaml:"allowed_schemes"`
	DeniedHosts    []string      `yaml:"denied_hosts,omitempty"`
	DeniedCIDRs    []string      `yaml:"denied_cidrs,omitempty"`
	AllowedCIDRs   []string      `yaml:"allowed_cidrs,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "ocrgate",
			LogLevel:      "info",
			LogFormat:     "json",
			JobRetention:  30 * 24 * time.Hour,
			SweepInterval: time.Minute,
			EventBuffer:   256,
		},
		State: StateConfig{
			Backend: "sqlite",
			Path:    "./data/state.db",
		},
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			Prefix:      "ocrgate",
			DialTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8080",
			MaxBodySize: "10MB",
		},
		RateLimit: RateLimitConfig{
			Backend:     "memory",
			FailureMode: "fail_closed",
			IdleTimeout: 10 * time.Minute,
			Authenticated: LimitProfile{
				BurstCapacity:   20,
				RefillPerSec:    5,
				SustainedLimit:  300,
				SustainedWindow: time.Minute,
			},
			Anonymous: LimitProfile{
				BurstCapacity:   5,
				RefillPerSec:    0.5,
				SustainedLimit:  30,
				SustainedWindow: time.Minute,
			},
		},
		Webhooks: WebhooksConfig{
			AllowedSchemes: []string{"https"},
			Timeout:        10 * time.Second,
			MaxAttempts:    5,
			BackoffBase:    time.Second,
			BackoffMax:     30 * time.Second,
			Workers:        4,
			QueueSize:      256,
		},
	}
}
