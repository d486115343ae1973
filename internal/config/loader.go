package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MinCredentialLength mirrors the gate's minimum; shorter secrets are refused at load time.
const MinCredentialLength = 32

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, verifies and validates the configuration at configPath.
// configPath may be a file or a directory containing config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyIfLocked(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// verifyIfLocked checks the file against .checksums when a manifest sits next to it.
func verifyIfLocked(absPath string) error {
	dir := filepath.Dir(absPath)
	if _, err := os.Stat(filepath.Join(dir, ChecksumFile)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		return err
	}
	return VerifyChecksums(dir, manifest, []string{filepath.Base(absPath)})
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigDir finds the config location by checking standard locations.
// Priority order: $OCRGATE_CONFIG_DIR, ~/.config/ocrgate, /etc/ocrgate, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("OCRGATE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "ocrgate")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/ocrgate"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $OCRGATE_CONFIG_DIR, ~/.config/ocrgate, /etc/ocrgate, ./config.yaml)")
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.JobRetention == 0 {
		cfg.Service.JobRetention = defaults.Service.JobRetention
	}
	if cfg.Service.SweepInterval == 0 {
		cfg.Service.SweepInterval = defaults.Service.SweepInterval
	}
	if cfg.Service.EventBuffer == 0 {
		cfg.Service.EventBuffer = defaults.Service.EventBuffer
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = defaults.State.Backend
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = defaults.Redis.Prefix
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = defaults.Redis.DialTimeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxBodySize == "" {
		cfg.API.MaxBodySize = defaults.API.MaxBodySize
	}

	rl := &cfg.RateLimit
	if rl.Backend == "" {
		rl.Backend = defaults.RateLimit.Backend
	}
	if rl.FailureMode == "" {
		rl.FailureMode = defaults.RateLimit.FailureMode
	}
	if rl.IdleTimeout == 0 {
		rl.IdleTimeout = defaults.RateLimit.IdleTimeout
	}
	mergeProfile(&rl.Authenticated, defaults.RateLimit.Authenticated)
	mergeProfile(&rl.Anonymous, defaults.RateLimit.Anonymous)

	wh := &cfg.Webhooks
	if len(wh.AllowedSchemes) == 0 {
		wh.AllowedSchemes = defaults.Webhooks.AllowedSchemes
	}
	if wh.Timeout == 0 {
		wh.Timeout = defaults.Webhooks.Timeout
	}
	if wh.MaxAttempts == 0 {
		wh.MaxAttempts = defaults.Webhooks.MaxAttempts
	}
	if wh.BackoffBase == 0 {
		wh.BackoffBase = defaults.Webhooks.BackoffBase
	}
	if wh.BackoffMax == 0 {
		wh.BackoffMax = defaults.Webhooks.BackoffMax
	}
	if wh.Workers == 0 {
		wh.Workers = defaults.Webhooks.Workers
	}
	if wh.QueueSize == 0 {
		wh.QueueSize = defaults.Webhooks.QueueSize
	}

	return cfg
}

func mergeProfile(dst *LimitProfile, def LimitProfile) {
	if dst.BurstCapacity == 0 {
		dst.BurstCapacity = def.BurstCapacity
	}
	if dst.RefillPerSec == 0 {
		dst.RefillPerSec = def.RefillPerSec
	}
	if dst.SustainedLimit == 0 {
		dst.SustainedLimit = def.SustainedLimit
	}
	if dst.SustainedWindow == 0 {
		dst.SustainedWindow = def.SustainedWindow
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

// validate performs validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.SweepInterval <= 0 {
		return fmt.Errorf("service.sweep_interval must be positive")
	}
	if cfg.Service.JobRetention <= 0 {
		return fmt.Errorf("service.job_retention must be positive")
	}

	switch cfg.State.Backend {
	case "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite backend")
		}
	case "redis":
	default:
		return fmt.Errorf("state.backend must be sqlite or redis (got %q)", cfg.State.Backend)
	}

	if cfg.UsesRedis() {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when a redis backend is selected")
		}
		if err := checkUnresolved("redis.password", cfg.Redis.Password); err != nil {
			return err
		}
	}

	if _, err := ParseByteSize(cfg.API.MaxBodySize); err != nil {
		return fmt.Errorf("api.max_body_size: %w", err)
	}
	if err := validateAuth(cfg.API.Auth); err != nil {
		return err
	}
	if err := validateRateLimit(cfg.RateLimit); err != nil {
		return err
	}
	return validateWebhooks(cfg.Webhooks)
}

func validateAuth(a APIAuthConfig) error {
	if a.APIKey != "" {
		if err := checkUnresolved("api.auth.api_key", a.APIKey); err != nil {
			return err
		}
		if len(a.APIKey) < MinCredentialLength {
			return fmt.Errorf("api.auth.api_key must be at least %d characters", MinCredentialLength)
		}
	}

	names := make(map[string]bool)
	secrets := make(map[string]bool)
	if a.APIKey != "" {
		names["admin"] = true
		secrets[a.APIKey] = true
	}
	for i, tok := range a.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if tok.Name == "" {
			return fmt.Errorf("%s.name is required", field)
		}
		if names[tok.Name] {
			return fmt.Errorf("%s.name %q is duplicated", field, tok.Name)
		}
		names[tok.Name] = true
		if tok.Token == "" {
			return fmt.Errorf("%s.token is required", field)
		}
		if err := checkUnresolved(field+".token", tok.Token); err != nil {
			return err
		}
		if len(tok.Token) < MinCredentialLength {
			return fmt.Errorf("%s.token must be at least %d characters", field, MinCredentialLength)
		}
		if secrets[tok.Token] {
			return fmt.Errorf("%s.token is reused by another credential", field)
		}
		secrets[tok.Token] = true
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("%s.scopes must be non-empty", field)
		}
	}
	return nil
}

func validateRateLimit(rl RateLimitConfig) error {
	if rl.Backend != "memory" && rl.Backend != "redis" {
		return fmt.Errorf("rate_limit.backend must be memory or redis (got %q)", rl.Backend)
	}
	if rl.FailureMode != "fail_closed" && rl.FailureMode != "fail_open" {
		return fmt.Errorf("rate_limit.failure_mode must be fail_closed or fail_open (got %q)", rl.FailureMode)
	}
	if rl.IdleTimeout <= 0 {
		return fmt.Errorf("rate_limit.idle_timeout must be positive")
	}
	for name, p := range map[string]LimitProfile{"authenticated": rl.Authenticated, "anonymous": rl.Anonymous} {
		if p.BurstCapacity < 1 || p.RefillPerSec <= 0 || p.SustainedLimit < 1 || p.SustainedWindow <= 0 {
			return fmt.Errorf("rate_limit.%s: burst_capacity, refill_per_sec, sustained_limit and sustained_window must be positive", name)
		}
	}

	auth, anon := rl.Authenticated, rl.Anonymous
	notLooser := anon.BurstCapacity <= auth.BurstCapacity &&
		anon.RefillPerSec <= auth.RefillPerSec &&
		sustainedRate(anon) <= sustainedRate(auth)
	stricter := anon.BurstCapacity < auth.BurstCapacity ||
		anon.RefillPerSec < auth.RefillPerSec ||
		sustainedRate(anon) < sustainedRate(auth)
	if !notLooser || !stricter {
		return fmt.Errorf("rate_limit.anonymous must be strictly tighter than rate_limit.authenticated")
	}
	return nil
}

func sustainedRate(p LimitProfile) float64 {
	return float64(p.SustainedLimit) / p.SustainedWindow.Seconds()
}

func validateWebhooks(wh WebhooksConfig) error {
	for _, s := range wh.AllowedSchemes {
		if s != "https" && s != "http" {
			return fmt.Errorf("webhooks.allowed_schemes: unsupported scheme %q", s)
		}
	}
	for i, c := range wh.DeniedCIDRs {
		if _, err := netip.ParsePrefix(c); err != nil {
			return fmt.Errorf("webhooks.denied_cidrs[%d]: %w", i, err)
		}
	}
	for i, c := range wh.AllowedCIDRs {
		if _, err := netip.ParsePrefix(c); err != nil {
			return fmt.Errorf("webhooks.allowed_cidrs[%d]: %w", i, err)
		}
	}
	if wh.Timeout <= 0 {
		return fmt.Errorf("webhooks.timeout must be positive")
	}
	if wh.MaxAttempts < 1 {
		return fmt.Errorf("webhooks.max_attempts must be at least 1")
	}
	if wh.BackoffBase <= 0 || wh.BackoffMax < wh.BackoffBase {
		return fmt.Errorf("webhooks.backoff_base must be positive and not exceed webhooks.backoff_max")
	}
	if wh.Workers < 1 || wh.QueueSize < 1 {
		return fmt.Errorf("webhooks.workers and webhooks.queue_size must be positive")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}

// UsesRedis reports whether any component is configured to use Redis.
func (c *Config) UsesRedis() bool {
	return c.State.Backend == "redis" || c.RateLimit.Backend == "redis"
}

// ParseByteSize parses size strings like "1MB", "512KB", "1048576" to bytes.
func ParseByteSize(size string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
