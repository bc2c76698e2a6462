// Package config provides YAML configuration loading with environment
// variable substitution, defaults, and validation for tickergate.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tickergate configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	Breaker   BreakerConfig    `yaml:"breaker" json:"breaker"`
	Admin     AdminConfig      `yaml:"admin" json:"admin"`
	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`

	// Warnings holds non-fatal issues detected during loading. Stored on
	// the Config itself so concurrent Load calls from the hot-reload
	// goroutine stay safe.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the whole-request deadline, 0 when disabled.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default "1.2"
}

// MetricsConfig holds the Prometheus endpoint settings. Enabled defaults
// to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled reports whether metrics are enabled (default true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds access log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or a file path
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // rotation threshold; default 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // rotated files kept; default 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // retention; default 30
}

// RateLimitConfig holds token-bucket limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AuthConfig holds JWT bearer validation settings.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// BreakerConfig holds circuit breaker tuning. The top-level block sets the
// defaults; an upstream may carry its own block to override them. Threshold
// and cooldown are configuration on purpose — operators tune breaker
// sensitivity per deployment without a rebuild.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// UpstreamConfig defines one backend service fronted by the gateway.
type UpstreamConfig struct {
	Name          string            `yaml:"name" json:"name"`
	BaseURL       string            `yaml:"base_url" json:"base_url"`
	PathPrefix    string            `yaml:"path_prefix" json:"path_prefix"`
	StripPrefix   bool              `yaml:"strip_prefix" json:"strip_prefix"`
	Methods       []string          `yaml:"methods" json:"methods,omitempty"`
	AuthRequired  bool              `yaml:"auth_required" json:"auth_required"`
	TimeoutMs     int               `yaml:"timeout_ms" json:"timeout_ms"`
	RetryAttempts int               `yaml:"retry_attempts" json:"retry_attempts"`
	Headers       map[string]string `yaml:"headers" json:"headers,omitempty"`
	MaxInflight   int               `yaml:"max_inflight" json:"max_inflight"`
	CacheFallback bool              `yaml:"cache_fallback" json:"cache_fallback"`
	FallbackTTL   time.Duration     `yaml:"fallback_ttl" json:"fallback_ttl"`
	RateOverride  *RateLimitConfig  `yaml:"rate_override" json:"rate_override,omitempty"`
	Breaker       *BreakerConfig    `yaml:"breaker" json:"breaker,omitempty"`
}

// Timeout returns the per-call deadline for this upstream.
func (u UpstreamConfig) Timeout() time.Duration {
	if u.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(u.TimeoutMs) * time.Millisecond
}

// BreakerOrDefault returns the upstream's breaker settings, falling back to
// the gateway-wide defaults.
func (u UpstreamConfig) BreakerOrDefault(defaults BreakerConfig) BreakerConfig {
	if u.Breaker != nil {
		return *u.Breaker
	}
	return defaults
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable value. Unset variables are left as-is so validation
// can flag them.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 10
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}

	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		if u.TimeoutMs == 0 {
			u.TimeoutMs = 30000
		}
		if u.CacheFallback && u.FallbackTTL == 0 {
			u.FallbackTTL = 5 * time.Minute
		}
		if u.Breaker != nil {
			if u.Breaker.FailureThreshold == 0 {
				u.Breaker.FailureThreshold = cfg.Breaker.FailureThreshold
			}
			if u.Breaker.Cooldown == 0 {
				u.Breaker.Cooldown = cfg.Breaker.Cooldown
			}
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if err := validateBreaker("breaker", cfg.Breaker); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}

	seenNames := make(map[string]bool)
	seenPrefixes := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d].name is required", i)
		}
		if seenNames[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		seenNames[u.Name] = true

		if u.PathPrefix == "" {
			return fmt.Errorf("upstreams[%d].path_prefix is required", i)
		}
		if !strings.HasPrefix(u.PathPrefix, "/") {
			return fmt.Errorf("upstreams[%d].path_prefix must start with /", i)
		}
		if seenPrefixes[u.PathPrefix] {
			return fmt.Errorf("duplicate upstream path_prefix: %s", u.PathPrefix)
		}
		seenPrefixes[u.PathPrefix] = true

		if u.BaseURL == "" {
			return fmt.Errorf("upstreams[%d].base_url is required", i)
		}
		parsed, err := url.Parse(u.BaseURL)
		if err != nil {
			return fmt.Errorf("upstreams[%d].base_url: invalid URL: %w", i, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("upstreams[%d].base_url: scheme must be http or https, got %q", i, parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("upstreams[%d].base_url: host is required", i)
		}

		if u.MaxInflight < 0 {
			return fmt.Errorf("upstreams[%d].max_inflight must be non-negative", i)
		}
		if u.RetryAttempts < 0 {
			return fmt.Errorf("upstreams[%d].retry_attempts must be non-negative", i)
		}
		if u.FallbackTTL < 0 {
			return fmt.Errorf("upstreams[%d].fallback_ttl must be non-negative", i)
		}
		if u.Breaker != nil {
			if err := validateBreaker(fmt.Sprintf("upstreams[%d].breaker", i), *u.Breaker); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateBreaker(field string, b BreakerConfig) error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("%s.failure_threshold must be positive", field)
	}
	if b.Cooldown <= 0 {
		return fmt.Errorf("%s.cooldown must be positive", field)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	for _, u := range cfg.Upstreams {
		if u.Breaker != nil && u.Breaker.FailureThreshold < 3 {
			warnings = append(warnings,
				fmt.Sprintf("upstream %s: failure_threshold %d is aggressive; a short burst of transient errors will open the circuit", u.Name, u.Breaker.FailureThreshold))
		}
	}
	return warnings
}
