// Package config loads govctl's runtime configuration: fixed secrets, alert
// tuning, and HTTP surface knobs, from an optional config.yaml plus
// environment variable overrides (env always wins).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CORSConfig controls the gateway's cross-origin policy.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig throttles the gateway per remote key. §4.6 does not name a
// rate limiter, but every ambient HTTP surface the teacher ships has one.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Config is govctl's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// OSHTTPSecret gates every request via header X-OS-SECRET (§4.6/§6).
	OSHTTPSecret string `yaml:"-"`
	// WriteSecretCurrent/Previous gate mutating requests via header
	// X-WRITE-SECRET; both are accepted so a rotation never causes a window
	// of write failures.
	WriteSecretCurrent  string `yaml:"-"`
	WriteSecretPrevious string `yaml:"-"`

	// GovStrict engages the policy kernel's strict validators (§6).
	GovStrict bool `yaml:"-"`

	// Alerts (§4.5/§6).
	AlertTelegramBotToken   string        `yaml:"-"`
	AlertTelegramChatID     string        `yaml:"-"`
	WorkerOfflineGrace      time.Duration `yaml:"-"`
	DispatchFailThreshold   int           `yaml:"dispatch_fail_threshold"`
	DispatchFailWindow      time.Duration `yaml:"-"`
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `yaml:"-"`
	AlertDedupWindow        time.Duration `yaml:"-"`

	// External-access broker (§4.3/§6).
	ExtCallHMACSecret     string `yaml:"-"`
	ExtRateLimitPerMinute int    `yaml:"ext_rate_limit_per_minute"`
	ExtDailyQuotaPerGroup int    `yaml:"ext_daily_quota_per_group"`

	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`
	BackupIntervalHours   int `yaml:"backup_interval_hours"`

	// NeedsGenesis is true when no config.yaml exists yet and defaults are
	// standing in for it.
	NeedsGenesis bool `yaml:"-"`
}

// rawConfig is the on-disk shape. Secrets never round-trip through YAML,
// only through environment variables, so a config.yaml accidentally checked
// into version control never leaks one.
type rawConfig struct {
	BindAddr                string          `yaml:"bind_addr"`
	LogLevel                string          `yaml:"log_level"`
	DispatchFailThreshold   int             `yaml:"dispatch_fail_threshold"`
	BreakerFailureThreshold int             `yaml:"breaker_failure_threshold"`
	ExtRateLimitPerMinute   int             `yaml:"ext_rate_limit_per_minute"`
	ExtDailyQuotaPerGroup   int             `yaml:"ext_daily_quota_per_group"`
	RetentionAuditLogDays   int             `yaml:"retention_audit_log_days"`
	BackupIntervalHours     int             `yaml:"backup_interval_hours"`
	CORS                    CORSConfig      `yaml:"cors"`
	RateLimit               RateLimitConfig `yaml:"rate_limit"`
}

// HomeDir returns the directory govctl stores its database, logs, and
// config.yaml under. GOVCTL_HOME overrides the default ~/.govctl.
func HomeDir() string {
	if v := os.Getenv("GOVCTL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".govctl")
}

// ConfigPath returns the config.yaml path under a home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the policy.yaml path under a home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:                "127.0.0.1:8080",
		LogLevel:                "info",
		DispatchFailThreshold:   5,
		DispatchFailWindow:      5 * time.Minute,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         2 * time.Minute,
		WorkerOfflineGrace:      120 * time.Second,
		AlertDedupWindow:        10 * time.Minute,
		ExtRateLimitPerMinute:   60,
		ExtDailyQuotaPerGroup:   500,
		RetentionAuditLogDays:   365,
		BackupIntervalHours:     24,
		CORS:                    CORSConfig{Enabled: false},
		RateLimit:               RateLimitConfig{Enabled: true, RequestsPerMinute: 120, BurstSize: 30},
	}
}

// Load reads config.yaml under homeDir (if present), applies environment
// overrides, and normalizes the result.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create govctl home: %w", err)
	}

	raw, err := loadRawConfig(ConfigPath(homeDir))
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if raw == nil {
		cfg.NeedsGenesis = true
	} else {
		applyRaw(&cfg, raw)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func loadRawConfig(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &raw, nil
}

func applyRaw(cfg *Config, raw *rawConfig) {
	if raw.BindAddr != "" {
		cfg.BindAddr = raw.BindAddr
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.DispatchFailThreshold > 0 {
		cfg.DispatchFailThreshold = raw.DispatchFailThreshold
	}
	if raw.BreakerFailureThreshold > 0 {
		cfg.BreakerFailureThreshold = raw.BreakerFailureThreshold
	}
	if raw.ExtRateLimitPerMinute > 0 {
		cfg.ExtRateLimitPerMinute = raw.ExtRateLimitPerMinute
	}
	if raw.ExtDailyQuotaPerGroup > 0 {
		cfg.ExtDailyQuotaPerGroup = raw.ExtDailyQuotaPerGroup
	}
	if raw.RetentionAuditLogDays > 0 {
		cfg.RetentionAuditLogDays = raw.RetentionAuditLogDays
	}
	if raw.BackupIntervalHours > 0 {
		cfg.BackupIntervalHours = raw.BackupIntervalHours
	}
	if raw.CORS.Enabled {
		cfg.CORS = raw.CORS
	}
	if raw.RateLimit.RequestsPerMinute > 0 || raw.RateLimit.BurstSize > 0 {
		cfg.RateLimit = raw.RateLimit
	}
}

// applyEnvOverrides reads every environment variable §6 names. Env always
// wins over config.yaml, matching the teacher's GOCLAW_*-override pattern.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OS_HTTP_SECRET"); v != "" {
		cfg.OSHTTPSecret = v
	}
	if v := os.Getenv("COCKPIT_WRITE_SECRET_CURRENT"); v != "" {
		cfg.WriteSecretCurrent = v
	}
	if v := os.Getenv("COCKPIT_WRITE_SECRET_PREVIOUS"); v != "" {
		cfg.WriteSecretPrevious = v
	}
	if v := os.Getenv("GOV_STRICT"); v != "" {
		cfg.GovStrict = v == "1"
	}
	if v := os.Getenv("ALERT_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.AlertTelegramBotToken = v
	}
	if v := os.Getenv("ALERT_TELEGRAM_CHAT_ID"); v != "" {
		cfg.AlertTelegramChatID = v
	}
	if v, ok := envInt("WORKER_OFFLINE_GRACE_MS"); ok {
		cfg.WorkerOfflineGrace = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("DISPATCH_FAIL_THRESHOLD"); ok {
		cfg.DispatchFailThreshold = v
	}
	if v, ok := envInt("DISPATCH_FAIL_WINDOW_MS"); ok {
		cfg.DispatchFailWindow = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("BREAKER_FAILURE_THRESHOLD"); ok {
		cfg.BreakerFailureThreshold = v
	}
	if v, ok := envInt("BREAKER_COOLDOWN_MS"); ok {
		cfg.BreakerCooldown = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("ALERT_DEDUP_WINDOW_MS"); ok {
		cfg.AlertDedupWindow = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("EXT_CALL_HMAC_SECRET"); v != "" {
		cfg.ExtCallHMACSecret = v
	}
	if v, ok := envInt("EXT_RATE_LIMIT_PER_MINUTE"); ok {
		cfg.ExtRateLimitPerMinute = v
	}
	if v, ok := envInt("EXT_DAILY_QUOTA_PER_GROUP"); ok {
		cfg.ExtDailyQuotaPerGroup = v
	}
	if v := os.Getenv("GOVCTL_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("GOVCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// normalize clamps zero/negative values to sane defaults after env overrides
// have been applied, so a malformed BREAKER_COOLDOWN_MS="" never leaves a
// zero-value timer duration live in the process.
func normalize(cfg *Config) {
	if cfg.WorkerOfflineGrace <= 0 {
		cfg.WorkerOfflineGrace = 120 * time.Second
	}
	if cfg.DispatchFailThreshold <= 0 {
		cfg.DispatchFailThreshold = 5
	}
	if cfg.DispatchFailWindow <= 0 {
		cfg.DispatchFailWindow = 5 * time.Minute
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 2 * time.Minute
	}
	if cfg.AlertDedupWindow <= 0 {
		cfg.AlertDedupWindow = 10 * time.Minute
	}
	if cfg.ExtRateLimitPerMinute <= 0 {
		cfg.ExtRateLimitPerMinute = 60
	}
	if cfg.ExtDailyQuotaPerGroup <= 0 {
		cfg.ExtDailyQuotaPerGroup = 500
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
}

// SecretWarnings reports non-fatal problems with the loaded secrets. §6:
// "OS_HTTP_SECRET (required, ≥ 16 chars; warned if shorter)". doctor.Run
// surfaces these as WARN checks rather than failing startup outright.
func (c Config) SecretWarnings() []string {
	var warnings []string
	if c.OSHTTPSecret == "" {
		warnings = append(warnings, "OS_HTTP_SECRET is not set")
	} else if len(c.OSHTTPSecret) < 16 {
		warnings = append(warnings, "OS_HTTP_SECRET is shorter than 16 characters")
	}
	if c.WriteSecretCurrent == "" {
		warnings = append(warnings, "COCKPIT_WRITE_SECRET_CURRENT is not set")
	}
	return warnings
}

// Fingerprint hashes the tuning knobs that change observable gateway/alert
// behavior, so `govctl status` can show at a glance whether the running
// process picked up a config change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%v|%d|%d|%d|%d",
		c.BindAddr, c.LogLevel, c.GovStrict,
		c.DispatchFailThreshold, c.BreakerFailureThreshold,
		c.ExtRateLimitPerMinute, c.ExtDailyQuotaPerGroup)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
