package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Process configuration. Every duration is given in milliseconds,
// as in the environment.
type Config struct {
	DatabaseURL      string `yaml:"databaseURL"`
	TripUpdatesURL   string `yaml:"tripUpdatesURL" validate:"omitempty,url"`
	ServiceAlertsURL string `yaml:"serviceAlertsURL" validate:"omitempty,url"`
	APIToken         string `yaml:"apiToken"`

	PollIntervalMs     int    `yaml:"pollIntervalMS" validate:"gte=0"`
	FetchTimeoutMs     int    `yaml:"fetchTimeoutMS" validate:"gte=0"`
	MinWriteIntervalMs int    `yaml:"minWriteIntervalMS" validate:"gte=0"`
	RetentionHours     int    `yaml:"retentionHours" validate:"gte=0"`
	WriteMode          string `yaml:"writeMode" validate:"oneof=replace upsert"`

	StaleThresholdMs    int `yaml:"staleThresholdMS" validate:"gte=0"`
	GuardMaxProcessMs   int `yaml:"guardMaxProcessMS" validate:"gte=0"`
	GuardMaxScanned     int `yaml:"guardMaxScanned" validate:"gte=0"`
	GuardMaxMatched     int `yaml:"guardMaxMatched" validate:"gte=0"`
	GuardMaxStopUpdates int `yaml:"guardMaxStopUpdates" validate:"gte=0"`
	CacheTTLMs          int `yaml:"cacheTTLMS" validate:"gte=0"`

	Backoff BackoffConfig `yaml:"backoff"`

	LockSkipWarnStreak int `yaml:"lockSkipWarnStreak" validate:"gte=0"`
	LockSkipWarnAgeMs  int `yaml:"lockSkipWarnAgeMS" validate:"gte=0"`

	MergeMaxAgeMs int `yaml:"mergeMaxAgeMS" validate:"gte=0"`
	MergeGraceMs  int `yaml:"mergeGraceMS" validate:"gte=0"`
	IndexTTLMs    int `yaml:"indexTTLMS" validate:"gte=0"`

	RedisAddr           string `yaml:"redisAddr" validate:"omitempty,hostname_port"`
	NATSURL             string `yaml:"natsURL" validate:"omitempty,url"`
	NATSSubject         string `yaml:"natsSubject"`
	MetricsAddr         string `yaml:"metricsAddr"`
	StopAliasesFile     string `yaml:"stopAliasesFile" validate:"omitempty,filepath"`
	LogLevel            string `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	ScopedSource        string `yaml:"scopedSource" validate:"oneof=memory table"`
	ScopedTableFallback bool   `yaml:"scopedTableFallback"`
}

type BackoffConfig struct {
	BaseMs             int `yaml:"baseMS" validate:"gte=0"`
	MaxMs              int `yaml:"maxMS" validate:"gte=0"`
	RateLimitBaseMs    int `yaml:"rateLimitBaseMS" validate:"gte=0"`
	RateLimitMaxMs     int `yaml:"rateLimitMaxMS" validate:"gte=0"`
	NonTransientBaseMs int `yaml:"nonTransientBaseMS" validate:"gte=0"`
	NonTransientMaxMs  int `yaml:"nonTransientMaxMS" validate:"gte=0"`
	SupervisorBaseMs   int `yaml:"supervisorBaseMS" validate:"gte=0"`
	SupervisorMaxMs    int `yaml:"supervisorMaxMS" validate:"gte=0"`
}

func Default() *Config {
	return &Config{
		DatabaseURL:         "sqlite://rtfeed.db",
		PollIntervalMs:      15000,
		FetchTimeoutMs:      10000,
		MinWriteIntervalMs:  60000,
		RetentionHours:      6,
		WriteMode:           "replace",
		StaleThresholdMs:    120000,
		GuardMaxProcessMs:   250,
		GuardMaxScanned:     50000,
		GuardMaxMatched:     2000,
		GuardMaxStopUpdates: 20000,
		CacheTTLMs:          10000,
		Backoff: BackoffConfig{
			BaseMs:             2000,
			MaxMs:              120000,
			RateLimitBaseMs:    30000,
			RateLimitMaxMs:     600000,
			NonTransientBaseMs: 60000,
			NonTransientMaxMs:  900000,
			SupervisorBaseMs:   1000,
			SupervisorMaxMs:    60000,
		},
		LockSkipWarnStreak:  10,
		LockSkipWarnAgeMs:   180000,
		MergeMaxAgeMs:       1800000,
		MergeGraceMs:        600000,
		IndexTTLMs:          5000,
		NATSSubject:         "rtfeed.heartbeat",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		ScopedSource:        "memory",
		ScopedTableFallback: true,
	}
}

// Loads .env files (".env" if none given, missing files are
// ignored) into the environment and then reads the configuration
// from it.
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return LoadFrom(os.LookupEnv)
}

// Defaults, then the YAML file named by RT_CONFIG_FILE (if any),
// then environment overrides. The result is validated and clamped.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("RT_CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	cfg.WriteMode = strings.ToLower(cfg.WriteMode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.ScopedSource = strings.ToLower(cfg.ScopedSource)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Clamp()

	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RT_DATABASE_URL":       &cfg.DatabaseURL,
		"RT_TRIP_UPDATES_URL":   &cfg.TripUpdatesURL,
		"RT_SERVICE_ALERTS_URL": &cfg.ServiceAlertsURL,
		"RT_API_TOKEN":          &cfg.APIToken,
		"RT_WRITE_MODE":         &cfg.WriteMode,
		"RT_REDIS_ADDR":         &cfg.RedisAddr,
		"RT_NATS_URL":           &cfg.NATSURL,
		"RT_NATS_SUBJECT":       &cfg.NATSSubject,
		"RT_METRICS_ADDR":       &cfg.MetricsAddr,
		"RT_STOP_ALIASES_FILE":  &cfg.StopAliasesFile,
		"RT_LOG_LEVEL":          &cfg.LogLevel,
		"RT_SCOPED_SOURCE":      &cfg.ScopedSource,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"RT_POLL_INTERVAL_MS":              &cfg.PollIntervalMs,
		"RT_FETCH_TIMEOUT_MS":              &cfg.FetchTimeoutMs,
		"RT_MIN_WRITE_INTERVAL_MS":         &cfg.MinWriteIntervalMs,
		"RT_RETENTION_HOURS":               &cfg.RetentionHours,
		"RT_STALE_THRESHOLD_MS":            &cfg.StaleThresholdMs,
		"RT_GUARD_MAX_PROCESS_MS":          &cfg.GuardMaxProcessMs,
		"RT_GUARD_MAX_SCANNED":             &cfg.GuardMaxScanned,
		"RT_GUARD_MAX_MATCHED":             &cfg.GuardMaxMatched,
		"RT_GUARD_MAX_STOP_UPDATES":        &cfg.GuardMaxStopUpdates,
		"RT_CACHE_TTL_MS":                  &cfg.CacheTTLMs,
		"RT_BACKOFF_BASE_MS":               &cfg.Backoff.BaseMs,
		"RT_BACKOFF_MAX_MS":                &cfg.Backoff.MaxMs,
		"RT_BACKOFF_RATE_LIMIT_BASE_MS":    &cfg.Backoff.RateLimitBaseMs,
		"RT_BACKOFF_RATE_LIMIT_MAX_MS":     &cfg.Backoff.RateLimitMaxMs,
		"RT_BACKOFF_NON_TRANSIENT_BASE_MS": &cfg.Backoff.NonTransientBaseMs,
		"RT_BACKOFF_NON_TRANSIENT_MAX_MS":  &cfg.Backoff.NonTransientMaxMs,
		"RT_BACKOFF_SUPERVISOR_BASE_MS":    &cfg.Backoff.SupervisorBaseMs,
		"RT_BACKOFF_SUPERVISOR_MAX_MS":     &cfg.Backoff.SupervisorMaxMs,
		"RT_LOCK_SKIP_WARN_STREAK":         &cfg.LockSkipWarnStreak,
		"RT_LOCK_SKIP_WARN_AGE_MS":         &cfg.LockSkipWarnAgeMs,
		"RT_MERGE_MAX_AGE_MS":              &cfg.MergeMaxAgeMs,
		"RT_MERGE_GRACE_MS":                &cfg.MergeGraceMs,
		"RT_INDEX_TTL_MS":                  &cfg.IndexTTLMs,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("RT_SCOPED_TABLE_FALLBACK"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing RT_SCOPED_TABLE_FALLBACK: %w", err)
		}
		cfg.ScopedTableFallback = b
	}

	return nil
}

func clamp(v *int, lo int, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

// Forces every value into a safe range, so that a misconfiguration
// can't produce an unbounded poll rate or unbounded memory growth.
func (c *Config) Clamp() {
	clamp(&c.PollIntervalMs, 1000, 600000)
	clamp(&c.FetchTimeoutMs, 500, 60000)
	clamp(&c.MinWriteIntervalMs, 0, 600000)
	clamp(&c.RetentionHours, 1, 24*14)
	clamp(&c.StaleThresholdMs, 1000, 3600000)
	clamp(&c.GuardMaxProcessMs, 5, 5000)
	clamp(&c.GuardMaxScanned, 1, 1000000)
	clamp(&c.GuardMaxMatched, 1, 100000)
	clamp(&c.GuardMaxStopUpdates, 1, 1000000)
	clamp(&c.CacheTTLMs, 250, 15000)

	clamp(&c.Backoff.BaseMs, 100, 600000)
	clamp(&c.Backoff.MaxMs, c.Backoff.BaseMs, 3600000)
	clamp(&c.Backoff.RateLimitBaseMs, 1000, 600000)
	clamp(&c.Backoff.RateLimitMaxMs, c.Backoff.RateLimitBaseMs, 3600000)
	clamp(&c.Backoff.NonTransientBaseMs, 1000, 600000)
	clamp(&c.Backoff.NonTransientMaxMs, c.Backoff.NonTransientBaseMs, 3600000)
	clamp(&c.Backoff.SupervisorBaseMs, 100, 60000)
	clamp(&c.Backoff.SupervisorMaxMs, c.Backoff.SupervisorBaseMs, 600000)

	clamp(&c.LockSkipWarnStreak, 1, 100000)
	clamp(&c.LockSkipWarnAgeMs, 1000, 86400000)

	clamp(&c.MergeMaxAgeMs, 60000, 86400000)
	clamp(&c.MergeGraceMs, 0, 7200000)
	clamp(&c.IndexTTLMs, 250, 60000)
}

// Checks what the poll command can't run without.
func (c *Config) ValidateForPoll() error {
	if c.TripUpdatesURL == "" && c.ServiceAlertsURL == "" {
		return fmt.Errorf("RT_TRIP_UPDATES_URL or RT_SERVICE_ALERTS_URL must be set")
	}
	if c.APIToken == "" {
		return fmt.Errorf("RT_API_TOKEN must be set")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) PollInterval() time.Duration     { return ms(c.PollIntervalMs) }
func (c *Config) FetchTimeout() time.Duration     { return ms(c.FetchTimeoutMs) }
func (c *Config) MinWriteInterval() time.Duration { return ms(c.MinWriteIntervalMs) }
func (c *Config) Retention() time.Duration        { return time.Duration(c.RetentionHours) * time.Hour }
func (c *Config) StaleThreshold() time.Duration   { return ms(c.StaleThresholdMs) }
func (c *Config) GuardMaxProcess() time.Duration  { return ms(c.GuardMaxProcessMs) }
func (c *Config) CacheTTL() time.Duration         { return ms(c.CacheTTLMs) }
func (c *Config) LockSkipWarnAge() time.Duration  { return ms(c.LockSkipWarnAgeMs) }
func (c *Config) MergeMaxAge() time.Duration      { return ms(c.MergeMaxAgeMs) }
func (c *Config) MergeGrace() time.Duration       { return ms(c.MergeGraceMs) }
func (c *Config) IndexTTL() time.Duration         { return ms(c.IndexTTLMs) }
