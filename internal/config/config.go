// Package config loads the worker's configuration from a YAML file with
// environment-variable overrides, following the same Load/Get/validate
// shape as the rest of this project's predecessors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a monitor worker process.
type Config struct {
	Region     string           `yaml:"region" json:"region"`
	Port       int              `yaml:"port" json:"port"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Resolver   ResolverConfig   `yaml:"resolver" json:"resolver"`
	Probe      ProbeConfig      `yaml:"probe" json:"probe"`
	Enrich     EnrichConfig     `yaml:"enrich" json:"enrich"`
	Dispatch   DispatchConfig   `yaml:"dispatch" json:"dispatch"`
	Aggregator AggregatorConfig `yaml:"aggregator" json:"aggregator"`
}

type DatabaseConfig struct {
	Path    string `yaml:"path" json:"path"`
	WALMode bool   `yaml:"wal_mode" json:"wal_mode"`
}

type SchedulerConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms" json:"tick_interval_ms"`
	Concurrency    int `yaml:"concurrency" json:"concurrency"`
	BatchLimit     int `yaml:"batch_limit" json:"batch_limit"`
	LeaseSeconds   int `yaml:"lease_seconds" json:"lease_seconds"`
}

type ResolverConfig struct {
	UpstreamServers        []string `yaml:"upstream_servers" json:"upstream_servers"`
	PositiveTTLMS          int      `yaml:"positive_ttl_ms" json:"positive_ttl_ms"`
	NegativeTTLPermanentMS int      `yaml:"negative_ttl_permanent_ms" json:"negative_ttl_permanent_ms"`
	NegativeTTLTransientMS int      `yaml:"negative_ttl_transient_ms" json:"negative_ttl_transient_ms"`
	PerQueryTimeoutMS      int      `yaml:"per_query_timeout_ms" json:"per_query_timeout_ms"`
	MaxRetries             int      `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMS         []int    `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
}

type ProbeConfig struct {
	ConnectTimeoutMS     int `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	TotalTimeoutMS       int `yaml:"total_timeout_ms" json:"total_timeout_ms"`
	MaxResponseBytes     int `yaml:"max_response_bytes" json:"max_response_bytes"`
	MaxRedirects         int `yaml:"max_redirects" json:"max_redirects"`
}

type EnrichConfig struct {
	GeoIPDatabasePath string `yaml:"geoip_database_path" json:"geoip_database_path"`
	GeoASNDatabasePath string `yaml:"geoip_asn_database_path" json:"geoip_asn_database_path"`
	Enabled           bool   `yaml:"enabled" json:"enabled"`
}

type DispatchConfig struct {
	WebhookTimeoutMS int      `yaml:"webhook_timeout_ms" json:"webhook_timeout_ms"`
	MaxRetries       int      `yaml:"max_retries" json:"max_retries"`
	RetryBackoffMS   []int    `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	DedupWindowMS    int      `yaml:"dedup_window_ms" json:"dedup_window_ms"`
	EmailFrom        string   `yaml:"email_from" json:"email_from"`
	SMTPHost         string   `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort         int      `yaml:"smtp_port" json:"smtp_port"`
	TwilioFromNumber string   `yaml:"twilio_from_number" json:"twilio_from_number"`
}

type AggregatorConfig struct {
	RunIntervalMinutes int `yaml:"run_interval_minutes" json:"run_interval_minutes"`
	LookbackDays       int `yaml:"lookback_days" json:"lookback_days"`
}

// Defaults returns a Config populated with the system's standard constants.
func Defaults() Config {
	return Config{
		Region: "us",
		Port:   8085,
		Database: DatabaseConfig{
			Path:    "./data/pulsecheck.db",
			WALMode: true,
		},
		Scheduler: SchedulerConfig{
			TickIntervalMS: 60_000,
			Concurrency:    128,
			BatchLimit:     500,
			LeaseSeconds:   300,
		},
		Resolver: ResolverConfig{
			UpstreamServers:        []string{"1.1.1.1", "8.8.8.8", "1.0.0.1", "8.8.4.4", "9.9.9.9"},
			PositiveTTLMS:          120_000,
			NegativeTTLPermanentMS: 30_000,
			NegativeTTLTransientMS: 5_000,
			PerQueryTimeoutMS:      5_000,
			MaxRetries:             3,
			RetryBackoffMS:         []int{200, 400, 800},
		},
		Probe: ProbeConfig{
			ConnectTimeoutMS: 10_000,
			TotalTimeoutMS:   30_000,
			MaxResponseBytes: 64 * 1024,
			MaxRedirects:     5,
		},
		Enrich: EnrichConfig{
			GeoIPDatabasePath:  "./data/GeoLite2-City.mmdb",
			GeoASNDatabasePath: "./data/GeoLite2-ASN.mmdb",
			Enabled:            true,
		},
		Dispatch: DispatchConfig{
			WebhookTimeoutMS: 10_000,
			MaxRetries:       3,
			RetryBackoffMS:   []int{500, 2_000, 8_000},
			DedupWindowMS:    60_000,
			EmailFrom:        "alerts@pulsecheck.local",
			SMTPPort:         587,
		},
		Aggregator: AggregatorConfig{
			RunIntervalMinutes: 60,
			LookbackDays:       2,
		},
	}
}

var global *Config

// Load reads the config file named by PULSECHECK_CONFIG_FILE (defaulting
// to ./configs/<env>.yaml) over a defaulted Config, applies environment
// overrides, validates the result, and stashes it as the global instance.
func Load() (*Config, error) {
	environment := os.Getenv("PULSECHECK_ENV")
	if environment == "" {
		environment = "development"
	}

	configPath := os.Getenv("PULSECHECK_CONFIG_FILE")
	if configPath == "" {
		configPath = fmt.Sprintf("./configs/%s.yaml", environment)
	}

	cfg := Defaults()

	if fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	overrideWithEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	global = &cfg
	return &cfg, nil
}

// Get returns the global configuration instance, which must already have
// been populated by Load.
func Get() *Config {
	if global == nil {
		panic("configuration not loaded, call Load() first")
	}
	return global
}

func overrideWithEnv(cfg *Config) {
	if val := os.Getenv("REGION"); val != "" {
		cfg.Region = val
	}
	if val := os.Getenv("PULSECHECK_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("PULSECHECK_DB_PATH"); val != "" {
		cfg.Database.Path = val
	}
	if val := os.Getenv("TICK_INTERVAL_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.TickIntervalMS = ms
		}
	}
	if val := os.Getenv("CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.Concurrency = n
		}
	}
	if val := os.Getenv("DNS_SERVERS"); val != "" {
		cfg.Resolver.UpstreamServers = strings.Split(val, ",")
	}
	if val := os.Getenv("PULSECHECK_GEOIP_ENABLED"); val != "" {
		cfg.Enrich.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PULSECHECK_GEOIP_PATH"); val != "" {
		cfg.Enrich.GeoIPDatabasePath = val
	}
	if val := os.Getenv("PULSECHECK_SMTP_HOST"); val != "" {
		cfg.Dispatch.SMTPHost = val
	}
	if val := os.Getenv("PULSECHECK_EMAIL_FROM"); val != "" {
		cfg.Dispatch.EmailFrom = val
	}
}

func validate(cfg *Config) error {
	if cfg.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if cfg.Scheduler.TickIntervalMS <= 0 {
		return fmt.Errorf("scheduler.tick_interval_ms must be positive")
	}
	if cfg.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive")
	}
	if len(cfg.Resolver.UpstreamServers) == 0 {
		return fmt.Errorf("resolver.upstream_servers cannot be empty")
	}
	if cfg.Probe.MaxResponseBytes <= 0 {
		return fmt.Errorf("probe.max_response_bytes must be positive")
	}
	return nil
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// TierMinimumInterval returns the minimum allowed probe interval for a
// tier tag, enforced at registration: interval must be ≥
// tier_minimum(owner_tier).
func TierMinimumInterval(tier string) time.Duration {
	switch tier {
	case "pro":
		return 30 * time.Second
	case "plus":
		return 60 * time.Second
	default:
		return 300 * time.Second
	}
}

// TierAlertBudget returns the per-hour and per-month alert caps for a
// tier and channel, used by the dispatcher's budget enforcement.
func TierAlertBudget(tier, channel string) (hourly, monthly int) {
	switch tier {
	case "pro":
		return 100, 2000
	case "plus":
		return 30, 500
	default:
		return 10, 100
	}
}
