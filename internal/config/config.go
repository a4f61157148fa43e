package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the control plane.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Schema   SchemaConfig   `yaml:"schema"`
	Store    StoreConfig    `yaml:"store"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Health   HealthConfig   `yaml:"health"`
	Autoheal AutohealConfig `yaml:"autoheal"`
	Triage   TriageConfig   `yaml:"triage"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Audit    AuditConfig    `yaml:"audit"`
	Cache    CacheConfig    `yaml:"cache"`
	Relay    RelayConfig    `yaml:"relay"`
}

// ServerConfig controls the HTTP API, metrics, and probe listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	ProbeAddress    string        `yaml:"probeAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SchemaConfig controls registry bootstrap.
type SchemaConfig struct {
	PackPath     string `yaml:"packPath"`
	AllowUnknown bool   `yaml:"allowUnknown"`
}

// StoreConfig controls event log persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FanoutConfig controls per-subscriber queue capacity.
type FanoutConfig struct {
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

// TargetConfig describes one monitored service. Zero-valued override
// fields fall back to the global health/autoheal defaults.
type TargetConfig struct {
	ID        string        `yaml:"id"`
	URL       string        `yaml:"url"`
	TenantID  string        `yaml:"tenantId"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	DownAfter int           `yaml:"downAfter"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Managed   bool          `yaml:"managed"`

	// RestartURL is where the restart capability POSTs for this target.
	RestartURL string `yaml:"restartUrl"`
}

// HealthConfig controls the polling loops.
type HealthConfig struct {
	Interval  time.Duration  `yaml:"interval"`
	Timeout   time.Duration  `yaml:"timeout"`
	DownAfter int            `yaml:"downAfter"`
	Targets   []TargetConfig `yaml:"targets"`
}

// AutohealConfig controls the remediation engine.
type AutohealConfig struct {
	Enabled        bool          `yaml:"enabled"`
	CooldownWindow time.Duration `yaml:"cooldownWindow"`
	RestartTimeout time.Duration `yaml:"restartTimeout"`
	HistorySize    int           `yaml:"historySize"`
}

// TriageConfig controls classification scoring and batching.
type TriageConfig struct {
	BatchLimit        int           `yaml:"batchLimit"`
	ExactConfidence   int           `yaml:"exactConfidence"`
	PatternConfidence int           `yaml:"patternConfidence"`
	UnknownConfidence int           `yaml:"unknownConfidence"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
}

// AnomalyConfig controls the sliding-window detector. Threshold factors
// are deliberately configurable; the shipped defaults are not final.
type AnomalyConfig struct {
	Tick           time.Duration `yaml:"tick"`
	BurstFactor    float64       `yaml:"burstFactor"`
	EndpointFactor float64       `yaml:"endpointFactor"`
	TenantFactor   float64       `yaml:"tenantFactor"`
	TrafficFloor   float64       `yaml:"trafficFloor"`
	ResolveTicks   int           `yaml:"resolveTicks"`
}

// AuditConfig controls the decision log.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"maxEntries"`
}

// CacheConfig controls Valkey-backed caching and cross-replica claims.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// RelayConfig controls the optional NATS bridge for external consumers.
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLEETPLANE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalise(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration, already normalised.
func Default() *Config {
	cfg := defaultConfig()
	normalise(&cfg)
	return &cfg
}

// PollInterval resolves the effective poll interval for a target.
func (c *Config) PollInterval(t TargetConfig) time.Duration {
	if t.Interval > 0 {
		return t.Interval
	}
	return c.Health.Interval
}

// PollTimeout resolves the effective per-poll timeout for a target.
func (c *Config) PollTimeout(t TargetConfig) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return c.Health.Timeout
}

// DownThreshold resolves the consecutive-failure threshold for a target.
func (c *Config) DownThreshold(t TargetConfig) int {
	if t.DownAfter > 0 {
		return t.DownAfter
	}
	return c.Health.DownAfter
}

// CooldownWindow resolves the remediation cooldown for a target.
func (c *Config) CooldownWindow(t TargetConfig) time.Duration {
	if t.Cooldown > 0 {
		return t.Cooldown
	}
	return c.Autoheal.CooldownWindow
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			ProbeAddress:    ":50051",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Schema:  SchemaConfig{AllowUnknown: false},
		Store:   StoreConfig{Path: "data/events.log"},
		Fanout:  FanoutConfig{SubscriberBuffer: 256},
		Health: HealthConfig{
			Interval:  30 * time.Second,
			Timeout:   5 * time.Second,
			DownAfter: 2,
		},
		Autoheal: AutohealConfig{
			Enabled:        true,
			CooldownWindow: 5 * time.Minute,
			RestartTimeout: 30 * time.Second,
			HistorySize:    256,
		},
		Triage: TriageConfig{
			BatchLimit:        100,
			ExactConfidence:   95,
			PatternConfidence: 70,
			UnknownConfidence: 20,
			CacheTTL:          2 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			Tick:           30 * time.Second,
			BurstFactor:    1.5,
			EndpointFactor: 10,
			TenantFactor:   5,
			TrafficFloor:   5,
			ResolveTicks:   2,
		},
		Audit: AuditConfig{
			Path:       "data/audit.log",
			MaxEntries: 1000,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Relay: RelayConfig{SubjectPrefix: "fleetplane.events"},
	}
}

func normalise(cfg *Config) {
	if cfg.Fanout.SubscriberBuffer <= 0 {
		cfg.Fanout.SubscriberBuffer = 256
	}
	if cfg.Health.DownAfter <= 0 {
		cfg.Health.DownAfter = 2
	}
	if cfg.Triage.BatchLimit <= 0 {
		cfg.Triage.BatchLimit = 100
	}
	if cfg.Anomaly.ResolveTicks <= 0 {
		cfg.Anomaly.ResolveTicks = 2
	}
	if cfg.Audit.MaxEntries <= 0 {
		cfg.Audit.MaxEntries = 1000
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETPLANE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FLEETPLANE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("FLEETPLANE_PROBE_ADDRESS"); v != "" {
		cfg.Server.ProbeAddress = v
	}
	if v := os.Getenv("FLEETPLANE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEETPLANE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FLEETPLANE_SCHEMA_PACK"); v != "" {
		cfg.Schema.PackPath = v
	}
	if v := os.Getenv("FLEETPLANE_SCHEMA_ALLOW_UNKNOWN"); v != "" {
		cfg.Schema.AllowUnknown = isTrue(v)
	}
	if v := os.Getenv("FLEETPLANE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLEETPLANE_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("FLEETPLANE_AUDIT_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.MaxEntries = n
		}
	}
	if v := os.Getenv("FLEETPLANE_COOLDOWN_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Autoheal.CooldownWindow = d
		}
	}
	if v := os.Getenv("FLEETPLANE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("FLEETPLANE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("FLEETPLANE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("FLEETPLANE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("FLEETPLANE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("FLEETPLANE_CACHE_TLS"); isTrue(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("FLEETPLANE_RELAY_ENABLED"); v != "" {
		cfg.Relay.Enabled = isTrue(v)
	}
	if v := os.Getenv("FLEETPLANE_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("FLEETPLANE_RELAY_SUBJECT_PREFIX"); v != "" {
		cfg.Relay.SubjectPrefix = v
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
}
