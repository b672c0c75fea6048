// Package config defines the service configuration, loaded from an HCL file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the root configuration.
type Config struct {
	LogLevel string `hcl:"log_level,optional"`

	Store      *StoreConfig      `hcl:"store,block"`
	Cache      *CacheConfig      `hcl:"cache,block"`
	Bus        *BusConfig        `hcl:"bus,block"`
	CloudBus   *CloudBusConfig   `hcl:"cloud_bus,block"`
	EventLog   *EventLogConfig   `hcl:"event_log,block"`
	Outbox     *OutboxConfig     `hcl:"outbox,block"`
	Validation *ValidationConfig `hcl:"validation,block"`

	// MultiPlatformRouting enables fan-out to every configured target;
	// disabled, only the message bus receives events.
	MultiPlatformRouting bool `hcl:"multi_platform_routing,optional"`
	MTLSEnabled          bool `hcl:"mtls_enabled,optional"`
}

// StoreConfig is the backing database.
type StoreConfig struct {
	// Dialect is "postgres" or "sqlite".
	Dialect  string `hcl:"dialect,optional"`
	Endpoint string `hcl:"endpoint,optional"`
	User     string `hcl:"user,optional"`
	Key      string `hcl:"key,optional"`
	Database string `hcl:"database,optional"`

	// Connection pool ceilings; zero uses the package defaults.
	MaxIdleConns int `hcl:"max_idle_conns,optional"`
	MaxOpenConns int `hcl:"max_open_conns,optional"`
}

// CacheConfig tunes the two-tier cache.
type CacheConfig struct {
	Size       int64  `hcl:"size,optional"`
	TTLSeconds int    `hcl:"ttl_seconds,optional"`
	RedisAddr  string `hcl:"redis_addr,optional"`
}

// BusConfig is the NATS message bus.
type BusConfig struct {
	URL        string `hcl:"url,optional"`
	StreamName string `hcl:"stream_name,optional"`
}

// CloudBusConfig is the EventBridge cloud bus.
type CloudBusConfig struct {
	Name   string `hcl:"name,optional"`
	Region string `hcl:"region,optional"`
}

// EventLogConfig is the Kafka archive topic.
type EventLogConfig struct {
	Brokers []string `hcl:"brokers,optional"`
	Topic   string   `hcl:"topic,optional"`
}

// OutboxConfig tunes the relay.
type OutboxConfig struct {
	BatchSize      int `hcl:"batch_size,optional"`
	PollIntervalMS int `hcl:"poll_interval_ms,optional"`
}

// ValidationConfig tunes the breaking-change validator.
type ValidationConfig struct {
	TimeoutSeconds int `hcl:"timeout_seconds,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store:    &StoreConfig{Dialect: "sqlite", Database: "oms.db"},
		Cache:    &CacheConfig{Size: 1000, TTLSeconds: 3600},
		Bus:      &BusConfig{URL: "nats://localhost:4222", StreamName: "OMS_EVENTS"},
		Outbox:   &OutboxConfig{BatchSize: 100, PollIntervalMS: 500},
		Validation: &ValidationConfig{
			TimeoutSeconds: 30,
		},
	}
}

// Load reads an HCL configuration file and applies environment overrides.
// A missing path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

// applyEnv overlays the enumerated environment variables.
func (c *Config) applyEnv() {
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	envString("STORE_ENDPOINT", &c.Store.Endpoint)
	envString("STORE_USER", &c.Store.User)
	envString("STORE_KEY", &c.Store.Key)
	envString("STORE_DB", &c.Store.Database)

	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	envInt64("CACHE_SIZE", &c.Cache.Size)
	envInt("CACHE_TTL_SECONDS", &c.Cache.TTLSeconds)

	if c.Bus == nil {
		c.Bus = &BusConfig{}
	}
	envString("BUS_URL", &c.Bus.URL)
	envString("BUS_STREAM_NAME", &c.Bus.StreamName)

	if name := os.Getenv("CLOUD_BUS_NAME"); name != "" {
		if c.CloudBus == nil {
			c.CloudBus = &CloudBusConfig{}
		}
		c.CloudBus.Name = name
	}
	if c.CloudBus != nil {
		envString("CLOUD_BUS_REGION", &c.CloudBus.Region)
	}

	if c.Outbox == nil {
		c.Outbox = &OutboxConfig{}
	}
	envInt("OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize)
	envInt("OUTBOX_POLL_INTERVAL_MS", &c.Outbox.PollIntervalMS)

	if c.Validation == nil {
		c.Validation = &ValidationConfig{}
	}
	envInt("VALIDATION_TIMEOUT_SECONDS", &c.Validation.TimeoutSeconds)

	envBool("MULTI_PLATFORM_ROUTING", &c.MultiPlatformRouting)
	envBool("MTLS_ENABLED", &c.MTLSEnabled)
}

// fillDefaults backfills zero values after file and env merging.
func (c *Config) fillDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Dialect == "" {
		if c.Store.Endpoint != "" {
			c.Store.Dialect = "postgres"
		} else {
			c.Store.Dialect = "sqlite"
		}
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1000
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.PollIntervalMS == 0 {
		c.Outbox.PollIntervalMS = 500
	}
	if c.Validation.TimeoutSeconds == 0 {
		c.Validation.TimeoutSeconds = 30
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
