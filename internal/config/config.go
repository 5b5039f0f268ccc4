// Package config loads the immutable configuration snapshot every worker
// and handler is constructed from. Following the teacher's pattern, the
// process boots with sane defaults even if no config file is present;
// environment variables override both the file and the defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full immutable configuration snapshot. A SIGHUP-style
// reload (design note §9) would construct a new *Config and atomically
// swap the pointer held by main; no component is required to implement
// reload itself since the feature set in scope never changes config after
// boot — this is flagged, not built, see DESIGN.md.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Tariff   TariffConfig   `yaml:"tariff"`

	// Timezone is the fixed configured zone for day/month aggregation
	// boundaries and scheduler trigger evaluation (spec.md §3, §9).
	Timezone string `yaml:"timezone"`

	HeartbeatOfflineMs  int64 `yaml:"heartbeat_offline_ms"`
	DebounceMs          int64 `yaml:"debounce_ms"`
	AckTimeoutMs        int64 `yaml:"ack_timeout_ms"`
	BulkThreshold       int   `yaml:"bulk_threshold"`
	ConfirmationTtlMs   int64 `yaml:"confirmation_ttl_ms"`
	GapMs               int64 `yaml:"gap_ms"`
	ReconciliationCron  string `yaml:"reconciliation_cron"`
	CapabilityCacheTtlMs int64 `yaml:"capability_cache_ttl_ms"`
	DefaultCostPerKwhMinor int64 `yaml:"default_cost_per_kwh_minor"`

	// AggregationFlushMs is how often continuous in-memory delta
	// counters (§4.7) are flushed to the daily aggregate.
	AggregationFlushMs int64 `yaml:"aggregation_flush_ms"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type TariffConfig struct {
	// SeedCostPerKwhMinor seeds the initial global tariff version if none
	// exists yet at first boot.
	SeedCostPerKwhMinor int64 `yaml:"seed_cost_per_kwh_minor"`
}

func (c *Config) HeartbeatOffline() time.Duration {
	return time.Duration(c.HeartbeatOfflineMs) * time.Millisecond
}
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}
func (c *Config) ConfirmationTTL() time.Duration {
	return time.Duration(c.ConfirmationTtlMs) * time.Millisecond
}
func (c *Config) Gap() time.Duration {
	return time.Duration(c.GapMs) * time.Millisecond
}
func (c *Config) CapabilityCacheTTL() time.Duration {
	return time.Duration(c.CapabilityCacheTtlMs) * time.Millisecond
}
func (c *Config) AggregationFlush() time.Duration {
	return time.Duration(c.AggregationFlushMs) * time.Millisecond
}

// Location resolves the configured timezone through the zone database
// (design note §9: never add a fixed offset by hand).
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies AUTOVOLT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:   ServerConfig{Listen: "0.0.0.0:8080"},
		Postgres: PostgresConfig{DSN: "postgres://localhost:5432/autovolt?sslmode=disable"},
		MQTT: MQTTConfig{
			BrokerURL: "tcp://localhost:1883",
			ClientID:  "autovolt-controlplane",
		},
		Tariff:                 TariffConfig{SeedCostPerKwhMinor: 750},
		Timezone:               "Asia/Kolkata",
		HeartbeatOfflineMs:     90000,
		DebounceMs:             500,
		AckTimeoutMs:           3000,
		BulkThreshold:          3,
		ConfirmationTtlMs:      60000,
		GapMs:                  300000,
		ReconciliationCron:     "0 2 * * *",
		CapabilityCacheTtlMs:   5000,
		DefaultCostPerKwhMinor: 750,
		AggregationFlushMs:     10000,
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if _, err := cfg.Location(); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOVOLT_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("AUTOVOLT_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("AUTOVOLT_MQTT_BROKER_URL"); v != "" {
		cfg.MQTT.BrokerURL = v
	}
	if v := os.Getenv("AUTOVOLT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("AUTOVOLT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("AUTOVOLT_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("AUTOVOLT_RECONCILIATION_CRON"); v != "" {
		cfg.ReconciliationCron = v
	}
	if v, ok := envInt64("AUTOVOLT_HEARTBEAT_OFFLINE_MS"); ok {
		cfg.HeartbeatOfflineMs = v
	}
	if v, ok := envInt64("AUTOVOLT_DEBOUNCE_MS"); ok {
		cfg.DebounceMs = v
	}
	if v, ok := envInt64("AUTOVOLT_ACK_TIMEOUT_MS"); ok {
		cfg.AckTimeoutMs = v
	}
	if v, ok := envInt64("AUTOVOLT_GAP_MS"); ok {
		cfg.GapMs = v
	}
	if v, ok := envInt64("AUTOVOLT_DEFAULT_COST_PER_KWH_MINOR"); ok {
		cfg.DefaultCostPerKwhMinor = v
	}
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
