// Package config provides hierarchical configuration loading for beacon.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the beacon store service.
type Config struct {
	Server    Server    `yaml:"server"`
	Store     Store     `yaml:"store"`
	Postgres  Postgres  `yaml:"postgres"`
	NATS      NATS      `yaml:"nats"`
	Logging   Logging   `yaml:"logging"`
	Cache     Cache     `yaml:"cache"`
	Telemetry Telemetry `yaml:"telemetry"`
	Adapter   Adapter   `yaml:"adapter"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Store selects the store backend.
type Store struct {
	Backend string `yaml:"backend"` // "memory" | "postgres"
}

// Postgres holds PostgreSQL connection configuration. Only used when
// store.backend is "postgres".
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables queue
// notifications; pollers fall back to HTTP polling.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Cache holds query cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"`
	TTL         time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry exporter configuration. An empty endpoint
// disables export; instruments become no-ops.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Adapter holds span-to-triplet adapter configuration.
type Adapter struct {
	CallPattern   string `yaml:"call_pattern"`   // LLM call span name pattern; empty selects the default
	MaxConcurrent int64  `yaml:"max_concurrent"` // concurrent batch conversions
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port: "4747",
		},
		Store: Store{
			Backend: "memory",
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Logging: Logging{
			Level:   "info",
			Service: "beacon",
		},
		Cache: Cache{
			L1MaxSizeMB: 64,
			L2Bucket:    "beacon-cache",
			TTL:         10 * time.Minute,
		},
		Adapter: Adapter{
			MaxConcurrent: 4,
		},
	}
}
