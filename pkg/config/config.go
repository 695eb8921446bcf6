// Package config loads node configuration for the entity runtime.
// Values are layered: built-in defaults, an optional YAML file, then
// CLOUDSTATE_ environment variables.
package config

import "time"

// Config holds all configuration for a node.
type Config struct {
	Node        NodeConfig        `koanf:"node"`
	Runtime     RuntimeConfig     `koanf:"runtime"`
	HTTP        HTTPConfig        `koanf:"http"`
	Replication ReplicationConfig `koanf:"replication"`
	Log         LogConfig         `koanf:"log"`
}

// NodeConfig identifies the replica and where it keeps durable state.
type NodeConfig struct {
	// ReplicaID is generated when left empty.
	ReplicaID string `koanf:"replica_id"`
	DataDir   string `koanf:"data_dir"`
	InMemory  bool   `koanf:"in_memory"`
}

// RuntimeConfig bounds command processing.
type RuntimeConfig struct {
	// Workers is the number of commands that may execute at once.
	// Zero means runtime.GOMAXPROCS(0).
	Workers        int           `koanf:"workers"`
	MailboxSize    int           `koanf:"mailbox_size"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// HTTPConfig holds the protocol listener settings.
type HTTPConfig struct {
	ListenAddr string `koanf:"listen_addr"`
	// AdvertiseURL is the base URL peers use to reach this node. Derived
	// from ListenAddr when empty.
	AdvertiseURL    string        `koanf:"advertise_url"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ReplicationConfig lists peers and the per-peer transport policy.
type ReplicationConfig struct {
	Peers          []string             `koanf:"peers"`
	RequestTimeout time.Duration        `koanf:"request_timeout"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-peer breaker thresholds.
type CircuitBreakerConfig struct {
	MaxFailures   uint32        `koanf:"max_failures"`
	Timeout       time.Duration `koanf:"timeout"`
	HalfOpenLimit uint32        `koanf:"half_open_limit"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
