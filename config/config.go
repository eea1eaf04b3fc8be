// Package config provides environment-variable configuration loading for
// the workspace engine, grounded on the teacher's typed env-var accessor
// pattern (formerly used for RabbitMQ/CouchDB/JWT service config in this
// same file), adapted to the engine's own tunables: sync heartbeat/backoff,
// room keepalive/eviction, and substrate GC policy (SPEC_FULL.md §3's
// "Ambient additions — Configuration").
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads typed values from environment variables under an
// optional prefix, falling back to a caller-supplied default.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig creates a loader for environment variables named
// "<prefix>_<KEY>" (or bare "<KEY>" when prefix is empty).
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

// GetString retrieves a string value from environment with optional default.
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

// GetInt retrieves an integer value from environment with optional default.
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default.
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default.
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetFloat retrieves a float value from environment with optional default.
func (ec *EnvConfig) GetFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment.
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SyncConfig carries the sync provider supervisor's tunables (spec.md
// §4.H): heartbeat cadence, dead-connection timeout, and the exponential
// backoff curve's base/factor/cap.
type SyncConfig struct {
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
	BackoffBase       time.Duration
	BackoffFactor     float64
	BackoffCap        time.Duration
}

// LoadSyncConfig loads SyncConfig from environment, defaulting to the
// values spec.md §4.H names explicitly.
func LoadSyncConfig(prefix string) SyncConfig {
	env := NewEnvConfig(prefix)
	return SyncConfig{
		HeartbeatInterval: env.GetDuration("HEARTBEAT_INTERVAL", 2*time.Second),
		DeadAfter:         env.GetDuration("DEAD_AFTER", 3*time.Second),
		BackoffBase:       env.GetDuration("BACKOFF_BASE", 500*time.Millisecond),
		BackoffFactor:     env.GetFloat("BACKOFF_FACTOR", 1.5),
		BackoffCap:        env.GetDuration("BACKOFF_CAP", 30*time.Second),
	}
}

// RoomConfig carries the room manager's tunables (spec.md §4.I): ping
// cadence and idle-eviction delay.
type RoomConfig struct {
	PingInterval time.Duration
	EvictAfter   time.Duration
}

// LoadRoomConfig loads RoomConfig from environment, defaulting to the
// values spec.md §4.I names explicitly (30s ping, 60s eviction).
func LoadRoomConfig(prefix string) RoomConfig {
	env := NewEnvConfig(prefix)
	return RoomConfig{
		PingInterval: env.GetDuration("PING_INTERVAL", 30*time.Second),
		EvictAfter:   env.GetDuration("EVICT_AFTER", 60*time.Second),
	}
}

// SubstrateConfig carries the reference substrate's GC policy (spec.md
// §4.A: "GC is enabled by default; disabling it is legal but defeats
// tombstone compaction").
type SubstrateConfig struct {
	GCEnabled bool
}

// LoadSubstrateConfig loads SubstrateConfig from environment.
func LoadSubstrateConfig(prefix string) SubstrateConfig {
	env := NewEnvConfig(prefix)
	return SubstrateConfig{GCEnabled: env.GetBool("GC_ENABLED", true)}
}
