// Package config loads the daemon configuration from a JSON file with
// ${VAR} and ${VAR:default} environment substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Duration is a time.Duration that unmarshals from JSON strings like "5s".
type Duration time.Duration

// UnmarshalJSON parses either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(t))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Bus          BusConfig          `json:"bus"`
	Memory       MemoryConfig       `json:"memory"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Agents       []AgentConfig      `json:"agents"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type BusConfig struct {
	// RedisURL selects the Redis-backed bus; empty runs the in-process bus.
	RedisURL string `json:"redis_url"`
}

type MemoryConfig struct {
	// PostgresDSN selects the Postgres durable store. When empty,
	// SQLitePath selects the SQLite store; when both are empty, memory is
	// process-local only.
	PostgresDSN   string   `json:"postgres_dsn"`
	SQLitePath    string   `json:"sqlite_path"`
	MigrationsDir string   `json:"migrations_dir"`
	SweepInterval Duration `json:"sweep_interval"`
}

type OrchestratorConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	StaleMultiplier   int      `json:"stale_multiplier"`
	RetryCeiling      int      `json:"retry_ceiling"`
	RequestTimeout    Duration `json:"request_timeout"`
	PollInterval      Duration `json:"poll_interval"`
	SubmitDeadline    Duration `json:"submit_deadline"`
}

// AgentConfig describes one agent type in the static fleet. Scaling is
// expressed as multiple instances of a type, each with its own record.
type AgentConfig struct {
	Type          string   `json:"type"`
	Instances     int      `json:"instances"`
	ShutdownGrace Duration `json:"shutdown_grace"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Memory.MigrationsDir == "" {
		c.Memory.MigrationsDir = "migrations"
	}
	if c.Memory.SweepInterval <= 0 {
		c.Memory.SweepInterval = Duration(time.Minute)
	}
	if c.Orchestrator.HeartbeatInterval <= 0 {
		c.Orchestrator.HeartbeatInterval = Duration(5 * time.Second)
	}
	if c.Orchestrator.StaleMultiplier <= 0 {
		c.Orchestrator.StaleMultiplier = 3
	}
	if c.Orchestrator.RetryCeiling <= 0 {
		c.Orchestrator.RetryCeiling = 3
	}
	if c.Orchestrator.RequestTimeout <= 0 {
		c.Orchestrator.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Orchestrator.PollInterval <= 0 {
		c.Orchestrator.PollInterval = Duration(500 * time.Millisecond)
	}
	if c.Orchestrator.SubmitDeadline <= 0 {
		c.Orchestrator.SubmitDeadline = Duration(2 * time.Minute)
	}
	for i := range c.Agents {
		if c.Agents[i].Instances <= 0 {
			c.Agents[i].Instances = 1
		}
		if c.Agents[i].ShutdownGrace <= 0 {
			c.Agents[i].ShutdownGrace = Duration(10 * time.Second)
		}
	}
}
