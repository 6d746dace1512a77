package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jarvis.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090, "log_level": "debug"},
		"bus": {"redis_url": "redis://localhost:6379"},
		"memory": {
			"postgres_dsn": "postgres://u:p@localhost/jarvis",
			"sweep_interval": "30s"
		},
		"orchestrator": {
			"heartbeat_interval": "2s",
			"stale_multiplier": 4,
			"retry_ceiling": 5,
			"request_timeout": "10s",
			"poll_interval": "250ms",
			"submit_deadline": "1m"
		},
		"agents": [
			{"type": "photo", "instances": 2},
			{"type": "calendar"}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.LogLevel != "debug" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Bus.RedisURL != "redis://localhost:6379" {
		t.Fatalf("redis url = %q", cfg.Bus.RedisURL)
	}
	if cfg.Memory.SweepInterval.Std() != 30*time.Second {
		t.Fatalf("sweep interval = %v", cfg.Memory.SweepInterval.Std())
	}
	if cfg.Orchestrator.HeartbeatInterval.Std() != 2*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Orchestrator.HeartbeatInterval.Std())
	}
	if cfg.Orchestrator.StaleMultiplier != 4 || cfg.Orchestrator.RetryCeiling != 5 {
		t.Fatalf("orchestrator = %+v", cfg.Orchestrator)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %+v", cfg.Agents)
	}
	if cfg.Agents[0].Instances != 2 {
		t.Fatalf("photo instances = %d", cfg.Agents[0].Instances)
	}
	// Omitted instance count defaults to one.
	if cfg.Agents[1].Instances != 1 {
		t.Fatalf("calendar instances = %d", cfg.Agents[1].Instances)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Orchestrator.HeartbeatInterval.Std() != 5*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Orchestrator.HeartbeatInterval.Std())
	}
	if cfg.Orchestrator.StaleMultiplier != 3 || cfg.Orchestrator.RetryCeiling != 3 {
		t.Fatalf("orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Memory.MigrationsDir != "migrations" {
		t.Fatalf("migrations dir = %q", cfg.Memory.MigrationsDir)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("JARVIS_TEST_REDIS", "redis://from-env:6379")
	path := writeConfig(t, `{
		"bus": {"redis_url": "${JARVIS_TEST_REDIS}"},
		"memory": {"sqlite_path": "${JARVIS_TEST_SQLITE:/tmp/jarvis.db}"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.RedisURL != "redis://from-env:6379" {
		t.Fatalf("redis url = %q, want env value", cfg.Bus.RedisURL)
	}
	// Unset variable falls back to the inline default.
	if cfg.Memory.SQLitePath != "/tmp/jarvis.db" {
		t.Fatalf("sqlite path = %q, want default", cfg.Memory.SQLitePath)
	}
}

func TestEnvValueWinsOverDefault(t *testing.T) {
	t.Setenv("JARVIS_TEST_PATH", "/data/jarvis.db")
	path := writeConfig(t, `{"memory": {"sqlite_path": "${JARVIS_TEST_PATH:/tmp/fallback.db}"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Memory.SQLitePath != "/data/jarvis.db" {
		t.Fatalf("sqlite path = %q", cfg.Memory.SQLitePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("load of a missing file succeeded")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestDurationNumericNanoseconds(t *testing.T) {
	path := writeConfig(t, `{"orchestrator": {"request_timeout": 1000000000}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.RequestTimeout.Std() != time.Second {
		t.Fatalf("request timeout = %v", cfg.Orchestrator.RequestTimeout.Std())
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `{"orchestrator": {"request_timeout": "soon"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("garbage duration accepted")
	}
}
