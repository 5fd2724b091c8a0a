package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_File(t *testing.T) {
	cfg, err := Load("testdata/postgres.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.Storage.MaxOpenConns != 20 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("unset fields must keep defaults, got %v", cfg.Storage.ConnMaxLifetime)
	}
	if cfg.Queue.Backend != BackendRedis || cfg.Queue.Prefix != "cf" {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.CaseStore.Backend != BackendMongo || cfg.CaseStore.Database != "caseflow" {
		t.Errorf("CaseStore = %+v", cfg.CaseStore)
	}
	if len(cfg.Worker.Queues) != 2 || cfg.Worker.Concurrency != 8 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Agent.Temperature == nil || *cfg.Agent.Temperature != 0.2 {
		t.Errorf("Agent.Temperature = %v", cfg.Agent.Temperature)
	}
	if cfg.HTTP.MaxResultWait != time.Minute {
		t.Errorf("HTTP.MaxResultWait = %v", cfg.HTTP.MaxResultWait)
	}
	if !cfg.NATS.Embedded {
		t.Error("NATS.Embedded = false")
	}
	lvl, err := cfg.Log.SlogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v", lvl, err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Agent.Kind != AgentScripted {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CASEFLOW_STORAGE_BACKEND":    "sqlite",
		"CASEFLOW_STORAGE_DSN":        "/tmp/caseflow.db",
		"CASEFLOW_WORKER_CONCURRENCY": "2",
		"CASEFLOW_WORKER_QUEUES":      "workflow-tasks, case-analysis-queue,",
		"CASEFLOW_NATS_ENABLED":       "true",
		"CASEFLOW_CASE_STORE_TTL":     "24h",
	}
	cfg := Defaults()
	if err := applyEnvOverrides(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}
	if cfg.Storage.Backend != BackendSQLite || cfg.Storage.DSN != "/tmp/caseflow.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
	if strings.Join(cfg.Worker.Queues, "|") != "workflow-tasks|case-analysis-queue" {
		t.Errorf("Worker.Queues = %q", cfg.Worker.Queues)
	}
	if !cfg.NATS.Enabled || cfg.CaseStore.TTL != 24*time.Hour {
		t.Errorf("NATS.Enabled = %v, CaseStore.TTL = %v", cfg.NATS.Enabled, cfg.CaseStore.TTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestEnvOverrides_BadValues(t *testing.T) {
	env := map[string]string{
		"CASEFLOW_WORKER_CONCURRENCY": "many",
		"CASEFLOW_AGENT_TIMEOUT":      "soon",
	}
	err := applyEnvOverrides(Defaults(), func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil {
		t.Fatal("expected errors for malformed values")
	}
	for _, key := range []string{"CASEFLOW_WORKER_CONCURRENCY", "CASEFLOW_AGENT_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"missing dsn", func(c *Config) { c.Queue.Backend = BackendPostgres }, "queue.dsn"},
		{"mongo without database", func(c *Config) { c.CaseStore.Backend, c.CaseStore.DSN = BackendMongo, "mongodb://x" }, "case_store.database"},
		{"http agent without model", func(c *Config) { c.Agent.Kind, c.Agent.BaseURL = AgentHTTP, "http://x" }, "agent.model"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"memory queue without workers", func(c *Config) { c.Worker.Enabled = false }, "worker.enabled"},
		{"metrics without http", func(c *Config) { c.HTTP.Enabled = false }, "http.enabled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tc.want)
			}
		})
	}
}
