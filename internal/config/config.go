// Package config loads and validates caseflow configuration from a YAML file
// and CASEFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Agent kinds.
const (
	AgentScripted = "scripted"
	AgentHTTP     = "http"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     BackendConfig   `yaml:"queue"`
	CaseStore CaseStoreConfig `yaml:"case_store"`
	Worker    WorkerConfig    `yaml:"worker"`
	Agent     AgentConfig     `yaml:"agent"`
	Retention RetentionConfig `yaml:"retention"`
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// BackendConfig names a backend and how to reach it. DSN is a SQLite path,
// a Postgres connection string, a redis:// URL or a mongodb:// URI.
type BackendConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`

	// Database is the Mongo database name.
	Database string `yaml:"database"`

	// Prefix namespaces Redis keys and Mongo collections.
	Prefix string `yaml:"prefix"`
}

// StorageConfig is where workflow history and instances live. Only the
// memory, sqlite and postgres backends keep history.
type StorageConfig struct {
	BackendConfig `yaml:",inline"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CaseStoreConfig is where case records live.
type CaseStoreConfig struct {
	BackendConfig `yaml:",inline"`

	// TTL expires Redis case records. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`
}

// WorkerConfig controls the in-process workers started by serve.
type WorkerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Queues      []string      `yaml:"queues"`
	Concurrency int           `yaml:"concurrency"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// AgentConfig selects the agent the workflows talk to.
type AgentConfig struct {
	Kind        string        `yaml:"kind"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature *float64      `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RetentionConfig tunes the retention workflow's activities.
type RetentionConfig struct {
	AgentMaxAttempts int           `yaml:"agent_max_attempts"`
	AgentBackoff     time.Duration `yaml:"agent_backoff"`
	TimeoutScale     float64       `yaml:"timeout_scale"`
}

// HTTPConfig describes the API server.
type HTTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxResultWait   time.Duration `yaml:"max_result_wait"`
}

// NATSConfig describes the signal bridge.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// Embedded runs a NATS server in-process instead of dialing URL.
	Embedded     bool   `yaml:"embedded"`
	EmbeddedPort int    `yaml:"embedded_port"`
	Prefix       string `yaml:"prefix"`
	QueueGroup   string `yaml:"queue_group"`
}

// MetricsConfig enables the Prometheus endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config that runs everything in memory.
func Defaults() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Storage:   StorageConfig{BackendConfig: BackendConfig{Backend: BackendMemory}, MaxOpenConns: 10, ConnMaxLifetime: 5 * time.Minute},
		Queue:     BackendConfig{Backend: BackendMemory, Prefix: "caseflow"},
		CaseStore: CaseStoreConfig{BackendConfig: BackendConfig{Backend: BackendMemory, Prefix: "caseflow"}},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 4,
			LeaseTTL:    30 * time.Second,
			Backoff:     time.Second,
			PollTimeout: time.Second,
		},
		Agent:     AgentConfig{Kind: AgentScripted, Timeout: 3 * time.Minute},
		Retention: RetentionConfig{AgentMaxAttempts: 3, AgentBackoff: 2 * time.Second, TimeoutScale: 1},
		HTTP: HTTPConfig{
			Enabled:         true,
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxResultWait:   5 * time.Minute,
		},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222", Prefix: "caseflow.signal", QueueGroup: "caseflow-signals"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks backend names and required connection settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(cond bool, format string, args ...any) {
		if !cond {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")

	check(slices.Contains([]string{BackendMemory, BackendSQLite, BackendPostgres}, c.Storage.Backend),
		"storage.backend %q must be memory, sqlite or postgres", c.Storage.Backend)
	all := []string{BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendMongo}
	check(slices.Contains(all, c.Queue.Backend), "queue.backend %q is unknown", c.Queue.Backend)
	check(slices.Contains(all, c.CaseStore.Backend), "case_store.backend %q is unknown", c.CaseStore.Backend)
	for name, b := range map[string]BackendConfig{"storage": c.Storage.BackendConfig, "queue": c.Queue, "case_store": c.CaseStore.BackendConfig} {
		check(b.Backend == BackendMemory || b.DSN != "", "%s.dsn is required for backend %s", name, b.Backend)
		check(b.Backend != BackendMongo || b.Database != "", "%s.database is required for backend mongo", name)
	}
	// A memory queue or store is invisible to other processes, so it only
	// works when this process also runs the workers.
	check(c.Worker.Enabled || c.Queue.Backend != BackendMemory, "queue.backend memory requires worker.enabled")

	check(c.Worker.Concurrency >= 1, "worker.concurrency must be at least 1")
	check(c.Agent.Kind == AgentScripted || c.Agent.Kind == AgentHTTP, "agent.kind %q must be scripted or http", c.Agent.Kind)
	check(c.Agent.Kind != AgentHTTP || (c.Agent.BaseURL != "" && c.Agent.Model != ""), "agent.base_url and agent.model are required for agent.kind http")
	check(c.Retention.AgentMaxAttempts >= 1, "retention.agent_max_attempts must be at least 1")
	check(c.Retention.TimeoutScale > 0, "retention.timeout_scale must be positive")
	check(!c.HTTP.Enabled || c.HTTP.Addr != "", "http.addr is required")
	check(!c.NATS.Enabled || c.NATS.Embedded || c.NATS.URL != "", "nats.url is required unless nats.embedded")
	check(!c.Metrics.Enabled || c.HTTP.Enabled, "metrics require http.enabled")
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// applyEnvOverrides applies CASEFLOW_<SECTION>_<KEY> variables.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup("CASEFLOW_" + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup("CASEFLOW_" + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("CASEFLOW_%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup("CASEFLOW_" + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("CASEFLOW_%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup("CASEFLOW_" + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("CASEFLOW_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_DSN", &cfg.Storage.DSN)
	str("QUEUE_BACKEND", &cfg.Queue.Backend)
	str("QUEUE_DSN", &cfg.Queue.DSN)
	str("QUEUE_DATABASE", &cfg.Queue.Database)
	str("CASE_STORE_BACKEND", &cfg.CaseStore.Backend)
	str("CASE_STORE_DSN", &cfg.CaseStore.DSN)
	str("CASE_STORE_DATABASE", &cfg.CaseStore.Database)
	dur("CASE_STORE_TTL", &cfg.CaseStore.TTL)
	flag("WORKER_ENABLED", &cfg.Worker.Enabled)
	num("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	if v, ok := lookup("CASEFLOW_WORKER_QUEUES"); ok {
		cfg.Worker.Queues = nil
		for _, q := range strings.Split(v, ",") {
			if q = strings.TrimSpace(q); q != "" {
				cfg.Worker.Queues = append(cfg.Worker.Queues, q)
			}
		}
	}
	str("AGENT_KIND", &cfg.Agent.Kind)
	str("AGENT_BASE_URL", &cfg.Agent.BaseURL)
	str("AGENT_MODEL", &cfg.Agent.Model)
	str("AGENT_API_KEY", &cfg.Agent.APIKey)
	dur("AGENT_TIMEOUT", &cfg.Agent.Timeout)
	flag("HTTP_ENABLED", &cfg.HTTP.Enabled)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	flag("NATS_ENABLED", &cfg.NATS.Enabled)
	str("NATS_URL", &cfg.NATS.URL)
	flag("NATS_EMBEDDED", &cfg.NATS.Embedded)
	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)
	return errors.Join(errs...)
}
