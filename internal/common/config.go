package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Role        string         `toml:"role"`        // "all", "api" (HTTP only) or "worker" (worker pool only)
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Queue       QueueConfig    `toml:"queue"`
	Events      EventsConfig   `toml:"events"`
	Redis       RedisConfig    `toml:"redis"`
	Cancel      CancelConfig   `toml:"cancel"`
	Pipeline    PipelineConfig `toml:"pipeline"`
	Limits      LimitsConfig   `toml:"limits"`
	Metrics     MetricsConfig  `toml:"metrics"`
	Logging     LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	Host           string   `toml:"host"`
	APIPrefix      string   `toml:"api_prefix"`      // Prefix for all API routes (default: "/api")
	APIKeys        []string `toml:"api_keys"`        // Accepted X-API-Key values. Empty disables the check
	TenancyHeader  string   `toml:"tenancy_header"`  // Header carrying the tenant id
	DefaultTenant  string   `toml:"default_tenant"`  // Tenant used when the header is absent
	AllowedOrigins []string `toml:"allowed_origins"` // CORS origins, "*" allows all
}

type StorageConfig struct {
	Badger BadgerConfig  `toml:"badger"`
	Jobs   JobsDirConfig `toml:"jobs"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	InMemory       bool   `toml:"in_memory"`        // Run without touching disk (tests, throwaway instances)
}

// JobsDirConfig is the root of the per-tenant job directories
type JobsDirConfig struct {
	Dir string `toml:"dir"`
}

type QueueConfig struct {
	Backend           string `toml:"backend"`            // "badger" (single process) or "redis" (shared by api and worker roles)
	Name              string `toml:"name"`               // Queue key prefix
	Concurrency       int    `toml:"concurrency"`        // Number of worker slots
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often idle slots poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "20m" - must exceed job_timeout
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before a message is dropped
	JobTimeout        string `toml:"job_timeout"`        // Hard wall-clock limit per job
	FailureTTL        string `toml:"failure_ttl"`        // Retention of failed job records
	ResultTTL         string `toml:"result_ttl"`         // Retention of successful job records
	ShutdownGrace     string `toml:"shutdown_grace"`     // How long in-flight jobs may drain on shutdown
	RetentionSchedule string `toml:"retention_schedule"` // Cron spec for the retention janitor
}

type EventsConfig struct {
	Backend           string `toml:"backend"`            // "memory" or "redis"
	BufferSize        int    `toml:"buffer_size"`        // Per-subscriber buffer for the memory bus
	KeepaliveInterval string `toml:"keepalive_interval"` // SSE poll interval before a ping frame is sent
	ProgressThrottle  string `toml:"progress_throttle"`  // Min spacing of progress frames on the WebSocket mirror ("0s" disables)
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type CancelConfig struct {
	Backend string `toml:"backend"` // "badger" or "redis"
	TTL     string `toml:"ttl"`     // Lifetime of a cancellation flag
}

type PipelineConfig struct {
	Strategy   string `toml:"strategy"`    // "workshop" or "minimal"
	PhaseDelay string `toml:"phase_delay"` // Sleep between phases of the minimal strategy
}

type LimitsConfig struct {
	SubmitRate  float64 `toml:"submit_rate"`  // Job submissions per second per tenant (0 disables)
	SubmitBurst int     `toml:"submit_burst"` // Burst allowance per tenant
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Role:        "all",
		Server: ServerConfig{
			Port:           8080,
			Host:           "localhost",
			APIPrefix:      "/api",
			APIKeys:        []string{},
			TenancyHeader:  "X-Tenant-Id",
			DefaultTenant:  "public",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
			Jobs: JobsDirConfig{
				Dir: "./data/jobs",
			},
		},
		Queue: QueueConfig{
			Backend:           "badger",
			Name:              "folio_jobs",
			Concurrency:       2,
			PollInterval:      "1s",
			VisibilityTimeout: "20m",
			MaxReceive:        3,
			JobTimeout:        "15m",
			FailureTTL:        "1h",
			ResultTTL:         "1h",
			ShutdownGrace:     "30s",
			RetentionSchedule: "@every 1m",
		},
		Events: EventsConfig{
			Backend:           "memory",
			BufferSize:        256,
			KeepaliveInterval: "1s",
			ProgressThrottle:  "250ms",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Cancel: CancelConfig{
			Backend: "badger",
			TTL:     "10m",
		},
		Pipeline: PipelineConfig{
			Strategy:   "workshop",
			PhaseDelay: "500ms",
		},
		Limits: LimitsConfig{
			SubmitRate:  1,
			SubmitBurst: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies FOLIO_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FOLIO_ENV"); env != "" {
		config.Environment = env
	}
	if role := os.Getenv("FOLIO_ROLE"); role != "" {
		config.Role = role
	}

	// Server configuration
	if port := os.Getenv("FOLIO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("FOLIO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if keys := os.Getenv("FOLIO_API_KEYS"); keys != "" {
		config.Server.APIKeys = splitList(keys)
	}

	// Storage configuration
	if badgerPath := os.Getenv("FOLIO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if jobsDir := os.Getenv("FOLIO_JOBS_DIR"); jobsDir != "" {
		config.Storage.Jobs.Dir = jobsDir
	}

	// Queue configuration
	if backend := os.Getenv("FOLIO_QUEUE_BACKEND"); backend != "" {
		config.Queue.Backend = backend
	}
	if concurrency := os.Getenv("FOLIO_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if jobTimeout := os.Getenv("FOLIO_QUEUE_JOB_TIMEOUT"); jobTimeout != "" {
		config.Queue.JobTimeout = jobTimeout
	}

	// Events / Redis
	if backend := os.Getenv("FOLIO_EVENTS_BACKEND"); backend != "" {
		config.Events.Backend = backend
	}
	if backend := os.Getenv("FOLIO_CANCEL_BACKEND"); backend != "" {
		config.Cancel.Backend = backend
	}
	if redisURL := os.Getenv("FOLIO_REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	} else if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	// Pipeline
	if strategy := os.Getenv("FOLIO_PIPELINE_STRATEGY"); strategy != "" {
		config.Pipeline.Strategy = strategy
	}

	// Logging configuration
	if level := os.Getenv("FOLIO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("FOLIO_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host, role string) {
	if role != "" {
		config.Role = role
	}
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that would otherwise fail late inside a component
func (c *Config) Validate() error {
	durations := map[string]string{
		"queue.poll_interval":       c.Queue.PollInterval,
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"queue.job_timeout":         c.Queue.JobTimeout,
		"queue.failure_ttl":         c.Queue.FailureTTL,
		"queue.result_ttl":          c.Queue.ResultTTL,
		"queue.shutdown_grace":      c.Queue.ShutdownGrace,
		"events.keepalive_interval": c.Events.KeepaliveInterval,
		"events.progress_throttle":  c.Events.ProgressThrottle,
		"cancel.ttl":                c.Cancel.TTL,
		"pipeline.phase_delay":      c.Pipeline.PhaseDelay,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.VisibilityTimeoutDuration() <= c.Queue.JobTimeoutDuration() {
		return fmt.Errorf("queue.visibility_timeout (%s) must exceed queue.job_timeout (%s)", c.Queue.VisibilityTimeout, c.Queue.JobTimeout)
	}

	if _, err := cron.ParseStandard(c.Queue.RetentionSchedule); err != nil {
		return fmt.Errorf("invalid queue.retention_schedule: %w", err)
	}

	switch c.Queue.Backend {
	case "badger", "redis":
	default:
		return fmt.Errorf("queue.backend must be badger or redis, got %q", c.Queue.Backend)
	}
	switch c.Events.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("events.backend must be memory or redis, got %q", c.Events.Backend)
	}
	switch c.Cancel.Backend {
	case "badger", "redis":
	default:
		return fmt.Errorf("cancel.backend must be badger or redis, got %q", c.Cancel.Backend)
	}
	switch c.Pipeline.Strategy {
	case "workshop", "minimal":
	default:
		return fmt.Errorf("pipeline.strategy must be workshop or minimal, got %q", c.Pipeline.Strategy)
	}

	switch c.Role {
	case "all":
	case "api", "worker":
		// Separate processes only meet through Redis
		if c.Queue.Backend != "redis" || c.Events.Backend != "redis" || c.Cancel.Backend != "redis" {
			return fmt.Errorf("role %q requires queue.backend, events.backend and cancel.backend to be redis", c.Role)
		}
	default:
		return fmt.Errorf("role must be all, api or worker, got %q", c.Role)
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Queue.Backend == "redis" || c.Events.Backend == "redis" || c.Cancel.Backend == "redis"
}

// UsesBadger reports whether any component needs the local Badger database
func (c *Config) UsesBadger() bool {
	return c.Queue.Backend == "badger" || c.Cancel.Backend == "badger"
}

// RunsWorkers reports whether this process runs the worker pool and the retention janitor
func (c *Config) RunsWorkers() bool {
	return c.Role != "api"
}

// ServesHTTP reports whether this process serves the HTTP API
func (c *Config) ServesHTTP() bool {
	return c.Role != "worker"
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func (q QueueConfig) PollIntervalDuration() time.Duration {
	return mustDuration(q.PollInterval, time.Second)
}

func (q QueueConfig) VisibilityTimeoutDuration() time.Duration {
	return mustDuration(q.VisibilityTimeout, 20*time.Minute)
}

func (q QueueConfig) JobTimeoutDuration() time.Duration {
	return mustDuration(q.JobTimeout, 15*time.Minute)
}

func (q QueueConfig) FailureTTLDuration() time.Duration {
	return mustDuration(q.FailureTTL, time.Hour)
}

func (q QueueConfig) ResultTTLDuration() time.Duration {
	return mustDuration(q.ResultTTL, time.Hour)
}

func (q QueueConfig) ShutdownGraceDuration() time.Duration {
	return mustDuration(q.ShutdownGrace, 30*time.Second)
}

func (e EventsConfig) KeepaliveDuration() time.Duration {
	return mustDuration(e.KeepaliveInterval, time.Second)
}

func (e EventsConfig) ProgressThrottleDuration() time.Duration {
	return mustDuration(e.ProgressThrottle, 250*time.Millisecond)
}

func (c CancelConfig) TTLDuration() time.Duration {
	return mustDuration(c.TTL, 10*time.Minute)
}

func (p PipelineConfig) PhaseDelayDuration() time.Duration {
	return mustDuration(p.PhaseDelay, 0)
}

// mustDuration parses a duration string, falling back when it is empty or malformed
func mustDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
