// Package config provides the unified configuration system for crmsync.
// It defines a single BaseConfig structure shared by the CLI, the sync
// orchestrator and the HTTP server.
//
// The configuration is organized into logical sections:
//   - Remote: CRM endpoint, API version, paging limits
//   - Credentials: pluggable sources for username, password and token
//   - Store: local object store driver and connection string
//   - Performance: upsert and join worker pool sizes
//   - Timeouts, Reliability: request timeouts, retry, circuit breaker, rate limit
//   - Server, Sync, Jobs: HTTP surface, scheduler and job status retention
//   - Observability, Events, Archive: metrics, tracing, run events, raw snapshots
//   - Mappings: the remote to local entity mappings
//
// Example usage:
//
//	cfg, err := config.LoadBaseConfig("crmsync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"strings"
	"time"

	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/mapping"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreMongoDB  = "mongodb"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// Secret sources
const (
	SourceStatic         = "static"
	SourceEnv            = "env"
	SourceFile           = "file"
	SourceSecretsManager = "aws_secrets_manager"
)

// BaseConfig is the single configuration structure for a crmsync process.
type BaseConfig struct {
	// Name identifies this sync instance in logs and run events
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Remote describes the CRM being synced from
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Credentials resolve the login username, password and security token
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`

	// Store selects the local object store
	Store StoreConfig `yaml:"store" json:"store"`

	// Performance settings control local store fan-out
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Timeouts define various timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for the remote client
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Server configures the HTTP trigger and status endpoints
	Server ServerConfig `yaml:"server" json:"server"`

	// Sync configures scheduled runs
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Jobs configures job status retention
	Jobs JobsConfig `yaml:"jobs" json:"jobs"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Events configures run-completed notifications
	Events EventsConfig `yaml:"events" json:"events"`

	// Archive configures raw record snapshots
	Archive ArchiveConfig `yaml:"archive" json:"archive"`

	// Mappings lists every remote to local entity mapping synced per run
	Mappings []mapping.Mapping `yaml:"mappings" json:"-"`
}

// RemoteConfig describes the CRM REST endpoint.
type RemoteConfig struct {
	// LoginURL is the OAuth2 host (e.g. https://login.salesforce.com)
	LoginURL string `yaml:"login_url" json:"login_url"`
	// APIVersion is the REST API version, e.g. v59.0
	APIVersion string `yaml:"api_version" json:"api_version"`
	// ClientID of the connected app
	ClientID string `yaml:"client_id" json:"client_id"`
	// ClientSecret of the connected app
	ClientSecret string `yaml:"client_secret" json:"-"`
	// PageSize requests a batch size per page
	PageSize int `yaml:"page_size" json:"page_size"`
	// MaxResults caps rows per mapping, in the query and in the paging loop
	MaxResults int `yaml:"max_results" json:"max_results"`
	// MaxPages caps pages per mapping
	MaxPages int `yaml:"max_pages" json:"max_pages"`
}

// SecretRef points at one credential value.
type SecretRef struct {
	// Source is static, env, file or aws_secrets_manager
	Source string `yaml:"source" json:"source"`
	// Value is the literal, variable name, file path or secret id
	Value string `yaml:"value" json:"-"`
	// Key selects a field when the secret is a JSON object
	Key string `yaml:"key" json:"key"`
}

// CredentialsConfig holds the three login credential sources.
type CredentialsConfig struct {
	Username      SecretRef `yaml:"username" json:"username"`
	Password      SecretRef `yaml:"password" json:"password"`
	SecurityToken SecretRef `yaml:"security_token" json:"security_token"`
	// Region is used by the aws_secrets_manager source
	Region string `yaml:"region" json:"region"`
}

// StoreConfig selects the local object store.
type StoreConfig struct {
	// Driver is memory, mongodb, postgres or mysql
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver connection string
	DSN string `yaml:"dsn" json:"-"`
	// Database names the mongodb database
	Database string `yaml:"database" json:"database"`
}

// PerformanceConfig contains local store fan-out settings.
type PerformanceConfig struct {
	// UpsertConcurrency bounds concurrent upserts per mapping
	UpsertConcurrency int `yaml:"upsert_concurrency" json:"upsert_concurrency"`
	// JoinConcurrency bounds concurrent relationship writes per mapping
	JoinConcurrency int `yaml:"join_concurrency" json:"join_concurrency"`
}

// TimeoutConfig contains all timeout-related settings.
// These prevent operations from hanging indefinitely.
type TimeoutConfig struct {
	// Request timeout for individual remote calls
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Run bounds a whole background sync run
	Run time.Duration `yaml:"run" json:"run"`
	// Shutdown bounds graceful HTTP shutdown
	Shutdown time.Duration `yaml:"shutdown" json:"shutdown"`
}

// ReliabilityConfig contains reliability and error handling settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum retry attempts for failed remote calls
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// CircuitBreaker enables circuit breaker pattern
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker"`
	// RateLimitPerSec limits remote calls per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateLimitBurst is the token bucket size
	RateLimitBurst int `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Address to listen on
	Address string `yaml:"address" json:"address"`
	// BasePath prefixes the sync and progress routes
	BasePath string `yaml:"base_path" json:"base_path"`
}

// SyncConfig configures scheduled runs.
type SyncConfig struct {
	// Interval between scheduled runs (0 disables the scheduler)
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// JobsConfig configures job status retention.
type JobsConfig struct {
	// TTL after which a job status is forgotten
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// MaxEntries bounds the number of retained job statuses
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics serves Prometheus metrics on /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates OpenTelemetry tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// EventsConfig configures the Kafka run-event publisher.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// ArchiveConfig configures raw record snapshots to S3.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bucket  string `yaml:"bucket" json:"bucket"`
	Prefix  string `yaml:"prefix" json:"prefix"`
	Region  string `yaml:"region" json:"region"`
}

// NewBaseConfig creates a new BaseConfig with sensible defaults.
//
// Example:
//
//	cfg := config.NewBaseConfig("crmsync")
//	cfg.Performance.UpsertConcurrency = 5 // Override default
func NewBaseConfig(name string) *BaseConfig {
	return &BaseConfig{
		Name:    name,
		Version: "1.0.0",
		Remote: RemoteConfig{
			LoginURL:   "https://login.salesforce.com",
			APIVersion: "v59.0",
			PageSize:   200,
			MaxResults: 1000,
			MaxPages:   50,
		},
		Credentials: CredentialsConfig{
			Username:      SecretRef{Source: SourceEnv, Value: "CRMSYNC_USERNAME"},
			Password:      SecretRef{Source: SourceEnv, Value: "CRMSYNC_PASSWORD"},
			SecurityToken: SecretRef{Source: SourceEnv, Value: "CRMSYNC_SECURITY_TOKEN"},
		},
		Store: StoreConfig{
			Driver:   StoreMemory,
			Database: "crmsync",
		},
		Performance: PerformanceConfig{
			UpsertConcurrency: 3,
			JoinConcurrency:   3,
		},
		Timeouts: TimeoutConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
			Run:        time.Hour,
			Shutdown:   15 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
			CircuitBreaker:  true,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Server: ServerConfig{
			Address:  ":8080",
			BasePath: "/",
		},
		Jobs: JobsConfig{
			TTL:        time.Hour,
			MaxEntries: 1024,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     false,
			LogLevel:          "info",
			LogEncoding:       "json",
			TracingSampleRate: 0.1,
		},
		Events: EventsConfig{
			Topic: "crmsync.runs",
		},
		Archive: ArchiveConfig{
			Prefix: "crmsync",
		},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable ranges.
func (bc *BaseConfig) Validate() error {
	if bc.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "name is required")
	}
	if bc.Remote.LoginURL == "" {
		return errors.New(errors.ErrorTypeConfig, "remote.login_url is required")
	}
	if !strings.HasPrefix(bc.Remote.APIVersion, "v") {
		return errors.New(errors.ErrorTypeConfig, "remote.api_version must look like v59.0")
	}
	if bc.Remote.MaxResults <= 0 {
		return errors.New(errors.ErrorTypeConfig, "remote.max_results must be positive")
	}
	if bc.Remote.MaxPages <= 0 {
		return errors.New(errors.ErrorTypeConfig, "remote.max_pages must be positive")
	}
	for name, ref := range map[string]SecretRef{
		"username":       bc.Credentials.Username,
		"password":       bc.Credentials.Password,
		"security_token": bc.Credentials.SecurityToken,
	} {
		if err := ref.validate(name); err != nil {
			return err
		}
	}
	switch bc.Store.Driver {
	case StoreMemory:
	case StoreMongoDB, StorePostgres, StoreMySQL:
		if bc.Store.DSN == "" {
			return errors.Newf(errors.ErrorTypeConfig, "store.dsn is required for driver %s", bc.Store.Driver)
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown store driver %q", bc.Store.Driver)
	}
	if bc.Performance.UpsertConcurrency <= 0 || bc.Performance.JoinConcurrency <= 0 {
		return errors.New(errors.ErrorTypeConfig, "upsert_concurrency and join_concurrency must be positive")
	}
	if bc.Reliability.RetryAttempts < 0 {
		return errors.New(errors.ErrorTypeConfig, "retry_attempts cannot be negative")
	}
	if bc.Reliability.RateLimitPerSec < 0 {
		return errors.New(errors.ErrorTypeConfig, "rate_limit_per_sec cannot be negative")
	}
	if bc.Sync.Interval < 0 {
		return errors.New(errors.ErrorTypeConfig, "sync.interval cannot be negative")
	}
	if bc.Jobs.MaxEntries <= 0 {
		return errors.New(errors.ErrorTypeConfig, "jobs.max_entries must be positive")
	}
	if bc.Events.Enabled && (len(bc.Events.Brokers) == 0 || bc.Events.Topic == "") {
		return errors.New(errors.ErrorTypeConfig, "events need brokers and a topic")
	}
	if bc.Archive.Enabled && bc.Archive.Bucket == "" {
		return errors.New(errors.ErrorTypeConfig, "archive.bucket is required")
	}
	if err := mapping.ValidateAll(bc.Mappings); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid mappings")
	}
	return nil
}

func (r SecretRef) validate(name string) error {
	switch r.Source {
	case SourceStatic:
		return nil
	case SourceEnv, SourceFile, SourceSecretsManager:
		if r.Value == "" {
			return errors.Newf(errors.ErrorTypeConfig, "credentials.%s.value is required for source %s", name, r.Source)
		}
		return nil
	default:
		return errors.Newf(errors.ErrorTypeConfig, "credentials.%s: unknown source %q", name, r.Source)
	}
}

// IsRateLimited returns true if rate limiting is enabled
func (r *ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}

// UsesSecretsManager reports whether any credential is read from AWS
func (c *CredentialsConfig) UsesSecretsManager() bool {
	return c.Username.Source == SourceSecretsManager ||
		c.Password.Source == SourceSecretsManager ||
		c.SecurityToken.Source == SourceSecretsManager
}

// NormalizedBasePath returns the base path with a leading slash and no
// trailing slash; the root path becomes "".
func (s *ServerConfig) NormalizedBasePath() string {
	p := strings.Trim(strings.TrimSpace(s.BasePath), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}
