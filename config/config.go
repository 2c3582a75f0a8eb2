// Package config loads the signflow YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/signflow/sign/remote"
	"github.com/georgepadayatti/signflow/workflow"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidValue         = errors.New("invalid value")
)

// Environment variables that override secrets in the file.
const (
	EnvProviderClientSecret = "SIGNFLOW_PROVIDER_CLIENT_SECRET"
	EnvDatabaseURL          = "DATABASE_URL"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverGCS       = "gcs"
	DriverS3        = "s3"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
	DriverDynamoDB  = "dynamodb"
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address is the listen address. Default: ":8080"
	Address string `yaml:"address" json:"address"`

	// RequestTimeout bounds each request. Default: 60s
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request_timeout"`

	// MaxBodyBytes caps request bodies. Default: 1MB
	MaxBodyBytes int64 `yaml:"max-body-bytes" json:"max_body_bytes"`
}

// SetDefaults sets default values for the server configuration.
func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.RequestTimeout < 0 {
		return invalid("server.request-timeout", "must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return invalid("server.max-body-bytes", "must not be negative")
	}
	return nil
}

// ProviderConfig configures the remote signing service client.
type ProviderConfig struct {
	BaseURL      string        `yaml:"base-url" json:"base_url"`
	ClientID     string        `yaml:"client-id" json:"client_id"`
	ClientSecret string        `yaml:"client-secret" json:"-"`
	ProfileID    string        `yaml:"profile-id" json:"profile_id"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	MaxRetries   *int          `yaml:"max-retries" json:"max_retries,omitempty"`
	RetryBackoff time.Duration `yaml:"retry-backoff" json:"retry_backoff,omitempty"`
}

// SetDefaults sets default values for the provider configuration.
func (c *ProviderConfig) SetDefaults() {
	def := remote.DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries == nil {
		n := def.MaxRetries
		c.MaxRetries = &n
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = def.RetryBackoff
	}
}

// Validate validates the provider configuration.
func (c *ProviderConfig) Validate() error {
	if c.BaseURL == "" {
		return missing("provider.base-url")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return invalid("provider.base-url", "must be an http or https URL, got %q", c.BaseURL)
	}
	if c.ClientID == "" {
		return missing("provider.client-id")
	}
	if c.ClientSecret == "" {
		return missing("provider.client-secret")
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return invalid("provider.max-retries", "must not be negative")
	}
	return nil
}

// Remote returns the client configuration.
func (c *ProviderConfig) Remote() remote.Config {
	cfg := remote.DefaultConfig()
	cfg.BaseURL = c.BaseURL
	cfg.ClientID = c.ClientID
	cfg.ClientSecret = c.ClientSecret
	cfg.ProfileID = c.ProfileID
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	if c.MaxRetries != nil {
		cfg.MaxRetries = *c.MaxRetries
		if cfg.MaxRetries == 0 {
			// remote.Config reads zero as the default.
			cfg.MaxRetries = -1
		}
	}
	if c.RetryBackoff > 0 {
		cfg.RetryBackoff = c.RetryBackoff
	}
	return cfg
}

// BlobConfig selects the blob store.
type BlobConfig struct {
	// Driver is memory, gcs or s3. Default: memory
	Driver string `yaml:"driver" json:"driver"`
	Bucket string `yaml:"bucket" json:"bucket,omitempty"`
	Region string `yaml:"region" json:"region,omitempty"`
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
	// PresignTTL is the lifetime of download URLs. Default: 15m
	PresignTTL time.Duration `yaml:"presign-ttl" json:"presign_ttl"`
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	// Driver is memory, postgres or firestore. Default: memory
	Driver    string `yaml:"driver" json:"driver"`
	DSN       string `yaml:"dsn" json:"-"`
	ProjectID string `yaml:"project-id" json:"project_id,omitempty"`
	// LockLease is the Firestore document lock lease. Default: 2m
	LockLease time.Duration `yaml:"lock-lease" json:"lock_lease,omitempty"`
}

// CacheConfig selects the signing-context cache.
type CacheConfig struct {
	// Driver is memory or dynamodb. Default: memory
	Driver   string `yaml:"driver" json:"driver"`
	Table    string `yaml:"table" json:"table,omitempty"`
	Region   string `yaml:"region" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// StorageConfig groups the storage adapters.
type StorageConfig struct {
	Blob  BlobConfig  `yaml:"blob" json:"blob"`
	Store StoreConfig `yaml:"store" json:"store"`
	Cache CacheConfig `yaml:"cache" json:"cache"`
}

// SetDefaults sets default drivers and durations.
func (c *StorageConfig) SetDefaults() {
	if c.Blob.Driver == "" {
		c.Blob.Driver = DriverMemory
	}
	if c.Blob.PresignTTL == 0 {
		c.Blob.PresignTTL = 15 * time.Minute
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.LockLease == 0 {
		c.Store.LockLease = 2 * time.Minute
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = DriverMemory
	}
}

// Validate checks that each driver has what it needs.
func (c *StorageConfig) Validate() error {
	switch c.Blob.Driver {
	case DriverMemory:
	case DriverGCS, DriverS3:
		if c.Blob.Bucket == "" {
			return missing("storage.blob.bucket")
		}
	default:
		return invalid("storage.blob.driver", "unknown driver %q", c.Blob.Driver)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return missing("storage.store.dsn")
		}
	case DriverFirestore:
		if c.Store.ProjectID == "" {
			return missing("storage.store.project-id")
		}
	default:
		return invalid("storage.store.driver", "unknown driver %q", c.Store.Driver)
	}
	switch c.Cache.Driver {
	case DriverMemory:
	case DriverDynamoDB:
		if c.Cache.Table == "" {
			return missing("storage.cache.table")
		}
	default:
		return invalid("storage.cache.driver", "unknown driver %q", c.Cache.Driver)
	}
	return nil
}

// OrchestratorConfig tunes the signing workflow.
type OrchestratorConfig struct {
	ContextTTL       time.Duration `yaml:"context-ttl" json:"context_ttl"`
	RetryAfterReject *bool         `yaml:"retry-after-reject" json:"retry_after_reject,omitempty"`
	OCSPCheck        bool          `yaml:"ocsp-check" json:"ocsp_check"`
	Location         string        `yaml:"location" json:"location,omitempty"`
	BytesReserved    int           `yaml:"bytes-reserved" json:"bytes_reserved"`
	// ReconcileAfter is the age of PENDING signatures that Reconcile
	// replays. Default: 5m
	ReconcileAfter time.Duration `yaml:"reconcile-after" json:"reconcile_after"`
}

// SetDefaults sets default values for the orchestrator configuration.
func (c *OrchestratorConfig) SetDefaults() {
	def := workflow.DefaultOptions()
	if c.ContextTTL == 0 {
		c.ContextTTL = def.ContextTTL
	}
	if c.RetryAfterReject == nil {
		v := def.RetryAfterReject
		c.RetryAfterReject = &v
	}
	if c.BytesReserved == 0 {
		c.BytesReserved = def.BytesReserved
	}
	if c.ReconcileAfter == 0 {
		c.ReconcileAfter = 5 * time.Minute
	}
}

// Validate validates the orchestrator configuration.
func (c *OrchestratorConfig) Validate() error {
	if c.ContextTTL < 0 {
		return invalid("orchestrator.context-ttl", "must not be negative")
	}
	if c.BytesReserved < 0 {
		return invalid("orchestrator.bytes-reserved", "must not be negative")
	}
	if c.ReconcileAfter < 0 {
		return invalid("orchestrator.reconcile-after", "must not be negative")
	}
	return nil
}

// StampConfig overrides the preview stamp texts and watermark style.
type StampConfig struct {
	BadgeTitle        string  `yaml:"badge-title" json:"badge_title,omitempty"`
	BadgeSubtitle     string  `yaml:"badge-subtitle" json:"badge_subtitle,omitempty"`
	WatermarkFontSize float64 `yaml:"watermark-font-size" json:"watermark_font_size,omitempty"`
	WatermarkOpacity  float64 `yaml:"watermark-opacity" json:"watermark_opacity,omitempty"`
}

// Validate validates the stamp configuration.
func (c *StampConfig) Validate() error {
	if c.WatermarkFontSize < 0 {
		return invalid("stamp.watermark-font-size", "must not be negative")
	}
	if c.WatermarkOpacity < 0 || c.WatermarkOpacity > 1 {
		return invalid("stamp.watermark-opacity", "must be between 0 and 1, got %v", c.WatermarkOpacity)
	}
	return nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", "unknown level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		return invalid("logging.format", "unknown format %q", c.Format)
	}
	return nil
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Provider     ProviderConfig     `yaml:"provider" json:"provider"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Stamp        StampConfig        `yaml:"stamp" json:"stamp"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// SetDefaults fills every section's defaults.
func (c *AppConfig) SetDefaults() {
	c.Server.SetDefaults()
	c.Provider.SetDefaults()
	c.Storage.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.Server, &c.Provider, &c.Storage, &c.Orchestrator, &c.Stamp, &c.Logging,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides secrets from the environment. lookup is os.LookupEnv
// outside tests.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvProviderClientSecret); ok && v != "" {
		c.Provider.ClientSecret = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Storage.Store.DSN = v
	}
}

// WorkflowOptions returns the orchestrator options.
func (c *AppConfig) WorkflowOptions() workflow.Options {
	opts := workflow.DefaultOptions()
	if c.Orchestrator.ContextTTL > 0 {
		opts.ContextTTL = c.Orchestrator.ContextTTL
	}
	if c.Orchestrator.RetryAfterReject != nil {
		opts.RetryAfterReject = *c.Orchestrator.RetryAfterReject
	}
	opts.OCSPCheck = c.Orchestrator.OCSPCheck
	opts.Location = c.Orchestrator.Location
	if c.Orchestrator.BytesReserved > 0 {
		opts.BytesReserved = c.Orchestrator.BytesReserved
	}
	opts.Stamp = workflow.StampOptions{
		BadgeTitle:        c.Stamp.BadgeTitle,
		BadgeSubtitle:     c.Stamp.BadgeSubtitle,
		WatermarkFontSize: c.Stamp.WatermarkFontSize,
		WatermarkOpacity:  c.Stamp.WatermarkOpacity,
	}
	return opts
}

// LoadConfig loads a configuration from a YAML file, applies environment
// overrides and defaults, and validates the result.
func LoadConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses configuration from YAML data. Unknown keys are
// rejected. Defaults are not applied.
func ParseConfig(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedField, err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
