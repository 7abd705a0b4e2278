package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/blockvfs/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	VFS         VFSConfig         `yaml:"vfs"`
	Cache       CacheConfig       `yaml:"cache"`
	Storage     StorageConfig     `yaml:"storage"`
	Network     NetworkConfig     `yaml:"network"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Lock        LockConfig        `yaml:"lock"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" env:"BLOCKVFS_LOG_LEVEL" env-description:"Log level name, overrides verbosity"`
	Verbosity   int    `yaml:"verbosity" env:"SQ_VERBOSITY" env-description:"Log verbosity: 0 warn, 1 info, 2 debug"`
	LogPretty   bool   `yaml:"log_pretty" env:"BLOCKVFS_LOG_PRETTY" env-description:"Human readable console logs"`
	LogFile     string `yaml:"log_file" env:"BLOCKVFS_LOG_FILE" env-description:"Append logs to this file"`
	MetricsPort int    `yaml:"metrics_port" env:"BLOCKVFS_METRICS_PORT" env-description:"Prometheus listener port for serve, 0 disables"`
}

// VFSConfig describes how the shim registers itself and addresses containers.
type VFSConfig struct {
	Name           string `yaml:"name" env:"SQ_VFS_NAME" env-description:"VFS name used in connection URIs"`
	Alias          string `yaml:"alias" env:"SQ_CONTAINER_ALIAS" env-description:"Container alias, the first URI path segment"`
	Bucket         string `yaml:"bucket" env:"SQ_DB_BUCKET" env-description:"Bucket path of the container (bucket/prefix)"`
	BlockSize      string `yaml:"block_size" env:"SQ_BLOCK_SIZE" env-description:"Block size for new containers, e.g. 2048k"`
	PublishOnClose bool   `yaml:"publish_on_close" env:"BLOCKVFS_PUBLISH_ON_CLOSE" env-description:"Publish dirty blocks when the last handle closes"`
}

// CacheConfig represents the local block cache configuration
type CacheConfig struct {
	Directory string `yaml:"directory" env:"SQ_CACHE_DIR" env-description:"Local block cache directory"`
	MaxSize   string `yaml:"max_size" env:"BLOCKVFS_CACHE_SIZE" env-description:"Cache byte budget, e.g. 10GB"`
}

// StorageConfig selects and configures the object store backend
type StorageConfig struct {
	Module      string    `yaml:"module" env:"BLOCKVFS_MODULE" env-description:"Object store module: google, s3 or local"`
	Compression string    `yaml:"compression" env:"BLOCKVFS_COMPRESSION" env-description:"Block compression for new containers: none or zstd"`
	Concurrency int       `yaml:"concurrency" env:"BLOCKVFS_CONCURRENCY" env-description:"Parallel block transfers for upload and download"`
	S3          S3Config  `yaml:"s3"`
	GCS         GCSConfig `yaml:"gcs"`
	LocalRoot   string    `yaml:"local_root" env:"BLOCKVFS_LOCAL_ROOT" env-description:"Root directory of the local module"`
}

// S3Config represents S3 backend settings
type S3Config struct {
	Region         string `yaml:"region" env:"BLOCKVFS_S3_REGION" env-description:"S3 region"`
	Endpoint       string `yaml:"endpoint" env:"BLOCKVFS_S3_ENDPOINT" env-description:"S3 endpoint, empty for AWS"`
	ForcePathStyle bool   `yaml:"force_path_style" env:"BLOCKVFS_S3_PATH_STYLE" env-description:"Use path-style addressing"`
}

// GCSConfig represents Google Cloud Storage backend settings
type GCSConfig struct {
	Endpoint string `yaml:"endpoint" env:"BLOCKVFS_GCS_ENDPOINT" env-description:"GCS JSON API endpoint override"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Request time.Duration `yaml:"request" env:"BLOCKVFS_REQUEST_TIMEOUT" env-description:"Per-attempt timeout for remote calls"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"BLOCKVFS_RETRY_ATTEMPTS" env-description:"Attempts per remote call"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// BreakerConfig trips a per-bucket circuit after consecutive transient failures.
type BreakerConfig struct {
	Failures int           `yaml:"failures" env:"BLOCKVFS_BREAKER_FAILURES" env-description:"Consecutive transient failures that open the circuit, 0 disables"`
	Cooldown time.Duration `yaml:"cooldown" env:"BLOCKVFS_BREAKER_COOLDOWN" env-description:"How long an open circuit rejects calls"`
}

// CredentialsConfig carries static credentials handed over by the caller.
type CredentialsConfig struct {
	Token   string `yaml:"-" env:"CS_KEY" env-description:"Bearer token for the object store"`
	Account string `yaml:"account" env:"CS_ACCOUNT" env-description:"Account or project identifier"`
}

// LockConfig controls the container lease.
type LockConfig struct {
	Lease time.Duration `yaml:"lease" env:"BLOCKVFS_LOCK_LEASE" env-description:"Remote lock lease duration"`
}

// Supported storage modules.
const (
	ModuleGoogle = "google"
	ModuleS3     = "s3"
	ModuleLocal  = "local"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "",
			Verbosity:   0,
			LogPretty:   true,
			MetricsPort: 0,
		},
		VFS: VFSConfig{
			Name:      "ssb_vfs",
			Alias:     "buckets",
			BlockSize: "2048k",
		},
		Cache: CacheConfig{
			Directory: "./cache",
			MaxSize:   "10GB",
		},
		Storage: StorageConfig{
			Module:      ModuleGoogle,
			Compression: "none",
			Concurrency: 8,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Request: 60 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    10 * time.Second,
			},
			Breaker: BreakerConfig{
				Failures: 10,
				Cooldown: 30 * time.Second,
			},
		},
		Lock: LockConfig{
			Lease: 10 * time.Minute,
		},
	}
}

// Load builds a configuration from defaults, then filename (when it exists),
// then the environment, and validates the result.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides fields from their env-tagged environment variables.
func (c *Configuration) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// EnvUsage describes every environment variable the configuration reads.
func EnvUsage() string {
	text, err := cleanenv.GetDescription(NewDefault(), nil)
	if err != nil {
		return err.Error()
	}
	return text
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BlockSizeBytes returns the parsed VFS block size.
func (c *Configuration) BlockSizeBytes() int64 {
	n, _ := utils.ParseBytes(c.VFS.BlockSize)
	return n
}

// CacheSizeBytes returns the parsed cache byte budget.
func (c *Configuration) CacheSizeBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.MaxSize)
	return n
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Global.LogLevel != "" {
		if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %s", c.Global.LogLevel)
		}
	}

	if c.VFS.Name == "" {
		return fmt.Errorf("vfs.name must not be empty")
	}
	if c.VFS.Alias == "" || strings.Contains(c.VFS.Alias, "/") {
		return fmt.Errorf("vfs.alias must be a single path segment: %q", c.VFS.Alias)
	}

	blockSize, err := utils.ParseBytes(c.VFS.BlockSize)
	if err != nil {
		return fmt.Errorf("invalid vfs.block_size: %w", err)
	}
	if !utils.IsPowerOfTwo(blockSize) || blockSize < 512 {
		return fmt.Errorf("vfs.block_size must be a power of two of at least 512 bytes, got %d", blockSize)
	}

	if c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory must not be empty")
	}
	cacheSize, err := utils.ParseBytes(c.Cache.MaxSize)
	if err != nil {
		return fmt.Errorf("invalid cache.max_size: %w", err)
	}
	if cacheSize <= 0 {
		return fmt.Errorf("cache.max_size must be greater than 0")
	}

	validModules := []string{ModuleGoogle, ModuleS3, ModuleLocal}
	moduleValid := false
	for _, m := range validModules {
		if c.Storage.Module == m {
			moduleValid = true
			break
		}
	}
	if !moduleValid {
		return fmt.Errorf("invalid storage.module: %s (must be one of: %s)",
			c.Storage.Module, strings.Join(validModules, ", "))
	}
	if c.Storage.Module == ModuleLocal && c.Storage.LocalRoot == "" {
		return fmt.Errorf("storage.local_root is required for the local module")
	}

	switch c.Storage.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("invalid storage.compression: %s", c.Storage.Compression)
	}

	if c.Storage.Concurrency <= 0 {
		return fmt.Errorf("storage.concurrency must be greater than 0")
	}
	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("network.retry.max_attempts must be greater than 0")
	}
	if c.Network.Breaker.Failures < 0 {
		return fmt.Errorf("network.breaker.failures must not be negative")
	}
	if c.Lock.Lease <= 0 {
		return fmt.Errorf("lock.lease must be greater than 0")
	}

	return nil
}
