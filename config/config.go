// Package config implements configuration management for a migration run.
// It handles parsing and validation of every option the migrator, store
// clients, and viewer need.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// BucketMapping pairs one source location with its destination, as given
// on the command line or in a config file's buckets list.
type BucketMapping struct {
	Src string `mapstructure:"src"`
	Dst string `mapstructure:"dst"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is the minimum log level to output: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is "text" (console-friendly) or "json" (machine-parseable).
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the optional Prometheus exposition endpoint
// behind digest.Digest.RegisterPrometheus.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config holds every option for one migration run.
type Config struct {
	// SourceBackend and DestBackend select which store.Client
	// implementation to construct: "s3", "azure", or "fs".
	SourceBackend string `mapstructure:"source_backend"`
	DestBackend   string `mapstructure:"dest_backend"`

	// SourceRoot and DestRoot are backend-specific roots: an absolute
	// filesystem path for "fs", ignored for "s3"/"azure" (buckets are
	// addressed per-mapping).
	SourceRoot string `mapstructure:"source_root"`
	DestRoot   string `mapstructure:"dest_root"`

	// Region is the cloud region used by the S3 and IAM clients.
	Region string `mapstructure:"region"`

	// Buckets lists every source-to-destination mapping to migrate.
	Buckets []BucketMapping `mapstructure:"buckets"`

	// NBThreads is the number of concurrent worker goroutines the
	// migrator spawns, each with its own store.Client pair.
	NBThreads int `mapstructure:"nb_threads"`

	// BlockSize is the chunk size, in bytes, above which a regular file
	// transfers via resumable streaming instead of a single Fget/Fput.
	BlockSize int64 `mapstructure:"block_size"`

	// RetryLimit bounds how many times the migrator retries a transient
	// transfer failure before marking the entry permanently failed.
	RetryLimit int `mapstructure:"retry_limit"`

	// DigestRefreshFrequency is how many completed objects elapse
	// between automatic digest uploads.
	DigestRefreshFrequency int `mapstructure:"digest_refresh_frequency"`

	// ForceResume lets a run resume an existing status store whose digest
	// is missing, rebuilding the digest from the plan documents found
	// there; without it that case is an error.
	ForceResume bool `mapstructure:"force_resume"`

	// DeleteSource removes every successfully migrated source object
	// (and the status store itself) once a run finishes with zero
	// permanent failures.
	DeleteSource bool `mapstructure:"delete_source"`

	// CreateDirectories makes the transfer engine create every ancestor
	// directory of an entry's destination path before writing it, guarding
	// against a worker reaching a file entry before another worker has
	// finished creating that file's parent directory entry.
	CreateDirectories bool `mapstructure:"create_directories"`

	// ViewerSocketDir overrides the directory the viewer publishes its
	// Unix domain socket under; defaults to /tmp/<progname>/<pid>.
	ViewerSocketDir string `mapstructure:"viewer_socket_dir"`

	// ShutdownTimeout is validated and defaulted but not read by the
	// migrator: after cancellation, Run waits for every worker to return
	// with no time limit.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// Validate ensures every required field is present and has a valid value.
func (c *Config) Validate() error {
	if c.SourceBackend != "s3" && c.SourceBackend != "azure" && c.SourceBackend != "fs" {
		return fmt.Errorf("source backend must be one of s3, azure, fs")
	}
	if c.DestBackend != "s3" && c.DestBackend != "azure" && c.DestBackend != "fs" {
		return fmt.Errorf("dest backend must be one of s3, azure, fs")
	}
	if c.SourceBackend == "fs" && c.SourceRoot == "" {
		return fmt.Errorf("source root is required for the fs backend")
	}
	if c.DestBackend == "fs" && c.DestRoot == "" {
		return fmt.Errorf("dest root is required for the fs backend")
	}

	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket mapping is required")
	}
	for i, m := range c.Buckets {
		if m.Src == "" {
			return fmt.Errorf("bucket mapping %d: src is required", i)
		}
		if m.Dst == "" {
			return fmt.Errorf("bucket mapping %d: dst is required", i)
		}
	}

	if c.NBThreads < 1 {
		return fmt.Errorf("nb threads must be at least 1")
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("block size must be positive")
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retry limit must not be negative")
	}
	if c.DigestRefreshFrequency < 1 {
		return fmt.Errorf("digest refresh frequency must be at least 1")
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" {
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging format must be text or json")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics port must be between 1 and 65535")
	}

	return nil
}

// Default returns a Config with every non-mandatory field set to its
// documented default.
func Default() *Config {
	return &Config{
		NBThreads:              4,
		BlockSize:              8 * 1024 * 1024,
		RetryLimit:             3,
		DigestRefreshFrequency: 50,
		ShutdownTimeout:        30 * time.Second,
		Logging:                LoggingConfig{Level: "info", Format: "text"},
		Metrics:                MetricsConfig{Enabled: false, Port: 9090},
	}
}

// Load reads configuration from a file and environment variables
// (CLOUDMIG_ prefix), overlaying Default for anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if !found {
		return cfg, nil
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CLOUDMIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("cloudmig")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}
