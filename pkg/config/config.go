// Package config loads and validates the deltawal configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DELTAWAL_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/driftlake/deltawal/internal/bytesize"
	"github.com/driftlake/deltawal/internal/telemetry"
)

// Config represents the deltawal server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and pyroscope profiling
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Storage tunes the delta-WAL storage core
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// WAL configures the local write-ahead-log device
	WAL WALConfig `mapstructure:"wal" yaml:"wal"`

	// S3 configures the remote object store
	S3 S3Config `mapstructure:"s3" yaml:"s3"`

	// Metadata configures the local metadata database
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// BlockCache configures the local cache of committed object bytes
	BlockCache BlockCacheConfig `mapstructure:"blockcache" yaml:"blockcache"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Admin contains the admin HTTP server configuration
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// StorageConfig tunes the storage core.
type StorageConfig struct {
	// WALCacheSize is the soft cap on total log cache bytes
	WALCacheSize bytesize.ByteSize `mapstructure:"wal_cache_size" yaml:"wal_cache_size"`

	// WALUploadThreshold is the active-block size that triggers a flush
	WALUploadThreshold bytesize.ByteSize `mapstructure:"wal_upload_threshold" yaml:"wal_upload_threshold"`

	// StreamSplitSize is the per-stream byte count above which the upload
	// planner produces a dedicated stream object
	StreamSplitSize bytesize.ByteSize `mapstructure:"stream_split_size" yaml:"stream_split_size"`

	// MaxStreamsPerStreamSetObject bounds streams aggregated per
	// stream-set object
	MaxStreamsPerStreamSetObject int `mapstructure:"max_streams_per_stream_set_object" validate:"gte=0" yaml:"max_streams_per_stream_set_object"`

	// UploadIOPoolSize caps concurrent object-store writes
	UploadIOPoolSize int `mapstructure:"upload_io_pool_size" validate:"gte=0" yaml:"upload_io_pool_size"`

	// BackoffDrainInterval is the parked-request retry cadence
	BackoffDrainInterval time.Duration `mapstructure:"backoff_drain_interval" yaml:"backoff_drain_interval"`

	// StreamCallbackLockStripes is the callback lock stripe count
	StreamCallbackLockStripes int `mapstructure:"stream_callback_lock_stripes" validate:"gte=0" yaml:"stream_callback_lock_stripes"`
}

// WALConfig configures the local WAL device.
type WALConfig struct {
	// Path is the WAL directory
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// Capacity is the fixed device capacity
	Capacity bytesize.ByteSize `mapstructure:"capacity" yaml:"capacity"`
}

// S3Config configures the object store client.
type S3Config struct {
	Bucket         string `mapstructure:"bucket" validate:"required" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	KeyPrefix      string `mapstructure:"key_prefix" yaml:"key_prefix"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// MetadataConfig configures the SQLite metadata store.
type MetadataConfig struct {
	// Path is the database file location
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// BlockCacheConfig configures the local block cache.
type BlockCacheConfig struct {
	// Path is the Badger directory; empty disables the local cache
	Path string `mapstructure:"path" yaml:"path"`

	// Size caps cache memory usage
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size"`

	// TTL bounds cached frame lifetime; 0 disables expiry
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled turns metric collection on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// AdminConfig contains the admin HTTP server configuration.
type AdminConfig struct {
	// Enabled turns the admin server on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address is the listen address, e.g. ":9641"
	Address string `mapstructure:"address" yaml:"address"`
}

// Load reads configuration from the given file path (empty for the default
// search path), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DELTAWAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			if path != "" {
				if _, statErr := os.Stat(path); statErr != nil {
					return nil, fmt.Errorf("config file %q: %w", path, statErr)
				}
			}
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks structural constraints on the decoded configuration.
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Storage.WALUploadThreshold > cfg.Storage.WALCacheSize {
		return fmt.Errorf("invalid config: wal_upload_threshold (%s) exceeds wal_cache_size (%s)",
			cfg.Storage.WALUploadThreshold, cfg.Storage.WALCacheSize)
	}
	return nil
}

// defaultConfigDir returns the default configuration directory.
func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "deltawal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "deltawal")
}
