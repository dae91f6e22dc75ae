package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/driftlake/deltawal/internal/telemetry"
	"github.com/driftlake/deltawal/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit() error {
	path := configPath
	if path == "" {
		dir := os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			dir = filepath.Join(home, ".config")
		}
		path = filepath.Join(dir, "deltawal", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s exists (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	sample := config.Config{
		Logging: config.LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			SampleRatio: 1.0,
		},
		ShutdownTimeout: config.DefaultShutdownTimeout,
		Storage: config.StorageConfig{
			WALCacheSize:                 config.DefaultWALCacheSize,
			WALUploadThreshold:           config.DefaultWALUploadThreshold,
			StreamSplitSize:              config.DefaultStreamSplitSize,
			MaxStreamsPerStreamSetObject: config.DefaultMaxStreamsPerSet,
			UploadIOPoolSize:             config.DefaultUploadIOPoolSize,
			BackoffDrainInterval:         config.DefaultDrainInterval,
			StreamCallbackLockStripes:    config.DefaultCallbackStripes,
		},
		WAL: config.WALConfig{
			Path:     "/var/lib/deltawal/wal",
			Capacity: config.DefaultWALCapacity,
		},
		S3: config.S3Config{
			Bucket:    "deltawal",
			Region:    "us-east-1",
			KeyPrefix: "wal/",
		},
		Metadata: config.MetadataConfig{
			Path: "/var/lib/deltawal/meta.db",
		},
		BlockCache: config.BlockCacheConfig{
			Path: "/var/lib/deltawal/blockcache",
			Size: config.DefaultBlockCacheSize,
			TTL:  24 * time.Hour,
		},
		Metrics: config.MetricsConfig{Enabled: true},
		Admin: config.AdminConfig{
			Enabled: true,
			Address: config.DefaultAdminAddress,
		},
	}

	data, err := yaml.Marshal(&sample)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote sample configuration to %s\n", path)
	return nil
}
