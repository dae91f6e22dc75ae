package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/driftlake/deltawal/internal/bytesize"
)

// Default values applied before file and environment sources.
const (
	DefaultShutdownTimeout = 30 * time.Second

	DefaultWALCacheSize       = bytesize.GiB
	DefaultWALUploadThreshold = 512 * bytesize.MiB
	DefaultStreamSplitSize    = 16 * bytesize.MiB
	DefaultMaxStreamsPerSet   = 10000
	DefaultUploadIOPoolSize   = 4
	DefaultDrainInterval      = 100 * time.Millisecond
	DefaultCallbackStripes    = 128

	DefaultWALCapacity = 2 * bytesize.GiB

	DefaultBlockCacheSize = 256 * bytesize.MiB

	DefaultAdminAddress = ":9641"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("storage.wal_cache_size", DefaultWALCacheSize.Uint64())
	v.SetDefault("storage.wal_upload_threshold", DefaultWALUploadThreshold.Uint64())
	v.SetDefault("storage.stream_split_size", DefaultStreamSplitSize.Uint64())
	v.SetDefault("storage.max_streams_per_stream_set_object", DefaultMaxStreamsPerSet)
	v.SetDefault("storage.upload_io_pool_size", DefaultUploadIOPoolSize)
	v.SetDefault("storage.backoff_drain_interval", DefaultDrainInterval)
	v.SetDefault("storage.stream_callback_lock_stripes", DefaultCallbackStripes)

	v.SetDefault("wal.path", "/var/lib/deltawal/wal")
	v.SetDefault("wal.capacity", DefaultWALCapacity.Uint64())

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.key_prefix", "wal/")
	v.SetDefault("s3.force_path_style", false)

	v.SetDefault("metadata.path", "/var/lib/deltawal/meta.db")

	v.SetDefault("blockcache.path", "/var/lib/deltawal/blockcache")
	v.SetDefault("blockcache.size", DefaultBlockCacheSize.Uint64())
	v.SetDefault("blockcache.ttl", time.Duration(0))

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.address", DefaultAdminAddress)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.server_address", "")
}
