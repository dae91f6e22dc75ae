package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftlake/deltawal/internal/admin"
	"github.com/driftlake/deltawal/internal/logger"
	"github.com/driftlake/deltawal/internal/telemetry"
	"github.com/driftlake/deltawal/pkg/blockcache"
	badgercache "github.com/driftlake/deltawal/pkg/blockcache/badger"
	"github.com/driftlake/deltawal/pkg/bufpool"
	"github.com/driftlake/deltawal/pkg/config"
	"github.com/driftlake/deltawal/pkg/meta/sqlite"
	"github.com/driftlake/deltawal/pkg/metrics"
	s3store "github.com/driftlake/deltawal/pkg/objstore/s3"
	"github.com/driftlake/deltawal/pkg/storage"
	"github.com/driftlake/deltawal/pkg/wal"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the deltawal server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd.Context())
	},
}

func runStart(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, buildVersion)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	stopProfiling, err := telemetry.InitProfiling(cfg.Telemetry.Profiling, buildVersion)
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}

	bufpool.SetBudget(cfg.Storage.WALCacheSize.Int64() * 2)

	metaStore, err := sqlite.Open(cfg.Metadata.Path)
	if err != nil {
		return err
	}
	defer metaStore.Close()

	store, err := s3store.NewFromConfig(ctx, s3store.Config{
		Bucket:         cfg.S3.Bucket,
		Region:         cfg.S3.Region,
		Endpoint:       cfg.S3.Endpoint,
		KeyPrefix:      cfg.S3.KeyPrefix,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	defer store.Close()

	var blocks blockcache.BlockCache = blockcache.Noop{}
	if cfg.BlockCache.Path != "" {
		bc, err := badgercache.Open(badgercache.Config{
			Path: cfg.BlockCache.Path,
			Size: cfg.BlockCache.Size.Int64(),
			TTL:  cfg.BlockCache.TTL,
		}, store, metaStore)
		if err != nil {
			return fmt.Errorf("open block cache: %w", err)
		}
		defer bc.Close()
		blocks = bc
	}

	device, err := wal.NewMmapDevice(cfg.WAL.Path, cfg.WAL.Capacity.Int64())
	if err != nil {
		return fmt.Errorf("open wal device: %w", err)
	}

	core := storage.New(storage.Config{
		CacheSize:              cfg.Storage.WALCacheSize.Int64(),
		UploadThreshold:        cfg.Storage.WALUploadThreshold.Int64(),
		StreamSplitSize:        cfg.Storage.StreamSplitSize.Int64(),
		MaxStreamsPerSetObject: cfg.Storage.MaxStreamsPerStreamSetObject,
		UploadConcurrency:      cfg.Storage.UploadIOPoolSize,
		DrainInterval:          cfg.Storage.BackoffDrainInterval,
		CallbackStripes:        cfg.Storage.StreamCallbackLockStripes,
	}, storage.Deps{
		WAL:     device,
		Objects: metaStore,
		Streams: metaStore,
		Store:   store,
		Blocks:  blocks,
		Metrics: metrics.NewStorageMetrics(),
	})

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start storage core: %w", err)
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.New(cfg.Admin.Address, core)
		adminServer.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown", "error", err)
		}
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("storage core shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	if err := stopProfiling(); err != nil {
		logger.Warn("profiler shutdown", "error", err)
	}
	return nil
}
