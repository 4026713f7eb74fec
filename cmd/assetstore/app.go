package main

import (
	"fmt"

	"github.com/devrev/assetstore/internal/config"
	"github.com/devrev/assetstore/internal/logging"
	"github.com/devrev/assetstore/internal/metrics"
	"github.com/devrev/assetstore/internal/service"
	"github.com/devrev/assetstore/internal/storage/diskmanager"
	"github.com/devrev/assetstore/internal/storage/versionlock"
	"github.com/devrev/assetstore/internal/vision"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app holds the components every subcommand works against
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	locker      *versionlock.Locker
	versions    *service.VersionService
	cache       *service.CacheService
	checkpoints *vision.CheckpointStore
}

// loadConfig reads configPath, or defaults rooted at dataDir when no path is given
func loadConfig(configPath, dataDir string) (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default(dataDir)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
		return cfg, nil
	}
	return config.LoadConfig(configPath)
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts.configPath, opts.dataDir)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, opts.debug || logging.DebugFromEnv())
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics(prometheus.NewRegistry(), cfg.StoreID)
	locker := versionlock.NewLocker(cfg.Storage.AssetsDir, cfg.Lock, m, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		locker:      locker,
		versions:    service.NewVersionService(cfg.Storage.AssetsDir, locker, nil, m, logger),
		cache:       service.NewCacheService(cfg.Storage.CacheDir, cfg.Cache, m, logger),
		checkpoints: vision.NewCheckpointStore(cfg.Storage.EvidenceDir, m, logger),
	}, nil
}

func (a *app) diskManager() (*diskmanager.DiskManager, error) {
	return diskmanager.NewDiskManager(a.cfg.Storage.AssetsDir, a.cfg.Disk, a.metrics, a.logger)
}

func (a *app) close() {
	_ = a.logger.Sync()
}
