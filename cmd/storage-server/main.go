package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mzekb/mze-storage/api/servers"
	"github.com/mzekb/mze-storage/api/storageapi"
	"github.com/mzekb/mze-storage/cmd/flags"
	"github.com/mzekb/mze-storage/common"
	"github.com/mzekb/mze-storage/config"
	"github.com/mzekb/mze-storage/instancedir"
	"github.com/mzekb/mze-storage/interfaces"
	"github.com/mzekb/mze-storage/metadata"
	"github.com/mzekb/mze-storage/metrics"
	"github.com/mzekb/mze-storage/reaper"
	"github.com/mzekb/mze-storage/recordlock"
	"github.com/mzekb/mze-storage/shard"
	"github.com/mzekb/mze-storage/storage"
	"github.com/mzekb/mze-storage/versions"
	"github.com/urfave/cli/v2"
)

const dnsTimeout = 5 * time.Second

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "instance-id",
		Usage: "id of this storage instance (canonical UUID)",
	},
	&cli.StringFlag{
		Name:  "data-dir",
		Usage: "directory holding the records and tombstones trees",
	},
	&cli.StringSliceFlag{
		Name:  "backend",
		Usage: "payload backend URI; may be repeated (file://, s3://, ipfs://, vault://, github://)",
	},
	&cli.StringFlag{
		Name:  "lock-mode",
		Usage: "behavior on a busy record: 'wait' or 'fail'",
	},
	&cli.DurationFlag{
		Name:  "grace-period",
		Usage: "delay between tombstoning a record and removing it",
	},
}

func main() {
	app := &cli.App{
		Name:  "storage-server",
		Usage: "Serve the personal record storage API",
		Flags: append(serverFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				return err
			}
			applyFlags(cCtx, &cfg)

			logger := flags.SetupLogger(cCtx, cfg.Log)
			if err := cfg.Validate(); err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			return run(cfg, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func applyFlags(cCtx *cli.Context, cfg *config.Config) {
	if cCtx.IsSet("instance-id") {
		cfg.InstanceID = cCtx.String("instance-id")
	}
	if cCtx.IsSet("data-dir") {
		cfg.DataDir = cCtx.String("data-dir")
	}
	if cCtx.IsSet("backend") {
		cfg.Backends = cCtx.StringSlice("backend")
	}
	if cCtx.IsSet("lock-mode") {
		cfg.Storage.LockMode = cCtx.String("lock-mode")
	}
	if cCtx.IsSet("grace-period") {
		cfg.Storage.GracePeriod = cCtx.Duration("grace-period")
	}
	flags.ApplyServerFlags(cCtx, &cfg.Server)
}

func run(cfg config.Config, logger *slog.Logger) error {
	instance, err := interfaces.ParseInstanceID(cfg.InstanceID)
	if err != nil {
		return err
	}
	lockMode, err := recordlock.ParseMode(cfg.Storage.LockMode)
	if err != nil {
		return err
	}
	logger = logger.With("instance", instance.String())

	// Record trees
	recordsDir := filepath.Join(cfg.DataDir, "records")
	tombstonesDir := filepath.Join(cfg.DataDir, "tombstones")
	for _, dir := range []string{recordsDir, tombstonesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("Failed to create data directory", "dir", dir, "err", err)
			return err
		}
	}

	locks := recordlock.New(lockMode, logger)
	meta := metadata.NewStore(shard.New(recordsDir), shard.New(tombstonesDir), locks, instance, logger)
	vs, err := versions.NewStore(shard.New(recordsDir), meta, locks, cfg.Storage.CacheSize, logger)
	if err != nil {
		logger.Error("Failed to create version store", "err", err)
		return err
	}

	// Metrics
	metricsSrv, err := metrics.New(common.PackageName, cfg.Server.MetricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics", "err", err)
		return err
	}

	// Payload backends
	locations := make([]interfaces.BackendLocation, 0, len(cfg.Backends))
	for _, uri := range cfg.Backends {
		loc, err := interfaces.NewBackendLocation(uri)
		if err != nil {
			return err
		}
		locations = append(locations, loc)
	}
	multi, err := storage.NewBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create payload backends", "err", err)
		return err
	}
	blobs := storage.NewInstrumentedBackend(
		storage.NewRetryingBackend(multi, storage.RetryConfig{
			CallTimeout: cfg.Storage.BackendTimeout,
			MaxRetries:  cfg.Storage.BackendRetries,
		}, logger),
		metricsSrv,
	)
	logger.Info("Payload backends configured", "backend", blobs.LocationURI())

	// Leftovers of a previous run; no requests are served yet.
	report, err := vs.Fsck(context.Background())
	if err != nil {
		logger.Error("Failed to check records", "err", err)
		return err
	}
	if len(report.Failed) > 0 {
		logger.Warn("Some records could not be checked", "count", len(report.Failed))
	}

	// Deferred removal
	rp := reaper.New(vs, meta, cfg.Storage.GracePeriod, logger)
	defer rp.Stop()
	if err := metricsSrv.RegisterReaper(rp); err != nil {
		logger.Error("Failed to register reaper metrics", "err", err)
		return err
	}
	if _, err := rp.Recover(context.Background()); err != nil {
		logger.Error("Failed to recover pending removals", "err", err)
		return err
	}

	directory, err := buildDirectory(cfg.Directory, logger)
	if err != nil {
		logger.Error("Failed to configure instance directory", "err", err)
		return err
	}

	handler := storageapi.NewHandler(storageapi.Config{
		Instance:        instance,
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		RetryConflicts:  cfg.Storage.RetryConflicts,
		ConflictBackoff: cfg.Storage.ConflictBackoff,
		RetryAfter:      cfg.Server.RetryAfter,
		ListConcurrency: cfg.Server.ListConcurrency,
	}, vs, meta, blobs, rp, directory, logger)

	server, err := servers.New(flags.ConfigureServer(cfg.Server, logger), handler, metricsSrv, blobs.Available)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server")
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// buildDirectory consults the instance file, then inline instances, then DNS.
func buildDirectory(cfg config.DirectoryConfig, logger *slog.Logger) (interfaces.InstanceDirectory, error) {
	var chain instancedir.Chain

	if cfg.File != "" {
		static, err := instancedir.LoadStatic(cfg.File)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded instance table", "file", cfg.File, "count", static.Len())
		chain = append(chain, static)
	}
	if len(cfg.Instances) > 0 {
		static, err := instancedir.NewStatic(cfg.Instances)
		if err != nil {
			return nil, fmt.Errorf("directory.instances: %w", err)
		}
		chain = append(chain, static)
	}
	if cfg.DNSZone != "" {
		chain = append(chain, instancedir.NewDNS(cfg.DNSZone, cfg.DNSServer, dnsTimeout, cfg.DNSTTL, logger))
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
