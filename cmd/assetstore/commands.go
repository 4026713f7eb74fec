package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/devrev/assetstore/internal/errors"
	"github.com/devrev/assetstore/internal/health"
	"github.com/devrev/assetstore/internal/pipeline"
	"github.com/devrev/assetstore/internal/server"
	"github.com/devrev/assetstore/internal/validation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cacheCleanupInterval is how often serve runs cache cleanup
const cacheCleanupInterval = time.Hour

type rootOptions struct {
	configPath string
	dataDir    string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "assetstore",
		Short: "Operate the local asset store: version locks, versions, cache and vision checkpoints",
		Long: `assetstore manages the on-disk asset store shared by pipeline runs.

Examples:
  assetstore serve                        # metrics, health and operator endpoints
  assetstore lock status A-020            # show who holds an asset's version lock
  assetstore lock break A-020             # remove a lock left by a crashed run
  assetstore version A-020 ./frame.png    # version a file into the store
  assetstore cache cleanup                # run expiry, size eviction and orphan sweep
  assetstore checkpoint show story-42     # show saved vision batch progress`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "./data", "data root used when no config file is given")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging (also ASSETSTORE_DEBUG)")

	// withApp builds the store components for a subcommand
	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return run(cmd, a, args)
		}
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve metrics, health probes and operator endpoints",
			Args:  cobra.NoArgs,
			RunE:  withApp(runServe),
		},
		newLockCmd(withApp),
		&cobra.Command{
			Use:   "version <assetId> <file>",
			Short: "Version a file into the store under the asset's lock",
			Args:  cobra.ExactArgs(2),
			RunE:  withApp(runVersion),
		},
		&cobra.Command{
			Use:   "versions <assetId>",
			Short: "List installed versions of an asset",
			Args:  cobra.ExactArgs(1),
			RunE:  withApp(runVersions),
		},
		newCacheCmd(withApp),
		newCheckpointCmd(withApp),
	)

	return rootCmd
}

type appRunner func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newLockCmd(withApp appRunner) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or break per-asset version locks",
	}
	lockCmd.AddCommand(
		&cobra.Command{
			Use:   "status <assetId>",
			Short: "Show the lock marker for an asset",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				if err := validation.ValidateAssetID(args[0]); err != nil {
					return err
				}
				info, err := a.locker.Inspect(args[0])
				if err != nil {
					return err
				}
				if info == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "No lock held for asset %s\n", args[0])
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), info)
			}),
		},
		&cobra.Command{
			Use:   "stale",
			Short: "List assets whose lock markers exceed the stale threshold",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				stale, err := a.locker.ListStale()
				if err != nil {
					return err
				}
				for _, id := range stale {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "break <assetId>",
			Short: "Force-remove an asset's lock marker (only when no other run is active)",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				if err := validation.ValidateAssetID(args[0]); err != nil {
					return err
				}
				broken, err := a.locker.ForceBreak(args[0])
				if err != nil {
					return err
				}
				if broken {
					fmt.Fprintf(cmd.OutOrStdout(), "Lock for asset %s removed\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "No lock held for asset %s\n", args[0])
				}
				return nil
			}),
		},
	)
	return lockCmd
}

func newCacheCmd(withApp appRunner) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the asset cache",
	}
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache statistics",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				return writeJSON(cmd.OutOrStdout(), a.cache.Stats())
			}),
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove expired entries, evict oldest entries over the size limit and sweep orphaned files",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				result, err := a.cache.Cleanup()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries, freed %d bytes\n", result.RemovedCount, result.BytesFreed)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "invalidate <key>",
			Short: "Remove one cache entry",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				return a.cache.Invalidate(args[0])
			}),
		},
		&cobra.Command{
			Use:   "invalidate-source <sourceId>",
			Short: "Remove every cache entry fetched from a source",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				removed, err := a.cache.InvalidateBySource(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries for source %s\n", removed, args[0])
				return nil
			}),
		},
	)
	return cacheCmd
}

func newCheckpointCmd(withApp appRunner) *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or clear vision batch checkpoints",
	}
	checkpointCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List batches with a saved checkpoint",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				ids, err := a.checkpoints.List()
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show <batchId>",
			Short: "Show a batch checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				cp, err := a.checkpoints.Load(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), cp)
			}),
		},
		&cobra.Command{
			Use:   "clear <batchId>",
			Short: "Delete a batch checkpoint so the batch starts from scratch",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				return a.checkpoints.Delete(args[0])
			}),
		},
	)
	return checkpointCmd
}

func runVersion(cmd *cobra.Command, a *app, args []string) error {
	assetID, file := args[0], args[1]
	if err := validation.ValidateAssetID(assetID); err != nil {
		return err
	}

	src, err := os.Open(file)
	if err != nil {
		return errors.InvalidArgument(fmt.Sprintf("cannot open %s", file), err)
	}
	defer src.Close()

	// The source file is copied so versioning never moves the operator's file
	candidate, err := pipeline.StageCandidate(a.versions.AssetsDir(), assetID, filepath.Ext(file), src)
	if err != nil {
		return err
	}
	defer os.Remove(candidate)

	decision, err := a.versions.VersionAsset(cmd.Context(), assetID, candidate)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), decision)
}

func runVersions(cmd *cobra.Command, a *app, args []string) error {
	versions, err := a.versions.ListVersions(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tPATH\tCONTENT HASH")
	for _, v := range versions {
		fmt.Fprintf(w, "%d\t%s\t%s\n", v.Version, v.Path, v.ContentHash)
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, a *app, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	for _, dir := range []string{cfg.Storage.AssetsDir, cfg.Storage.CacheDir, cfg.Storage.EvidenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.InternalError(fmt.Sprintf("failed to create %s", dir), err)
		}
	}

	disk, err := a.diskManager()
	if err != nil {
		return err
	}

	if stale, err := a.locker.ListStale(); err == nil && len(stale) > 0 {
		a.logger.Warn("Stale version locks found; they are broken on the next acquire",
			zap.Strings("asset_ids", stale))
	}

	hc := health.NewHealthChecker(&health.HealthCheckConfig{
		StoreID: cfg.StoreID,
		Dirs:    []string{cfg.Storage.AssetsDir, cfg.Storage.CacheDir, cfg.Storage.EvidenceDir},
		Disk:    disk,
		Locks:   a.locker,
		Cache:   a.cache,
	}, a.logger)
	go hc.Start(ctx)

	go runCacheCleanup(ctx, a)

	if !cfg.Metrics.Enabled {
		a.logger.Info("Operator server disabled; running maintenance only", zap.String("store_id", cfg.StoreID))
		<-ctx.Done()
		return nil
	}

	srv := server.NewOperatorServer(cfg.Metrics, server.Deps{
		Metrics:     a.metrics,
		Health:      hc,
		Locker:      a.locker,
		Versions:    a.versions,
		Cache:       a.cache,
		Checkpoints: a.checkpoints,
	}, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	hc.SetReadiness(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runCacheCleanup(ctx context.Context, a *app) {
	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := a.cache.Cleanup()
			if err != nil {
				a.logger.Warn("Cache cleanup failed", zap.Error(err))
				continue
			}
			a.logger.Info("Cache cleanup completed",
				zap.Int("removed", result.RemovedCount),
				zap.Int64("bytes_freed", result.BytesFreed))
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
