package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"webeval/internal/browser"
	"webeval/internal/cache"
	"webeval/internal/config"
	"webeval/internal/eval"
	"webeval/internal/sites"
)

// cacheCmd groups page-cache maintenance commands
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Page cache maintenance (warm, clear, stats)",
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Fetch and cache every page the task file names",
	Long: `Pre-fetches all task pages into the on-disk cache, including
structured ground truth for pages that require it. A later run then
replays entirely from cache.`,
	RunE: cacheWarm,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached pages",
	RunE:  cacheClear,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts and sizes",
	RunE:  cacheStats,
}

func init() {
	cacheWarmCmd.Flags().StringVar(&taskFile, "tasks", "", "Task file (default: eval.task_file from webeval.yaml)")

	cacheCmd.AddCommand(cacheWarmCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
}

func cacheWarm(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tasksPath := taskFile
	if tasksPath == "" {
		tasksPath = cfg.Eval.TaskFile
	}
	tasks, err := eval.LoadTasks(resolvePath(tasksPath))
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	mgr := browser.NewSessionManager(cfg.Browser)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer mgr.Shutdown(cmd.Context())

	store, err := cache.NewStore(resolvePath(cfg.Cache.Root), cfg.Cache.TTLDuration(), mgr)
	if err != nil {
		return fmt.Errorf("failed to open page cache: %w", err)
	}
	registry := sites.NewRegistry(sites.NewCoinGecko())

	warmed := 0
	for _, task := range tasks {
		pages, err := store.EnsureCached(ctx, task.Requirements(), registry)
		if err != nil {
			return fmt.Errorf("warm task %s: %w", task.ID, err)
		}
		warmed += len(pages)
		logger.Info("Task warmed", zap.String("task", task.ID), zap.Int("pages", len(pages)))
	}
	fmt.Printf("Warmed %d pages for %d tasks\n", warmed, len(tasks))
	return nil
}

func cacheClear(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := cache.NewStore(resolvePath(cfg.Cache.Root), cfg.Cache.TTLDuration(), nil)
	if err != nil {
		return fmt.Errorf("failed to open page cache: %w", err)
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Cache cleared")
	return nil
}

func cacheStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := cache.NewStore(resolvePath(cfg.Cache.Root), cfg.Cache.TTLDuration(), nil)
	if err != nil {
		return fmt.Errorf("failed to open page cache: %w", err)
	}
	stats, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Entries:         %d\n", stats.Entries)
	fmt.Printf("  expired:       %d\n", stats.Expired)
	fmt.Printf("  with data:     %d\n", stats.WithData)
	fmt.Printf("Total size:      %s\n", formatBytes(stats.TotalBytes))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
