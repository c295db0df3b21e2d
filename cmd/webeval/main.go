package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"webeval/internal/browser"
	"webeval/internal/cache"
	"webeval/internal/config"
	"webeval/internal/eval"
	"webeval/internal/llm"
	"webeval/internal/logging"
	"webeval/internal/results"
	"webeval/internal/sites"
)

var (
	// Global flags
	verbose   bool
	workspace string
	taskFile  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "webeval",
	Short: "webeval - Browser agent evaluation harness",
	Long: `webeval evaluates LLM browsing agents against web tasks.

Pages are fetched once into a file-locked on-disk cache and replayed to
the agent through a request interceptor, so every run of a task sees the
same bytes. Site plugins capture structured ground truth alongside the
HTML for answer scoring.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Env files are optional; absence is not an error
		_ = godotenv.Load()

		if workspace == "" {
			workspace, _ = os.Getwd()
		}

		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("File logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes an evaluation run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the evaluation tasks end to end",
	Long: `Loads the task file, warms the page cache, then drives the agent
through each task in a hijacked browser session and scores the answers.

Every page a task names is cached before the agent sees it; a task whose
mandatory ground-truth fetch fails aborts the whole run rather than
scoring against missing data.`,
	RunE: runEval,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	runCmd.Flags().StringVar(&taskFile, "tasks", "", "Task file (default: eval.task_file from webeval.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

// resolvePath makes a config-relative path absolute against the workspace.
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

// runEval executes all tasks and persists the results.
func runEval(cmd *cobra.Command, args []string) error {
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
	logger.Info("Tasks loaded", zap.Int("count", len(tasks)), zap.String("file", tasksPath))

	mgr := browser.NewSessionManager(cfg.Browser)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer mgr.Shutdown(context.Background())

	store, err := cache.NewStore(resolvePath(cfg.Cache.Root), cfg.Cache.TTLDuration(), mgr)
	if err != nil {
		return fmt.Errorf("failed to open page cache: %w", err)
	}

	registry := sites.NewRegistry(sites.NewCoinGecko())
	chat := llm.NewGeminiClient(cfg.LLM)

	var embedder llm.Embedder
	if cfg.LLM.APIKey != "" {
		embedder, err = llm.NewGenAIEmbedder(ctx, cfg.LLM.APIKey, cfg.LLM.EmbeddingModel)
		if err != nil {
			logger.Warn("Embedding client unavailable, semantic scoring disabled", zap.Error(err))
			embedder = nil
		}
	}
	scorer := eval.NewScorer(chat, embedder)

	runner := eval.NewRunner(cfg.Eval, store, mgr, registry, chat, scorer)
	taskResults, err := runner.Run(ctx, tasks)
	if err != nil {
		return fmt.Errorf("evaluation run failed: %w", err)
	}

	db, err := results.Open(resolvePath(cfg.Eval.ResultsDB))
	if err != nil {
		return fmt.Errorf("failed to open results database: %w", err)
	}
	defer db.Close()

	runID, err := db.CreateRun(cfg.LLM.Model, tasksPath)
	if err != nil {
		return err
	}
	for _, res := range taskResults {
		if err := db.SaveTaskResult(runID, res); err != nil {
			return err
		}
	}
	if err := db.FinishRun(runID); err != nil {
		return err
	}

	printRunReport(runID, db, taskResults)
	return nil
}

// printRunReport writes a human-readable run summary to stdout.
func printRunReport(runID string, db *results.Store, taskResults []eval.TaskResult) {
	fmt.Printf("Run %s\n", runID)
	for _, res := range taskResults {
		status := "FAIL"
		if res.Score.Correct {
			status = "PASS"
		}
		fmt.Printf("  [%s] %-24s steps=%-3d answer=%q", status, res.TaskID, res.Steps, res.Answer)
		if res.Err != "" {
			fmt.Printf(" error=%s", res.Err)
		}
		fmt.Println()
	}

	sum, err := db.Summary(runID)
	if err != nil {
		logger.Warn("Run summary unavailable", zap.Error(err))
		return
	}
	fmt.Printf("Total: %d/%d correct (%.0f%%)\n",
		sum.TasksCorrect, sum.TasksTotal, sum.Accuracy()*100)
}
