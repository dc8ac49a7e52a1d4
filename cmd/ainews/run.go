package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/ainews/internal/audit"
	"github.com/fentz26/ainews/internal/config"
	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/observability"
	"github.com/fentz26/ainews/internal/orchestrator"
	"github.com/fentz26/ainews/internal/pipeline"
	"github.com/fentz26/ainews/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipeline worker",
	Long: `Runs a single worker session. Without --continuous one article is
processed; with it the worker keeps claiming articles until the queue is
empty, --max is reached or it is interrupted.`,
	RunE: runWorker,
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Run several pipeline workers in parallel",
	RunE:  runWorkers,
}

var (
	runContinuous   bool
	runMax          int
	runDelay        time.Duration
	workerCount     int
	maxPerWorker    int
	workersDelay    time.Duration
	printJSONReport bool
)

func init() {
	runCmd.Flags().BoolVar(&runContinuous, "continuous", false, "Keep processing until the queue is empty")
	runCmd.Flags().IntVar(&runMax, "max", -1, "Maximum articles in continuous mode (default pipeline.max_articles)")
	runCmd.Flags().DurationVar(&runDelay, "delay", -1, "Delay between articles (default pipeline.delay)")
	runCmd.Flags().BoolVar(&printJSONReport, "json", false, "Print stats as JSON")

	workersCmd.Flags().IntVarP(&workerCount, "workers", "n", 0, "Number of workers (default pipeline.workers)")
	workersCmd.Flags().IntVar(&maxPerWorker, "max-per-worker", -1, "Maximum articles per worker (default pipeline.max_articles)")
	workersCmd.Flags().DurationVar(&workersDelay, "delay", -1, "Delay between articles (default pipeline.delay)")
	workersCmd.Flags().BoolVar(&printJSONReport, "json", false, "Print the report as JSON")
}

// workerEnv is what run and workers share.
type workerEnv struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *store.Store
	phases   *phaseSet
	oplog    *audit.Writer
	shutdown func(context.Context) error
}

func setupWorkers(ctx context.Context) (*workerEnv, error) {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return nil, err
	}
	metrics.Init()
	shutdown, err := observability.InitTracing("ainews-worker", cfg.Tracing.Exporter)
	if err != nil {
		return nil, err
	}
	ps, err := buildPhases(cfg.Phases, logger)
	if err != nil {
		return nil, err
	}
	s, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &workerEnv{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		phases:   ps,
		oplog:    audit.NewWriter(s, logger),
		shutdown: shutdown,
	}, nil
}

func (e *workerEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("tracing shutdown error", zap.Error(err))
	}
	e.store.Close()
	_ = e.logger.Sync()
}

// interruptContext is cancelled on the first SIGINT/SIGTERM, which asks
// workers to finish their current article and stop.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func pick[T int | time.Duration](flag, fallback T) T {
	if flag < 0 {
		return fallback
	}
	return flag
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext()
	defer stop()

	env, err := setupWorkers(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	p := newPipeline(env.cfg, env.store, env.phases, env.oplog, env.logger, "")
	stats, err := p.Run(ctx, pipeline.Options{
		Continuous:  runContinuous,
		MaxArticles: pick(runMax, env.cfg.Pipeline.MaxArticles),
		Delay:       pick(runDelay, env.cfg.Pipeline.Delay),
	})
	if printJSONReport {
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
	} else {
		printStats(stats)
	}
	return err
}

func runWorkers(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext()
	defer stop()

	env, err := setupWorkers(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	n := workerCount
	if n <= 0 {
		n = env.cfg.Pipeline.Workers
	}
	orch := orchestrator.New(func(index int, suffix string) (orchestrator.Worker, error) {
		return newPipeline(env.cfg, env.store, env.phases, env.oplog, env.logger, suffix), nil
	}, env.logger)

	report := orch.Spawn(ctx, n, pipeline.Options{
		Continuous:  true,
		MaxArticles: pick(maxPerWorker, env.cfg.Pipeline.MaxArticles),
		Delay:       pick(workersDelay, env.cfg.Pipeline.Delay),
	})

	if printJSONReport {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("Workers: %d (%d failed)  Duration: %s\n", len(report.Workers), report.Failed, report.Duration.Round(time.Millisecond))
		fmt.Printf("Processed: %s  Success: %s  Error: %s  Published: %s  Media failures: %d\n",
			humanize.Comma(int64(report.Processed)), humanize.Comma(int64(report.Success)),
			humanize.Comma(int64(report.Error)), humanize.Comma(int64(report.Published)), report.MediaFailures)
		for _, w := range report.Workers {
			line := fmt.Sprintf("  worker%s: processed=%d success=%d stop=%s", w.Suffix, w.Stats.Processed, w.Stats.Success, w.Stats.StopReason)
			if w.Error != "" {
				line += " error=" + w.Error
			}
			fmt.Println(line)
		}
	}
	if report.Failed == n && n > 0 {
		return fmt.Errorf("all %d workers failed", n)
	}
	return nil
}

func printStats(stats pipeline.Stats) {
	fmt.Printf("Processed: %d  Success: %d  Error: %d  Published: %d  Media failures: %d\n",
		stats.Processed, stats.Success, stats.Error, stats.Published, stats.MediaFailures)
	if stats.StopReason != "" {
		fmt.Printf("Stopped: %s after %s\n", stats.StopReason, stats.FinishedAt.Sub(stats.StartedAt).Round(time.Millisecond))
	}
}
