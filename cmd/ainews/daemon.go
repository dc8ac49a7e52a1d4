package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/ainews/internal/audit"
	"github.com/fentz26/ainews/internal/controlplane"
	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/observability"
	"github.com/fentz26/ainews/internal/process"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the ainews daemon",
	Long: `Starts the daemon: control-plane HTTP API, crawl process supervisor
and the periodic stale-session reaper.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides server.listen)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	logger.Info("starting ainews daemon", zap.String("version", controlplane.Version), zap.String("listen", cfg.Server.Listen))
	metrics.Init()
	shutdownTracing, err := observability.InitTracing("ainews-daemon", cfg.Tracing.Exporter)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	oplog := audit.NewWriter(s, logger)

	var proc *process.Manager
	if cfg.Process.Command != "" {
		proc = process.New(cfg.Process, cfg.Breakers, process.Deps{
			Snapshots: s,
			Oplog:     oplog,
			Logger:    logger,
		})
		if cfg.Process.AutoRestart {
			proc.EnableAutoRestart(ctx)
		}
	} else {
		logger.Warn("process.command is empty, crawl supervision disabled")
	}

	service := controlplane.NewService(s, oplog, proc, cfg.Session.LeaseTimeout)
	server := controlplane.NewServer(service, cfg.Server.Listen, logger)

	reaper, err := startReaper(ctx, cfg.Reaper.Schedule, service, logger)
	if err != nil {
		s.Close()
		return err
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			runErr = err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	<-reaper.Stop().Done()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	if proc != nil {
		proc.DisableAutoRestart()
		proc.EnableRecovery(false, -1)
		switch proc.State() {
		case process.StateRunning, process.StatePaused:
			logger.Info("stopping crawl process")
			if forced, err := proc.Stop(shutdownCtx, cfg.Process.StopTimeout); err != nil {
				logger.Warn("crawl process stop error", zap.Error(err))
			} else if forced {
				logger.Warn("crawl process killed after stop timeout")
			}
		}
	}
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}

	logger.Info("closing database connection")
	if err := s.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}

// startReaper schedules stale-session cleanup on the given cron schedule.
func startReaper(ctx context.Context, spec string, service *controlplane.Service, logger *zap.Logger) (*cron.Cron, error) {
	log := logger.With(zap.String("component", "reaper"))
	cronLog := cron.PrintfLogger(zap.NewStdLog(log))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	_, err := c.AddFunc(spec, func() {
		res, err := service.CleanupSessions(ctx, 0)
		if err != nil {
			log.Warn("stale session cleanup failed", zap.Error(err))
			return
		}
		if !res.Empty() {
			log.Info("stale sessions reaped",
				zap.Int64("abandoned_sessions", res.AbandonedSessions),
				zap.Int64("expired_locks", res.ExpiredLocks),
				zap.Int64("reset_articles", res.ResetArticles))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reaper.schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
