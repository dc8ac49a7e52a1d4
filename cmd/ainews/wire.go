package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fentz26/ainews/internal/audit"
	"github.com/fentz26/ainews/internal/config"
	"github.com/fentz26/ainews/internal/connectors/localexec"
	"github.com/fentz26/ainews/internal/logging"
	"github.com/fentz26/ainews/internal/phases"
	"github.com/fentz26/ainews/internal/pipeline"
	"github.com/fentz26/ainews/internal/session"
	"github.com/fentz26/ainews/internal/store"
	"go.uber.org/zap"
)

// loadRuntime loads configuration and builds the logger.
func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the configured coordination store.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (*store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.DSN, cfg.MaxOpenConns)
	default:
		return store.New(cfg.Path)
	}
}

// phaseSet holds the phase collaborators shared by every worker.
type phaseSet struct {
	parser    *phases.HTMLParser
	media     *phases.HTTPMediaDownloader
	preparer  pipeline.Preparer
	publisher *phases.ExecPublisher
}

func buildPhases(cfg config.PhasesConfig, logger *zap.Logger) (*phaseSet, error) {
	workDir, _ := os.Getwd()
	conn := localexec.New(workDir, cfg.PrepareCommand, cfg.PublishCommand)

	ps := &phaseSet{
		parser:   phases.NewHTMLParser(cfg.UserAgent, cfg.FetchTimeout, cfg.MaxMediaPerArticle),
		media:    phases.NewHTTPMediaDownloader(cfg.MediaDir, cfg.UserAgent, cfg.FetchTimeout, logger),
		preparer: phases.PassthroughPreparer{},
	}
	if len(cfg.PrepareCommand) > 0 {
		prep, err := phases.NewExecPreparer(conn, cfg.PrepareCommand, cfg.CommandTimeout)
		if err != nil {
			return nil, err
		}
		ps.preparer = prep
	}
	pub, err := phases.NewExecPublisher(conn, cfg.PublishCommand, cfg.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w (set phases.publish_command)", err)
	}
	ps.publisher = pub
	return ps, nil
}

// newPipeline builds one worker: its own session manager over the shared
// store and phases.
func newPipeline(cfg config.Config, st *store.Store, ps *phaseSet, oplog *audit.Writer, logger *zap.Logger, suffix string) *pipeline.Pipeline {
	sm := session.NewManager(st, session.Config{
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		LeaseTimeout:      cfg.Session.LeaseTimeout,
		JoinTimeout:       cfg.Session.JoinTimeout,
		WorkerSuffix:      suffix,
	}, logger)
	return pipeline.New(pipeline.Deps{
		Sessions:  sm,
		Store:     st,
		Parser:    ps.parser,
		Media:     ps.media,
		Preparer:  ps.preparer,
		Publisher: ps.publisher,
		Oplog:     oplog,
		Logger:    logger,
	}, cfg.Pipeline.ClaimAttempts)
}
