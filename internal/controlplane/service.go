// Package controlplane provides the HTTP API and service layer of the
// ainews daemon.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/ainews/internal/audit"
	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/process"
	"github.com/fentz26/ainews/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store        *store.Store
	oplog        *audit.Writer
	proc         *process.Manager
	leaseTimeout time.Duration
}

// NewService creates a control plane service. proc may be nil when the
// daemon runs without a supervised process.
func NewService(s *store.Store, oplog *audit.Writer, proc *process.Manager, leaseTimeout time.Duration) *Service {
	return &Service{
		store:        s,
		oplog:        oplog,
		proc:         proc,
		leaseTimeout: leaseTimeout,
	}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Article Operations ---

// CreateArticle queues a new pending article.
func (s *Service) CreateArticle(ctx context.Context, in store.NewArticle) (*models.Article, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrBadRequest)
	}
	a, err := s.store.CreateArticle(ctx, in)
	if err != nil {
		return nil, err
	}
	s.oplog.LogOperation(ctx, "article_created", map[string]any{"article_id": a.ArticleID, "url": a.URL})
	return a, nil
}

// GetArticle retrieves an article by id.
func (s *Service) GetArticle(ctx context.Context, id string) (*models.Article, error) {
	a, err := s.store.GetArticle(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, store.ErrArticleNotFound
	}
	return a, nil
}

// ListArticles returns articles filtered by status.
func (s *Service) ListArticles(ctx context.Context, status string, limit int) ([]models.Article, error) {
	st := models.ArticleStatus(status)
	switch st {
	case "", models.ArticleStatusPending, models.ArticleStatusParsed, models.ArticleStatusPublished, models.ArticleStatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
	}
	return s.store.ListArticles(ctx, st, limit)
}

// --- Session Operations ---

// ListSessions returns sessions filtered by status.
func (s *Service) ListSessions(ctx context.Context, status string) ([]models.Session, error) {
	st := models.SessionStatus(status)
	switch st {
	case "", models.SessionStatusActive, models.SessionStatusCompleted, models.SessionStatusAbandoned:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
	}
	return s.store.ListSessions(ctx, st)
}

// SessionStats summarizes sessions, live locks and article statuses.
func (s *Service) SessionStats(ctx context.Context) (*models.SessionStats, error) {
	return s.store.SessionStats(ctx, s.leaseTimeout)
}

// CleanupSessions reaps stale sessions and locks. A non-positive timeout
// uses the lease timeout.
func (s *Service) CleanupSessions(ctx context.Context, timeout time.Duration) (models.CleanupResult, error) {
	if timeout <= 0 {
		timeout = s.leaseTimeout
	}
	res, err := s.store.CleanupStaleSessions(ctx, timeout)
	if err != nil {
		return res, err
	}
	metrics.ObserveReaped(res.AbandonedSessions, res.ExpiredLocks, res.ResetArticles)
	if !res.Empty() {
		s.oplog.LogOperation(ctx, "stale_sessions_cleaned", map[string]any{
			"abandoned_sessions": res.AbandonedSessions,
			"expired_locks":      res.ExpiredLocks,
			"reset_articles":     res.ResetArticles,
		})
	}
	return res, nil
}

// ListOperations returns the most recent operation log entries.
func (s *Service) ListOperations(ctx context.Context, limit int) ([]models.OperationRecord, error) {
	return s.store.ListOperations(ctx, limit)
}

// --- Process Operations ---

func (s *Service) process() (*process.Manager, error) {
	if s.proc == nil {
		return nil, ErrProcessDisabled
	}
	return s.proc, nil
}

// ProcessStatus reports the supervised process.
func (s *Service) ProcessStatus(ctx context.Context) (*process.Status, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	st := p.Status(ctx)
	return &st, nil
}

// ProcessHealth runs a health check.
func (s *Service) ProcessHealth(ctx context.Context) (*process.HealthStatus, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	hs := p.HealthStatus(ctx)
	return &hs, nil
}

// StartProcess launches the crawl process.
func (s *Service) StartProcess(ctx context.Context, daysBack int, resumeFrom string) (*process.Status, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	if daysBack < 0 {
		return nil, fmt.Errorf("%w: days_back must be >= 0", ErrBadRequest)
	}
	if err := p.Start(ctx, daysBack, resumeFrom); err != nil {
		return nil, err
	}
	return s.ProcessStatus(ctx)
}

// PauseProcess suspends the crawl process.
func (s *Service) PauseProcess(ctx context.Context) (*process.Status, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	if err := p.Pause(ctx); err != nil {
		return nil, err
	}
	return s.ProcessStatus(ctx)
}

// ResumeProcess continues the crawl process.
func (s *Service) ResumeProcess(ctx context.Context) (*process.Status, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	if err := p.Resume(ctx); err != nil {
		return nil, err
	}
	return s.ProcessStatus(ctx)
}

// StopProcess terminates the crawl process.
func (s *Service) StopProcess(ctx context.Context, timeout time.Duration) (bool, error) {
	p, err := s.process()
	if err != nil {
		return false, err
	}
	return p.Stop(ctx, timeout)
}

// EmergencyStop kills the crawl process and every matching process.
func (s *Service) EmergencyStop(ctx context.Context) ([]int32, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	return p.EmergencyStop(ctx), nil
}

// UpdateProgress applies an external progress update.
func (s *Service) UpdateProgress(u process.ProgressUpdate) (*process.Progress, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	prog := p.UpdateProgress(u)
	return &prog, nil
}

// CleanupMemory runs a memory cleanup pass.
func (s *Service) CleanupMemory(ctx context.Context) (*process.CleanupResult, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	return p.CleanupMemory(ctx)
}

// ConfigureRecovery toggles automatic recovery.
func (s *Service) ConfigureRecovery(ctx context.Context, enabled bool, maxAttempts int) (*process.Status, error) {
	p, err := s.process()
	if err != nil {
		return nil, err
	}
	p.EnableRecovery(enabled, maxAttempts)
	return s.ProcessStatus(ctx)
}

// LatestSnapshot returns the most recent pause snapshot.
func (s *Service) LatestSnapshot(ctx context.Context) (*models.ProcessSnapshot, error) {
	snap, err := s.store.LatestProcessSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}
