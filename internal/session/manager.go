// Package session gives each worker an identity in the shared store and
// lets it lease articles exclusively.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoSession is returned by lease operations called before StartSession.
	ErrNoSession = errors.New("no active session")
	// ErrSessionActive is returned when StartSession is called twice.
	ErrSessionActive = errors.New("session already active")
)

// Store is the subset of the coordination store the manager needs.
type Store interface {
	CreateSession(ctx context.Context, sessionID, workerID string) (*models.Session, error)
	TouchSession(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
	ClaimArticle(ctx context.Context, sessionID, workerID, articleID string, leaseTimeout time.Duration) (store.ClaimOutcome, error)
	ReleaseArticle(ctx context.Context, sessionID, articleID string, success bool) error
	CleanupStaleSessions(ctx context.Context, timeout time.Duration) (models.CleanupResult, error)
	NextAvailableArticle(ctx context.Context, leaseTimeout time.Duration, exclude ...string) (*models.Article, error)
	SessionStats(ctx context.Context, leaseTimeout time.Duration) (*models.SessionStats, error)
	ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error)
}

// Config holds lease timings and the optional worker id suffix.
type Config struct {
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	// JoinTimeout bounds how long EndSession waits for the heartbeat task.
	JoinTimeout time.Duration
	// WorkerSuffix distinguishes parallel workers in one process.
	WorkerSuffix string
}

// DefaultConfig returns a 30s heartbeat and a 30 minute lease.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		LeaseTimeout:      30 * time.Minute,
		JoinTimeout:       5 * time.Second,
	}
}

// Manager owns one worker session at a time.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	sessionID      string
	workerID       string
	currentArticle string
	hbCancel       context.CancelFunc
	hbDone         chan struct{}
}

// NewManager creates a manager. Zero config values take the defaults.
func NewManager(s Store, cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  s,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "session")),
	}
}

// LeaseTimeout returns the configured lease window.
func (m *Manager) LeaseTimeout() time.Duration {
	return m.cfg.LeaseTimeout
}

// StartSession registers a new active session and starts its heartbeat.
func (m *Manager) StartSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		return "", ErrSessionActive
	}

	sessionID := uuid.New().String()
	workerID := buildWorkerID(sessionID, m.cfg.WorkerSuffix)

	if _, err := m.store.CreateSession(ctx, sessionID, workerID); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	m.sessionID = sessionID
	m.workerID = workerID
	m.currentArticle = ""

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.hbCancel = cancel
	m.hbDone = make(chan struct{})
	go m.heartbeatLoop(hbCtx, m.hbDone)

	m.logger.Info("session started", zap.String("session_id", sessionID), zap.String("worker_id", workerID))
	return sessionID, nil
}

func buildWorkerID(sessionID, suffix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s_%d_%s%s", host, os.Getpid(), sessionID[:8], suffix)
}

func (m *Manager) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.UpdateHeartbeat(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, store.ErrSessionAbandoned), errors.Is(err, store.ErrSessionNotFound):
				// Claims fail from now on, so the worker loop notices too.
				m.logger.Error("session is no longer active, heartbeat stopped", zap.Error(err))
				return
			default:
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// UpdateHeartbeat refreshes the session heartbeat and that of any lease it
// holds. A session that was reaped returns store.ErrSessionAbandoned.
func (m *Manager) UpdateHeartbeat(ctx context.Context) error {
	sessionID := m.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}
	if err := m.store.TouchSession(ctx, sessionID); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ClaimArticle attempts to lease articleID. Losing the race to another live
// session is reported as false with a nil error. Once the session has been
// reaped every claim fails with store.ErrSessionAbandoned.
func (m *Manager) ClaimArticle(ctx context.Context, articleID string) (bool, error) {
	m.mu.Lock()
	sessionID, workerID := m.sessionID, m.workerID
	m.mu.Unlock()
	if sessionID == "" {
		return false, ErrNoSession
	}

	outcome, err := m.store.ClaimArticle(ctx, sessionID, workerID, articleID, m.cfg.LeaseTimeout)
	if err != nil {
		metrics.ObserveClaim("error")
		return false, fmt.Errorf("claim article %s: %w", articleID, err)
	}
	metrics.ObserveClaim(outcome.String())

	if outcome != store.Claimed {
		m.logger.Debug("article already claimed", zap.String("article_id", articleID))
		return false, nil
	}

	m.mu.Lock()
	m.currentArticle = articleID
	m.mu.Unlock()
	m.logger.Info("article claimed", zap.String("article_id", articleID), zap.String("worker_id", workerID))
	return true, nil
}

// ReleaseArticle ends the lease on articleID and records the outcome.
func (m *Manager) ReleaseArticle(ctx context.Context, articleID string, success bool) error {
	sessionID := m.SessionID()
	if sessionID == "" {
		return ErrNoSession
	}
	if err := m.store.ReleaseArticle(ctx, sessionID, articleID, success); err != nil {
		return fmt.Errorf("release article %s: %w", articleID, err)
	}

	m.mu.Lock()
	if m.currentArticle == articleID {
		m.currentArticle = ""
	}
	m.mu.Unlock()
	m.logger.Info("article released", zap.String("article_id", articleID), zap.Bool("success", success))
	return nil
}

// CleanupStaleSessions reaps sessions and locks idle for longer than
// timeout. A non-positive timeout uses the lease timeout.
func (m *Manager) CleanupStaleSessions(ctx context.Context, timeout time.Duration) (models.CleanupResult, error) {
	if timeout <= 0 {
		timeout = m.cfg.LeaseTimeout
	}
	res, err := m.store.CleanupStaleSessions(ctx, timeout)
	if err != nil {
		return res, fmt.Errorf("cleanup stale sessions: %w", err)
	}
	metrics.ObserveReaped(res.AbandonedSessions, res.ExpiredLocks, res.ResetArticles)
	if !res.Empty() {
		m.logger.Info("stale sessions reaped",
			zap.Int64("sessions", res.AbandonedSessions),
			zap.Int64("locks", res.ExpiredLocks),
			zap.Int64("articles", res.ResetArticles))
	}
	return res, nil
}

// NextAvailableArticle reaps stale state then returns the oldest pending
// article without a live lease, or nil when the queue is empty. Articles in
// exclude are skipped.
func (m *Manager) NextAvailableArticle(ctx context.Context, exclude ...string) (*models.Article, error) {
	if _, err := m.CleanupStaleSessions(ctx, m.cfg.LeaseTimeout); err != nil {
		return nil, err
	}
	article, err := m.store.NextAvailableArticle(ctx, m.cfg.LeaseTimeout, exclude...)
	if err != nil {
		return nil, fmt.Errorf("next available article: %w", err)
	}
	return article, nil
}

// EndSession stops the heartbeat, releases held leases and completes the
// session. Calling it without a session is a no-op.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	sessionID := m.sessionID
	cancel, done := m.hbCancel, m.hbDone
	m.sessionID, m.workerID, m.currentArticle = "", "", ""
	m.hbCancel, m.hbDone = nil, nil
	m.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(m.cfg.JoinTimeout):
			// Durable state lives in the store; a stuck heartbeat task is left behind.
			m.logger.Warn("heartbeat task did not stop in time", zap.String("session_id", sessionID))
		}
	}

	if err := m.store.EndSession(ctx, sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	m.logger.Info("session ended", zap.String("session_id", sessionID))
	return nil
}

// SessionStats summarises sessions, live locks and article states.
func (m *Manager) SessionStats(ctx context.Context) (*models.SessionStats, error) {
	return m.store.SessionStats(ctx, m.cfg.LeaseTimeout)
}

// ListSessions returns sessions, optionally filtered by status.
func (m *Manager) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	return m.store.ListSessions(ctx, status)
}

// SessionID returns the active session id, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// WorkerID returns the active worker id, or "".
func (m *Manager) WorkerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workerID
}

// CurrentArticleID returns the article currently leased, or "".
func (m *Manager) CurrentArticleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentArticle
}
