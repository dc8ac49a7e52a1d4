package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/fentz26/ainews/internal/models"
	"github.com/google/uuid"
)

// ClaimOutcome is the non-error result of a claim attempt.
type ClaimOutcome int

const (
	// Contended means another live session owns the article.
	Contended ClaimOutcome = iota
	// Claimed means this session now holds the lease.
	Claimed
)

func (o ClaimOutcome) String() string {
	if o == Claimed {
		return "claimed"
	}
	return "contended"
}

// ClaimArticle leases articleID to the given session.
//
// Both the lock insert and the conditional article update run in one
// transaction. Losing the race, detected either by a live lock or by the
// unique index on live locks, yields Contended with a nil error. A session
// that is no longer active gets ErrSessionAbandoned. Any other failure is
// returned as an error.
func (s *Store) ClaimArticle(ctx context.Context, sessionID, workerID, articleID string, leaseTimeout time.Duration) (ClaimOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Contended, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	nowMs := millis(now)
	cutoff := millis(now.Add(-leaseTimeout))

	// A reaped or ended session must not take new work. On postgres the row
	// lock keeps a concurrent reap from abandoning it before commit.
	sessionQuery := s.sb.Select("status").From("pipeline_sessions").Where(sq.Eq{"session_id": sessionID})
	if s.dialect == DialectPostgres {
		sessionQuery = sessionQuery.Suffix("FOR UPDATE")
	}
	var sessionStatus models.SessionStatus
	err = s.queryRow(ctx, tx, sessionQuery, &sessionStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return Contended, ErrSessionNotFound
	}
	if err != nil {
		return Contended, fmt.Errorf("check session: %w", err)
	}
	if sessionStatus != models.SessionStatusActive {
		return Contended, fmt.Errorf("%w: %s is %s", ErrSessionAbandoned, sessionID, sessionStatus)
	}

	// Step 1: someone holds a fresh lease
	var holder string
	err = s.queryRow(ctx, tx, s.sb.Select("session_id").From("session_locks").
		Where(sq.Eq{"article_id": articleID, "status": models.LockStatusLocked}).
		Where(sq.Gt{"heartbeat": cutoff}).
		Limit(1), &holder)
	if err == nil {
		return Contended, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Contended, fmt.Errorf("check existing lock: %w", err)
	}

	// Step 2: lazily reclaim released, expired and stale rows
	_, err = s.exec(ctx, tx, s.sb.Delete("session_locks").
		Where(sq.Eq{"article_id": articleID}).
		Where(sq.Or{
			sq.NotEq{"status": models.LockStatusLocked},
			sq.LtOrEq{"heartbeat": cutoff},
		}))
	if err != nil {
		return Contended, fmt.Errorf("clean stale locks: %w", err)
	}

	// Step 3: insert the lease
	_, err = s.exec(ctx, tx, s.sb.Insert("session_locks").
		Columns("lock_id", "article_id", "session_id", "worker_id", "locked_at", "heartbeat", "status").
		Values(uuid.New().String(), articleID, sessionID, workerID, nowMs, nowMs, models.LockStatusLocked))
	if err != nil {
		if isUniqueViolation(err) {
			return Contended, nil
		}
		return Contended, fmt.Errorf("insert lock: %w", err)
	}

	// Step 4: stamp the article unless its recorded owner still holds a
	// live lease. Leftover fields from a released or expired lease are
	// taken over.
	n, err := s.execCount(ctx, tx, s.sb.Update("articles").
		Set("processing_session_id", sessionID).
		Set("processing_worker_id", workerID).
		Set("processing_started_at", nowMs).
		Set("processing_completed_at", nil).
		Set("updated_at", nowMs).
		Where(sq.Eq{"article_id": articleID}).
		Where(sq.Or{
			sq.Eq{"processing_session_id": nil},
			sq.Eq{"processing_session_id": sessionID},
			sq.NotEq{"processing_completed_at": nil},
			sq.LtOrEq{"processing_started_at": cutoff},
			sq.Expr("NOT EXISTS (SELECT 1 FROM session_locks l WHERE l.article_id = articles.article_id"+
				" AND l.session_id = articles.processing_session_id AND l.status = ? AND l.heartbeat > ?)",
				models.LockStatusLocked, cutoff),
		}))
	if err != nil {
		return Contended, fmt.Errorf("update article: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.queryRow(ctx, tx, s.sb.Select("1").From("articles").Where(sq.Eq{"article_id": articleID}), &exists)
		if errors.Is(err, sql.ErrNoRows) {
			return Contended, ErrArticleNotFound
		}
		if err != nil {
			return Contended, fmt.Errorf("check article: %w", err)
		}
		return Contended, nil
	}

	// Step 5: point the session at the article
	_, err = s.exec(ctx, tx, s.sb.Update("pipeline_sessions").
		Set("current_article_id", articleID).
		Set("last_heartbeat", nowMs).
		Where(sq.Eq{"session_id": sessionID}).
		Where(sq.LtOrEq{"last_heartbeat": nowMs}))
	if err != nil {
		return Contended, fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return Contended, nil
		}
		return Contended, fmt.Errorf("commit transaction: %w", err)
	}
	return Claimed, nil
}

// ReleaseArticle ends the session's lease on articleID, stamps completion on
// the article and updates the session counters.
func (s *Store) ReleaseArticle(ctx context.Context, sessionID, articleID string, success bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := millis(s.now())
	_, err = s.exec(ctx, tx, s.sb.Update("session_locks").
		Set("status", models.LockStatusReleased).
		Set("released_at", now).
		Where(sq.Eq{"article_id": articleID, "session_id": sessionID, "status": models.LockStatusLocked}))
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	_, err = s.exec(ctx, tx, s.sb.Update("articles").
		Set("processing_completed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"article_id": articleID, "processing_session_id": sessionID}))
	if err != nil {
		return fmt.Errorf("stamp article completion: %w", err)
	}

	successInc, errorInc := 0, 1
	if success {
		successInc, errorInc = 1, 0
	}
	_, err = s.exec(ctx, tx, s.sb.Update("pipeline_sessions").
		Set("total_articles", sq.Expr("total_articles + 1")).
		Set("success_count", sq.Expr("success_count + ?", successInc)).
		Set("error_count", sq.Expr("error_count + ?", errorInc)).
		Set("current_article_id", nil).
		Where(sq.Eq{"session_id": sessionID}))
	if err != nil {
		return fmt.Errorf("update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CleanupStaleSessions abandons sessions whose heartbeat is older than
// timeout, expires their locks and any other stale lock, and clears the
// processing fields of unfinished articles still pointing at a session that
// is no longer active.
//
// Only rows that are already stale are touched, so concurrent or repeated
// calls are safe and a second pass without new staleness changes nothing.
func (s *Store) CleanupStaleSessions(ctx context.Context, timeout time.Duration) (models.CleanupResult, error) {
	var res models.CleanupResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	nowMs := millis(now)
	cutoff := millis(now.Add(-timeout))

	res.AbandonedSessions, err = s.execCount(ctx, tx, s.sb.Update("pipeline_sessions").
		Set("status", models.SessionStatusAbandoned).
		Set("completed_at", nowMs).
		Where(sq.Eq{"status": models.SessionStatusActive}).
		Where(sq.LtOrEq{"last_heartbeat": cutoff}))
	if err != nil {
		return res, fmt.Errorf("abandon sessions: %w", err)
	}

	res.ExpiredLocks, err = s.execCount(ctx, tx, s.sb.Update("session_locks").
		Set("status", models.LockStatusExpired).
		Where(sq.Eq{"status": models.LockStatusLocked}).
		Where(sq.Or{
			sq.LtOrEq{"heartbeat": cutoff},
			sq.Expr("session_id IN (SELECT session_id FROM pipeline_sessions WHERE status = ?)", models.SessionStatusAbandoned),
		}))
	if err != nil {
		return res, fmt.Errorf("expire locks: %w", err)
	}

	// Half-processed articles go back to the queue.
	res.ResetArticles, err = s.execCount(ctx, tx, s.sb.Update("articles").
		Set("content_status", sq.Expr("CASE WHEN content_status = ? THEN ? ELSE content_status END",
			models.ArticleStatusParsed, models.ArticleStatusPending)).
		Set("processing_session_id", nil).
		Set("processing_worker_id", nil).
		Set("processing_started_at", nil).
		Set("updated_at", nowMs).
		Where(sq.Eq{"processing_completed_at": nil}).
		Where(sq.Expr("processing_session_id IN (SELECT session_id FROM pipeline_sessions WHERE status <> ?)", models.SessionStatusActive)))
	if err != nil {
		return res, fmt.Errorf("reset articles: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.CleanupResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

// NextAvailableArticle returns the oldest pending article without a live
// lock, skipping the ids in exclude, or nil when none is left.
func (s *Store) NextAvailableArticle(ctx context.Context, leaseTimeout time.Duration, exclude ...string) (*models.Article, error) {
	cutoff := millis(s.now().Add(-leaseTimeout))
	b := s.sb.Select(articleColumns...).From("articles").
		Where(sq.Eq{"content_status": models.ArticleStatusPending}).
		Where(sq.Expr(
			"NOT EXISTS (SELECT 1 FROM session_locks l WHERE l.article_id = articles.article_id AND l.status = ? AND l.heartbeat > ?)",
			models.LockStatusLocked, cutoff))
	if len(exclude) > 0 {
		b = b.Where(sq.NotEq{"article_id": exclude})
	}
	query, args, err := b.
		OrderBy("created_at ASC", "article_id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	a, err := scanArticle(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next article: %w", err)
	}
	return a, nil
}

// GetLock returns the most recent lock row for an article, live or not.
// It returns nil, nil when the article was never locked.
func (s *Store) GetLock(ctx context.Context, articleID string) (*models.SessionLock, error) {
	var (
		l                   models.SessionLock
		lockedAt, heartbeat int64
		releasedAt          sql.NullInt64
	)
	err := s.queryRow(ctx, s.db, s.sb.Select("lock_id", "article_id", "session_id", "worker_id", "locked_at", "heartbeat", "status", "released_at").
		From("session_locks").
		Where(sq.Eq{"article_id": articleID}).
		OrderBy("locked_at DESC").
		Limit(1),
		&l.LockID, &l.ArticleID, &l.SessionID, &l.WorkerID, &lockedAt, &heartbeat, &l.Status, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	l.LockedAt = fromMillis(lockedAt)
	l.Heartbeat = fromMillis(heartbeat)
	l.ReleasedAt = nullTime(releasedAt)
	return &l, nil
}
