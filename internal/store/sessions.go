package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/fentz26/ainews/internal/models"
)

var sessionColumns = []string{
	"session_id", "worker_id", "status", "started_at", "last_heartbeat", "completed_at",
	"current_article_id", "total_articles", "success_count", "error_count",
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess                 models.Session
		startedAt, heartbeat int64
		completedAt          sql.NullInt64
		current              sql.NullString
	)
	err := row.Scan(&sess.SessionID, &sess.WorkerID, &sess.Status, &startedAt, &heartbeat, &completedAt,
		&current, &sess.TotalArticles, &sess.SuccessCount, &sess.ErrorCount)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = fromMillis(startedAt)
	sess.LastHeartbeat = fromMillis(heartbeat)
	sess.CompletedAt = nullTime(completedAt)
	sess.CurrentArticleID = nullString(current)
	return &sess, nil
}

// CreateSession inserts an active session with start and heartbeat set to now.
func (s *Store) CreateSession(ctx context.Context, sessionID, workerID string) (*models.Session, error) {
	now := millis(s.now())
	_, err := s.exec(ctx, s.db, s.sb.Insert("pipeline_sessions").
		Columns("session_id", "worker_id", "status", "started_at", "last_heartbeat").
		Values(sessionID, workerID, models.SessionStatusActive, now, now))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &models.Session{
		SessionID:     sessionID,
		WorkerID:      workerID,
		Status:        models.SessionStatusActive,
		StartedAt:     fromMillis(now),
		LastHeartbeat: fromMillis(now),
	}, nil
}

// GetSession retrieves a session by id. It returns nil, nil when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query, args, err := s.sb.Select(sessionColumns...).From("pipeline_sessions").
		Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions most recent first, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	b := s.sb.Select(sessionColumns...).From("pipeline_sessions").OrderBy("started_at DESC", "session_id")
	if status != "" {
		b = b.Where(sq.Eq{"status": status})
	}

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// TouchSession refreshes the heartbeat of an active session and of any lock
// it holds. The stored heartbeat never moves backwards.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := millis(s.now())
	n, err := s.execCount(ctx, tx, s.sb.Update("pipeline_sessions").
		Set("last_heartbeat", now).
		Where(sq.Eq{"session_id": sessionID, "status": models.SessionStatusActive}).
		Where(sq.LtOrEq{"last_heartbeat": now}))
	if err != nil {
		return fmt.Errorf("update session heartbeat: %w", err)
	}
	if n == 0 {
		// Either the stored heartbeat is ahead of us or the session is gone.
		var status models.SessionStatus
		err := s.queryRow(ctx, tx, s.sb.Select("status").From("pipeline_sessions").
			Where(sq.Eq{"session_id": sessionID}), &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if status != models.SessionStatusActive {
			return fmt.Errorf("%w: %s is %s", ErrSessionAbandoned, sessionID, status)
		}
	}

	_, err = s.exec(ctx, tx, s.sb.Update("session_locks").
		Set("heartbeat", now).
		Where(sq.Eq{"session_id": sessionID, "status": models.LockStatusLocked}).
		Where(sq.LtOrEq{"heartbeat": now}))
	if err != nil {
		return fmt.Errorf("update lock heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EndSession releases every lock the session still holds, returns its
// unfinished articles to the queue and marks it completed.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := millis(s.now())
	_, err = s.exec(ctx, tx, s.sb.Update("session_locks").
		Set("status", models.LockStatusReleased).
		Set("released_at", now).
		Where(sq.Eq{"session_id": sessionID, "status": models.LockStatusLocked}))
	if err != nil {
		return fmt.Errorf("release session locks: %w", err)
	}

	// Unfinished work goes back to the queue.
	_, err = s.exec(ctx, tx, s.sb.Update("articles").
		Set("content_status", sq.Expr("CASE WHEN content_status = ? THEN ? ELSE content_status END",
			models.ArticleStatusParsed, models.ArticleStatusPending)).
		Set("processing_session_id", nil).
		Set("processing_worker_id", nil).
		Set("processing_started_at", nil).
		Set("updated_at", now).
		Where(sq.Eq{"processing_session_id": sessionID, "processing_completed_at": nil}))
	if err != nil {
		return fmt.Errorf("reset unfinished articles: %w", err)
	}

	n, err := s.execCount(ctx, tx, s.sb.Update("pipeline_sessions").
		Set("status", models.SessionStatusCompleted).
		Set("completed_at", now).
		Set("current_article_id", nil).
		Where(sq.Eq{"session_id": sessionID}))
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SessionStats counts sessions by status, live locks and articles by status.
// leaseTimeout decides which locked rows still count as live.
func (s *Store) SessionStats(ctx context.Context, leaseTimeout time.Duration) (*models.SessionStats, error) {
	stats := &models.SessionStats{
		Sessions: make(map[models.SessionStatus]int),
		Articles: make(map[models.ArticleStatus]int),
	}

	rows, err := s.query(ctx, s.db, s.sb.Select("status", "COUNT(*)").From("pipeline_sessions").GroupBy("status"))
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	for rows.Next() {
		var status models.SessionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		stats.Sessions[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.query(ctx, s.db, s.sb.Select("content_status", "COUNT(*)").From("articles").GroupBy("content_status"))
	if err != nil {
		return nil, fmt.Errorf("count articles: %w", err)
	}
	for rows.Next() {
		var status models.ArticleStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan article count: %w", err)
		}
		stats.Articles[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := millis(s.now().Add(-leaseTimeout))
	err = s.queryRow(ctx, s.db, s.sb.Select("COUNT(*)").From("session_locks").
		Where(sq.Eq{"status": models.LockStatusLocked}).
		Where(sq.Gt{"heartbeat": cutoff}), &stats.LiveLocks)
	if err != nil {
		return nil, fmt.Errorf("count live locks: %w", err)
	}
	return stats, nil
}
