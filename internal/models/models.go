// Package models defines the core domain types for the article pipeline.
package models

import "time"

// ArticleStatus is the processing status of an article.
type ArticleStatus string

const (
	ArticleStatusPending   ArticleStatus = "pending"
	ArticleStatusParsed    ArticleStatus = "parsed"
	ArticleStatusPublished ArticleStatus = "published"
	ArticleStatusFailed    ArticleStatus = "failed"
)

// Terminal reports whether no further processing is expected.
func (s ArticleStatus) Terminal() bool {
	return s == ArticleStatusPublished || s == ArticleStatusFailed
}

// MediaStatus is the download status of an article's media or a single media file.
type MediaStatus string

const (
	MediaStatusPending   MediaStatus = "pending"
	MediaStatusCompleted MediaStatus = "completed"
	MediaStatusFailed    MediaStatus = "failed"
	MediaStatusSkipped   MediaStatus = "skipped"
)

// SessionStatus is the lifecycle status of a worker session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// LockStatus is the status of an article lease.
type LockStatus string

const (
	LockStatusLocked   LockStatus = "locked"
	LockStatusReleased LockStatus = "released"
	LockStatusExpired  LockStatus = "expired"
)

// Article is a unit of work in the processing queue.
type Article struct {
	ArticleID             string        `json:"article_id"`
	Title                 string        `json:"title"`
	URL                   string        `json:"url"`
	SourceID              string        `json:"source_id"`
	ContentStatus         ArticleStatus `json:"content_status"`
	MediaStatus           MediaStatus   `json:"media_status"`
	Content               string        `json:"content,omitempty"`
	ExternalPostID        string        `json:"external_post_id,omitempty"`
	ProcessingSessionID   string        `json:"processing_session_id,omitempty"`
	ProcessingWorkerID    string        `json:"processing_worker_id,omitempty"`
	ProcessingStartedAt   *time.Time    `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time    `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// MediaItem is a media file discovered while parsing an article.
type MediaItem struct {
	MediaID   string      `json:"media_id"`
	ArticleID string      `json:"article_id"`
	URL       string      `json:"url"`
	Status    MediaStatus `json:"status"`
	LocalPath string      `json:"local_path,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Session is one worker run.
type Session struct {
	SessionID        string        `json:"session_id"`
	WorkerID         string        `json:"worker_id"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	CurrentArticleID string        `json:"current_article_id,omitempty"`
	TotalArticles    int           `json:"total_articles"`
	SuccessCount     int           `json:"success_count"`
	ErrorCount       int           `json:"error_count"`
}

// SessionLock is a heartbeat-extended lease on one article.
type SessionLock struct {
	LockID     string     `json:"lock_id"`
	ArticleID  string     `json:"article_id"`
	SessionID  string     `json:"session_id"`
	WorkerID   string     `json:"worker_id"`
	LockedAt   time.Time  `json:"locked_at"`
	Heartbeat  time.Time  `json:"heartbeat"`
	Status     LockStatus `json:"status"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// CleanupResult counts the rows moved by one stale-session pass.
type CleanupResult struct {
	AbandonedSessions int64 `json:"abandoned_sessions"`
	ExpiredLocks      int64 `json:"expired_locks"`
	ResetArticles     int64 `json:"reset_articles"`
}

// Empty reports whether the pass changed nothing.
func (r CleanupResult) Empty() bool {
	return r.AbandonedSessions == 0 && r.ExpiredLocks == 0 && r.ResetArticles == 0
}

// SessionStats summarizes coordination state across all workers.
type SessionStats struct {
	Sessions  map[SessionStatus]int `json:"sessions"`
	LiveLocks int                   `json:"live_locks"`
	Articles  map[ArticleStatus]int `json:"articles"`
}

// ProcessSnapshot is the persisted progress of the supervised crawl process.
type ProcessSnapshot struct {
	SnapshotID       string    `json:"snapshot_id,omitempty"`
	PID              int       `json:"pid"`
	StartTime        time.Time `json:"start_time"`
	CurrentSource    string    `json:"current_source"`
	TotalSources     int       `json:"total_sources"`
	ProcessedSources int       `json:"processed_sources"`
	TotalArticles    int       `json:"total_articles"`
	LastSave         time.Time `json:"last_save"`
}

// OperationRecord is one structured event in the operation log.
type OperationRecord struct {
	OperationID string    `json:"operation_id"`
	Name        string    `json:"name"`
	Level       string    `json:"level"`
	Fields      string    `json:"fields"`
	InputsHash  string    `json:"inputs_hash"`
	CreatedAt   time.Time `json:"created_at"`
}
