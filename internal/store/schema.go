package store

// The partial unique index on session_locks is the only mutual-exclusion
// guard between workers: at most one 'locked' row per article.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS articles (
		article_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		content_status TEXT NOT NULL DEFAULT 'pending',
		media_status TEXT NOT NULL DEFAULT 'pending',
		content TEXT NOT NULL DEFAULT '',
		external_post_id TEXT,
		processing_session_id TEXT,
		processing_worker_id TEXT,
		processing_started_at INTEGER,
		processing_completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media_files (
		media_id TEXT PRIMARY KEY,
		article_id TEXT NOT NULL,
		url TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		local_path TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (article_id) REFERENCES articles(article_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_sessions (
		session_id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		started_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		completed_at INTEGER,
		current_article_id TEXT,
		total_articles INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS session_locks (
		lock_id TEXT PRIMARY KEY,
		article_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		locked_at INTEGER NOT NULL,
		heartbeat INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'locked',
		released_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS process_snapshots (
		snapshot_id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		current_source TEXT NOT NULL DEFAULT '',
		total_sources INTEGER NOT NULL DEFAULT 0,
		processed_sources INTEGER NOT NULL DEFAULT 0,
		total_articles INTEGER NOT NULL DEFAULT 0,
		last_save INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS operation_log (
		operation_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		level TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		inputs_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_locks_live ON session_locks(article_id) WHERE status = 'locked'`,
	`CREATE INDEX IF NOT EXISTS idx_session_locks_session ON session_locks(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_status_created ON articles(content_status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_processing_session ON articles(processing_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON pipeline_sessions(status, last_heartbeat)`,
	`CREATE INDEX IF NOT EXISTS idx_media_files_article ON media_files(article_id)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_log_created ON operation_log(created_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS articles (
		article_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		content_status TEXT NOT NULL DEFAULT 'pending',
		media_status TEXT NOT NULL DEFAULT 'pending',
		content TEXT NOT NULL DEFAULT '',
		external_post_id TEXT,
		processing_session_id TEXT,
		processing_worker_id TEXT,
		processing_started_at BIGINT,
		processing_completed_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS media_files (
		media_id TEXT PRIMARY KEY,
		article_id TEXT NOT NULL REFERENCES articles(article_id),
		url TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		local_path TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_sessions (
		session_id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		started_at BIGINT NOT NULL,
		last_heartbeat BIGINT NOT NULL,
		completed_at BIGINT,
		current_article_id TEXT,
		total_articles INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS session_locks (
		lock_id TEXT PRIMARY KEY,
		article_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		locked_at BIGINT NOT NULL,
		heartbeat BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'locked',
		released_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS process_snapshots (
		snapshot_id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		start_time BIGINT NOT NULL,
		current_source TEXT NOT NULL DEFAULT '',
		total_sources INTEGER NOT NULL DEFAULT 0,
		processed_sources INTEGER NOT NULL DEFAULT 0,
		total_articles INTEGER NOT NULL DEFAULT 0,
		last_save BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS operation_log (
		operation_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		level TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		inputs_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_locks_live ON session_locks(article_id) WHERE status = 'locked'`,
	`CREATE INDEX IF NOT EXISTS idx_session_locks_session ON session_locks(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_status_created ON articles(content_status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_processing_session ON articles(processing_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON pipeline_sessions(status, last_heartbeat)`,
	`CREATE INDEX IF NOT EXISTS idx_media_files_article ON media_files(article_id)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_log_created ON operation_log(created_at)`,
}
