package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/fentz26/ainews/internal/models"
	"github.com/google/uuid"
)

// NewArticle describes an article discovered upstream.
type NewArticle struct {
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	SourceID  string `json:"source_id"`
}

var articleColumns = []string{
	"article_id", "title", "url", "source_id", "content_status", "media_status", "content",
	"external_post_id", "processing_session_id", "processing_worker_id",
	"processing_started_at", "processing_completed_at", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*models.Article, error) {
	var (
		a                        models.Article
		postID, sessID, workerID sql.NullString
		startedAt, completedAt   sql.NullInt64
		createdAt, updatedAt     int64
	)
	err := row.Scan(&a.ArticleID, &a.Title, &a.URL, &a.SourceID, &a.ContentStatus, &a.MediaStatus, &a.Content,
		&postID, &sessID, &workerID, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.ExternalPostID = nullString(postID)
	a.ProcessingSessionID = nullString(sessID)
	a.ProcessingWorkerID = nullString(workerID)
	a.ProcessingStartedAt = nullTime(startedAt)
	a.ProcessingCompletedAt = nullTime(completedAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// CreateArticle inserts a pending article. An id is generated when none is given.
func (s *Store) CreateArticle(ctx context.Context, in NewArticle) (*models.Article, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("insert article: url is required")
	}
	now := s.now()
	a := &models.Article{
		ArticleID:     in.ArticleID,
		Title:         in.Title,
		URL:           in.URL,
		SourceID:      in.SourceID,
		ContentStatus: models.ArticleStatusPending,
		MediaStatus:   models.MediaStatusPending,
		CreatedAt:     fromMillis(millis(now)),
		UpdatedAt:     fromMillis(millis(now)),
	}
	if a.ArticleID == "" {
		a.ArticleID = uuid.New().String()
	}

	_, err := s.exec(ctx, s.db, s.sb.Insert("articles").
		Columns("article_id", "title", "url", "source_id", "content_status", "media_status", "created_at", "updated_at").
		Values(a.ArticleID, a.Title, a.URL, a.SourceID, a.ContentStatus, a.MediaStatus, millis(now), millis(now)))
	if isUniqueViolation(err) {
		return nil, ErrArticleExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert article: %w", err)
	}
	return a, nil
}

// GetArticle retrieves an article by id. It returns nil, nil when absent.
func (s *Store) GetArticle(ctx context.Context, id string) (*models.Article, error) {
	query, args, err := s.sb.Select(articleColumns...).From("articles").Where(sq.Eq{"article_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	a, err := scanArticle(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query article: %w", err)
	}
	return a, nil
}

// ListArticles returns articles newest first, optionally filtered by status.
// A limit of zero means no limit.
func (s *Store) ListArticles(ctx context.Context, status models.ArticleStatus, limit int) ([]models.Article, error) {
	b := s.sb.Select(articleColumns...).From("articles").OrderBy("created_at DESC", "article_id")
	if status != "" {
		b = b.Where(sq.Eq{"content_status": status})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var articles []models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// SetArticleStatus moves an article to a new content status.
func (s *Store) SetArticleStatus(ctx context.Context, id string, status models.ArticleStatus) error {
	n, err := s.execCount(ctx, s.db, s.sb.Update("articles").
		Set("content_status", status).
		Set("updated_at", millis(s.now())).
		Where(sq.Eq{"article_id": id}))
	if err != nil {
		return fmt.Errorf("update article status: %w", err)
	}
	if n == 0 {
		return ErrArticleNotFound
	}
	return nil
}

// SaveParsedContent stores parsed body text and registers discovered media.
// An empty title leaves the stored title untouched.
func (s *Store) SaveParsedContent(ctx context.Context, id, title, content string, mediaURLs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := millis(s.now())
	mediaStatus := models.MediaStatusPending
	if len(mediaURLs) == 0 {
		mediaStatus = models.MediaStatusSkipped
	}

	upd := s.sb.Update("articles").
		Set("content", content).
		Set("media_status", mediaStatus).
		Set("updated_at", now).
		Where(sq.Eq{"article_id": id})
	if title != "" {
		upd = upd.Set("title", title)
	}
	n, err := s.execCount(ctx, tx, upd)
	if err != nil {
		return fmt.Errorf("update article content: %w", err)
	}
	if n == 0 {
		return ErrArticleNotFound
	}

	for _, u := range mediaURLs {
		_, err := s.exec(ctx, tx, s.sb.Insert("media_files").
			Columns("media_id", "article_id", "url", "status", "created_at").
			Values(uuid.New().String(), id, u, models.MediaStatusPending, now))
		if err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkPublished records a successful publication.
func (s *Store) MarkPublished(ctx context.Context, id, externalPostID string) error {
	n, err := s.execCount(ctx, s.db, s.sb.Update("articles").
		Set("content_status", models.ArticleStatusPublished).
		Set("external_post_id", externalPostID).
		Set("updated_at", millis(s.now())).
		Where(sq.Eq{"article_id": id}))
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n == 0 {
		return ErrArticleNotFound
	}
	return nil
}

// SetMediaStatus sets the aggregate media status of an article.
func (s *Store) SetMediaStatus(ctx context.Context, articleID string, status models.MediaStatus) error {
	_, err := s.exec(ctx, s.db, s.sb.Update("articles").
		Set("media_status", status).
		Set("updated_at", millis(s.now())).
		Where(sq.Eq{"article_id": articleID}))
	if err != nil {
		return fmt.Errorf("update media status: %w", err)
	}
	return nil
}

// ListMediaItems returns an article's media, optionally filtered by status.
func (s *Store) ListMediaItems(ctx context.Context, articleID string, status models.MediaStatus) ([]models.MediaItem, error) {
	b := s.sb.Select("media_id", "article_id", "url", "status", "local_path", "created_at").
		From("media_files").
		Where(sq.Eq{"article_id": articleID}).
		OrderBy("created_at", "media_id")
	if status != "" {
		b = b.Where(sq.Eq{"status": status})
	}

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()

	var items []models.MediaItem
	for rows.Next() {
		var (
			item      models.MediaItem
			localPath sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&item.MediaID, &item.ArticleID, &item.URL, &item.Status, &localPath, &createdAt); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		item.LocalPath = nullString(localPath)
		item.CreatedAt = fromMillis(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateMediaItem records the download outcome of one media file.
func (s *Store) UpdateMediaItem(ctx context.Context, mediaID string, status models.MediaStatus, localPath string) error {
	upd := s.sb.Update("media_files").Set("status", status).Where(sq.Eq{"media_id": mediaID})
	if localPath != "" {
		upd = upd.Set("local_path", localPath)
	}
	if _, err := s.exec(ctx, s.db, upd); err != nil {
		return fmt.Errorf("update media: %w", err)
	}
	return nil
}
