// Package pipeline drives leased articles through parse, media, prepare and
// publish phases.
package pipeline

import (
	"context"
	"time"

	"github.com/fentz26/ainews/internal/models"
)

// Phase names, in execution order.
const (
	PhaseParse   = "parse"
	PhaseMedia   = "media"
	PhasePrepare = "prepare"
	PhasePublish = "publish"
)

// StopReason explains why Run returned.
type StopReason string

const (
	StopMaxReached     StopReason = "max_reached"
	StopNoMoreArticles StopReason = "no_more_articles"
	StopUserRequested  StopReason = "user_requested"
	// StopContended means single mode lost every claim it tried while
	// articles were still queued.
	StopContended StopReason = "claim_contended"
	// StopError means a storage failure ended the loop.
	StopError StopReason = "error"
)

// ParseResult is what a ContentParser extracted from an article.
type ParseResult struct {
	Title         string
	Content       string
	MediaURLs     []string
	ContentLength int
	WordCount     int
}

// ContentParser fetches and extracts article content. A returned error is a
// hard failure.
type ContentParser interface {
	Parse(ctx context.Context, article *models.Article) (*ParseResult, error)
}

// MediaResult summarises a media batch. Completed maps media ids to local
// paths; Failed lists media ids that could not be downloaded.
type MediaResult struct {
	Processed  int
	Downloaded int
	Completed  map[string]string
	Failed     []string
}

// MediaDownloader fetches an article's media. Its failures never fail the
// article.
type MediaDownloader interface {
	DownloadBatch(ctx context.Context, items []models.MediaItem) (*MediaResult, error)
}

// PreparedArticle is an article ready for the target platform.
type PreparedArticle struct {
	ArticleID string             `json:"article_id"`
	Title     string             `json:"title"`
	Content   string             `json:"content"`
	URL       string             `json:"url"`
	Tags      []string           `json:"tags,omitempty"`
	Media     []models.MediaItem `json:"media,omitempty"`
}

// Preparer translates/rewrites an article for publication.
type Preparer interface {
	Prepare(ctx context.Context, article *models.Article, media []models.MediaItem) (*PreparedArticle, error)
}

// PublishResult carries the id assigned by the publishing platform.
type PublishResult struct {
	ExternalPostID string `json:"external_post_id"`
}

// Publisher publishes a prepared article.
type Publisher interface {
	Publish(ctx context.Context, article *PreparedArticle) (*PublishResult, error)
}

// Sessions is the lease API the pipeline consumes.
type Sessions interface {
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context) error
	NextAvailableArticle(ctx context.Context, exclude ...string) (*models.Article, error)
	ClaimArticle(ctx context.Context, articleID string) (bool, error)
	ReleaseArticle(ctx context.Context, articleID string, success bool) error
	SessionID() string
	WorkerID() string
}

// Store is the article persistence the pipeline writes through.
type Store interface {
	SaveParsedContent(ctx context.Context, id, title, content string, mediaURLs []string) error
	SetArticleStatus(ctx context.Context, id string, status models.ArticleStatus) error
	ListMediaItems(ctx context.Context, articleID string, status models.MediaStatus) ([]models.MediaItem, error)
	UpdateMediaItem(ctx context.Context, mediaID string, status models.MediaStatus, localPath string) error
	SetMediaStatus(ctx context.Context, articleID string, status models.MediaStatus) error
	MarkPublished(ctx context.Context, id, externalPostID string) error
}

// OperationLog is a fire-and-forget event sink.
type OperationLog interface {
	LogOperation(ctx context.Context, name string, fields map[string]any)
	LogError(ctx context.Context, kind, message string, fields map[string]any)
}

// Hooks are optional observers. Each receives a plain payload; panics are
// recovered and logged.
type Hooks struct {
	OnStatusChange    func(payload map[string]any)
	OnArticleStart    func(payload map[string]any)
	OnPhaseComplete   func(payload map[string]any)
	OnArticleComplete func(payload map[string]any)
	OnError           func(payload map[string]any)
}

// Result describes one processed article.
type Result struct {
	ArticleID       string        `json:"article_id"`
	Title           string        `json:"title"`
	PhasesCompleted []string      `json:"phases_completed"`
	PhasesFailed    []string      `json:"phases_failed"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	MediaWarning    string        `json:"media_warning,omitempty"`
	ExternalPostID  string        `json:"external_post_id,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// PhaseStats accumulates per-phase outcomes.
type PhaseStats struct {
	Attempted     int           `json:"attempted"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Stats are a worker's running totals.
type Stats struct {
	WorkerID      string                `json:"worker_id"`
	Processed     int                   `json:"processed"`
	Success       int                   `json:"success"`
	Error         int                   `json:"error"`
	Published     int                   `json:"published"`
	MediaFailures int                   `json:"media_failures"`
	StopReason    StopReason            `json:"stop_reason,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	Phases        map[string]PhaseStats `json:"phases"`
}

// Options control a Run.
type Options struct {
	// Continuous keeps pulling articles until a stop condition; otherwise
	// one article is processed.
	Continuous bool
	// MaxArticles caps processed articles in continuous mode; 0 means no cap.
	MaxArticles int
	// Delay is the pause between articles in continuous mode.
	Delay time.Duration
}
