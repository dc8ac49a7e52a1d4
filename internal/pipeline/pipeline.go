package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Deps wires a pipeline to its collaborators. Hooks and OperationLog are
// optional.
type Deps struct {
	Sessions  Sessions
	Store     Store
	Parser    ContentParser
	Media     MediaDownloader
	Preparer  Preparer
	Publisher Publisher
	Oplog     OperationLog
	Hooks     Hooks
	Logger    *zap.Logger
}

// Pipeline processes articles for one worker session. A Pipeline serves a
// single Run; Stop may be called from any goroutine.
type Pipeline struct {
	deps          Deps
	logger        *zap.Logger
	claimAttempts int

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	stats Stats
}

// New creates a pipeline. claimAttempts bounds consecutive lost claim races
// before the loop backs off; values below 1 become 3.
func New(deps Deps, claimAttempts int) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if claimAttempts < 1 {
		claimAttempts = 3
	}
	return &Pipeline{
		deps:          deps,
		logger:        deps.Logger.With(zap.String("component", "pipeline")),
		claimAttempts: claimAttempts,
		stopCh:        make(chan struct{}),
		stats:         Stats{Phases: make(map[string]PhaseStats)},
	}
}

// Stop requests a cooperative stop. The in-flight article is finished first.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// Stopped reports whether Stop was called.
func (p *Pipeline) Stopped() bool {
	return p.stopped.Load()
}

// Stats returns a snapshot of the running totals.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.Phases = make(map[string]PhaseStats, len(p.stats.Phases))
	for k, v := range p.stats.Phases {
		out.Phases[k] = v
	}
	return out
}

// ProcessArticle runs article through every phase. The caller must hold the
// article's lease. Parse, prepare and publish failures end processing;
// media failures only add a warning.
func (p *Pipeline) ProcessArticle(ctx context.Context, article *models.Article) *Result {
	start := time.Now()
	res := &Result{
		ArticleID:       article.ArticleID,
		Title:           article.Title,
		PhasesCompleted: []string{},
		PhasesFailed:    []string{},
	}
	log := p.logger.With(zap.String("article_id", article.ArticleID))

	ctx, span := observability.StartSpan(ctx, "article",
		attribute.String("article.id", article.ArticleID),
		attribute.String("worker.id", p.deps.Sessions.WorkerID()))
	defer span.End()

	p.fireHook(p.deps.Hooks.OnArticleStart, map[string]any{
		"article_id": article.ArticleID,
		"title":      article.Title,
		"url":        article.URL,
		"worker_id":  p.deps.Sessions.WorkerID(),
	})

	fail := func(phase string, err error) *Result {
		res.PhasesFailed = append(res.PhasesFailed, phase)
		res.Error = fmt.Sprintf("%s: %v", phase, err)
		res.Duration = time.Since(start)
		span.SetStatus(codes.Error, res.Error)
		log.Error("article failed", zap.String("phase", phase), zap.Error(err))

		if serr := p.deps.Store.SetArticleStatus(ctx, article.ArticleID, models.ArticleStatusFailed); serr != nil {
			log.Warn("failed to mark article failed", zap.Error(serr))
		}
		p.logError(ctx, "phase_failed", err.Error(), map[string]any{
			"article_id": article.ArticleID,
			"phase":      phase,
		})
		p.fireHook(p.deps.Hooks.OnError, map[string]any{
			"article_id": article.ArticleID,
			"phase":      phase,
			"error":      err.Error(),
		})
		p.finishArticle(ctx, res)
		return res
	}

	// parse
	var parsed *ParseResult
	err := p.runPhase(ctx, article.ArticleID, PhaseParse, func(ctx context.Context) error {
		r, err := p.deps.Parser.Parse(ctx, article)
		if err != nil {
			return err
		}
		if r == nil || r.Content == "" {
			return errors.New("parser returned no content")
		}
		if err := p.deps.Store.SaveParsedContent(ctx, article.ArticleID, r.Title, r.Content, r.MediaURLs); err != nil {
			return err
		}
		if err := p.deps.Store.SetArticleStatus(ctx, article.ArticleID, models.ArticleStatusParsed); err != nil {
			return err
		}
		parsed = r
		return nil
	})
	if err != nil {
		return fail(PhaseParse, err)
	}
	res.PhasesCompleted = append(res.PhasesCompleted, PhaseParse)
	if parsed.Title != "" {
		article.Title = parsed.Title
		res.Title = parsed.Title
	}
	article.Content = parsed.Content
	article.ContentStatus = models.ArticleStatusParsed

	// media (soft)
	var media []models.MediaItem
	err = p.runPhase(ctx, article.ArticleID, PhaseMedia, func(ctx context.Context) error {
		var err error
		media, err = p.downloadMedia(ctx, article)
		return err
	})
	if err != nil {
		res.PhasesFailed = append(res.PhasesFailed, PhaseMedia)
		res.MediaWarning = err.Error()
		p.mu.Lock()
		p.stats.MediaFailures++
		p.mu.Unlock()
		log.Warn("media phase failed, continuing", zap.Error(err))
		p.logError(ctx, "phase_failed", err.Error(), map[string]any{
			"article_id": article.ArticleID,
			"phase":      PhaseMedia,
			"soft":       true,
		})
	} else {
		res.PhasesCompleted = append(res.PhasesCompleted, PhaseMedia)
	}

	// prepare
	var prepared *PreparedArticle
	err = p.runPhase(ctx, article.ArticleID, PhasePrepare, func(ctx context.Context) error {
		var err error
		prepared, err = p.deps.Preparer.Prepare(ctx, article, media)
		if err == nil && prepared == nil {
			err = errors.New("preparer returned nothing")
		}
		return err
	})
	if err != nil {
		return fail(PhasePrepare, err)
	}
	res.PhasesCompleted = append(res.PhasesCompleted, PhasePrepare)

	// publish
	err = p.runPhase(ctx, article.ArticleID, PhasePublish, func(ctx context.Context) error {
		pub, err := p.deps.Publisher.Publish(ctx, prepared)
		if err != nil {
			return err
		}
		if pub == nil || pub.ExternalPostID == "" {
			return errors.New("publisher returned no post id")
		}
		if err := p.deps.Store.MarkPublished(ctx, article.ArticleID, pub.ExternalPostID); err != nil {
			return err
		}
		res.ExternalPostID = pub.ExternalPostID
		return nil
	})
	if err != nil {
		return fail(PhasePublish, err)
	}
	res.PhasesCompleted = append(res.PhasesCompleted, PhasePublish)

	res.Success = true
	res.Duration = time.Since(start)
	article.ContentStatus = models.ArticleStatusPublished
	article.ExternalPostID = res.ExternalPostID
	log.Info("article published",
		zap.String("external_post_id", res.ExternalPostID),
		zap.Duration("duration", res.Duration),
		zap.String("media_warning", res.MediaWarning))
	p.finishArticle(ctx, res)
	return res
}

// downloadMedia handles the article's pending media. An article without
// media succeeds trivially.
func (p *Pipeline) downloadMedia(ctx context.Context, article *models.Article) ([]models.MediaItem, error) {
	items, err := p.deps.Store.ListMediaItems(ctx, article.ArticleID, models.MediaStatusPending)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	batch, err := p.deps.Media.DownloadBatch(ctx, items)
	if err != nil {
		_ = p.deps.Store.SetMediaStatus(ctx, article.ArticleID, models.MediaStatusFailed)
		return nil, err
	}

	var done []models.MediaItem
	for _, item := range items {
		if path, ok := batch.Completed[item.MediaID]; ok {
			if err := p.deps.Store.UpdateMediaItem(ctx, item.MediaID, models.MediaStatusCompleted, path); err != nil {
				return nil, err
			}
			item.Status = models.MediaStatusCompleted
			item.LocalPath = path
			done = append(done, item)
		}
	}
	for _, id := range batch.Failed {
		if err := p.deps.Store.UpdateMediaItem(ctx, id, models.MediaStatusFailed, ""); err != nil {
			return nil, err
		}
	}

	status := models.MediaStatusCompleted
	if batch.Downloaded < batch.Processed {
		status = models.MediaStatusFailed
	}
	if err := p.deps.Store.SetMediaStatus(ctx, article.ArticleID, status); err != nil {
		return nil, err
	}
	if batch.Downloaded < batch.Processed {
		return done, fmt.Errorf("downloaded %d of %d media files", batch.Downloaded, batch.Processed)
	}
	return done, nil
}

func (p *Pipeline) runPhase(ctx context.Context, articleID, phase string, fn func(context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "phase."+phase, attribute.String("phase", phase))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	p.mu.Lock()
	ps := p.stats.Phases[phase]
	ps.Attempted++
	ps.TotalDuration += elapsed
	if err != nil {
		ps.Failed++
	} else {
		ps.Succeeded++
	}
	p.stats.Phases[phase] = ps
	p.mu.Unlock()

	metrics.ObservePhase(phase, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	payload := map[string]any{
		"article_id": articleID,
		"phase":      phase,
		"success":    err == nil,
		"duration":   elapsed.Seconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.fireHook(p.deps.Hooks.OnPhaseComplete, payload)
	return err
}

func (p *Pipeline) finishArticle(ctx context.Context, res *Result) {
	p.mu.Lock()
	p.stats.Processed++
	if res.Success {
		p.stats.Success++
		p.stats.Published++
	} else {
		p.stats.Error++
	}
	p.mu.Unlock()

	metrics.ObserveArticle(res.Success)
	p.logOperation(ctx, "article_processed", map[string]any{
		"article_id":       res.ArticleID,
		"success":          res.Success,
		"phases_completed": res.PhasesCompleted,
		"phases_failed":    res.PhasesFailed,
		"duration":         res.Duration.Seconds(),
		"worker_id":        p.deps.Sessions.WorkerID(),
	})
	p.fireHook(p.deps.Hooks.OnArticleComplete, map[string]any{
		"article_id":       res.ArticleID,
		"success":          res.Success,
		"external_post_id": res.ExternalPostID,
		"error":            res.Error,
		"media_warning":    res.MediaWarning,
	})
}

func (p *Pipeline) fireHook(hook func(map[string]any), payload map[string]any) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("hook panicked", zap.Any("panic", r))
		}
	}()
	hook(payload)
}

func (p *Pipeline) logOperation(ctx context.Context, name string, fields map[string]any) {
	if p.deps.Oplog != nil {
		p.deps.Oplog.LogOperation(ctx, name, fields)
	}
}

func (p *Pipeline) logError(ctx context.Context, kind, msg string, fields map[string]any) {
	if p.deps.Oplog != nil {
		p.deps.Oplog.LogError(ctx, kind, msg, fields)
	}
}
