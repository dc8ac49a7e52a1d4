package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run starts a session, processes articles according to opts and ends the
// session. Queue exhaustion, the article cap, Stop and (in single mode)
// losing every claim attempt return a nil error with the matching
// StopReason; storage failures return StopError.
//
// Cancelling ctx acts like Stop. Phases of an article already claimed run
// to completion regardless.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Stats, error) {
	maxArticles := opts.MaxArticles
	delay := opts.Delay
	if !opts.Continuous {
		maxArticles = 1
		delay = 0
	}

	if _, err := p.deps.Sessions.StartSession(ctx); err != nil {
		return p.Stats(), fmt.Errorf("start session: %w", err)
	}
	workerID := p.deps.Sessions.WorkerID()
	log := p.logger.With(zap.String("worker_id", workerID), zap.String("session_id", p.deps.Sessions.SessionID()))

	// Bookkeeping must outlive a cancelled caller.
	bg := context.WithoutCancel(ctx)

	p.mu.Lock()
	p.stats.WorkerID = workerID
	p.stats.StartedAt = time.Now()
	p.mu.Unlock()

	defer func() {
		if err := p.deps.Sessions.EndSession(bg); err != nil {
			log.Warn("failed to end session", zap.Error(err))
		}
	}()

	log.Info("pipeline started", zap.Bool("continuous", opts.Continuous), zap.Int("max_articles", maxArticles))
	p.fireHook(p.deps.Hooks.OnStatusChange, map[string]any{"status": "running", "worker_id": workerID})
	if opts.Continuous {
		p.logOperation(bg, "continuous_pipeline_start", map[string]any{
			"worker_id":    workerID,
			"max_articles": maxArticles,
			"delay":        delay.Seconds(),
		})
	}

	reason, err := p.loop(ctx, bg, maxArticles, delay, opts.Continuous, log)

	p.mu.Lock()
	p.stats.StopReason = reason
	p.stats.FinishedAt = time.Now()
	p.mu.Unlock()
	stats := p.Stats()

	log.Info("pipeline stopped",
		zap.String("reason", string(reason)),
		zap.Int("processed", stats.Processed),
		zap.Int("success", stats.Success),
		zap.Int("error", stats.Error))
	if opts.Continuous {
		p.logOperation(bg, "continuous_pipeline_stop", map[string]any{
			"worker_id": workerID,
			"reason":    string(reason),
			"processed": stats.Processed,
			"success":   stats.Success,
			"error":     stats.Error,
		})
	}
	p.fireHook(p.deps.Hooks.OnStatusChange, map[string]any{
		"status":    "stopped",
		"reason":    string(reason),
		"worker_id": workerID,
	})
	return stats, err
}

func (p *Pipeline) loop(ctx, bg context.Context, maxArticles int, delay time.Duration, continuous bool, log *zap.Logger) (StopReason, error) {
	// Articles lost to other workers since the last successful claim.
	var lost []string
	backOff := func() (StopReason, bool) {
		lost = nil
		if !continuous {
			return StopContended, true
		}
		if !p.wait(ctx, delay) {
			return StopUserRequested, true
		}
		return "", false
	}

	for {
		if p.Stopped() || ctx.Err() != nil {
			return StopUserRequested, nil
		}
		if maxArticles > 0 && p.Stats().Processed >= maxArticles {
			return StopMaxReached, nil
		}

		article, err := p.deps.Sessions.NextAvailableArticle(bg, lost...)
		if err != nil {
			p.logError(bg, "storage_error", err.Error(), map[string]any{"op": "next_available_article"})
			return StopError, err
		}
		if article == nil {
			if len(lost) == 0 {
				return StopNoMoreArticles, nil
			}
			if reason, stop := backOff(); stop {
				return reason, nil
			}
			continue
		}

		claimed, err := p.deps.Sessions.ClaimArticle(bg, article.ArticleID)
		if err != nil {
			p.logError(bg, "storage_error", err.Error(), map[string]any{"op": "claim_article", "article_id": article.ArticleID})
			return StopError, err
		}
		if !claimed {
			lost = append(lost, article.ArticleID)
			log.Debug("lost claim race", zap.String("article_id", article.ArticleID), zap.Int("attempt", len(lost)))
			if len(lost) < p.claimAttempts {
				continue
			}
			if reason, stop := backOff(); stop {
				return reason, nil
			}
			continue
		}
		lost = nil

		res := p.ProcessArticle(bg, article)
		if err := p.deps.Sessions.ReleaseArticle(bg, article.ArticleID, res.Success); err != nil {
			p.logError(bg, "storage_error", err.Error(), map[string]any{"op": "release_article", "article_id": article.ArticleID})
			return StopError, err
		}

		if continuous {
			stats := p.Stats()
			p.logOperation(bg, "continuous_cycle_complete", map[string]any{
				"article_id": article.ArticleID,
				"success":    res.Success,
				"processed":  stats.Processed,
			})
		}

		if maxArticles > 0 && p.Stats().Processed >= maxArticles {
			return StopMaxReached, nil
		}
		if !p.wait(ctx, delay) {
			return StopUserRequested, nil
		}
	}
}

// wait sleeps for d unless stopped first; it reports whether to continue.
func (p *Pipeline) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !p.Stopped() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !p.Stopped()
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
