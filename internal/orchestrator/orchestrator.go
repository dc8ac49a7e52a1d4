// Package orchestrator runs several pipeline workers side by side and
// aggregates their results.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/pipeline"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Worker is one pipeline instance with its own session.
type Worker interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Stats, error)
	Stop()
	Stats() pipeline.Stats
}

// WorkerFactory builds the worker at index. suffix must be folded into the
// worker's session identity so parallel sessions never collide.
type WorkerFactory func(index int, suffix string) (Worker, error)

// WorkerReport is one worker's terminal outcome.
type WorkerReport struct {
	Index    int            `json:"index"`
	Suffix   string         `json:"suffix"`
	Stats    pipeline.Stats `json:"stats"`
	Error    string         `json:"error,omitempty"`
	Panicked bool           `json:"panicked,omitempty"`
}

// Report aggregates all workers.
type Report struct {
	Workers       []WorkerReport `json:"workers"`
	Processed     int            `json:"processed"`
	Success       int            `json:"success"`
	Error         int            `json:"error"`
	Published     int            `json:"published"`
	MediaFailures int            `json:"media_failures"`
	Failed        int            `json:"failed_workers"`
	Duration      time.Duration  `json:"duration"`
}

// Orchestrator spawns workers and fans a stop request out to all of them.
type Orchestrator struct {
	factory WorkerFactory
	logger  *zap.Logger

	mu      sync.Mutex
	workers []Worker
	stopped bool
}

// New creates an orchestrator.
func New(factory WorkerFactory, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{factory: factory, logger: logger.With(zap.String("component", "orchestrator"))}
}

// Suffix returns the worker id suffix for index.
func Suffix(index int) string {
	return fmt.Sprintf("_w%d", index+1)
}

// Spawn runs n workers with opts and waits for all of them. Cancelling ctx
// or calling Stop asks every worker to finish its current article and
// return. A worker that fails or panics contributes its partial stats.
func (o *Orchestrator) Spawn(ctx context.Context, n int, opts pipeline.Options) Report {
	start := time.Now()
	reports := make([]WorkerReport, n)

	var wg conc.WaitGroup
	for i := 0; i < n; i++ {
		wg.Go(func() {
			reports[i] = o.runWorker(ctx, i, opts)
		})
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.logger.Info("cancellation received, stopping workers")
			o.Stop()
		case <-watchDone:
		}
	}()

	wg.Wait()
	close(watchDone)

	report := Report{Workers: reports, Duration: time.Since(start)}
	for _, r := range reports {
		report.Processed += r.Stats.Processed
		report.Success += r.Stats.Success
		report.Error += r.Stats.Error
		report.Published += r.Stats.Published
		report.MediaFailures += r.Stats.MediaFailures
		if r.Error != "" {
			report.Failed++
		}
	}
	o.logger.Info("workers finished",
		zap.Int("workers", n),
		zap.Int("processed", report.Processed),
		zap.Int("success", report.Success),
		zap.Int("error", report.Error),
		zap.Int("failed_workers", report.Failed),
		zap.Duration("duration", report.Duration))
	return report
}

func (o *Orchestrator) runWorker(ctx context.Context, index int, opts pipeline.Options) WorkerReport {
	suffix := Suffix(index)
	rep := WorkerReport{Index: index, Suffix: suffix}
	log := o.logger.With(zap.Int("worker", index+1))

	w, err := o.factory(index, suffix)
	if err != nil {
		log.Error("failed to build worker", zap.Error(err))
		rep.Error = err.Error()
		return rep
	}
	if !o.register(w) {
		rep.Stats = w.Stats()
		return rep
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var pc panics.Catcher
	pc.Try(func() {
		rep.Stats, err = w.Run(ctx, opts)
	})
	if r := pc.Recovered(); r != nil {
		log.Error("worker panicked", zap.Error(r.AsError()))
		rep.Panicked = true
		rep.Error = r.AsError().Error()
		rep.Stats = w.Stats()
		return rep
	}
	if err != nil {
		log.Error("worker failed", zap.Error(err))
		rep.Error = err.Error()
	}
	return rep
}

// register tracks w for Stop. A worker created after Stop is stopped
// immediately and reported as not run.
func (o *Orchestrator) register(w Worker) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		w.Stop()
		return false
	}
	o.workers = append(o.workers, w)
	return true
}

// Stop requests a cooperative stop on every worker.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	for _, w := range o.workers {
		w.Stop()
	}
}
