package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/pipeline"
	"github.com/fentz26/ainews/internal/session"
	"github.com/fentz26/ainews/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	stats   pipeline.Stats
	err     error
	panic   bool
	block   bool
	stopped chan struct{}
	once    sync.Once
}

func newFakeWorker(processed int) *fakeWorker {
	return &fakeWorker{
		stats:   pipeline.Stats{Processed: processed, Success: processed, Published: processed},
		stopped: make(chan struct{}),
	}
}

func (w *fakeWorker) Run(ctx context.Context, _ pipeline.Options) (pipeline.Stats, error) {
	if w.panic {
		panic("worker bug")
	}
	if w.block {
		<-w.stopped
		w.stats.StopReason = pipeline.StopUserRequested
	}
	return w.stats, w.err
}

func (w *fakeWorker) Stop()                 { w.once.Do(func() { close(w.stopped) }) }
func (w *fakeWorker) Stats() pipeline.Stats { return w.stats }

func TestSpawn_Aggregates(t *testing.T) {
	workers := []*fakeWorker{newFakeWorker(3), newFakeWorker(2), newFakeWorker(1)}
	workers[1].stats.Error = 1
	workers[1].stats.Success = 1

	var mu sync.Mutex
	var suffixes []string
	o := New(func(i int, suffix string) (Worker, error) {
		mu.Lock()
		suffixes = append(suffixes, suffix)
		mu.Unlock()
		return workers[i], nil
	}, nil)

	rep := o.Spawn(context.Background(), 3, pipeline.Options{Continuous: true})

	assert.Equal(t, 6, rep.Processed)
	assert.Equal(t, 5, rep.Success)
	assert.Equal(t, 1, rep.Error)
	assert.Equal(t, 6, rep.Published)
	assert.Zero(t, rep.Failed)
	assert.ElementsMatch(t, []string{"_w1", "_w2", "_w3"}, suffixes)
}

func TestSpawn_FailingWorkersDoNotAbortSiblings(t *testing.T) {
	ok := newFakeWorker(4)
	failing := newFakeWorker(1)
	failing.err = errors.New("database is locked")
	panicking := newFakeWorker(2)
	panicking.panic = true

	all := []Worker{ok, failing, panicking}
	o := New(func(i int, _ string) (Worker, error) {
		if i == 3 {
			return nil, errors.New("no session store")
		}
		return all[i], nil
	}, nil)

	rep := o.Spawn(context.Background(), 4, pipeline.Options{})

	assert.Equal(t, 7, rep.Processed, "partial stats of failed and panicked workers count")
	assert.Equal(t, 3, rep.Failed)
	assert.True(t, rep.Workers[2].Panicked)
	assert.Contains(t, rep.Workers[2].Error, "worker bug")
	assert.Equal(t, "no session store", rep.Workers[3].Error)
	assert.Empty(t, rep.Workers[0].Error)
}

func TestSpawn_CancellationStopsAllWorkers(t *testing.T) {
	workers := []*fakeWorker{newFakeWorker(1), newFakeWorker(2)}
	for _, w := range workers {
		w.block = true
	}
	o := New(func(i int, _ string) (Worker, error) { return workers[i], nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan Report)
	go func() { done <- o.Spawn(ctx, 2, pipeline.Options{Continuous: true}) }()

	select {
	case rep := <-done:
		assert.Equal(t, 3, rep.Processed)
		for _, w := range rep.Workers {
			assert.Equal(t, pipeline.StopUserRequested, w.Stats.StopReason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("workers were not stopped")
	}
}

// End to end: real workers sharing one store never process an article twice.
func TestSpawn_RealPipelines(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "workers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, id := range []string{"A1", "A2", "A3", "A4", "A5", "A6"} {
		_, err := s.CreateArticle(ctx, store.NewArticle{ArticleID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
	}

	pub := &countingPublisher{seen: map[string]int{}}
	o := New(func(_ int, suffix string) (Worker, error) {
		sm := session.NewManager(s, session.Config{HeartbeatInterval: time.Hour, WorkerSuffix: suffix}, nil)
		return pipeline.New(pipeline.Deps{
			Sessions:  sm,
			Store:     s,
			Parser:    stubParser{},
			Media:     stubMedia{},
			Preparer:  stubPreparer{},
			Publisher: pub,
		}, 5), nil
	}, nil)

	rep := o.Spawn(ctx, 3, pipeline.Options{Continuous: true})

	assert.Equal(t, 6, rep.Processed)
	assert.Equal(t, 6, rep.Published)
	for id, n := range pub.seen {
		assert.Equal(t, 1, n, "article %s published %d times", id, n)
	}

	sessions, err := s.ListSessions(ctx, models.SessionStatusCompleted)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for _, sess := range sessions {
		assert.True(t, strings.HasSuffix(sess.WorkerID, "_w1") ||
			strings.HasSuffix(sess.WorkerID, "_w2") ||
			strings.HasSuffix(sess.WorkerID, "_w3"), sess.WorkerID)
	}
}

type stubParser struct{}

func (stubParser) Parse(_ context.Context, a *models.Article) (*pipeline.ParseResult, error) {
	return &pipeline.ParseResult{Content: "content " + a.ArticleID}, nil
}

type stubMedia struct{}

func (stubMedia) DownloadBatch(context.Context, []models.MediaItem) (*pipeline.MediaResult, error) {
	return &pipeline.MediaResult{}, nil
}

type stubPreparer struct{}

func (stubPreparer) Prepare(_ context.Context, a *models.Article, _ []models.MediaItem) (*pipeline.PreparedArticle, error) {
	return &pipeline.PreparedArticle{ArticleID: a.ArticleID, Content: a.Content}, nil
}

type countingPublisher struct {
	mu   sync.Mutex
	seen map[string]int
}

func (p *countingPublisher) Publish(_ context.Context, a *pipeline.PreparedArticle) (*pipeline.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[a.ArticleID]++
	return &pipeline.PublishResult{ExternalPostID: "wp-" + a.ArticleID}, nil
}
