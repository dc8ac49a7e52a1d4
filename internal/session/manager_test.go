package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLease = 30 * time.Minute

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore records heartbeat calls on top of a real store.
type countingStore struct {
	*store.Store
	touches atomic.Int32
}

func (c *countingStore) TouchSession(ctx context.Context, sessionID string) error {
	c.touches.Add(1)
	return c.Store.TouchSession(ctx, sessionID)
}

func newTestStore(t *testing.T) (*store.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.New(filepath.Join(t.TempDir(), "sessions.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func newManager(s Store, suffix string) *Manager {
	return NewManager(s, Config{
		HeartbeatInterval: time.Hour,
		LeaseTimeout:      testLease,
		JoinTimeout:       time.Second,
		WorkerSuffix:      suffix,
	}, nil)
}

func seed(t *testing.T, s *store.Store, clock *testClock, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := s.CreateArticle(context.Background(), store.NewArticle{ArticleID: id, Title: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
}

func TestStartSession(t *testing.T) {
	s, _ := newTestStore(t)
	m := newManager(s, "_w1")
	ctx := context.Background()

	sid, err := m.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.EndSession(ctx) })

	host, _ := os.Hostname()
	wantPrefix := fmt.Sprintf("%s_%d_%s", host, os.Getpid(), sid[:8])
	assert.True(t, strings.HasPrefix(m.WorkerID(), wantPrefix), "worker id %q", m.WorkerID())
	assert.True(t, strings.HasSuffix(m.WorkerID(), "_w1"))

	sess, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, sess.StartedAt, sess.LastHeartbeat)

	_, err = m.StartSession(ctx)
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestClaimArticle_RequiresSession(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A1")
	m := newManager(s, "")

	_, err := m.ClaimArticle(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, m.ReleaseArticle(context.Background(), "A1", true), ErrNoSession)
	assert.ErrorIs(t, m.UpdateHeartbeat(context.Background()), ErrNoSession)
}

func TestClaimArticle_Race(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A1")
	ctx := context.Background()

	const workers = 8
	managers := make([]*Manager, workers)
	for i := range managers {
		managers[i] = newManager(s, fmt.Sprintf("_w%d", i))
		_, err := managers[i].StartSession(ctx)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		for _, m := range managers {
			_ = m.EndSession(ctx)
		}
	})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			ok, err := m.ClaimArticle(ctx, "A1")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestStaleReap_ReclaimedByOtherSession(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A2")
	ctx := context.Background()

	dead := newManager(s, "_dead")
	_, err := dead.StartSession(ctx)
	require.NoError(t, err)
	ok, err := dead.ClaimArticle(ctx, "A2")
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(testLease + time.Minute)

	alive := newManager(s, "_alive")
	_, err = alive.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alive.EndSession(ctx) })

	res, err := alive.CleanupStaleSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AbandonedSessions)
	assert.Equal(t, int64(1), res.ExpiredLocks)

	ok, err = alive.ClaimArticle(ctx, "A2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "A2", alive.CurrentArticleID())
}

func TestReapedSession_CannotClaim(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A1")
	ctx := context.Background()

	stalled := newManager(s, "_stalled")
	_, err := stalled.StartSession(ctx)
	require.NoError(t, err)

	clock.Advance(testLease + time.Minute)

	alive := newManager(s, "_alive")
	_, err = alive.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alive.EndSession(ctx) })
	_, err = alive.CleanupStaleSessions(ctx, 0)
	require.NoError(t, err)

	// The stalled worker wakes up after being reaped.
	ok, err := stalled.ClaimArticle(ctx, "A1")
	assert.ErrorIs(t, err, store.ErrSessionAbandoned)
	assert.False(t, ok)
	assert.ErrorIs(t, stalled.UpdateHeartbeat(ctx), store.ErrSessionAbandoned)

	ok, err = alive.ClaimArticle(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok, "only the live session owns A1")

	lock, err := s.GetLock(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, alive.SessionID(), lock.SessionID)
}

func TestHeartbeatLoop_StopsWhenReaped(t *testing.T) {
	s, _ := newTestStore(t)
	cs := &countingStore{Store: s}
	m := NewManager(cs, Config{HeartbeatInterval: 10 * time.Millisecond, LeaseTimeout: testLease}, nil)
	ctx := context.Background()

	sid, err := m.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.EndSession(ctx) })
	require.Eventually(t, func() bool { return cs.touches.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	// A negative timeout treats every session as stale, even one that
	// heartbeats concurrently.
	_, err = s.CleanupStaleSessions(ctx, -time.Minute)
	require.NoError(t, err)

	sess, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusAbandoned, sess.Status)

	require.Eventually(t, func() bool {
		before := cs.touches.Load()
		time.Sleep(40 * time.Millisecond)
		return cs.touches.Load() == before
	}, 2*time.Second, 5*time.Millisecond, "heartbeat keeps running after the session was reaped")
}

func TestEndSession_ReturnsUnfinishedArticle(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A1", "A2")
	ctx := context.Background()

	first := newManager(s, "_w1")
	_, err := first.StartSession(ctx)
	require.NoError(t, err)
	ok, err := first.ClaimArticle(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.EndSession(ctx))

	second := newManager(s, "_w2")
	_, err = second.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.EndSession(ctx) })

	next, err := second.NextAvailableArticle(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "A1", next.ArticleID)

	ok, err = second.ClaimArticle(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNextAvailableArticle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	m := newManager(s, "")
	_, err := m.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.EndSession(ctx) })

	next, err := m.NextAvailableArticle(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "empty queue is not an error")

	seed(t, s, clock, "A1", "A2")

	next, err = m.NextAvailableArticle(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "A1", next.ArticleID)

	ok, err := m.ClaimArticle(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)

	next, err = m.NextAvailableArticle(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "A2", next.ArticleID)
}

func TestHeartbeatLoop(t *testing.T) {
	s, _ := newTestStore(t)
	cs := &countingStore{Store: s}
	m := NewManager(cs, Config{HeartbeatInterval: 10 * time.Millisecond, LeaseTimeout: testLease}, nil)
	ctx := context.Background()

	_, err := m.StartSession(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cs.touches.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.EndSession(ctx))
	after := cs.touches.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, cs.touches.Load(), "heartbeat stops with the session")
}

func TestEndSession(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A1")
	ctx := context.Background()
	m := newManager(s, "")

	assert.NoError(t, m.EndSession(ctx), "no session is a no-op")

	sid, err := m.StartSession(ctx)
	require.NoError(t, err)
	ok, err := m.ClaimArticle(ctx, "A1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.EndSession(ctx))
	assert.Empty(t, m.SessionID())

	sess, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)

	lock, err := s.GetLock(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, models.LockStatusReleased, lock.Status)
}

func TestReleaseArticle_UpdatesCounters(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, "A1", "A2")
	ctx := context.Background()
	m := newManager(s, "")
	sid, err := m.StartSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.EndSession(ctx) })

	for id, success := range map[string]bool{"A1": true, "A2": false} {
		ok, err := m.ClaimArticle(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, m.ReleaseArticle(ctx, id, success))
	}

	sess, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.TotalArticles)
	assert.Equal(t, 1, sess.SuccessCount)
	assert.Equal(t, 1, sess.ErrorCount)
	assert.Empty(t, m.CurrentArticleID())

	stats, err := m.SessionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sessions[models.SessionStatusActive])
	assert.Zero(t, stats.LiveLocks)
}
