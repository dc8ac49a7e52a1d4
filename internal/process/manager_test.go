//go:build !windows

package process

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/ainews/internal/config"
	"github.com/fentz26/ainews/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	return func() {}
}

func (f *fakeScheduler) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// runNext fires the oldest pending callback.
func (f *fakeScheduler) runNext(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	require.NotEmpty(t, f.fns, "nothing scheduled")
	fn := f.fns[0]
	f.fns = f.fns[1:]
	f.mu.Unlock()
	fn()
}

type recordingSnapshots struct {
	mu    sync.Mutex
	snaps []models.ProcessSnapshot
}

func (r *recordingSnapshots) SaveProcessSnapshot(_ context.Context, s models.ProcessSnapshot) (*models.ProcessSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return &s, nil
}

var testBreakers = config.BreakersConfig{
	Start:  config.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Hour},
	Memory: config.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Hour},
}

func shellConfig(t *testing.T, script string) config.ProcessConfig {
	return config.ProcessConfig{
		Command:         "sh",
		Args:            []string{"-c", script, "ainews-test"},
		StateFile:       filepath.Join(t.TempDir(), "parser_state.json"),
		MaxMemoryMB:     8192,
		StopTimeout:     time.Second,
		MonitorInterval: time.Hour,
		HealthInterval:  time.Hour,
	}
}

func TestManager_Lifecycle(t *testing.T) {
	script := `trap '' TERM
echo "Starting RSS+Scrape parsing sources_count=4"
echo "Processing source: techcrunch"
echo "Source techcrunch processed"
while true; do sleep 0.1; done`
	cfg := shellConfig(t, script)
	snaps := &recordingSnapshots{}
	var transitions []State
	m := New(cfg, testBreakers, Deps{
		Snapshots:     snaps,
		OnStateChange: func(_, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, 7, ""))
	assert.Equal(t, StateRunning, m.State())
	assert.ErrorIs(t, m.Start(ctx, 7, ""), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		p := m.Status(ctx).Progress
		return p.ProcessedSources == 1 && p.TotalSources == 4 && p.CurrentSource == "techcrunch"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 25.0, m.Status(ctx).Progress.Percent)

	require.NoError(t, m.Pause(ctx))
	assert.Equal(t, StatePaused, m.State())
	snap, err := ReadStateFile(cfg.StateFile)
	require.NoError(t, err)
	assert.Equal(t, "techcrunch", snap.CurrentSource)
	assert.Equal(t, 1, snap.ProcessedSources)
	assert.Equal(t, m.Status(ctx).PID, snap.PID)
	require.Len(t, snaps.snaps, 1)

	assert.ErrorIs(t, m.Pause(ctx), ErrInvalidState)
	require.NoError(t, m.Resume(ctx))
	assert.Equal(t, StateRunning, m.State())

	forced, err := m.Stop(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, forced, "process ignoring TERM must be killed")
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, m.Status(ctx).PID)

	assert.Equal(t, []State{StateRunning, StatePaused, StateRunning, StateStopping, StateStopped}, transitions)
}

func TestManager_StopGraceful(t *testing.T) {
	m := New(shellConfig(t, "exec sleep 30"), testBreakers, Deps{})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, 1, "2025-08-01T00:00:00"))

	forced, err := m.Stop(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.Equal(t, StateStopped, m.State())

	_, err = m.Stop(ctx, time.Second)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestManager_StopPausedResumesFirst(t *testing.T) {
	m := New(shellConfig(t, "exec sleep 30"), testBreakers, Deps{})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, 1, ""))
	require.NoError(t, m.Pause(ctx))

	forced, err := m.Stop(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_InvalidTransitions(t *testing.T) {
	m := New(shellConfig(t, "exec sleep 30"), testBreakers, Deps{})
	ctx := context.Background()

	assert.ErrorIs(t, m.Pause(ctx), ErrInvalidState)
	assert.ErrorIs(t, m.Resume(ctx), ErrInvalidState)
	_, err := m.Stop(ctx, time.Second)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, m.Start(ctx, 1, ""))
	t.Cleanup(func() { m.EmergencyStop(context.Background()) })
	assert.ErrorIs(t, m.Resume(ctx), ErrInvalidState)
}

func TestManager_CleanExitStops(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := shellConfig(t, `echo "Processing source: arxiv"`)
	cfg.AutoRecovery = true
	cfg.MaxRecoveryAttempts = 3
	m := New(cfg, testBreakers, Deps{Schedule: sched.schedule})

	require.NoError(t, m.Start(context.Background(), 1, ""))
	require.Eventually(t, func() bool { return m.State() == StateStopped }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, sched.scheduled())
}

// Every start fails: the first failure plus one per recovery attempt.
func TestManager_RecoveryBudget_StartFailures(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := config.ProcessConfig{
		Command:             filepath.Join(t.TempDir(), "missing-parser"),
		AutoRecovery:        true,
		MaxRecoveryAttempts: 2,
	}
	m := New(cfg, testBreakers, Deps{Schedule: sched.schedule})
	ctx := context.Background()

	require.Error(t, m.Start(ctx, 7, ""))
	assert.Equal(t, StateError, m.State())
	sched.runNext(t)
	sched.runNext(t)

	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, sched.scheduled())
	st := m.Status(ctx)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, 2, st.Recovery.Attempts)
	assert.False(t, st.Recovery.Pending)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 3, st.Breakers["start"].Failures)
}

// A process that starts but keeps crashing still exhausts the budget.
func TestManager_RecoveryBudget_CrashLoop(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := shellConfig(t, "exit 3")
	cfg.AutoRecovery = true
	cfg.MaxRecoveryAttempts = 1
	m := New(cfg, testBreakers, Deps{Schedule: sched.schedule})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, 7, ""))
	require.Eventually(t, func() bool { return len(sched.scheduled()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateError, m.State())

	sched.runNext(t)
	require.Eventually(t, func() bool {
		st := m.Status(ctx)
		return st.State == StateError && st.PID == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []time.Duration{60 * time.Second}, sched.scheduled())
	assert.Equal(t, 1, m.Status(ctx).Recovery.Attempts)
}

func TestManager_StopCancelsPendingRecovery(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := shellConfig(t, "exit 1")
	cfg.AutoRecovery = true
	cfg.MaxRecoveryAttempts = 3
	m := New(cfg, testBreakers, Deps{Schedule: sched.schedule})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, 7, ""))
	require.Eventually(t, func() bool { return m.Status(ctx).Recovery.Pending }, 5*time.Second, 20*time.Millisecond)

	m.EmergencyStop(ctx)
	assert.False(t, m.Status(ctx).Recovery.Pending)

	sched.runNext(t)
	assert.Equal(t, StateStopped, m.State(), "cancelled recovery must not start the process")
}

func TestManager_StartBreakerOpens(t *testing.T) {
	cfg := config.ProcessConfig{Command: filepath.Join(t.TempDir(), "missing-parser")}
	m := New(cfg, config.BreakersConfig{
		Start:  config.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
		Memory: testBreakers.Memory,
	}, Deps{})
	ctx := context.Background()

	require.Error(t, m.Start(ctx, 7, ""))
	err := m.Start(ctx, 7, "")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, m.Status(ctx).Breakers["start"].IsOpen)
}

func TestManager_EmergencyStopKillsMatching(t *testing.T) {
	marker := "ainews-emergency-" + uuid.NewString()[:8]
	stray := exec.Command("sh", "-c", "sleep 5; true", marker)
	require.NoError(t, stray.Start())
	strayDone := make(chan error, 1)
	go func() { strayDone <- stray.Wait() }()

	cfg := shellConfig(t, "exec sleep 30")
	cfg.KillPatterns = []string{marker}
	m := New(cfg, testBreakers, Deps{})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, 1, ""))
	tracked := int32(m.Status(ctx).PID)

	killed := m.EmergencyStop(ctx)
	assert.Contains(t, killed, int32(stray.Process.Pid))
	assert.Contains(t, killed, tracked)
	assert.Equal(t, StateStopped, m.State())

	select {
	case err := <-strayDone:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stray process survived emergency stop")
	}
}

func TestManager_EmergencyStopFromIdle(t *testing.T) {
	m := New(config.ProcessConfig{Command: "sh"}, testBreakers, Deps{})
	killed := m.EmergencyStop(context.Background())
	assert.Empty(t, killed)
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_HealthCheck(t *testing.T) {
	m := New(shellConfig(t, "exec sleep 30"), testBreakers, Deps{})
	ctx := context.Background()

	idle := m.PerformHealthCheck(ctx)
	assert.False(t, idle.Healthy)
	assert.False(t, idle.ProcessExists)

	require.NoError(t, m.Start(ctx, 1, ""))
	t.Cleanup(func() { m.EmergencyStop(context.Background()) })

	rep := m.PerformHealthCheck(ctx)
	assert.True(t, rep.ProcessExists)
	assert.True(t, rep.Healthy, "issues: %v", rep.Issues)

	hs := m.HealthStatus(ctx)
	assert.Equal(t, 3, hs.Health.RecentChecks)
	assert.InDelta(t, 66.7, hs.Health.HealthPercentage, 0.01)

	for i := 0; i < 2*healthHistorySize; i++ {
		m.PerformHealthCheck(ctx)
	}
	assert.Equal(t, healthHistorySize, m.HealthStatus(ctx).Health.RecentChecks)
}

func TestManager_HealthMonitorHandlesVanishedProcess(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := shellConfig(t, "exec sleep 30")
	cfg.AutoRecovery = true
	cfg.MaxRecoveryAttempts = 3
	m := New(cfg, testBreakers, Deps{Schedule: sched.schedule})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, 1, ""))

	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	require.NoError(t, killGroup(r.pid))
	require.Eventually(t, func() bool { return m.State() == StateError }, 5*time.Second, 20*time.Millisecond)

	// Pretend the reaper missed the exit.
	m.mu.Lock()
	m.cancelPendingRecovery()
	m.state = StateRunning
	m.cur = r
	m.mu.Unlock()

	m.checkCrashed(ctx)
	st := m.Status(ctx)
	assert.Equal(t, StateError, st.State)
	assert.Zero(t, st.PID)
	assert.Equal(t, 2, st.Recovery.Attempts)
	assert.Len(t, sched.scheduled(), 2)
}

func TestUpdateProgress(t *testing.T) {
	var seen []Progress
	m := New(config.ProcessConfig{}, testBreakers, Deps{OnProgress: func(p Progress) { seen = append(seen, p) }})

	total, done := 3, 1
	src := "hn"
	p := m.UpdateProgress(ProgressUpdate{TotalSources: &total, ProcessedSources: &done, CurrentSource: &src})
	assert.Equal(t, 33.3, p.Percent)
	assert.Equal(t, "hn", p.CurrentSource)
	assert.False(t, p.LastUpdate.IsZero())

	p = m.UpdateProgress(ProgressUpdate{})
	assert.Equal(t, 3, p.TotalSources, "nil fields are left unchanged")
	assert.Len(t, seen, 2)
}

func TestParseLine(t *testing.T) {
	cur := Progress{ProcessedSources: 2, TotalArticles: 10}
	tests := []struct {
		line  string
		check func(t *testing.T, u ProgressUpdate)
	}{
		{"INFO Processing source: openai_blog", func(t *testing.T, u ProgressUpdate) {
			require.NotNil(t, u.CurrentSource)
			assert.Equal(t, "openai_blog", *u.CurrentSource)
		}},
		{"Source openai_blog processed in 3s", func(t *testing.T, u ProgressUpdate) {
			require.NotNil(t, u.ProcessedSources)
			assert.Equal(t, 3, *u.ProcessedSources)
		}},
		{"Starting RSS+Scrape parsing sources_count=12", func(t *testing.T, u ProgressUpdate) {
			require.NotNil(t, u.TotalSources)
			assert.Equal(t, 12, *u.TotalSources)
		}},
		{"rss_articles saved=5 duplicates=1", func(t *testing.T, u ProgressUpdate) {
			require.NotNil(t, u.TotalArticles)
			assert.Equal(t, 15, *u.TotalArticles)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			u, ok := parseLine(tt.line, cur)
			require.True(t, ok)
			tt.check(t, u)
		})
	}

	_, ok := parseLine("fetching feed", cur)
	assert.False(t, ok)
}

func TestRecoveryDelay(t *testing.T) {
	assert.Equal(t, 60*time.Second, RecoveryDelay(1))
	assert.Equal(t, 240*time.Second, RecoveryDelay(4))
	assert.Equal(t, 300*time.Second, RecoveryDelay(5))
	assert.Equal(t, 300*time.Second, RecoveryDelay(9))
}
