package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/ainews/internal/breaker"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]map[string]any
	noProc   bool
	startErr bool
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		if r.Body != nil {
			var body map[string]any
			if json.NewDecoder(r.Body).Decode(&body) == nil {
				if f.bodies == nil {
					f.bodies = map[string]map[string]any{}
				}
				f.bodies[r.URL.Path] = body
			}
		}
	}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, Health{OK: true, DB: "ok", Version: "1.2.3"})
	})
	mux.HandleFunc("GET /process", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if f.noProc {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "process manager not configured"})
			return
		}
		start := time.Now().Add(-time.Minute)
		writeJSON(w, http.StatusOK, process.Status{
			State:     process.StateRunning,
			PID:       4242,
			StartTime: &start,
			Progress:  process.Progress{CurrentSource: "arxiv", TotalSources: 4, ProcessedSources: 1, TotalArticles: 1200, Percent: 25},
			Recovery:  process.RecoveryStatus{Enabled: true, MaxAttempts: 3},
			Breakers: map[string]process.BreakerStatus{
				"start": {State: breaker.StateOpen, IsOpen: true, Failures: 3},
			},
		})
	})
	mux.HandleFunc("GET /sessions/stats", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, models.SessionStats{
			Sessions:  map[models.SessionStatus]int{models.SessionStatusActive: 2},
			LiveLocks: 1,
			Articles:  map[models.ArticleStatus]int{models.ArticleStatusPending: 5},
		})
	})
	mux.HandleFunc("GET /operations", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, []models.OperationRecord{
			{Name: "process_started", Level: "info", Fields: `{"pid":4242}`, CreatedAt: time.Now()},
		})
	})
	mux.HandleFunc("POST /process/start", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if f.startErr {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "process already running"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
	})
	mux.HandleFunc("POST /process/stop", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "forced": true})
	})
	mux.HandleFunc("POST /process/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{"killed_processes": []int{1, 2}})
	})
	mux.HandleFunc("POST /sessions/cleanup", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, models.CleanupResult{AbandonedSessions: 1, ExpiredLocks: 2, ResetArticles: 1})
	})
	return mux
}

func newFake(t *testing.T) (*fakeDaemon, *Client) {
	t.Helper()
	f := &fakeDaemon{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, NewClient(srv.URL + "/")
}

func TestPoll(t *testing.T) {
	_, client := newFake(t)

	dash, err := Poll(context.Background(), client)
	require.NoError(t, err)
	assert.True(t, dash.Health.OK)
	require.NotNil(t, dash.Process)
	assert.Equal(t, process.StateRunning, dash.Process.State)
	assert.Equal(t, breaker.StateOpen, dash.Process.Breakers["start"].State)
	assert.Equal(t, 2, dash.Stats.Sessions[models.SessionStatusActive])
	require.Len(t, dash.Operations, 1)
}

func TestPoll_NoProcessManager(t *testing.T) {
	f, client := newFake(t)
	f.noProc = true

	dash, err := Poll(context.Background(), client)
	require.NoError(t, err)
	assert.Nil(t, dash.Process)
	assert.Contains(t, renderProcess(dash.Process, 40), "disabled")
}

func TestRunCommand(t *testing.T) {
	f, client := newFake(t)
	ctx := context.Background()

	assert.Equal(t, "Started crawl (3 days back)", runCommand(ctx, client, "start", []string{"3", "2026-01-01"}))
	assert.Equal(t, float64(3), f.bodies["/process/start"]["days_back"])
	assert.Equal(t, "2026-01-01", f.bodies["/process/start"]["resume_from"])

	assert.Equal(t, "Stopped (killed after timeout)", runCommand(ctx, client, "stop", []string{"5"}))
	assert.Equal(t, float64(5), f.bodies["/process/stop"]["timeout_sec"])

	assert.Equal(t, "Emergency stop: 2 processes killed", runCommand(ctx, client, "kill", nil))
	assert.Equal(t, "Reaped 1 sessions, 2 locks, 1 articles reset", runCommand(ctx, client, "reap", nil))

	assert.Equal(t, "Usage: start [days_back] [resume_from]", runCommand(ctx, client, "start", []string{"x"}))
	assert.Equal(t, "Unknown command: dance", runCommand(ctx, client, "dance", nil))

	f.startErr = true
	msg := runCommand(ctx, client, "start", nil)
	assert.True(t, strings.HasPrefix(msg, "Error: API error (409)"), msg)
}

func TestAppUpdateAndView(t *testing.T) {
	_, client := newFake(t)
	app := New(client.baseURL, time.Hour)

	_, _ = app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	dash, err := Poll(context.Background(), client)
	require.NoError(t, err)

	model, cmd := app.Update(dashboardMsg{dash})
	assert.NotNil(t, cmd, "next poll is scheduled")
	view := model.View()
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "arxiv")
	assert.Contains(t, view, "1,200")
	assert.Contains(t, view, "process_started")
	assert.Contains(t, view, "● DAEMON")

	_, _ = app.Update(errMsg{assert.AnError})
	assert.Contains(t, app.View(), "○ DAEMON")
}

func TestAppCommandBar(t *testing.T) {
	_, client := newFake(t)
	app := New(client.baseURL, time.Hour)

	_, _ = app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(":")})
	require.True(t, app.cmdBar.Focused())

	for _, r := range "kill" {
		_, _ = app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.False(t, app.cmdBar.Focused())

	msg := cmd()
	assert.Equal(t, cmdResultMsg{"Emergency stop: 2 processes killed"}, msg)
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, progressBar(50, 10), "█████░░░░░")
	assert.Contains(t, progressBar(150, 4), "████")
	assert.Contains(t, progressBar(-1, 4), "░░░░")
	assert.Empty(t, progressBar(10, 0))
}
