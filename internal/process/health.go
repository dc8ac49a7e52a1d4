package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/fentz26/ainews/internal/breaker"
	"github.com/fentz26/ainews/internal/metrics"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// HealthReport is the outcome of one health check.
type HealthReport struct {
	Time          time.Time `json:"time"`
	PID           int       `json:"pid,omitempty"`
	ProcessExists bool      `json:"process_exists"`
	CPUPercent    float64   `json:"cpu_percent"`
	CPUOK         bool      `json:"cpu_ok"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryOK      bool      `json:"memory_ok"`
	ProgressOK    bool      `json:"progress_ok"`
	Responsive    bool      `json:"responsive"`
	Healthy       bool      `json:"is_healthy"`
	Issues        []string  `json:"issues,omitempty"`
}

// BreakerStatus describes one circuit breaker.
type BreakerStatus struct {
	State      breaker.State `json:"state"`
	IsOpen     bool          `json:"is_open"`
	Failures   int           `json:"failure_count"`
	CanAttempt bool          `json:"can_attempt"`
}

// RecoveryStatus describes the automatic recovery budget.
type RecoveryStatus struct {
	Enabled     bool `json:"enabled"`
	Attempts    int  `json:"attempts"`
	MaxAttempts int  `json:"max_attempts"`
	Pending     bool `json:"pending"`
}

// MemoryInfo is the resource usage of the running subprocess.
type MemoryInfo struct {
	RSSMB      float64 `json:"rss_mb"`
	VMSMB      float64 `json:"vms_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State         State                    `json:"status"`
	PID           int                      `json:"pid,omitempty"`
	StartTime     *time.Time               `json:"start_time,omitempty"`
	UptimeSeconds int64                    `json:"uptime_seconds,omitempty"`
	Progress      Progress                 `json:"progress"`
	Memory        *MemoryInfo              `json:"memory_info,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`
	Recovery      RecoveryStatus           `json:"recovery"`
	Breakers      map[string]BreakerStatus `json:"circuit_breakers"`
}

// HealthStatus combines a fresh health check with the recent history.
type HealthStatus struct {
	Status
	Health struct {
		Latest           HealthReport `json:"latest"`
		HealthPercentage float64      `json:"health_percentage"`
		RecentChecks     int          `json:"recent_checks"`
	} `json:"health"`
}

// Status reports the current state, progress and resource usage.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	st := Status{
		State:     m.state,
		Progress:  m.progress,
		LastError: m.lastError,
		Recovery:  m.recoveryLocked(),
		Breakers: map[string]BreakerStatus{
			"start":  breakerStatus(m.startBreaker),
			"memory": breakerStatus(m.memoryBreaker),
		},
	}
	var proc *process.Process
	if m.cur != nil {
		st.PID = m.cur.pid
		proc = m.cur.proc
		start := m.startTime
		st.StartTime = &start
		st.UptimeSeconds = int64(time.Since(start).Seconds())
	}
	m.mu.Unlock()

	if proc != nil {
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			info := &MemoryInfo{RSSMB: toMB(mem.RSS), VMSMB: toMB(mem.VMS)}
			if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
				info.CPUPercent = math.Round(cpu*10) / 10
			}
			st.Memory = info
		}
	}
	return st
}

// PerformHealthCheck checks liveness, CPU, memory, progress freshness and
// responsiveness of the subprocess and records the result in the history.
// Only a running or paused process can be healthy.
func (m *Manager) PerformHealthCheck(ctx context.Context) HealthReport {
	m.mu.Lock()
	state := m.state
	lastUpdate := m.progress.LastUpdate
	var (
		proc   *process.Process
		exited chan struct{}
		pid    int
	)
	if m.cur != nil {
		proc, exited, pid = m.cur.proc, m.cur.exited, m.cur.pid
	}
	m.mu.Unlock()

	rep := HealthReport{Time: time.Now(), PID: pid, CPUOK: true, MemoryOK: true, ProgressOK: true, Responsive: true}
	issue := func(format string, args ...any) {
		rep.Issues = append(rep.Issues, fmt.Sprintf(format, args...))
	}

	if proc != nil {
		rep.ProcessExists = true
		select {
		case <-exited:
			rep.ProcessExists = false
		default:
			if ok, err := proc.IsRunningWithContext(ctx); err != nil || !ok {
				rep.ProcessExists = false
			}
		}
	}

	if !rep.ProcessExists {
		rep.Responsive = false
		issue("process not running")
	} else {
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			rep.CPUPercent = math.Round(cpu*10) / 10
			if cpu >= m.cfg.CPUThreshold {
				rep.CPUOK = false
				issue("cpu usage %.1f%% above %.0f%%", cpu, m.cfg.CPUThreshold)
			}
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			rep.MemoryMB = toMB(mem.RSS)
			if m.cfg.MaxMemoryMB > 0 && rep.MemoryMB > m.cfg.MaxMemoryMB {
				rep.MemoryOK = false
				issue("memory usage %.1fMB above %.0fMB", rep.MemoryMB, m.cfg.MaxMemoryMB)
			}
		}
		if status, err := proc.StatusWithContext(ctx); err == nil {
			if slices.Contains(status, process.Zombie) ||
				(state == StateRunning && slices.Contains(status, process.Stop)) {
				rep.Responsive = false
				issue("process status %s", strings.Join(status, ","))
			}
		}
	}

	if state == StateRunning && !lastUpdate.IsZero() {
		if since := time.Since(lastUpdate); since > m.cfg.ProgressStaleAfter {
			rep.ProgressOK = false
			issue("no progress for %s", since.Round(time.Second))
		}
	}
	if !state.active() {
		issue("state is %s", state)
	}

	rep.Healthy = state.active() && rep.ProcessExists && rep.CPUOK && rep.MemoryOK && rep.ProgressOK && rep.Responsive
	metrics.ObserveHealthCheck(rep.Healthy)

	m.mu.Lock()
	m.history = append(m.history, rep)
	if len(m.history) > healthHistorySize {
		m.history = m.history[len(m.history)-healthHistorySize:]
	}
	m.mu.Unlock()
	return rep
}

// HealthStatus runs a health check and reports it with the share of
// healthy checks in the recent history.
func (m *Manager) HealthStatus(ctx context.Context) HealthStatus {
	rep := m.PerformHealthCheck(ctx)
	hs := HealthStatus{Status: m.Status(ctx)}

	m.mu.Lock()
	healthy := 0
	for _, h := range m.history {
		if h.Healthy {
			healthy++
		}
	}
	n := len(m.history)
	m.mu.Unlock()

	hs.Health.Latest = rep
	hs.Health.RecentChecks = n
	if n > 0 {
		hs.Health.HealthPercentage = math.Round(float64(healthy)/float64(n)*1000) / 10
	}
	return hs
}

// monitorMemory runs the health check every MonitorInterval while r is
// current. A failed check moves a running or paused process to error.
func (m *Manager) monitorMemory(ctx context.Context, r *run) {
	t := time.NewTicker(m.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		rep := m.PerformHealthCheck(ctx)
		if rep.Healthy {
			continue
		}
		m.mu.Lock()
		if m.cur == r && m.state.active() && rep.ProcessExists {
			m.lastError = "health check failed: " + strings.Join(rep.Issues, "; ")
			m.logger.Warn("process health check failed", zap.Strings("issues", rep.Issues))
			m.setStateLocked(StateError)
		}
		m.mu.Unlock()
	}
}

// CleanupResult reports a memory cleanup pass.
type CleanupResult struct {
	Time           time.Time `json:"timestamp"`
	ProcessesFound int       `json:"processes_found"`
	MemoryBeforeMB float64   `json:"memory_before_mb"`
	MemoryAfterMB  float64   `json:"memory_after_mb"`
	Actions        []string  `json:"cleanup_actions"`
}

// CleanupMemory measures the memory of the subprocess and every process
// matching the kill patterns, releases the daemon's own free heap, and
// restarts the subprocess with its previous arguments when it is over the
// memory limit. It is guarded by the memory breaker.
func (m *Manager) CleanupMemory(ctx context.Context) (*CleanupResult, error) {
	res := &CleanupResult{Time: time.Now()}
	err := m.memoryBreaker.Execute(func() error {
		procs, err := m.trackedAndMatching(ctx)
		if err != nil {
			return err
		}
		res.ProcessesFound = len(procs)
		res.MemoryBeforeMB = totalRSS(ctx, procs)

		debug.FreeOSMemory()
		res.Actions = append(res.Actions, "released daemon heap")

		m.mu.Lock()
		over := m.state == StateRunning && m.cfg.MaxMemoryMB > 0 && m.cur != nil
		args := m.lastArgs
		var cur *process.Process
		if over {
			cur = m.cur.proc
		}
		m.mu.Unlock()

		if cur != nil {
			mem, err := cur.MemoryInfoWithContext(ctx)
			if err == nil && toMB(mem.RSS) > m.cfg.MaxMemoryMB {
				if _, err := m.Stop(ctx, m.cfg.StopTimeout); err != nil {
					return fmt.Errorf("stop for restart: %w", err)
				}
				if err := m.Start(ctx, args.daysBack, args.resumeFrom); err != nil {
					return fmt.Errorf("restart: %w", err)
				}
				res.Actions = append(res.Actions, "restarted process over memory limit")
			}
		}

		procs, err = m.trackedAndMatching(ctx)
		if err == nil {
			res.MemoryAfterMB = totalRSS(ctx, procs)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("memory cleanup failed", zap.Error(err))
		if errors.Is(err, breaker.ErrOpen) {
			return res, fmt.Errorf("%w: memory", ErrCircuitOpen)
		}
		return res, err
	}
	m.logger.Info("memory cleanup completed",
		zap.Int("processes", res.ProcessesFound),
		zap.Float64("before_mb", res.MemoryBeforeMB),
		zap.Float64("after_mb", res.MemoryAfterMB))
	m.deps.Oplog.LogOperation(ctx, "process_memory_cleanup", map[string]any{
		"processes_found": res.ProcessesFound, "memory_before_mb": res.MemoryBeforeMB, "memory_after_mb": res.MemoryAfterMB,
	})
	return res, nil
}

func (m *Manager) trackedAndMatching(ctx context.Context) ([]*process.Process, error) {
	procs, err := matchingProcesses(ctx, m.cfg.KillPatterns)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && !slices.ContainsFunc(procs, func(p *process.Process) bool { return p.Pid == m.cur.proc.Pid }) {
		procs = append(procs, m.cur.proc)
	}
	return procs, nil
}

// matchingProcesses lists processes, other than this one, whose command
// line contains any of patterns.
func matchingProcesses(ctx context.Context, patterns []string) ([]*process.Process, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	var out []*process.Process
	for _, p := range all {
		if p.Pid == self {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if matchesAny(args, patterns) {
			out = append(out, p)
		}
	}
	return out, nil
}

func matchesAny(args, patterns []string) bool {
	for _, a := range args {
		for _, p := range patterns {
			if p != "" && strings.Contains(a, p) {
				return true
			}
		}
	}
	return false
}

func totalRSS(ctx context.Context, procs []*process.Process) float64 {
	var total float64
	for _, p := range procs {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			total += toMB(mem.RSS)
		}
	}
	return math.Round(total*100) / 100
}

func toMB(b uint64) float64 {
	return math.Round(float64(b)/1024/1024*100) / 100
}

func breakerStatus(b *breaker.Breaker) BreakerStatus {
	st := b.GetStats()
	return BreakerStatus{
		State:      st.State,
		IsOpen:     st.State == breaker.StateOpen,
		Failures:   st.FailureCount,
		CanAttempt: canAttempt(st),
	}
}

func canAttempt(st breaker.Stats) bool {
	switch st.State {
	case breaker.StateOpen:
		return time.Since(st.LastFailureTime) >= st.RecoveryTimeout
	case breaker.StateHalfOpen:
		return !st.TrialInFlight
	default:
		return true
	}
}
