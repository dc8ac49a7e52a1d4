package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/fentz26/ainews/internal/breaker"
	"github.com/fentz26/ainews/internal/config"
	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/models"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// healthHistorySize bounds the health check ring buffer.
const healthHistorySize = 10

// Scheduler runs fn after d and returns a function cancelling it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// SnapshotStore persists pause snapshots.
type SnapshotStore interface {
	SaveProcessSnapshot(ctx context.Context, snap models.ProcessSnapshot) (*models.ProcessSnapshot, error)
}

// OperationLog is a fire-and-forget event sink.
type OperationLog interface {
	LogOperation(ctx context.Context, name string, fields map[string]any)
	LogError(ctx context.Context, kind, message string, fields map[string]any)
}

type nopOplog struct{}

func (nopOplog) LogOperation(context.Context, string, map[string]any)     {}
func (nopOplog) LogError(context.Context, string, string, map[string]any) {}

// Deps are the optional collaborators of a Manager.
type Deps struct {
	Snapshots SnapshotStore
	Oplog     OperationLog
	Logger    *zap.Logger
	// Schedule defaults to time.AfterFunc.
	Schedule Scheduler
	// OnStateChange and OnProgress are called with the manager lock held
	// and must not call back into the manager.
	OnStateChange func(from, to State)
	OnProgress    func(Progress)
}

// run is one launched subprocess and the goroutines attached to it.
type run struct {
	cmd    *exec.Cmd
	proc   *process.Process
	pid    int
	exited chan struct{}
	cancel context.CancelFunc
}

// Manager supervises a single crawl subprocess.
type Manager struct {
	cfg    config.ProcessConfig
	deps   Deps
	logger *zap.Logger

	startBreaker  *breaker.Breaker
	memoryBreaker *breaker.Breaker

	mu        sync.Mutex
	state     State
	cur       *run
	startTime time.Time
	lastArgs  startArgs
	progress  Progress
	lastError string

	recoveryEnabled  bool
	recoveryAttempts int
	maxRecovery      int
	cancelRecovery   func()

	history []HealthReport

	autoRestartCancel context.CancelFunc
}

type startArgs struct {
	daysBack   int
	resumeFrom string
}

// New creates a manager in the idle state.
func New(cfg config.ProcessConfig, breakers config.BreakersConfig, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Oplog == nil {
		deps.Oplog = nopOplog{}
	}
	if deps.Schedule == nil {
		deps.Schedule = afterFunc
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.ProgressStaleAfter <= 0 {
		cfg.ProgressStaleAfter = 5 * time.Minute
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 90
	}

	onChange := func(name string, _, to breaker.State) {
		metrics.SetBreakerOpen(name, to == breaker.StateOpen)
	}
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "process")),
		startBreaker: breaker.New("start", breaker.Config{
			FailureThreshold: breakers.Start.FailureThreshold,
			RecoveryTimeout:  breakers.Start.RecoveryTimeout,
			OnStateChange:    onChange,
		}),
		memoryBreaker: breaker.New("memory", breaker.Config{
			FailureThreshold: breakers.Memory.FailureThreshold,
			RecoveryTimeout:  breakers.Memory.RecoveryTimeout,
			OnStateChange:    onChange,
		}),
		state:           StateIdle,
		recoveryEnabled: cfg.AutoRecovery,
		maxRecovery:     cfg.MaxRecoveryAttempts,
	}
	metrics.SetProcessState(string(StateIdle))
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the subprocess with --days-back and, when set,
// --resume-from. It refuses while a process is running or paused and
// while the start breaker is open.
func (m *Manager) Start(ctx context.Context, daysBack int, resumeFrom string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, startArgs{daysBack: daysBack, resumeFrom: resumeFrom}, false)
}

func (m *Manager) startLocked(ctx context.Context, args startArgs, recovery bool) error {
	switch {
	case m.state.active():
		return ErrAlreadyRunning
	case m.state == StateStopping || m.cur != nil:
		return fmt.Errorf("%w: %s", ErrInvalidState, m.state)
	case m.cfg.Command == "":
		return ErrNoCommand
	}
	if !m.startBreaker.CanAttempt() {
		m.logger.Warn("start rejected, circuit breaker open")
		return fmt.Errorf("%w: start", ErrCircuitOpen)
	}
	if !recovery {
		m.cancelPendingRecovery()
	}

	argv := append([]string{}, m.cfg.Args...)
	argv = append(argv, "--days-back", strconv.Itoa(args.daysBack))
	if args.resumeFrom != "" {
		argv = append(argv, "--resume-from", args.resumeFrom)
	}
	m.lastArgs = args

	cmd := exec.Command(m.cfg.Command, argv...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.WaitDelay = 2 * time.Second
	configureProc(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		m.startBreaker.RecordFailure()
		m.lastError = err.Error()
		m.setStateLocked(StateError)
		m.logger.Error("failed to start process", zap.String("command", m.cfg.Command), zap.Error(err))
		m.deps.Oplog.LogError(ctx, "process_start_failed", err.Error(), map[string]any{
			"command": m.cfg.Command, "recovery": recovery,
		})
		m.maybeRecoverLocked()
		return fmt.Errorf("start process: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		cmd:    cmd,
		proc:   &process.Process{Pid: int32(cmd.Process.Pid)},
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
		cancel: cancel,
	}
	m.cur = r
	m.startTime = time.Now()
	m.progress = Progress{}
	m.lastError = ""
	if !recovery {
		m.recoveryAttempts = 0
	}
	m.startBreaker.RecordSuccess()
	m.setStateLocked(StateRunning)

	go m.wait(r, pw)
	go m.monitorOutput(r, pr)
	go m.monitorMemory(monitorCtx, r)

	m.logger.Info("process started",
		zap.Int("pid", r.pid),
		zap.Strings("args", argv),
		zap.Bool("recovery", recovery))
	m.deps.Oplog.LogOperation(ctx, "process_started", map[string]any{
		"pid": r.pid, "days_back": args.daysBack, "resume_from": args.resumeFrom, "recovery": recovery,
	})
	return nil
}

// wait reaps the subprocess. An exit that nobody asked for is a crash,
// except a clean exit which means the crawl completed.
func (m *Manager) wait(r *run, pw *io.PipeWriter) {
	err := r.cmd.Wait()
	pw.Close()
	close(r.exited)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != r || m.state == StateStopping {
		return
	}
	if err == nil {
		m.logger.Info("process completed", zap.Int("pid", r.pid))
		m.clearLocked()
		m.setStateLocked(StateStopped)
		m.deps.Oplog.LogOperation(context.Background(), "process_completed", map[string]any{"pid": r.pid})
		return
	}
	m.handleCrashLocked(r, fmt.Sprintf("process exited: %v", err))
}

// Pause snapshots progress and suspends the subprocess.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning || m.cur == nil {
		return fmt.Errorf("%w: cannot pause in %s", ErrInvalidState, m.state)
	}

	snap := m.snapshotLocked()
	if err := m.saveSnapshot(ctx, snap); err != nil {
		m.logger.Warn("failed to save snapshot", zap.Error(err))
	}

	if err := m.cur.proc.SuspendWithContext(ctx); err != nil {
		if !m.aliveLocked(ctx) {
			m.clearLocked()
			m.setStateLocked(StateStopped)
		}
		return fmt.Errorf("suspend process: %w", err)
	}
	m.setStateLocked(StatePaused)
	m.logger.Info("process paused", zap.Int("pid", m.cur.pid), zap.String("current_source", snap.CurrentSource))
	m.deps.Oplog.LogOperation(ctx, "process_paused", map[string]any{
		"pid": m.cur.pid, "current_source": snap.CurrentSource, "processed_sources": snap.ProcessedSources,
	})
	return nil
}

// Resume continues a paused subprocess.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused || m.cur == nil {
		return fmt.Errorf("%w: cannot resume in %s", ErrInvalidState, m.state)
	}
	if err := m.cur.proc.ResumeWithContext(ctx); err != nil {
		if !m.aliveLocked(ctx) {
			m.clearLocked()
			m.setStateLocked(StateStopped)
		}
		return fmt.Errorf("resume process: %w", err)
	}
	m.setStateLocked(StateRunning)
	m.logger.Info("process resumed", zap.Int("pid", m.cur.pid))
	m.deps.Oplog.LogOperation(ctx, "process_resumed", map[string]any{"pid": m.cur.pid})
	return nil
}

// Stop terminates the subprocess gracefully, force killing it when it has
// not exited within timeout. A paused process is resumed first so it can
// handle the terminate signal. forced reports whether the kill was needed.
// A process left running in the error state can be stopped too.
func (m *Manager) Stop(ctx context.Context, timeout time.Duration) (forced bool, err error) {
	if timeout <= 0 {
		timeout = m.cfg.StopTimeout
	}

	m.mu.Lock()
	if m.cur == nil || !(m.state.active() || m.state == StateError) {
		state := m.state
		m.mu.Unlock()
		return false, fmt.Errorf("%w: cannot stop in %s", ErrInvalidState, state)
	}
	r := m.cur
	wasPaused := m.state == StatePaused
	m.cancelPendingRecovery()
	m.setStateLocked(StateStopping)
	r.cancel()
	m.mu.Unlock()

	log := m.logger.With(zap.Int("pid", r.pid))
	if wasPaused {
		if err := r.proc.ResumeWithContext(ctx); err != nil {
			log.Warn("failed to resume before stop", zap.Error(err))
		}
	}
	if err := r.proc.TerminateWithContext(ctx); err != nil {
		log.Warn("terminate failed", zap.Error(err))
	}

	select {
	case <-r.exited:
		log.Info("process stopped gracefully")
	case <-time.After(timeout):
		forced = true
		log.Warn("process did not stop in time, forcing kill", zap.Duration("timeout", timeout))
		if err := killGroup(r.pid); err != nil {
			log.Warn("group kill failed", zap.Error(err))
			_ = r.proc.KillWithContext(ctx)
		}
		select {
		case <-r.exited:
		case <-time.After(5 * time.Second):
			log.Error("process did not exit after kill")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == r {
		m.clearLocked()
	}
	m.setStateLocked(StateStopped)
	m.deps.Oplog.LogOperation(ctx, "process_stopped", map[string]any{"pid": r.pid, "forced": forced})
	return forced, nil
}

// EmergencyStop kills every OS process whose command line contains one of
// the configured patterns, plus the tracked subprocess, and always ends in
// the stopped state. It returns the pids it killed.
func (m *Manager) EmergencyStop(ctx context.Context) []int32 {
	m.logger.Warn("emergency stop requested")

	m.mu.Lock()
	r := m.cur
	m.cancelPendingRecovery()
	m.setStateLocked(StateStopping)
	if r != nil {
		r.cancel()
	}
	m.mu.Unlock()

	killed := m.killMatching(ctx)
	if r != nil {
		if err := killGroup(r.pid); err != nil {
			_ = r.proc.KillWithContext(ctx)
		}
		if !containsPid(killed, int32(r.pid)) {
			killed = append(killed, int32(r.pid))
		}
		select {
		case <-r.exited:
		case <-time.After(5 * time.Second):
			m.logger.Warn("tracked process did not exit after kill", zap.Int("pid", r.pid))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == r {
		m.clearLocked()
	}
	m.setStateLocked(StateStopped)
	m.logger.Info("emergency stop completed", zap.Int("killed", len(killed)))
	m.deps.Oplog.LogOperation(ctx, "process_emergency_stop", map[string]any{"killed": killed})
	return killed
}

func (m *Manager) killMatching(ctx context.Context) []int32 {
	var killed []int32
	procs, err := matchingProcesses(ctx, m.cfg.KillPatterns)
	if err != nil {
		m.logger.Warn("failed to list processes", zap.Error(err))
		return nil
	}
	for _, p := range procs {
		if err := p.KillWithContext(ctx); err != nil {
			m.logger.Debug("kill failed", zap.Int32("pid", p.Pid), zap.Error(err))
			continue
		}
		m.logger.Info("killed process", zap.Int32("pid", p.Pid))
		killed = append(killed, p.Pid)
	}
	return killed
}

// EnableRecovery toggles automatic recovery after crashes and failed
// starts. A negative maxAttempts keeps the current budget.
func (m *Manager) EnableRecovery(enabled bool, maxAttempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryEnabled = enabled
	if maxAttempts >= 0 {
		m.maxRecovery = maxAttempts
	}
	if !enabled {
		m.cancelPendingRecovery()
	}
	m.logger.Info("recovery configured", zap.Bool("enabled", enabled), zap.Int("max_attempts", m.maxRecovery))
}

// setStateLocked records a transition. Caller holds m.mu.
func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	metrics.SetProcessState(string(to))
	m.logger.Info("process state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	if m.deps.OnStateChange != nil {
		m.deps.OnStateChange(from, to)
	}
}

// clearLocked drops the current run and stops its monitors.
func (m *Manager) clearLocked() {
	if m.cur != nil {
		m.cur.cancel()
	}
	m.cur = nil
	m.startTime = time.Time{}
}

func (m *Manager) aliveLocked(ctx context.Context) bool {
	if m.cur == nil {
		return false
	}
	select {
	case <-m.cur.exited:
		return false
	default:
	}
	ok, err := m.cur.proc.IsRunningWithContext(ctx)
	return err == nil && ok
}

func containsPid(pids []int32, pid int32) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}
