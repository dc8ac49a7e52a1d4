package process

import (
	"context"
	"time"

	"github.com/fentz26/ainews/internal/metrics"
	"go.uber.org/zap"
)

// maxRecoveryDelay caps the delay between recovery attempts.
const maxRecoveryDelay = 300 * time.Second

// RecoveryDelay is the wait before the given (1-based) recovery attempt.
func RecoveryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 60 * time.Second
	if d > maxRecoveryDelay {
		return maxRecoveryDelay
	}
	return d
}

// handleCrashLocked moves to error, drops r and schedules a recovery if
// the budget allows. Calls for a run that is no longer current are ignored.
func (m *Manager) handleCrashLocked(r *run, reason string) {
	if m.cur != r {
		return
	}
	m.logger.Error("process crashed", zap.Int("pid", r.pid), zap.String("reason", reason))
	m.lastError = reason
	m.setStateLocked(StateError)
	m.clearLocked()
	m.deps.Oplog.LogError(context.Background(), "process_crashed", reason, map[string]any{
		"pid": r.pid, "recovery_attempts": m.recoveryAttempts,
	})
	m.maybeRecoverLocked()
}

// maybeRecoverLocked schedules a recovery when enabled and attempts remain.
func (m *Manager) maybeRecoverLocked() {
	if !m.recoveryEnabled || m.cancelRecovery != nil {
		return
	}
	if m.recoveryAttempts >= m.maxRecovery {
		m.logger.Error("recovery attempts exhausted, giving up",
			zap.Int("attempts", m.recoveryAttempts),
			zap.Int("max_attempts", m.maxRecovery))
		m.deps.Oplog.LogError(context.Background(), "process_recovery_exhausted", m.lastError, map[string]any{
			"attempts": m.recoveryAttempts,
		})
		return
	}

	m.recoveryAttempts++
	attempt := m.recoveryAttempts
	delay := RecoveryDelay(attempt)
	metrics.ObserveRestart()
	m.logger.Info("scheduling recovery", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	var cancelled bool
	cancel := m.deps.Schedule(delay, func() { m.runRecovery(attempt, &cancelled) })
	m.cancelRecovery = func() {
		cancelled = true
		cancel()
	}
}

// runRecovery is the body of a scheduled recovery attempt.
func (m *Manager) runRecovery(attempt int, cancelled *bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *cancelled {
		return
	}
	m.cancelRecovery = nil
	if m.state.active() || m.state == StateStopping {
		m.logger.Info("recovery skipped, process already running", zap.Int("attempt", attempt))
		return
	}
	m.logger.Info("attempting recovery", zap.Int("attempt", attempt))
	if err := m.startLocked(context.Background(), m.lastArgs, true); err != nil {
		m.logger.Warn("recovery attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// cancelPendingRecovery drops a scheduled recovery. Caller holds m.mu.
func (m *Manager) cancelPendingRecovery() {
	if m.cancelRecovery != nil {
		m.cancelRecovery()
		m.cancelRecovery = nil
	}
}

func (m *Manager) recoveryLocked() RecoveryStatus {
	return RecoveryStatus{
		Enabled:     m.recoveryEnabled,
		Attempts:    m.recoveryAttempts,
		MaxAttempts: m.maxRecovery,
		Pending:     m.cancelRecovery != nil,
	}
}

// EnableAutoRestart starts the health monitor: every HealthInterval a
// running process that fails its health check because it is gone is
// handled as a crash. It runs until ctx is done or DisableAutoRestart.
func (m *Manager) EnableAutoRestart(ctx context.Context) {
	m.mu.Lock()
	if m.autoRestartCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.autoRestartCancel = cancel
	m.mu.Unlock()

	m.logger.Info("auto restart enabled", zap.Duration("interval", m.cfg.HealthInterval))
	go m.monitorHealth(ctx)
}

// DisableAutoRestart stops the health monitor.
func (m *Manager) DisableAutoRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.autoRestartCancel != nil {
		m.autoRestartCancel()
		m.autoRestartCancel = nil
	}
}

func (m *Manager) monitorHealth(ctx context.Context) {
	t := time.NewTicker(m.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		m.checkCrashed(ctx)
	}
}

func (m *Manager) checkCrashed(ctx context.Context) {
	m.mu.Lock()
	r, state := m.cur, m.state
	m.mu.Unlock()
	if state != StateRunning || r == nil {
		return
	}

	rep := m.PerformHealthCheck(ctx)
	if rep.Healthy || rep.ProcessExists {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handleCrashLocked(r, "health monitor: process disappeared")
}
