package engine

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/scalytics/connectd/internal/events"
	. "github.com/scalytics/connectd/internal/logging"
)

const (
	// readinessPollInterval is how often the engine is probed during startup.
	readinessPollInterval = 10 * time.Second
	// readinessProbeTimeout bounds a single probe request.
	readinessProbeTimeout = 8 * time.Second
	// stuckFailureThreshold is the consecutive-failure count that, combined
	// with the elapsed-time threshold, declares the engine stuck.
	stuckFailureThreshold = 20
)

func probeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// pollReadiness drives an activation from "subprocess running" to "model
// committed". It probes the engine until it serves a model list, the
// startup cap expires, the subprocess dies, the engine looks stuck, or the
// activation is cancelled. Exactly one terminal event is published on the
// failure paths; the success path publishes Complete.
func (m *Manager) pollReadiness(proc *process) {
	deadline := proc.startedAt.Add(m.cfg.Engine.StartupCap)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-proc.done:
			// watchExit owns the terminal event for crashes.
			return
		case <-ticker.C:
		}

		if m.cancels.IsRequested(proc.activationID) {
			m.cancels.Clear(proc.activationID)
			m.failActivation(proc, "activation cancelled by request")
			return
		}

		ctx, cancelFn := probeContext(readinessProbeTimeout)
		models, err := m.client.ListModels(ctx)
		cancelFn()

		if err == nil && len(models) > 0 {
			m.completeActivation(proc, models)
			return
		}

		failures++
		elapsed := time.Since(proc.startedAt)

		reason := "no response"
		if err != nil {
			reason = err.Error()
		} else {
			reason = "engine up but serving no models yet"
		}
		// One debug line per poll, not per probe internals.
		m.publish(events.Debug{
			ID: proc.activationID, Level: events.DebugInfo,
			Message:   fmt.Sprintf("waiting for engine: %s (%ds elapsed)", reason, int(elapsed.Seconds())),
			Timestamp: time.Now(),
		})

		if elapsed > m.cfg.Engine.StuckAfter && failures > stuckFailureThreshold {
			m.failActivation(proc, ErrEngineStuck.Error())
			return
		}
		if time.Now().After(deadline) {
			m.failActivation(proc, ErrStartupTimeout.Error())
			return
		}
	}
}

// completeActivation commits the model as active and publishes the ready
// sequence. Losing the terminal CAS means a crash handler already closed
// this activation out.
func (m *Manager) completeActivation(proc *process, served []string) {
	if err := m.store.CommitActivation(proc.modelID); err != nil {
		m.failActivation(proc, fmt.Sprintf("engine ready but activation commit failed: %v", err))
		return
	}
	if !proc.terminalSent.CompareAndSwap(false, true) {
		// A crash handler closed this activation out between the probe and
		// the commit; undo the commit.
		if err := m.store.ClearActive(proc.modelID); err != nil {
			L_warn("engine: failed to roll back activation commit", "error", err)
		}
		return
	}

	m.mu.Lock()
	if m.proc == proc {
		m.setStatus(StatusReady)
	}
	m.mu.Unlock()

	L_info("engine: model ready", "model", proc.modelName,
		"served", served, "elapsed", time.Since(proc.startedAt).Round(time.Second))

	m.publish(events.Progress{
		ID: proc.activationID, ProgressPct: 100,
		Message: "model ready", Step: "ready",
	})
	m.publish(events.Complete{
		ID: proc.activationID, ModelID: proc.modelID, ModelName: proc.modelName,
		ProgressPct: 100, Step: "ready",
	})
	m.broadcast(events.TopicActiveModelChanged)
	m.broadcast(events.TopicWorkerStatusChanged)
}

// failActivation kills the subprocess, clears persisted state, and
// publishes the terminal error.
func (m *Manager) failActivation(proc *process, reason string) {
	L_error("engine: activation failed", "model", proc.modelName, "reason", reason)

	proc.stopping.Store(true)
	if proc.cmd.Process != nil {
		_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
	}
	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		L_warn("engine: subprocess did not exit after SIGKILL", "model", proc.modelName)
	}

	if err := m.store.ClearActive(proc.modelID); err != nil {
		L_warn("engine: failed to clear active flag", "error", err)
	}

	m.mu.Lock()
	if m.proc == proc {
		m.proc = nil
		m.setStatus(StatusFailed)
	}
	m.mu.Unlock()

	m.sweepStrays(1)

	if proc.terminalSent.CompareAndSwap(false, true) {
		m.publish(events.Error{
			ID: proc.activationID, ErrorMessage: reason,
			ModelID: proc.modelID, ModelName: proc.modelName,
		})
	}
	m.broadcast(events.TopicWorkerStatusChanged)
}
