// Package engine owns the local inference engine subprocess: spawning the
// vLLM wrapper, classifying its log stream into activation events, polling
// it to readiness, and tearing it down.
//
// A single Manager guards the single engine slot. All lifecycle transitions
// (activate, deactivate, force cleanup) serialize on the manager mutex;
// activation returns as soon as the subprocess is spawned and the rest of
// the startup is observable on the event bus.
package engine

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/scalytics/connectd/internal/bus"
	"github.com/scalytics/connectd/internal/cancel"
	"github.com/scalytics/connectd/internal/config"
	"github.com/scalytics/connectd/internal/events"
	"github.com/scalytics/connectd/internal/launch"
	"github.com/scalytics/connectd/internal/llm"
	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/modelmeta"
	"github.com/scalytics/connectd/internal/store"
)

// Pool status values reported to the admin API.
const (
	StatusIdle       = "idle"
	StatusActivating = "activating"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Manager supervises the engine subprocess. One per daemon.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	bus     *bus.Bus
	cancels *cancel.Registry
	client  *llm.EngineClient

	mu     sync.Mutex
	proc   *process
	status string

	// Positive readiness is cached briefly; any state transition
	// invalidates it.
	healthMu      sync.Mutex
	healthyUntil  time.Time
	cachedHealthy bool
}

// process is the handle for one spawned engine subprocess.
type process struct {
	cmd          *exec.Cmd
	modelID      int64
	modelName    string
	activationID string
	startedAt    time.Time

	// lastProgress holds the highest milestone percentage seen so far.
	// Log readers race on it, so transitions go through CAS.
	lastProgress atomic.Int32

	// stopping is set before a deliberate SIGTERM/SIGKILL so the exit
	// watcher can tell a shutdown from a crash.
	stopping atomic.Bool

	// terminalSent guards the one-terminal-event-per-activation rule:
	// whoever wins the CAS publishes Complete or Error; everyone else
	// stays quiet.
	terminalSent atomic.Bool

	done    chan struct{}
	exitErr error
}

// New creates a manager. The readiness probe client is bound to the engine
// port from the configuration.
func New(cfg *config.Config, st *store.Store, b *bus.Bus, cancels *cancel.Registry) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		bus:     b,
		cancels: cancels,
		client:  llm.NewEngineClient(cfg.Engine.URL(), readinessProbeTimeout),
		status:  StatusIdle,
	}
}

// publish sends an activation event on its keyed topic.
func (m *Manager) publish(ev events.ActivationEvent) {
	m.bus.Publish(events.Topic(events.Channel(ev), ev.ActivationID()), ev)
}

// broadcast sends a keyless notification topic.
func (m *Manager) broadcast(topic string) {
	m.bus.Publish(topic, struct{}{})
}

// Activate spawns the engine for modelID and returns the activation id
// without waiting for readiness. An already-running model is deactivated
// first; progress, debug, completion, and failure all arrive on the bus.
//
// activationID may be supplied by the caller (so it can subscribe before
// the first event fires); empty means generate one.
func (m *Manager) Activate(modelID int64, activationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, err := m.store.GetModel(modelID)
	if err != nil {
		return "", err
	}
	if model.IsExternal() {
		return "", fmt.Errorf("%w: %s", ErrNotLocal, model.Name)
	}
	if model.ModelFormat != store.FormatTorch {
		return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, model.Name, model.ModelFormat)
	}
	if _, err := os.Stat(model.ModelPath); err != nil {
		// The row is stale; stop advertising a model we cannot serve.
		if clearErr := m.store.ClearActive(model.ID); clearErr != nil {
			L_warn("engine: failed to deactivate missing model", "model", model.Name, "error", clearErr)
		}
		return "", fmt.Errorf("%w: %s at %s", ErrModelNotFoundOnDisk, model.Name, model.ModelPath)
	}

	if m.proc != nil {
		L_info("engine: switching models, deactivating current first",
			"current", m.proc.modelName, "next", model.Name)
		m.deactivateLocked()
	}

	if activationID == "" {
		activationID = uuid.NewString()
	}

	m.publish(events.Start{ID: activationID, ModelID: model.ID, ModelName: model.Name})

	proc, err := m.spawn(model, activationID)
	if err != nil {
		m.publish(events.Error{
			ID: activationID, ErrorMessage: err.Error(),
			ModelID: model.ID, ModelName: model.Name,
		})
		m.setStatus(StatusFailed)
		return activationID, err
	}

	m.proc = proc
	m.setStatus(StatusActivating)
	m.broadcast(events.TopicWorkerStatusChanged)

	go m.watchExit(proc)
	go m.pollReadiness(proc)

	L_info("engine: subprocess started", "model", model.Name,
		"pid", proc.cmd.Process.Pid, "activation", activationID)
	return activationID, nil
}

// spawn builds the launch plan, persists the snapshot, and starts the
// wrapper with both output streams wired into the log classifier.
func (m *Manager) spawn(model *store.Model, activationID string) (*process, error) {
	disk, err := modelmeta.Read(model.ModelPath)
	if err != nil {
		return nil, err
	}

	plan, err := launch.Build(model, disk, launch.Options{
		Port:        m.cfg.Engine.Port,
		DownloadDir: m.cfg.Engine.DownloadDir,
	})
	if err != nil {
		return nil, err
	}
	if err := launch.SaveSnapshot(m.cfg.Data.Dir, plan); err != nil {
		// Snapshots are advisory; a write failure must not block serving.
		L_warn("engine: failed to persist launch snapshot", "model", model.Name, "error", err)
	}

	argv := append([]string{m.cfg.Engine.WrapperScript}, plan.Args...)
	cmd := exec.Command(m.cfg.Engine.Python, argv...)
	cmd.Env = plan.Env
	// Own process group so the whole python/vLLM tree dies together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine subprocess: %w", err)
	}

	proc := &process{
		cmd:          cmd,
		modelID:      model.ID,
		modelName:    model.Name,
		activationID: activationID,
		startedAt:    time.Now(),
		done:         make(chan struct{}),
	}

	go m.readLines(proc, bufio.NewScanner(stdout), false)
	go m.readLines(proc, bufio.NewScanner(stderr), true)

	return proc, nil
}

// readLines streams one output pipe through the classifier, publishing a
// debug event per line and a progress event per new milestone.
func (m *Manager) readLines(proc *process, scanner *bufio.Scanner, stderrSource bool) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c := ClassifyLine(line, stderrSource)

		m.publish(events.Debug{
			ID: proc.activationID, Level: c.Level,
			Message: line, Timestamp: time.Now(),
		})

		if c.Progress == nil {
			continue
		}
		pct := int32(c.Progress.Pct)
		for {
			last := proc.lastProgress.Load()
			if pct <= last {
				// Engines restart loader phases; a regressing milestone is
				// informational, not forward movement.
				L_debug("engine: out-of-order milestone ignored",
					"seen", pct, "at", last, "activation", proc.activationID)
				break
			}
			if proc.lastProgress.CompareAndSwap(last, pct) {
				m.publish(events.Progress{
					ID: proc.activationID, ProgressPct: c.Progress.Pct,
					Message: line, Step: c.Progress.Step,
				})
				break
			}
		}
	}
}

// watchExit reaps the subprocess and hands the outcome to handleExit.
func (m *Manager) watchExit(proc *process) {
	proc.exitErr = proc.cmd.Wait()
	close(proc.done)
	m.handleExit(proc)
}

// handleExit runs crash cleanup after the subprocess is gone. A deliberate
// shutdown (stopping already set) is quiet. The activation-scoped error is
// published only when no terminal event went out yet; a crash after
// Complete surfaces through worker status and the broadcast topics alone.
func (m *Manager) handleExit(proc *process) {
	if proc.stopping.Load() {
		L_debug("engine: subprocess exited after shutdown", "model", proc.modelName)
		return
	}

	L_error("engine: subprocess exited unexpectedly",
		"model", proc.modelName, "error", proc.exitErr)

	if err := m.store.ClearActive(proc.modelID); err != nil {
		L_warn("engine: failed to clear active flag after crash", "error", err)
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
			ID:           proc.activationID,
			ErrorMessage: fmt.Sprintf("%v: %v", ErrSubprocessExited, proc.exitErr),
			ModelID:      proc.modelID,
			ModelName:    proc.modelName,
		})
	}
	m.broadcast(events.TopicWorkerStatusChanged)
	m.broadcast(events.TopicActiveModelChanged)
}

// DeactivateCurrent stops the running engine, if any. Idempotent: with no
// subprocess it still sweeps strays and returns nil.
func (m *Manager) DeactivateCurrent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateLocked()
	return nil
}

// deactivateLocked performs the graceful stop sequence: SIGTERM, grace
// period, SIGKILL, DB clear, stray sweep. Callers hold m.mu.
func (m *Manager) deactivateLocked() {
	proc := m.proc
	m.proc = nil

	if proc != nil {
		proc.stopping.Store(true)
		L_info("engine: stopping subprocess", "model", proc.modelName, "pid", proc.cmd.Process.Pid)

		// Negative pid signals the whole process group.
		_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGTERM)

		select {
		case <-proc.done:
		case <-time.After(m.cfg.Engine.GracePeriod):
			L_warn("engine: grace period expired, sending SIGKILL", "model", proc.modelName)
			_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
			<-proc.done
		}

		if err := m.store.ClearActive(proc.modelID); err != nil {
			L_warn("engine: failed to clear active flag", "error", err)
		}
	} else if model, err := m.store.ActiveModel(); err == nil {
		// No live handle but a row claims active: a previous daemon died
		// without cleaning up.
		if err := m.store.ClearActive(model.ID); err != nil {
			L_warn("engine: failed to clear stale active flag", "error", err)
		}
	}

	m.sweepStrays(2)
	m.setStatus(StatusIdle)
	m.broadcast(events.TopicWorkerStatusChanged)
	m.broadcast(events.TopicActiveModelChanged)
}

// ForceCleanup is the last-resort teardown: SIGKILL, drop the handle, sweep
// strays, clear DB state. It never fails; every step is best-effort.
func (m *Manager) ForceCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if proc := m.proc; proc != nil {
		proc.stopping.Store(true)
		_ = syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-proc.done:
		case <-time.After(5 * time.Second):
			L_warn("engine: force cleanup timed out waiting for exit", "model", proc.modelName)
		}
		if err := m.store.ClearActive(proc.modelID); err != nil {
			L_warn("engine: force cleanup failed to clear active flag", "error", err)
		}
		m.proc = nil
	} else if model, err := m.store.ActiveModel(); err == nil {
		if err := m.store.ClearActive(model.ID); err != nil {
			L_warn("engine: force cleanup failed to clear stale active flag", "error", err)
		}
	}

	m.sweepStrays(2)
	m.setStatus(StatusIdle)
	m.broadcast(events.TopicWorkerStatusChanged)
	m.broadcast(events.TopicActiveModelChanged)
	L_info("engine: force cleanup complete")
}

// setStatus records the pool status and invalidates the health cache.
// Callers hold m.mu.
func (m *Manager) setStatus(status string) {
	if m.status == status {
		return
	}
	m.status = status
	m.invalidateHealthCache()
}

func (m *Manager) invalidateHealthCache() {
	m.healthMu.Lock()
	m.healthyUntil = time.Time{}
	m.cachedHealthy = false
	m.healthMu.Unlock()
}

// PoolStatus is the admin-facing worker snapshot.
type PoolStatus struct {
	ActiveModelID    *int64   `json:"activeModelId"`
	IsProcessRunning bool     `json:"isProcessRunning"`
	Status           string   `json:"status"`
	AvailableModels  []string `json:"availableModels"`
}

// Status reports the current pool state. When the slot claims ready, the
// engine is re-probed unless a recent positive probe is still cached.
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	proc := m.proc
	status := m.status
	m.mu.Unlock()

	ps := PoolStatus{Status: status, AvailableModels: []string{}}
	if proc == nil {
		return ps
	}
	ps.IsProcessRunning = true
	id := proc.modelID
	ps.ActiveModelID = &id

	if status != StatusReady {
		return ps
	}

	healthy, models := m.probeHealth()
	if !healthy {
		ps.Status = StatusFailed
		return ps
	}
	ps.AvailableModels = models
	return ps
}

// probeHealth checks engine liveness with a short timeout, caching a
// positive answer for the configured duration.
func (m *Manager) probeHealth() (bool, []string) {
	m.healthMu.Lock()
	if m.cachedHealthy && time.Now().Before(m.healthyUntil) {
		m.healthMu.Unlock()
		return true, []string{}
	}
	m.healthMu.Unlock()

	ctx, cancelFn := probeContext(m.cfg.Admin.HealthCheckTimeout)
	defer cancelFn()
	models, err := m.client.ListModels(ctx)
	if err != nil {
		L_debug("engine: health probe failed", "error", err)
		return false, nil
	}

	m.healthMu.Lock()
	m.cachedHealthy = true
	m.healthyUntil = time.Now().Add(m.cfg.Admin.HealthCacheDuration)
	m.healthMu.Unlock()
	return true, models
}
