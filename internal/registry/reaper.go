package registry

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
	"github.com/tinypg/tinypg/internal/workspace"
)

// Reaper periodically sweeps the registry and reclaims instances that were
// abandoned: their cleanup deadline passed, or the process that created them
// is gone. An instance owned by this process is stopped through its own stop
// function; a stray left by a dead process is reclaimed directly (kill the
// server, destroy the workspace, drop the entry).
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *logging.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a Reaper sweeping at the given interval.
func NewReaper(reg *Registry, interval time.Duration, logger *logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Reaper{
		registry: reg,
		interval: interval,
		logger:   logger.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *Reaper) Start() {
	go func() {
		defer close(r.doneCh)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if n, err := r.Sweep(); err != nil {
					r.logger.Warn("sweep finished with errors", "reclaimed", n, "error", err.Error())
				} else if n > 0 {
					r.logger.Info("sweep reclaimed instances", "reclaimed", n)
				}
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep, if any,
// to finish. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Sweep scans every persisted entry once and reclaims the abandoned ones.
// It returns how many instances were reclaimed; per-entry failures are
// aggregated rather than aborting the scan, so one wedged instance cannot
// shield the rest.
func (r *Reaper) Sweep() (int, error) {
	entries, err := r.registry.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to scan registry: %w", err)
	}

	now := time.Now()
	reclaimed := 0
	var failures []error

	for _, e := range entries {
		if !r.shouldReap(e, now) {
			continue
		}
		if err := r.Reap(e); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", e.ID, err))
			continue
		}
		reclaimed++
	}

	return reclaimed, errors.Aggregate("sweep", failures...)
}

// shouldReap decides whether an entry is abandoned.
func (r *Reaper) shouldReap(e *Entry, now time.Time) bool {
	if !e.OwnerAlive() {
		r.logger.Debug("owner process is gone", "instance_id", e.ID, "owner_pid", e.OwnerPID)
		return true
	}
	if e.Expired(now) {
		r.logger.Debug("cleanup deadline elapsed", "instance_id", e.ID, "deadline", e.Deadline)
		return true
	}
	return false
}

// Reap tears one instance down. Entries registered by this process go
// through their retained stop function so the owner's state machine observes
// the stop; strays are reclaimed directly.
func (r *Reaper) Reap(e *Entry) error {
	if stop := r.registry.stopFunc(e.ID); stop != nil {
		r.logger.Info("reaping in-process instance", "instance_id", e.ID)
		return stop()
	}
	return r.reclaimStray(e)
}

// reclaimStray kills a stray server process and releases its resources.
// Every step is best-effort and idempotent: the server may have already
// exited, the workspace may already be gone.
func (r *Reaper) reclaimStray(e *Entry) error {
	r.logger.Info("reclaiming stray instance",
		"instance_id", e.ID, "server_pid", e.ServerPID, "owner_pid", e.OwnerPID)

	var failures []error

	if err := killProcess(e.ServerPID); err != nil {
		failures = append(failures, fmt.Errorf("failed to kill server pid %d: %w", e.ServerPID, err))
	}

	if e.WorkspacePath != "" {
		if err := workspace.Open(e.WorkspacePath).Destroy(); err != nil {
			failures = append(failures, err)
		}
	}

	if err := r.registry.Remove(e.ID); err != nil {
		failures = append(failures, err)
	}

	return errors.Aggregate(fmt.Sprintf("reclaim %s", e.ID), failures...)
}

// killProcess terminates a process by PID: graceful signal first, SIGKILL if
// it is still alive shortly after. A PID that is already dead is a success.
func killProcess(pid int) error {
	if !processAlive(pid) {
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	// SIGINT requests a fast shutdown; postgres flushes and exits.
	_ = process.Signal(syscall.SIGINT)

	deadline := time.Now().Add(strayKillGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := process.Kill(); err != nil && processAlive(pid) {
		return err
	}

	// Brief confirmation wait after SIGKILL.
	deadline = time.Now().Add(strayKillGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: pid %d did not exit", errors.ErrStopTimeout, pid)
}

// strayKillGrace bounds each wait phase when reclaiming a stray process.
const strayKillGrace = 2 * time.Second
