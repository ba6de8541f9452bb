// Package supervisor spawns and supervises a PostgreSQL server process:
// data directory initialization, launch, readiness polling, and
// graceful-then-forced termination with exit confirmation.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tinypg/tinypg/internal/binary"
	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
	"github.com/tinypg/tinypg/internal/workspace"
)

// ProcState represents the last observed state of a supervised process.
type ProcState int

const (
	// StateStarting indicates the process is launched but not yet ready.
	StateStarting ProcState = iota

	// StateReady indicates readiness was confirmed.
	StateReady

	// StateStopping indicates termination is in progress.
	StateStopping

	// StateExited indicates the process has exited.
	StateExited
)

// String returns a human-readable string for the state.
func (s ProcState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Handle is the supervisor's view of one running server process.
// Once the process exits the handle is invalid: further lifecycle operations
// fail with ErrNotRunning instead of acting on a recycled PID.
type Handle struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	state     ProcState
	exitCode  int

	waitDone chan struct{}
	waitOnce sync.Once
	waitErr  error
}

// PID returns the OS process identifier.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// State returns the last observed process state.
func (h *Handle) State() ProcState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.waitDone:
		return true
	default:
		return false
	}
}

// ExitCode returns the process exit code; ok is false until the process
// has exited.
func (h *Handle) ExitCode() (code int, ok bool) {
	if !h.Exited() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Done returns a channel closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// setState updates the observed state unless the process already exited.
func (h *Handle) setState(s ProcState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateExited {
		h.state = s
	}
}

// Prober checks whether the server behind uri accepts connections.
type Prober func(ctx context.Context, uri string) error

// Supervisor launches and terminates server processes.
type Supervisor struct {
	logger *logging.Logger
	prober Prober
}

// New creates a Supervisor. The default readiness prober opens and pings a
// real connection via pgx.
func New(logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Supervisor{
		logger: logger.WithComponent("supervisor"),
		prober: pgxProber,
	}
}

// SetProber overrides the readiness prober. Used by tests to supervise stub
// server binaries that are not real PostgreSQL.
func (s *Supervisor) SetProber(p Prober) {
	if p != nil {
		s.prober = p
	}
}

// InitDB initializes the workspace's data directory with initdb, unless it
// is already initialized. Output is captured into the workspace's server log
// for postmortem diagnosis.
func (s *Supervisor) InitDB(ctx context.Context, bin *binary.ServerBinary, ws *workspace.Workspace) error {
	if _, err := os.Stat(filepath.Join(ws.DataDir(), "PG_VERSION")); err == nil {
		ws.MarkInitialized()
		return nil
	}

	logFile, err := openServerLog(ws)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, bin.InitDB,
		"-D", ws.DataDir(),
		"-U", "postgres",
		"-A", "trust",
		"--no-sync",
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("initdb failed (see %s): %w", ws.ServerLogPath(), err)
	}

	ws.MarkInitialized()
	s.logger.Debug("data directory initialized", "data_dir", ws.DataDir())
	return nil
}

// Launch spawns the server bound to the workspace's data directory and the
// leased port, capturing stdout/stderr into the workspace's log location.
func (s *Supervisor) Launch(ctx context.Context, bin *binary.ServerBinary, ws *workspace.Workspace, port int, extraArgs []string) (*Handle, error) {
	logFile, err := openServerLog(ws)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		_ = logFile.Close()
		return nil, err
	}

	args := []string{
		"-D", ws.DataDir(),
		"-p", fmt.Sprintf("%d", port),
		"-k", ws.SocketDir(),
		"-c", "listen_addresses=127.0.0.1",
		"-F", // fsync off: data is disposable by definition
	}
	args = append(args, extraArgs...)

	// Deliberately not CommandContext: the server must outlive the startup
	// context. Cancellation during startup is the caller's concern (it stops
	// waiting and calls Terminate); a context that expires after readiness
	// must not kill a healthy server.
	cmd := exec.Command(bin.Path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so signals aimed at the caller's terminal do not
	// reach the server before our termination sequence does.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		state:     StateStarting,
		waitDone:  make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		_ = logFile.Close()

		h.mu.Lock()
		h.state = StateExited
		h.exitCode = cmd.ProcessState.ExitCode()
		h.mu.Unlock()

		h.waitOnce.Do(func() {
			h.waitErr = err
			close(h.waitDone)
		})
	}()

	s.logger.Debug("server launched", "pid", h.pid, "port", port)
	return h, nil
}

// AwaitReady polls until the server accepts connections or the timeout
// elapses. The workspace and its logs are left intact on failure so the
// caller can inspect them before teardown.
//
// Readiness has two phases: first the pid file appearing in the data
// directory (watched, with a polling fallback), then connection probes with
// a short backoff.
func (s *Supervisor) AwaitReady(ctx context.Context, h *Handle, ws *workspace.Workspace, uri string, timeout time.Duration) error {
	if h == nil || h.Exited() {
		return s.crashError(h, ws)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := awaitPidFile(ctx, h, ws.DataDir()); err != nil {
		return s.classifyWaitError(err, h, ws)
	}

	// Poll interval starts small and backs off
	pollInterval := 50 * time.Millisecond
	maxPollInterval := 500 * time.Millisecond

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.classifyWaitError(ctx.Err(), h, ws)
		case <-h.waitDone:
			return s.crashError(h, ws)
		case <-ticker.C:
			probeCtx, probeCancel := context.WithTimeout(ctx, pollInterval*4)
			err := s.prober(probeCtx, uri)
			probeCancel()
			if err == nil {
				h.setState(StateReady)
				s.logger.Debug("server ready", "pid", h.pid)
				return nil
			}

			if pollInterval < maxPollInterval {
				pollInterval *= 2
				if pollInterval > maxPollInterval {
					pollInterval = maxPollInterval
				}
				ticker.Reset(pollInterval)
			}
		}
	}
}

// classifyWaitError distinguishes a crash from a timeout from cancellation.
func (s *Supervisor) classifyWaitError(err error, h *Handle, ws *workspace.Workspace) error {
	if h.Exited() {
		return s.crashError(h, ws)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s (logs: %s)",
			errors.ErrStartTimeout, time.Since(h.startedAt).Round(time.Millisecond), ws.ServerLogPath())
	}
	return err
}

// crashError builds an ErrProcessCrashed including the tail of the server
// log, which almost always names the actual cause (bad option, bind failure,
// corrupt data directory).
func (s *Supervisor) crashError(h *Handle, ws *workspace.Workspace) error {
	code := -1
	if h != nil {
		if c, ok := h.ExitCode(); ok {
			code = c
		}
	}
	tail := strings.TrimSpace(ws.TailServerLog(512))
	if tail != "" {
		return fmt.Errorf("%w (exit code %d): %s", errors.ErrProcessCrashed, code, tail)
	}
	return fmt.Errorf("%w (exit code %d, logs: %s)", errors.ErrProcessCrashed, code, ws.ServerLogPath())
}

// Terminate shuts the server down: a graceful fast-shutdown signal first,
// then SIGKILL after gracePeriod, always waiting (bounded) for exit
// confirmation so port and workspace release only happen after the OS has
// reclaimed the process. Terminating an already-exited process is a no-op.
func (s *Supervisor) Terminate(h *Handle, gracePeriod time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	h.setState(StateStopping)

	// SIGINT is postgres's "fast" shutdown: abort active transactions,
	// flush, exit.
	if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil {
		// Signal delivery failing usually means the process just exited.
		if h.Exited() {
			return nil
		}
		s.logger.Warn("graceful shutdown signal failed", "pid", h.pid, "error", err.Error())
	}

	select {
	case <-h.waitDone:
		s.logger.Debug("server exited gracefully", "pid", h.pid)
		return nil
	case <-time.After(gracePeriod):
	}

	s.logger.Warn("grace period elapsed, force-killing server", "pid", h.pid)
	if err := h.cmd.Process.Kill(); err != nil && !h.Exited() {
		s.logger.Error("force kill failed", "pid", h.pid, "error", err.Error())
	}

	// Bounded confirmation wait. A process that survives SIGKILL is stuck in
	// the kernel; surfacing that is an operator problem, not a retry case.
	select {
	case <-h.waitDone:
		return nil
	case <-time.After(killConfirmTimeout):
		return fmt.Errorf("%w: pid %d", errors.ErrStopTimeout, h.pid)
	}
}

// killConfirmTimeout bounds the wait for exit confirmation after SIGKILL.
const killConfirmTimeout = 10 * time.Second

// BindFailed reports whether the server log shows a port-bind failure, the
// residual TOCTOU race between the port probe and the real bind. Callers
// retry with a fresh lease when this is the crash cause.
func BindFailed(ws *workspace.Workspace) bool {
	tail := ws.TailServerLog(4096)
	return strings.Contains(tail, "could not bind") ||
		strings.Contains(tail, "Address already in use") ||
		strings.Contains(tail, "address already in use")
}

// openServerLog opens the workspace server log for appending.
func openServerLog(ws *workspace.Workspace) (*os.File, error) {
	f, err := os.OpenFile(ws.ServerLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open server log: %w", err)
	}
	return f, nil
}

// pgxProber is the default readiness check: open a real connection and ping.
func pgxProber(ctx context.Context, uri string) error {
	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}
