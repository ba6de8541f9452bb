package tinypg

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tinypg/tinypg/internal/binary"
	"github.com/tinypg/tinypg/internal/config"
	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
	"github.com/tinypg/tinypg/internal/port"
	"github.com/tinypg/tinypg/internal/registry"
	"github.com/tinypg/tinypg/internal/supervisor"
	"github.com/tinypg/tinypg/internal/workspace"
)

// State represents an instance's lifecycle state.
type State int

const (
	// StateCreated is the initial state: configured, nothing acquired.
	StateCreated State = iota

	// StateStarting means resource acquisition and readiness wait are in
	// progress.
	StateStarting

	// StateReady means the server accepts connections.
	StateReady

	// StateStopping means teardown is in progress.
	StateStopping

	// StateStopped is the terminal state after a successful stop.
	StateStopped

	// StateFailed is terminal: startup rolled back, or a stop could not
	// confirm process exit.
	StateFailed
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// maxBindRetries bounds relaunch attempts when the server loses the port
// probe/bind race to a concurrent process. Only auto-assigned ports retry; a
// caller-requested port is never substituted.
const maxBindRetries = 3

// defaultAllocator is the process-wide port lease set, shared by every
// instance that does not bring its own. Two instances in one process can
// never probe their way onto the same port.
var defaultAllocator = port.NewAllocator(nil)

var (
	sharedRegOnce sync.Once
	sharedReg     *registry.Registry
	sharedRegErr  error
)

// sharedRegistry lazily creates the process-wide registry and starts its
// background reaper. Instances constructed with WithRegistry bypass this and
// leave sweeping to the caller.
func sharedRegistry(cfg *config.Config, logger *logging.Logger) (*registry.Registry, error) {
	sharedRegOnce.Do(func() {
		sharedReg, sharedRegErr = registry.New(cfg.Registry.ResolveDir(), logger)
		if sharedRegErr != nil {
			return
		}
		registry.NewReaper(sharedReg, cfg.Registry.SweepInterval(), logger).Start()
	})
	return sharedReg, sharedRegErr
}

// EphemeralDB is a single disposable PostgreSQL instance: its own data
// directory, its own port, its own server process. Start brings it to
// readiness or rolls back completely; Stop releases everything it acquired.
//
// An EphemeralDB is single-shot: once stopped or failed it cannot be
// restarted. Methods are safe for concurrent use.
type EphemeralDB struct {
	id     string
	opts   *options
	logger *logging.Logger
	sup    *supervisor.Supervisor
	alloc  *port.Allocator

	mu     sync.Mutex
	state  State
	reg    *registry.Registry
	ws     *workspace.Workspace
	lease  *port.Lease
	handle *supervisor.Handle
	uri    string
}

// New builds an instance from the given options. Nothing is acquired until
// Start; invalid options fail here.
func New(opts ...Option) (*EphemeralDB, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	if errs := o.cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	id := uuid.New().String()[:8]
	return &EphemeralDB{
		id:     id,
		opts:   o,
		logger: logger.WithInstance(id),
		sup:    supervisor.New(logger),
		alloc:  defaultAllocator,
		reg:    o.reg,
		state:  StateCreated,
	}, nil
}

// ID returns the instance identifier, also used in its workspace directory
// name and registry entry.
func (db *EphemeralDB) ID() string { return db.id }

// State returns the current lifecycle state.
func (db *EphemeralDB) State() State {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// URI returns the connection URI, or "" unless the instance is ready.
func (db *EphemeralDB) URI() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.uri
}

// Port returns the leased TCP port, or 0 unless the instance is ready.
func (db *EphemeralDB) Port() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.lease == nil {
		return 0
	}
	return db.lease.Port
}

// DataDir returns the server data directory, or "" before Start.
func (db *EphemeralDB) DataDir() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.ws == nil {
		return ""
	}
	return db.ws.DataDir()
}

// Start acquires everything the instance needs (binary, workspace, port,
// server process), waits for readiness, and returns the connection URI.
// On any failure every acquired resource is released in reverse order and
// the instance lands in the failed state; the returned error carries the
// tail of the server log when the server itself is what failed.
func (db *EphemeralDB) Start(ctx context.Context) (string, error) {
	db.mu.Lock()
	if db.state != StateCreated {
		state := db.state
		db.mu.Unlock()
		return "", fmt.Errorf("%w: instance is %s", errors.ErrAlreadyStarted, state)
	}
	db.state = StateStarting
	db.mu.Unlock()

	uri, err := db.start(ctx)

	db.mu.Lock()
	defer db.mu.Unlock()
	if err != nil {
		db.state = StateFailed
		db.logger.Error("start failed", "error", err.Error())
		return "", err
	}
	db.state = StateReady
	db.uri = uri
	db.logger.Info("instance ready", "uri", uri)
	return uri, nil
}

func (db *EphemeralDB) start(ctx context.Context) (string, error) {
	cfg := db.opts.cfg

	locator := binary.NewLocator(cfg.Binary, db.opts.fetcher, db.logger)
	bin, err := locator.Resolve(ctx)
	if err != nil {
		return "", err
	}

	ws, err := workspace.Create(cfg.Instance.ResolveBaseDir(), db.id)
	if err != nil {
		return "", err
	}
	db.mu.Lock()
	db.ws = ws
	db.mu.Unlock()

	if err := db.sup.InitDB(ctx, bin, ws); err != nil {
		db.discardWorkspace(ws)
		return "", err
	}

	attempts := maxBindRetries
	if cfg.Instance.Port != 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lease, err := db.alloc.Acquire(cfg.Instance.Port)
		if err != nil {
			db.discardWorkspace(ws)
			return "", err
		}

		uri := connURI(lease.Port)
		handle, err := db.sup.Launch(ctx, bin, ws, lease.Port, cfg.Instance.ServerArgs)
		if err != nil {
			db.alloc.Release(lease)
			db.discardWorkspace(ws)
			return "", err
		}

		err = db.sup.AwaitReady(ctx, handle, ws, uri, db.opts.startTimeout)
		if err == nil {
			db.mu.Lock()
			db.lease = lease
			db.handle = handle
			db.mu.Unlock()
			db.register(lease, handle, ws, uri)
			return uri, nil
		}
		lastErr = err

		// Reverse of acquisition: process, then port. The workspace is reused
		// across bind retries and discarded below on final failure.
		_ = db.sup.Terminate(handle, db.opts.stopGracePeriod)
		db.alloc.Release(lease)

		if errors.Is(lastErr, errors.ErrProcessCrashed) && supervisor.BindFailed(ws) {
			db.logger.Warn("lost port bind race, retrying with a fresh lease",
				"port", lease.Port, "attempt", attempt+1)
			continue
		}
		break
	}

	db.discardWorkspace(ws)
	return "", lastErr
}

// register records the live instance so the reaper can reclaim it if this
// process dies or forgets to stop it. Registration failure is logged, not
// fatal: the instance works without its safety net.
func (db *EphemeralDB) register(lease *port.Lease, handle *supervisor.Handle, ws *workspace.Workspace, uri string) {
	db.mu.Lock()
	reg := db.reg
	db.mu.Unlock()

	if reg == nil {
		var err error
		reg, err = sharedRegistry(db.opts.cfg, db.logger)
		if err != nil {
			db.logger.Warn("registry unavailable, instance will not be swept", "error", err.Error())
			return
		}
		db.mu.Lock()
		db.reg = reg
		db.mu.Unlock()
	}

	now := time.Now()
	entry := &registry.Entry{
		ID:            db.id,
		OwnerPID:      os.Getpid(),
		ServerPID:     handle.PID(),
		Port:          lease.Port,
		WorkspacePath: ws.Root(),
		URI:           uri,
		CreatedAt:     now,
		Deadline:      now.Add(db.opts.cleanupTimeout),
	}
	if err := reg.Add(entry, db.Stop); err != nil {
		db.logger.Warn("failed to register instance", "error", err.Error())
	}
}

// Stop tears the instance down: graceful server shutdown, port release,
// workspace removal (unless keep-data), registry deregistration. It is
// idempotent and safe to call from any state — during an in-flight Start it
// is a no-op, leaving rollback to the Start path. Release failures are
// logged and swallowed. The one fatal case is a server that survives
// SIGKILL: that error is returned and the held resources are deliberately
// not released, since the process may still be using them.
func (db *EphemeralDB) Stop() error {
	db.mu.Lock()
	switch db.state {
	case StateStopped, StateStopping, StateFailed:
		db.mu.Unlock()
		return nil
	case StateCreated:
		db.state = StateStopped
		db.mu.Unlock()
		return nil
	case StateStarting:
		// A deferred Stop racing an in-flight Start must stay benign; the
		// Start path owns rollback until it reaches Ready.
		db.mu.Unlock()
		return nil
	}
	db.state = StateStopping
	handle, lease, ws, reg := db.handle, db.lease, db.ws, db.reg
	db.mu.Unlock()

	if err := db.sup.Terminate(handle, db.opts.stopGracePeriod); err != nil {
		db.mu.Lock()
		db.state = StateFailed
		db.mu.Unlock()
		return err
	}

	var failures []error
	db.alloc.Release(lease)
	if !db.opts.cfg.Instance.KeepData {
		if err := ws.Destroy(); err != nil {
			failures = append(failures, err)
		}
	}
	if reg != nil {
		if err := reg.Remove(db.id); err != nil {
			failures = append(failures, err)
		}
	}

	db.mu.Lock()
	db.state = StateStopped
	db.uri = ""
	db.mu.Unlock()

	if err := errors.Aggregate("stop", failures...); err != nil {
		db.logger.Warn("stop released with failures", "error", err.Error())
	} else {
		db.logger.Info("instance stopped")
	}
	return nil
}

// Connect opens a pgx connection to the instance. The caller owns the
// connection and must close it before Stop.
func (db *EphemeralDB) Connect(ctx context.Context) (*pgx.Conn, error) {
	uri := db.URI()
	if uri == "" {
		return nil, errors.ErrNotRunning
	}
	return pgx.Connect(ctx, uri)
}

// discardWorkspace removes a workspace during startup rollback, honoring
// keep-data so failed runs can be inspected.
func (db *EphemeralDB) discardWorkspace(ws *workspace.Workspace) {
	if db.opts.cfg.Instance.KeepData {
		db.logger.Info("keeping workspace after failure", "path", ws.Root())
		return
	}
	if err := ws.Destroy(); err != nil {
		db.logger.Warn("failed to remove workspace", "error", err.Error())
	}
}

// connURI builds the instance connection URI. Authentication is trust-local:
// the cluster is initialized with a postgres superuser, no password, bound to
// loopback only.
func connURI(port int) string {
	return fmt.Sprintf("postgresql://postgres@127.0.0.1:%d/postgres", port)
}
