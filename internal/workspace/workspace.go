// Package workspace manages the isolated filesystem area owned by one
// server instance: its data directory, log location, and control socket dir.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tinypg/tinypg/internal/errors"
)

// State is the lifecycle state of a workspace.
type State int

const (
	// StateCreated indicates the directory tree exists but holds no data yet.
	StateCreated State = iota

	// StateInitialized indicates the data directory has been initialized and
	// the server can start from it.
	StateInitialized

	// StateDestroyed indicates the directory tree has been removed.
	StateDestroyed
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Workspace is the dedicated directory tree for one instance:
//
//	<base>/tinypg-<id>/
//	    data/       server data directory
//	    log/        server stdout/stderr capture
//	    (root)      unix socket directory
//
// A workspace is never reused across instances.
type Workspace struct {
	id   string
	root string

	mu    sync.Mutex
	state State
}

// Create builds the on-disk layout for a new workspace under baseDir.
// The instance ID keeps the directory name collision-free; Create fails
// rather than adopting a leftover directory with the same name.
func Create(baseDir, id string) (*Workspace, error) {
	root := filepath.Join(baseDir, "tinypg-"+id)

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.NewWorkspaceError("create", baseDir, err)
	}
	// Mkdir, not MkdirAll: an existing directory means an ID collision or a
	// stale leftover, and silently adopting it would break isolation.
	if err := os.Mkdir(root, 0700); err != nil {
		return nil, errors.NewWorkspaceError("create", root, err)
	}

	ws := &Workspace{id: id, root: root, state: StateCreated}
	for _, dir := range []string{ws.DataDir(), ws.LogDir()} {
		if err := os.Mkdir(dir, 0700); err != nil {
			_ = os.RemoveAll(root)
			return nil, errors.NewWorkspaceError("create", dir, err)
		}
	}

	return ws, nil
}

// Open rebuilds a Workspace handle for an existing directory tree.
// Used by the reaper to destroy workspaces it did not create.
func Open(root string) *Workspace {
	return &Workspace{
		id:    filepath.Base(root),
		root:  root,
		state: StateInitialized,
	}
}

// ID returns the owning instance's identifier.
func (w *Workspace) ID() string { return w.id }

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// DataDir returns the server data directory.
func (w *Workspace) DataDir() string { return filepath.Join(w.root, "data") }

// LogDir returns the log directory.
func (w *Workspace) LogDir() string { return filepath.Join(w.root, "log") }

// SocketDir returns the directory for the server's unix control socket.
// The root is used directly so the path stays short enough for sockaddr_un.
func (w *Workspace) SocketDir() string { return w.root }

// ServerLogPath returns the file capturing server stdout/stderr.
func (w *Workspace) ServerLogPath() string {
	return filepath.Join(w.LogDir(), "server.log")
}

// State returns the current lifecycle state.
func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// MarkInitialized records that the data directory is ready for the server.
func (w *Workspace) MarkInitialized() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateCreated {
		w.state = StateInitialized
	}
}

// Destroy recursively removes the workspace directory. It is idempotent and
// tolerates the tree being partially or fully removed already: a missing path
// must never fail the enclosing stop sequence.
func (w *Workspace) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateDestroyed {
		return nil
	}

	if err := os.RemoveAll(w.root); err != nil {
		if os.IsNotExist(err) {
			w.state = StateDestroyed
			return nil
		}
		return errors.NewWorkspaceError("destroy", w.root, err)
	}

	w.state = StateDestroyed
	return nil
}

// Exists reports whether the workspace root is still present on disk.
func (w *Workspace) Exists() bool {
	_, err := os.Stat(w.root)
	return err == nil
}

// TailServerLog returns up to maxBytes from the end of the server log, for
// inclusion in startup failure diagnostics. Returns "" when no log exists.
func (w *Workspace) TailServerLog(maxBytes int64) string {
	f, err := os.Open(w.ServerLogPath())
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	offset := int64(0)
	if info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}

// String implements fmt.Stringer.
func (w *Workspace) String() string {
	return fmt.Sprintf("workspace %s (%s)", w.id, w.State())
}
