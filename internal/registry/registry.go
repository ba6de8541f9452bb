// Package registry provides process-wide bookkeeping of live server
// instances so that instances whose caller crashed or forgot to stop them
// can be detected and swept.
//
// Entries live both in memory (for instances owned by this process) and as
// JSON files on disk (so a later process, or the CLI, can find and reclaim
// strays whose owning process is gone). Entries are cleanup metadata only;
// they never own the instance.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
)

// Entry is the registry's weak back-reference to a live instance: just
// enough to find and release its resources, never used for ownership.
type Entry struct {
	ID            string    `json:"id"`
	OwnerPID      int       `json:"owner_pid"`
	ServerPID     int       `json:"server_pid"`
	Port          int       `json:"port"`
	WorkspacePath string    `json:"workspace_path"`
	URI           string    `json:"uri,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	// Deadline is when the cleanup timeout elapses; after this the reaper
	// may reclaim the instance even if its owner is still alive.
	Deadline time.Time `json:"deadline"`
}

// Expired reports whether the cleanup deadline has passed.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.Deadline)
}

// OwnerAlive reports whether the process that registered the entry is still
// running.
func (e *Entry) OwnerAlive() bool {
	return processAlive(e.OwnerPID)
}

// ServerAlive reports whether the server process itself is still running.
func (e *Entry) ServerAlive() bool {
	return processAlive(e.ServerPID)
}

// StopFunc tears an instance down. It must be idempotent: the reaper and an
// explicit Stop may both invoke it.
type StopFunc func() error

// Registry maps instance identifiers to their live resource set. It is safe
// for concurrent use; mutations are serialized, lookups may run concurrently.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	entries map[string]*Entry
	stops   map[string]StopFunc
	logger  *logging.Logger
}

// New creates a Registry persisting entry files under dir.
func New(dir string, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	return &Registry{
		dir:     dir,
		entries: make(map[string]*Entry),
		stops:   make(map[string]StopFunc),
		logger:  logger.WithComponent("registry"),
	}, nil
}

// Dir returns the registry's entry directory.
func (r *Registry) Dir() string { return r.dir }

// Add registers a live instance and persists its entry file. The stop
// function is retained for in-process sweeps; it may be nil for entries
// adopted from disk.
func (r *Registry) Add(e *Entry, stop StopFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	if err := os.WriteFile(r.entryPath(e.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write registry entry: %w", err)
	}

	r.entries[e.ID] = e
	if stop != nil {
		r.stops[e.ID] = stop
	}

	r.logger.Debug("instance registered", "instance_id", e.ID, "port", e.Port)
	return nil
}

// Remove deletes an instance's entry from memory and disk. Removing an
// unknown instance is a no-op: Stop and the reaper may race to remove the
// same entry and both must succeed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
	delete(r.stops, id)

	if err := os.Remove(r.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove registry entry: %w", err)
	}

	r.logger.Debug("instance deregistered", "instance_id", id)
	return nil
}

// Get returns the in-memory entry for an instance.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Live returns the in-memory entries, sorted by creation time.
func (r *Registry) Live() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LoadAll scans the entry directory and returns every persisted entry,
// including those registered by other processes. Unreadable files are
// skipped: a torn write from a dying process must not block sweeping the
// rest.
func (r *Registry) LoadAll() ([]*Entry, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, f.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.ID == "" {
			continue
		}
		out = append(out, &e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Find returns the persisted entry for an instance ID, whether or not it was
// registered by this process.
func (r *Registry) Find(id string) (*Entry, error) {
	if e, ok := r.Get(id); ok {
		return e, nil
	}

	data, err := os.ReadFile(r.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, id)
		}
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("corrupt registry entry for %s: %w", id, err)
	}
	return &e, nil
}

// stopFunc returns the retained stop function for an instance, if any.
func (r *Registry) stopFunc(id string) StopFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stops[id]
}

func (r *Registry) entryPath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// processAlive checks if a process with the given PID is still running.
// On Unix, sending signal 0 checks existence without affecting the process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
