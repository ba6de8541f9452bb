package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pidFileName is written by postgres into the data directory once the
// postmaster has started; its appearance gates the first connection probe
// so probing does not race initdb or early startup.
const pidFileName = "postmaster.pid"

// awaitPidFile blocks until the pid file appears in dataDir, the process
// exits, or ctx is done. It watches the directory with fsnotify and keeps a
// coarse polling fallback for filesystems where watch events are unreliable.
func awaitPidFile(ctx context.Context, h *Handle, dataDir string) error {
	pidPath := filepath.Join(dataDir, pidFileName)
	if fileExists(pidPath) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pollPidFile(ctx, h, pidPath)
	}
	defer watcher.Close()

	if err := watcher.Add(dataDir); err != nil {
		return pollPidFile(ctx, h, pidPath)
	}

	// Re-check after the watch is established: the file may have appeared in
	// the gap before Add.
	if fileExists(pidPath) {
		return nil
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.waitDone:
			return errProcessExited
		case ev := <-watcher.Events:
			if filepath.Base(ev.Name) == pidFileName && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				return nil
			}
		case <-watcher.Errors:
			// Fall back to polling on watcher trouble; the ticker below
			// already covers detection, so just keep looping.
		case <-ticker.C:
			if fileExists(pidPath) {
				return nil
			}
		}
	}
}

// pollPidFile is the watcher-free fallback.
func pollPidFile(ctx context.Context, h *Handle, pidPath string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.waitDone:
			return errProcessExited
		case <-ticker.C:
			if fileExists(pidPath) {
				return nil
			}
		}
	}
}

// errProcessExited is internal to the readiness wait; AwaitReady converts it
// into a proper crash error with log context.
var errProcessExited = os.ErrProcessDone

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
