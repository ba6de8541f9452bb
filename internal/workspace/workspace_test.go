package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinypg/tinypg/internal/errors"
)

func TestCreate_Layout(t *testing.T) {
	base := t.TempDir()

	ws, err := Create(base, "abc123")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if ws.Root() != filepath.Join(base, "tinypg-abc123") {
		t.Errorf("Root() = %q", ws.Root())
	}
	for _, dir := range []string{ws.DataDir(), ws.LogDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
	if ws.State() != StateCreated {
		t.Errorf("State() = %v, want created", ws.State())
	}
}

func TestCreate_CollisionFails(t *testing.T) {
	base := t.TempDir()

	if _, err := Create(base, "dup"); err != nil {
		t.Fatal(err)
	}

	_, err := Create(base, "dup")
	if err == nil {
		t.Fatal("Create() with colliding ID should fail")
	}
	var wsErr *errors.WorkspaceError
	if !errors.As(err, &wsErr) {
		t.Errorf("error = %v, want *WorkspaceError", err)
	}
}

func TestCreate_DistinctWorkspaces(t *testing.T) {
	base := t.TempDir()

	a, err := Create(base, "one")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Create(base, "two")
	if err != nil {
		t.Fatal(err)
	}

	if a.Root() == b.Root() {
		t.Error("two workspaces must not share a directory")
	}
}

func TestMarkInitialized(t *testing.T) {
	ws, err := Create(t.TempDir(), "init")
	if err != nil {
		t.Fatal(err)
	}

	ws.MarkInitialized()
	if ws.State() != StateInitialized {
		t.Errorf("State() = %v, want initialized", ws.State())
	}
}

func TestDestroy_RemovesTree(t *testing.T) {
	ws, err := Create(t.TempDir(), "gone")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.DataDir(), "PG_VERSION"), []byte("16"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := ws.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if ws.Exists() {
		t.Error("workspace directory should not exist after Destroy()")
	}
	if ws.State() != StateDestroyed {
		t.Errorf("State() = %v, want destroyed", ws.State())
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	ws, err := Create(t.TempDir(), "twice")
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.Destroy(); err != nil {
		t.Fatalf("first Destroy() error = %v", err)
	}
	if err := ws.Destroy(); err != nil {
		t.Errorf("second Destroy() error = %v, want nil", err)
	}
}

func TestDestroy_ToleratesExternalRemoval(t *testing.T) {
	ws, err := Create(t.TempDir(), "ext")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate an external cleanup racing ours.
	if err := os.RemoveAll(ws.Root()); err != nil {
		t.Fatal(err)
	}

	if err := ws.Destroy(); err != nil {
		t.Errorf("Destroy() after external removal = %v, want nil", err)
	}
}

func TestOpen_AllowsDestroy(t *testing.T) {
	base := t.TempDir()
	ws, err := Create(base, "orphan")
	if err != nil {
		t.Fatal(err)
	}

	// A different handle (as the reaper would construct) can destroy it.
	reopened := Open(ws.Root())
	if err := reopened.Destroy(); err != nil {
		t.Fatalf("Destroy() via Open() handle error = %v", err)
	}
	if ws.Exists() {
		t.Error("workspace should be gone after reaper-style destroy")
	}
}

func TestTailServerLog(t *testing.T) {
	ws, err := Create(t.TempDir(), "logs")
	if err != nil {
		t.Fatal(err)
	}

	if got := ws.TailServerLog(1024); got != "" {
		t.Errorf("TailServerLog() with no log = %q, want empty", got)
	}

	content := "FATAL:  could not bind IPv4 address\n"
	if err := os.WriteFile(ws.ServerLogPath(), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	if got := ws.TailServerLog(1024); got != content {
		t.Errorf("TailServerLog() = %q, want %q", got, content)
	}

	// Tail respects the byte bound.
	if got := ws.TailServerLog(4); got != "ess\n" {
		t.Errorf("TailServerLog(4) = %q, want last 4 bytes", got)
	}
}

func TestTailServerLog_Bound(t *testing.T) {
	ws, err := Create(t.TempDir(), "tail")
	if err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("x", 100) + "END"
	if err := os.WriteFile(ws.ServerLogPath(), []byte(long), 0600); err != nil {
		t.Fatal(err)
	}

	got := ws.TailServerLog(10)
	if len(got) != 10 || !strings.HasSuffix(got, "END") {
		t.Errorf("TailServerLog(10) = %q, want 10-byte suffix ending in END", got)
	}
}
