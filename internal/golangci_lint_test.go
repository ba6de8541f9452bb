package internal

import (
	"os"
	"os/exec"
	"testing"
)

// TestGolangciLintCompliance runs golangci-lint over the whole module.
// Skipped when golangci-lint is not installed.
func TestGolangciLintCompliance(t *testing.T) {
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH, skipping test")
	}

	projectRoot := findProjectRoot(t)

	// Per-test build cache so the run works on sandboxed runners with a
	// read-only default cache.
	cmd := exec.Command("golangci-lint", "run", "--allow-parallel-runners", "./...")
	cmd.Dir = projectRoot
	cmd.Env = append(os.Environ(), "GOCACHE="+t.TempDir())

	if output, err := cmd.CombinedOutput(); err != nil {
		t.Errorf("golangci-lint found issues:\n%s", output)
	}
}
