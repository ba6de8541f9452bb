package cmd

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tinypg/tinypg/internal/registry"
)

func TestRenderInstanceTable_Empty(t *testing.T) {
	out := renderInstanceTable(nil, time.Now())
	if !strings.Contains(out, "No registered instances") {
		t.Errorf("empty table output = %q", out)
	}
}

func TestRenderInstanceTable_Entries(t *testing.T) {
	now := time.Now()
	entries := []*registry.Entry{
		{
			ID:        "abc123",
			ServerPID: os.Getpid(),
			Port:      15432,
			CreatedAt: now.Add(-90 * time.Second),
			Deadline:  now.Add(30 * time.Second),
		},
		{
			ID:        "def456",
			ServerPID: 0, // never alive
			Port:      15433,
			CreatedAt: now.Add(-time.Hour),
			Deadline:  now.Add(-time.Minute),
		},
	}

	out := renderInstanceTable(entries, now)
	for _, want := range []string{"abc123", "def456", "15432", "15433", "alive", "dead", "expired", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}
