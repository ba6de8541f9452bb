package tinypg

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinypg/tinypg/internal/config"
	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/registry"
)

// Stub server scripts, executed in place of real postgres/initdb binaries.
// The launch argument order is fixed (-D <datadir> ...), so $2 is always the
// data directory.
const (
	healthyServerScript = `#!/bin/sh
DATADIR=$2
echo "$$" > "$DATADIR/postmaster.pid"
trap 'rm -f "$DATADIR/postmaster.pid"; exit 0' INT TERM
while true; do sleep 1; done
`

	crashServerScript = `#!/bin/sh
echo "FATAL:  bogus configuration value"
exit 1
`

	// bindRaceScript loses the port bind on its first launch only, the way a
	// concurrent process stealing the probed port would look.
	bindRaceScript = `#!/bin/sh
DATADIR=$2
if [ ! -f "$DATADIR/bind-attempted" ]; then
  touch "$DATADIR/bind-attempted"
  echo "FATAL:  could not bind IPv4 address \"127.0.0.1\": Address already in use"
  exit 1
fi
echo "$$" > "$DATADIR/postmaster.pid"
trap 'rm -f "$DATADIR/postmaster.pid"; exit 0' INT TERM
while true; do sleep 1; done
`

	stubInitDBScript = `#!/bin/sh
echo "16" > "$2/PG_VERSION"
`
)

// stubBinary writes stub postgres/initdb scripts and returns the postgres
// path for WithBinaryPath.
func stubBinary(t *testing.T, serverScript string) string {
	t.Helper()

	binDir := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))

	pgPath := filepath.Join(binDir, "postgres")
	require.NoError(t, os.WriteFile(pgPath, []byte(serverScript), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "initdb"), []byte(stubInitDBScript), 0755))
	return pgPath
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "instances"), nil)
	require.NoError(t, err)
	return reg
}

// newTestDB builds an instance backed by a stub server, with the readiness
// prober short-circuited since the stub is not a real postgres.
func newTestDB(t *testing.T, serverScript string, extra ...Option) *EphemeralDB {
	t.Helper()

	opts := append([]Option{
		WithBinaryPath(stubBinary(t, serverScript)),
		WithBaseDir(t.TempDir()),
		WithRegistry(testRegistry(t)),
		WithStartTimeout(5 * time.Second),
		WithStopGracePeriod(2 * time.Second),
	}, extra...)

	db, err := New(opts...)
	require.NoError(t, err)
	db.sup.SetProber(func(context.Context, string) error { return nil })
	t.Cleanup(func() { _ = db.Stop() })
	return db
}

func TestLifecycle(t *testing.T) {
	db := newTestDB(t, healthyServerScript)
	require.Equal(t, StateCreated, db.State())
	require.Empty(t, db.URI())
	require.Zero(t, db.Port())

	uri, err := db.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, db.State())

	port := db.Port()
	require.Greater(t, port, 0)
	require.Equal(t, fmt.Sprintf("postgresql://postgres@127.0.0.1:%d/postgres", port), uri)
	require.Equal(t, uri, db.URI())
	require.DirExists(t, db.DataDir())

	// The instance is registered for reaping while it runs.
	entry, ok := db.reg.Get(db.ID())
	require.True(t, ok)
	require.Equal(t, port, entry.Port)
	require.Equal(t, os.Getpid(), entry.OwnerPID)

	dataDir := db.DataDir()
	require.NoError(t, db.Stop())
	require.Equal(t, StateStopped, db.State())
	require.Empty(t, db.URI())
	require.NoDirExists(t, dataDir)

	_, ok = db.reg.Get(db.ID())
	require.False(t, ok, "stop must deregister the instance")
	require.NotContains(t, defaultAllocator.LeasedPorts(), port, "stop must release the port lease")
}

func TestStop_Idempotent(t *testing.T) {
	db := newTestDB(t, healthyServerScript)
	_, err := db.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Stop())
	require.NoError(t, db.Stop())
	require.Equal(t, StateStopped, db.State())
}

func TestStop_BeforeStart(t *testing.T) {
	db := newTestDB(t, healthyServerScript)
	require.NoError(t, db.Stop())
	require.Equal(t, StateStopped, db.State())
}

func TestStart_Twice(t *testing.T) {
	db := newTestDB(t, healthyServerScript)
	_, err := db.Start(context.Background())
	require.NoError(t, err)

	_, err = db.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestStart_AfterStop(t *testing.T) {
	db := newTestDB(t, healthyServerScript)
	_, err := db.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.Stop())

	// Single-shot: a stopped instance cannot be restarted.
	_, err = db.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestStart_CrashRollsBack(t *testing.T) {
	before := len(defaultAllocator.LeasedPorts())

	db := newTestDB(t, crashServerScript)
	_, err := db.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrProcessCrashed)
	require.Contains(t, err.Error(), "bogus configuration", "server log tail should reach the caller")
	require.Equal(t, StateFailed, db.State())

	// Everything acquired before the crash is released again.
	require.Empty(t, db.URI())
	require.Len(t, defaultAllocator.LeasedPorts(), before)
	if dd := db.DataDir(); dd != "" {
		require.NoDirExists(t, dd)
	}

	// Stop on a failed instance is a harmless no-op.
	require.NoError(t, db.Stop())
}

func TestStart_BindRaceRetries(t *testing.T) {
	db := newTestDB(t, bindRaceScript)

	uri, err := db.Start(context.Background())
	require.NoError(t, err, "a lost bind race should be retried with a fresh lease")
	require.NotEmpty(t, uri)
	require.Equal(t, StateReady, db.State())
}

func TestStart_RequestedPortDoesNotRetry(t *testing.T) {
	// Occupy a port, then request exactly that port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	taken := l.Addr().(*net.TCPAddr).Port

	db := newTestDB(t, healthyServerScript, WithPort(taken))
	_, err = db.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrNoPortAvailable, "a requested port is never substituted")
	require.Equal(t, StateFailed, db.State())

	// The workspace created before the port failure is rolled back.
	require.NotEmpty(t, db.DataDir())
	require.NoDirExists(t, db.DataDir())
}

func TestStart_RequestedPortIsUsed(t *testing.T) {
	// Find a free port by binding and releasing it. Racy in principle, fine
	// in practice for a test.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	db := newTestDB(t, healthyServerScript, WithPort(free))
	_, err = db.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, free, db.Port())
}

func TestStart_KeepDataRetainsWorkspaceOnFailure(t *testing.T) {
	db := newTestDB(t, crashServerScript, WithKeepData())
	_, err := db.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrProcessCrashed)

	require.NotEmpty(t, db.DataDir())
	require.DirExists(t, db.DataDir(), "keep-data should preserve the failed workspace")
	require.FileExists(t, filepath.Join(filepath.Dir(db.DataDir()), "log", "server.log"))
}

func TestStop_KeepDataRetainsWorkspace(t *testing.T) {
	db := newTestDB(t, healthyServerScript, WithKeepData())
	_, err := db.Start(context.Background())
	require.NoError(t, err)

	dataDir := db.DataDir()
	require.NoError(t, db.Stop())
	require.DirExists(t, dataDir)
}

func TestNew_InvalidOptions(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"port out of range", WithPort(70000)},
		{"negative port", WithPort(-1)},
		{"zero cleanup timeout", WithCleanupTimeout(0)},
		{"negative start timeout", WithStartTimeout(-time.Second)},
		{"zero grace period", WithStopGracePeriod(0)},
		{"empty base dir", WithBaseDir("")},
		{"empty binary path", WithBinaryPath("")},
		{"empty version", WithVersion("")},
		{"nil fetcher", WithFetcher(nil)},
		{"nil logger", WithLogger(nil)},
		{"nil registry", WithRegistry(nil)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.opt)
			require.Error(t, err)
			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestConnect_NotRunning(t *testing.T) {
	db := newTestDB(t, healthyServerScript)
	_, err := db.Connect(context.Background())
	require.ErrorIs(t, err, errors.ErrNotRunning)
}

func TestReaperReclaimsForgottenInstance(t *testing.T) {
	reg := testRegistry(t)
	db := newTestDB(t, healthyServerScript,
		WithRegistry(reg),
		WithCleanupTimeout(50*time.Millisecond))

	_, err := db.Start(context.Background())
	require.NoError(t, err)
	dataDir := db.DataDir()

	time.Sleep(100 * time.Millisecond)

	reaper := registry.NewReaper(reg, time.Hour, nil)
	n, err := reaper.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The reaper goes through the instance's own stop path.
	require.Equal(t, StateStopped, db.State())
	require.NoDirExists(t, dataDir)
	_, ok := reg.Get(db.ID())
	require.False(t, ok)
}

func TestStart_ServerSurvivesContextCancel(t *testing.T) {
	db := newTestDB(t, healthyServerScript)

	// The idiomatic caller pattern: a bounded Start context, cancelled as
	// soon as Start returns.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := db.Start(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case <-db.handle.Done():
		t.Fatal("server exited when the start context was cancelled")
	case <-time.After(300 * time.Millisecond):
	}
	require.Equal(t, StateReady, db.State())

	require.NoError(t, db.Stop())
	require.Equal(t, StateStopped, db.State())
}

func TestStop_DuringStartIsNoop(t *testing.T) {
	db := newTestDB(t, healthyServerScript)

	release := make(chan struct{})
	db.sup.SetProber(func(context.Context, string) error {
		select {
		case <-release:
			return nil
		default:
			return errors.New("not yet")
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := db.Start(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return db.State() == StateStarting },
		2*time.Second, 5*time.Millisecond)

	// A deferred Stop racing the in-flight Start is benign and does not
	// disturb the startup.
	require.NoError(t, db.Stop())

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateReady, db.State())
	require.NoError(t, db.Stop())
}

func TestWithConfig_DoesNotMutateCaller(t *testing.T) {
	cfg := config.Default()

	db, err := New(
		WithConfig(cfg),
		WithPort(15432),
		WithServerArgs("-c", "max_connections=10"),
		WithKeepData(),
	)
	require.NoError(t, err)

	// Later options land on the instance's own snapshot, never on the
	// caller's Config, which may be shared across instances.
	require.Equal(t, 15432, db.opts.cfg.Instance.Port)
	require.Zero(t, cfg.Instance.Port)
	require.Empty(t, cfg.Instance.ServerArgs)
	require.False(t, cfg.Instance.KeepData)
}

func TestConcurrentStarts_AreIsolated(t *testing.T) {
	const n = 4

	dbs := make([]*EphemeralDB, n)
	for i := range dbs {
		dbs[i] = newTestDB(t, healthyServerScript)
	}

	errs := make(chan error, n)
	for _, db := range dbs {
		go func(db *EphemeralDB) {
			_, err := db.Start(context.Background())
			errs <- err
		}(db)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	ports := map[int]bool{}
	dirs := map[string]bool{}
	for _, db := range dbs {
		require.False(t, ports[db.Port()], "concurrent instances must not share a port")
		require.False(t, dirs[db.DataDir()], "concurrent instances must not share a workspace")
		ports[db.Port()] = true
		dirs[db.DataDir()] = true
		require.NoError(t, db.Stop())
	}
}

// TestEndToEnd_RealServer exercises the full lifecycle against an actual
// PostgreSQL installation. Skipped when postgres is not on PATH.
func TestEndToEnd_RealServer(t *testing.T) {
	if _, err := exec.LookPath("postgres"); err != nil {
		t.Skip("postgres not found in PATH")
	}
	if _, err := exec.LookPath("initdb"); err != nil {
		t.Skip("initdb not found in PATH")
	}

	db, err := New(
		WithBaseDir(t.TempDir()),
		WithRegistry(testRegistry(t)),
		WithStartTimeout(60*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Stop() })

	ctx := context.Background()
	uri, err := db.Start(ctx)
	require.NoError(t, err)

	conn, err := db.Connect(ctx)
	require.NoError(t, err)

	var one int
	require.NoError(t, conn.QueryRow(ctx, "SELECT 1").Scan(&one))
	require.Equal(t, 1, one)
	require.NoError(t, conn.Close(ctx))

	port := db.Port()
	dataDir := db.DataDir()
	require.Contains(t, uri, fmt.Sprintf(":%d/", port))

	require.NoError(t, db.Stop())
	require.NoDirExists(t, dataDir)

	// The port is actually free again.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestStart_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	db := newTestDB(t, healthyServerScript)
	db.sup.SetProber(func(context.Context, string) error { return errors.New("not yet") })

	_, err := db.Start(ctx)
	require.Error(t, err)
	require.Equal(t, StateFailed, db.State())
}
