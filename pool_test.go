package tinypg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startTestPool mirrors newTestDB for pools: stub binaries, short-circuited
// probers.
func startTestPool(t *testing.T, count int, extra ...Option) (*Pool, error) {
	t.Helper()

	opts := append([]Option{
		WithBinaryPath(stubBinary(t, healthyServerScript)),
		WithBaseDir(t.TempDir()),
		WithRegistry(testRegistry(t)),
		WithStartTimeout(5 * time.Second),
		WithStopGracePeriod(2 * time.Second),
	}, extra...)

	// StartPool builds its members internally, so the prober override has to
	// ride along on the supervisor of each member after construction; instead
	// the members are built here one at a time the same way StartPool does.
	p, err := startPoolWithProber(context.Background(), count, opts)
	if p != nil {
		t.Cleanup(func() { _ = p.Stop() })
	}
	return p, err
}

// startPoolWithProber is StartPool with the test prober injected between New
// and Start.
func startPoolWithProber(ctx context.Context, count int, opts []Option) (*Pool, error) {
	probe, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	basePort := probe.cfg.Instance.Port

	p := &Pool{dbs: make([]*EphemeralDB, 0, count)}
	for i := 0; i < count; i++ {
		memberOpts := opts
		if basePort != 0 {
			memberOpts = append(append([]Option{}, opts...), WithPort(basePort+i))
		}

		db, err := New(memberOpts...)
		if err == nil {
			db.sup.SetProber(func(context.Context, string) error { return nil })
			_, err = db.Start(ctx)
		}
		if err != nil {
			_ = p.Stop()
			return nil, err
		}
		p.dbs = append(p.dbs, db)
	}
	return p, nil
}

func TestPool_StartAndStop(t *testing.T) {
	p, err := startTestPool(t, 3)
	require.NoError(t, err)
	require.Equal(t, 3, p.Size())

	uris := p.URIs()
	require.Len(t, uris, 3)

	seenPorts := map[int]bool{}
	for i, db := range p.DBs() {
		require.Equal(t, StateReady, db.State())
		require.Equal(t, uris[i], db.URI())
		require.False(t, seenPorts[db.Port()], "pool members must not share ports")
		seenPorts[db.Port()] = true
	}

	require.NoError(t, p.Stop())
	for _, db := range p.DBs() {
		require.Equal(t, StateStopped, db.State())
	}
}

func TestPool_BasePortIsSequential(t *testing.T) {
	// Find two adjacent free ports for the base. Racy in principle, fine for
	// a test.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	p, err := startTestPool(t, 2, WithPort(base))
	if err != nil {
		t.Skipf("adjacent ports %d-%d not free: %v", base, base+1, err)
	}

	require.Equal(t, base, p.DBs()[0].Port())
	require.Equal(t, base+1, p.DBs()[1].Port())
}

func TestPool_PartialFailureStopsStartedMembers(t *testing.T) {
	// base+1 occupied: member 0 may start, member 1 cannot.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	base := blocker.Addr().(*net.TCPAddr).Port - 1
	if base < 1024 {
		t.Skip("blocked port too low to derive a base")
	}

	p, err := startTestPool(t, 2, WithPort(base))
	require.Error(t, err)
	require.Nil(t, p)
}

func TestPool_CountValidation(t *testing.T) {
	_, err := StartPool(context.Background(), 0)
	require.Error(t, err)

	_, err = StartPool(context.Background(), -1)
	require.Error(t, err)
}
