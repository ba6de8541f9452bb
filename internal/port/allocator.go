// Package port finds and leases unused TCP ports for server instances.
//
// Leases are an in-process claim, not an OS-level reservation: between the
// bind probe and the moment the server process actually binds, another
// process on the host can take the port. Callers must treat a lease as
// best-effort and retry with a fresh lease when the server fails to bind.
package port

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
)

// Ephemeral port range scanned when no preferred port is given.
const (
	scanLow  = 49152
	scanHigh = 65535
)

// maxProbeAttempts bounds the scan before giving up with ErrNoPortAvailable.
const maxProbeAttempts = 50

// Lease is an allocated TCP port with a lease token and timestamp.
// It is exclusively owned by the instance that acquired it until released.
type Lease struct {
	Port       int
	Token      string
	AcquiredAt time.Time
}

// Allocator hands out port leases. It serializes mutations of the leased-port
// set so that no two live leases on this allocator hold the same port.
type Allocator struct {
	mu     sync.Mutex
	leased map[int]*Lease
	logger *logging.Logger

	// probe checks whether a port is currently bindable. Overridable in tests.
	probe func(port int) bool
}

// NewAllocator creates an Allocator.
func NewAllocator(logger *logging.Logger) *Allocator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Allocator{
		leased: make(map[int]*Lease),
		logger: logger.WithComponent("port"),
		probe:  probeBind,
	}
}

// Acquire leases an unused port. If preferred is non-zero, only that port is
// tried; on probe failure the scan fallback is used only for preferred == 0.
//
// The returned lease is a best-effort reservation: a successful probe does
// not guarantee the port is still free when the server binds it (the
// probe-then-bind gap is a documented TOCTOU race). Callers should retry
// with a fresh lease on bind failure.
func (a *Allocator) Acquire(preferred int) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred != 0 {
		lease, err := a.tryLocked(preferred)
		if err != nil {
			return nil, fmt.Errorf("%w: preferred port %d is in use", errors.ErrNoPortAvailable, preferred)
		}
		return lease, nil
	}

	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		candidate := scanLow + randIntn(scanHigh-scanLow+1)
		lease, err := a.tryLocked(candidate)
		if err != nil {
			continue
		}
		return lease, nil
	}

	return nil, fmt.Errorf("%w: gave up after %d probe attempts", errors.ErrNoPortAvailable, maxProbeAttempts)
}

// tryLocked probes a single candidate while the lock is held.
func (a *Allocator) tryLocked(port int) (*Lease, error) {
	if _, taken := a.leased[port]; taken {
		return nil, errors.ErrNoPortAvailable
	}
	if !a.probe(port) {
		return nil, errors.ErrNoPortAvailable
	}

	lease := &Lease{
		Port:       port,
		Token:      newToken(),
		AcquiredAt: time.Now(),
	}
	a.leased[port] = lease

	a.logger.Debug("port leased", "port", port, "token", lease.Token)
	return lease, nil
}

// Release returns a leased port to the pool. Releasing a nil, already
// released, or foreign lease is a no-op: teardown paths call Release
// unconditionally and must not fail on double release.
func (a *Allocator) Release(lease *Lease) {
	if lease == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	current, ok := a.leased[lease.Port]
	if !ok || current.Token != lease.Token {
		return
	}
	delete(a.leased, lease.Port)

	a.logger.Debug("port released", "port", lease.Port)
}

// LeasedPorts returns the currently leased ports, sorted ascending.
func (a *Allocator) LeasedPorts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, len(a.leased))
	for p := range a.leased {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// probeBind checks availability with a bind-and-immediately-release probe.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// newToken creates a short random hex lease token.
// Falls back to a timestamp-based token if random generation fails.
func newToken() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}
	return hex.EncodeToString(b)
}

// randIntn returns a uniform random int in [0, n) from crypto/rand.
func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return int(time.Now().UnixNano()) % n
	}
	return int(v.Int64())
}
