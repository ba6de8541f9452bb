package tinypg

import (
	"context"
	"fmt"

	"github.com/tinypg/tinypg/internal/errors"
)

// Pool is a set of independent instances started together, for tests that
// need several isolated databases at once. Members share nothing but the
// process-wide port allocator.
type Pool struct {
	dbs []*EphemeralDB
}

// StartPool starts count instances and returns the pool once every member is
// ready. When the options request a specific port it becomes the base:
// member i gets port base+i. If any member fails to start, the ones already
// running are stopped and the member's error is returned.
func StartPool(ctx context.Context, count int, opts ...Option) (*Pool, error) {
	if count < 1 {
		return nil, errors.NewConfigError("count", "must be at least 1")
	}

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
			_, err = db.Start(ctx)
		}
		if err != nil {
			_ = p.Stop()
			return nil, fmt.Errorf("pool member %d: %w", i, err)
		}
		p.dbs = append(p.dbs, db)
	}
	return p, nil
}

// Size returns the number of members.
func (p *Pool) Size() int { return len(p.dbs) }

// DBs returns the member instances in start order.
func (p *Pool) DBs() []*EphemeralDB { return p.dbs }

// URIs returns every member's connection URI in start order.
func (p *Pool) URIs() []string {
	uris := make([]string, len(p.dbs))
	for i, db := range p.dbs {
		uris[i] = db.URI()
	}
	return uris
}

// Stop stops every member. One member failing to stop does not spare the
// rest; failures are aggregated.
func (p *Pool) Stop() error {
	var failures []error
	for _, db := range p.dbs {
		if err := db.Stop(); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", db.ID(), err))
		}
	}
	return errors.Aggregate("pool stop", failures...)
}
