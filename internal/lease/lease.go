// Package lease provides the leader lease primitive replicas use to elect
// the node that runs reconciliation and log GC. A lease is acquired with a
// single conditional write (set-if-absent-or-expired), so at most one valid
// lease exists at any instant, and its monotonically increasing term is the
// fencing token for every leader-only action.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrStaleLeader is returned when an action carries a term that is no
// longer the current lease term, or when a holder tries to renew a lease it
// no longer holds.
var ErrStaleLeader = errors.New("leader term is stale")

// Lease is the current leadership claim for a named role.
type Lease struct {
	Name    string
	Holder  string
	Term    int64
	Expires time.Time
}

// Store is a coordination store holding leader leases. Implementations must
// make Acquire a single atomic conditional write.
type Store interface {
	// Acquire attempts set-if-absent-or-expired. On success it returns the
	// new lease, whose term is one greater than the previous holder's, and
	// true. When a live lease exists the attempt returns false with no
	// error.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (*Lease, bool, error)

	// Renew extends the expiry of a lease still held at the given term.
	// Renewing a lease that expired, changed hands, or changed term fails
	// with ErrStaleLeader: the caller must step down and re-acquire.
	Renew(ctx context.Context, name, holder string, term int64, ttl time.Duration) (*Lease, error)

	// Release expires the lease immediately if holder and term still
	// match, without disturbing the term counter. Releasing a lease that
	// already moved on is a no-op.
	Release(ctx context.Context, name, holder string, term int64) error

	// Current returns the live lease for name, or nil when none exists or
	// the recorded one has expired.
	Current(ctx context.Context, name string) (*Lease, error)
}

// Check verifies that holder still holds the lease for name at the given
// term. It is the fence used by index repair writes and log truncation.
func Check(ctx context.Context, s Store, name, holder string, term int64) error {
	cur, err := s.Current(ctx, name)
	if err != nil {
		return err
	}
	if cur == nil || cur.Holder != holder || cur.Term != term {
		return ErrStaleLeader
	}
	return nil
}
