// Package reconcile detects and repairs drift between the three places a
// file lives: the object in the backend, its attribute sidecar, and the
// metadata index row. Sweeps run only on the lease-holding leader; every
// repair is fenced by the sweep's term and logged through the WAL, so a
// deposed leader cannot clobber its successor and a crash mid-repair is
// recovered like any other interrupted operation.
package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/sidecar"
)

// ErrCorruption marks state that cannot be repaired automatically: a
// sidecar describing an object that does not exist, an unreadable sidecar,
// or content that fails its integrity check.
var ErrCorruption = errors.New("corrupt storage state")

// Repairer executes WAL-logged repairs. The storage element implements it;
// repairs re-read authoritative state under the WAL's per-key guard, so a
// stale classification degrades to a no-op instead of a wrong write.
type Repairer interface {
	// RefreshIndex rewrites the index row for key from its current
	// sidecar. Used for missing and stale rows.
	RefreshIndex(ctx context.Context, key string, idx index.Writer) error

	// RetireKey removes every remaining trace of key: sidecar, object,
	// and index row. Used for orphaned rows and orphaned objects.
	RetireKey(ctx context.Context, key string, idx index.Writer) error
}

// Exclusions is the process-wide set of keys pulled from reconciliation
// after a corruption quarantine. It survives leadership changes and resets
// only when the process restarts, keeping quarantined keys untouched while
// they await manual investigation.
type Exclusions struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewExclusions() *Exclusions {
	return &Exclusions{keys: make(map[string]struct{})}
}

func (e *Exclusions) Add(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[key] = struct{}{}
}

func (e *Exclusions) Has(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.keys[key]
	return ok
}

func (e *Exclusions) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

// state is what a sweep observed about one key before classification.
type state struct {
	attrs  *sidecar.Attrs
	object bool
}
