package index

import (
	"context"

	"github.com/shelf-storage/shelf/internal/sidecar"
)

// Writer is the mutation surface shared by Index and Fenced. Recovery
// writes through the raw Index; reconciliation repairs write through a
// Fenced view bound to the sweep's term.
type Writer interface {
	Upsert(ctx context.Context, key string, a *sidecar.Attrs) error
	Delete(ctx context.Context, key string) error
	Move(ctx context.Context, oldKey, newKey string, a *sidecar.Attrs) error
	Get(ctx context.Context, key string) (*Record, error)
}

// CheckFunc verifies that term is still the current lease term, returning
// the coordination store's staleness error when it is not.
type CheckFunc func(ctx context.Context, term int64) error

// Fenced is a write view of the index bound to a leadership term. Every
// mutation re-verifies the term against the coordination store first, so a
// deposed leader's repairs are rejected rather than applied. Reads pass
// through unfenced.
type Fenced struct {
	inner *Index
	term  int64
	check CheckFunc
}

// NewFenced binds idx to the given term.
func NewFenced(idx *Index, term int64, check CheckFunc) *Fenced {
	return &Fenced{inner: idx, term: term, check: check}
}

// Term returns the term this view is bound to.
func (f *Fenced) Term() int64 { return f.term }

func (f *Fenced) Upsert(ctx context.Context, key string, a *sidecar.Attrs) error {
	if err := f.check(ctx, f.term); err != nil {
		return err
	}
	return f.inner.Upsert(ctx, key, a)
}

func (f *Fenced) Delete(ctx context.Context, key string) error {
	if err := f.check(ctx, f.term); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

func (f *Fenced) Move(ctx context.Context, oldKey, newKey string, a *sidecar.Attrs) error {
	if err := f.check(ctx, f.term); err != nil {
		return err
	}
	return f.inner.Move(ctx, oldKey, newKey, a)
}

func (f *Fenced) Get(ctx context.Context, key string) (*Record, error) {
	return f.inner.Get(ctx, key)
}

var (
	_ Writer = (*Index)(nil)
	_ Writer = (*Fenced)(nil)
)
