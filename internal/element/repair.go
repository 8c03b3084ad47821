package element

import (
	"context"
	"errors"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/reconcile"
	"github.com/shelf-storage/shelf/internal/wal"
)

// The element is the reconciliation sweeper's repair arm. Repairs run
// through the WAL like foreground operations: the key guard keeps them off
// files with work in flight, and a crash mid-repair resumes like any other
// entry. The sweeper passes a fenced index writer, so rows never change
// under a stale term.
var _ reconcile.Repairer = (*Element)(nil)

// RefreshIndex rebuilds the index row for key from its sidecar, which is
// authoritative. The sidecar is re-read after the key guard is taken; if
// the sweep classified from a view that has since changed, the repair
// quietly stands down.
func (e *Element) RefreshIndex(ctx context.Context, key string, idx index.Writer) error {
	a, err := e.sidecars.Read(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	seq, err := e.wal.Append(wal.Entry{Op: wal.OpUpdateAttrs, Key: key, Attrs: a})
	if err != nil {
		return err
	}

	cur, err := e.sidecars.Read(ctx, key)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		e.abandon(seq, key)
		return err
	}
	if err != nil || !cur.Equal(a) {
		e.abandon(seq, key)
		return nil
	}

	// The sidecar already holds the right attrs; record that and publish
	// the row.
	if err := e.wal.Advance(seq, wal.PhaseSidecarWritten); err != nil {
		return err
	}
	en := wal.Entry{Seq: seq, Op: wal.OpUpdateAttrs, Key: key, Attrs: a, Phase: wal.PhaseSidecarWritten}
	return e.finishUpdateAttrs(ctx, en, idx)
}

// RetireKey removes the index row and object bytes for a key whose sidecar
// is gone: without a sidecar the file does not exist, whatever else is on
// disk.
func (e *Element) RetireKey(ctx context.Context, key string, idx index.Writer) error {
	seq, err := e.wal.Append(wal.Entry{Op: wal.OpDelete, Key: key})
	if err != nil {
		return err
	}

	// Under the guard, confirm the sidecar is still absent.
	_, err = e.sidecars.Read(ctx, key)
	if err == nil {
		e.abandon(seq, key)
		return nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		e.abandon(seq, key)
		return err
	}

	if err := e.wal.Advance(seq, wal.PhaseSidecarWritten); err != nil {
		return err
	}
	en := wal.Entry{Seq: seq, Op: wal.OpDelete, Key: key, Phase: wal.PhaseSidecarWritten}
	return e.finishDelete(ctx, en, idx)
}

// abandon rolls back a repair whose classification turned out stale.
func (e *Element) abandon(seq int64, key string) {
	if err := e.wal.Advance(seq, wal.PhaseRolledBack); err != nil {
		e.log.Warn().Err(err).Int64("seq", seq).Str("key", key).Msg("repair rollback not recorded, entry left pending")
	}
}
