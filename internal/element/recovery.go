package element

import (
	"context"
	"errors"
	"fmt"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

// Recovery outcomes, also the label values on the wal_recovered metric.
const (
	outcomeReplayed   = "replayed"
	outcomeRolledBack = "rolled_back"
)

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	Replayed   int
	RolledBack int
}

// Recover resolves every uncommitted WAL entry: operations that recorded a
// durable side effect roll forward to commit, operations still at their
// intent record roll back. Call once at startup, before serving requests.
func (e *Element) Recover(ctx context.Context) (RecoveryStats, error) {
	var st RecoveryStats
	for _, en := range e.wal.ReplayUncommitted() {
		outcome, err := e.driveEntry(ctx, en, e.idx)
		if err != nil {
			return st, fmt.Errorf("recover seq %d (%s %s): %w", en.Seq, en.Op, en.Key, err)
		}
		e.met.WALRecovered.WithLabelValues(outcome).Inc()
		if outcome == outcomeRolledBack {
			st.RolledBack++
		} else {
			st.Replayed++
		}
		e.log.Info().
			Int64("seq", en.Seq).
			Str("op", string(en.Op)).
			Str("key", en.Key).
			Str("outcome", outcome).
			Msg("wal entry resolved")
	}
	return st, nil
}

// driveEntry resolves one pending entry from the phase its WAL record
// proves. Entries at INTENDED roll back; anything later rolls forward by
// redoing the remaining steps, all of which are idempotent.
func (e *Element) driveEntry(ctx context.Context, en wal.Entry, idx index.Writer) (string, error) {
	if en.Phase == wal.PhaseIntended {
		if err := e.undoIntended(ctx, en.Op, en.Key, en.AuxKey, en.Attrs); err != nil {
			return "", err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseRolledBack); err != nil {
			return "", err
		}
		return outcomeRolledBack, nil
	}

	var err error
	switch en.Op {
	case wal.OpStore:
		err = e.finishStore(ctx, en, idx)
	case wal.OpDelete:
		err = e.finishDelete(ctx, en, idx)
	case wal.OpRename:
		err = e.finishRename(ctx, en, idx)
	case wal.OpUpdateAttrs:
		err = e.finishUpdateAttrs(ctx, en, idx)
	default:
		err = fmt.Errorf("unknown op %q", en.Op)
	}
	if err != nil {
		return "", err
	}
	return outcomeReplayed, nil
}

// undoIntended removes whatever the first step of an operation may have
// left behind. Each phase advance is fsynced before the next side effect
// starts, so an entry still at INTENDED has at most its first effect on
// disk.
func (e *Element) undoIntended(ctx context.Context, op wal.Op, key, aux string, a *sidecar.Attrs) error {
	switch op {
	case wal.OpStore:
		// Keys are single-use, so deleting here cannot touch another file.
		return e.store.Delete(ctx, key)
	case wal.OpRename:
		return e.store.Delete(ctx, aux)
	case wal.OpDelete:
		// The sidecar may already be removed; restore it from the intent
		// snapshot so the file keeps existing.
		if a == nil {
			return nil
		}
		_, err := e.sidecars.Read(ctx, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return err
		}
		if _, err := e.store.Get(ctx, key); err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return nil
			}
			return err
		}
		return e.sidecars.Write(ctx, key, a)
	case wal.OpUpdateAttrs:
		// The sidecar may already carry the new attrs; if so, the next
		// sweep sees a stale index row and finishes the update.
		return nil
	}
	return nil
}

// finishStore drives a STORE from en.Phase to commit.
func (e *Element) finishStore(ctx context.Context, en wal.Entry, idx index.Writer) error {
	if en.Phase == wal.PhaseObjectWritten {
		if err := e.sidecars.Write(ctx, en.Key, en.Attrs); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseSidecarWritten); err != nil {
			return err
		}
		en.Phase = wal.PhaseSidecarWritten
	}
	if en.Phase == wal.PhaseSidecarWritten {
		if err := idx.Upsert(ctx, en.Key, en.Attrs); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseIndexUpdated); err != nil {
			return err
		}
	}
	return e.wal.Advance(en.Seq, wal.PhaseCommitted)
}

// finishDelete drives a DELETE from en.Phase to commit. The sidecar is
// already gone by SIDECAR_WRITTEN, so the file no longer exists; what is
// left is cleanup.
func (e *Element) finishDelete(ctx context.Context, en wal.Entry, idx index.Writer) error {
	if en.Phase == wal.PhaseSidecarWritten {
		if err := e.store.Delete(ctx, en.Key); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseObjectWritten); err != nil {
			return err
		}
		en.Phase = wal.PhaseObjectWritten
	}
	if en.Phase == wal.PhaseObjectWritten {
		if err := idx.Delete(ctx, en.Key); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseIndexUpdated); err != nil {
			return err
		}
	}
	return e.wal.Advance(en.Seq, wal.PhaseCommitted)
}

// finishRename drives a RENAME from en.Phase to commit: publish the new
// sidecar, then retire the old key in one step with the index move.
func (e *Element) finishRename(ctx context.Context, en wal.Entry, idx index.Writer) error {
	if en.Phase == wal.PhaseObjectWritten {
		if err := e.sidecars.Write(ctx, en.AuxKey, en.Attrs); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseSidecarWritten); err != nil {
			return err
		}
		en.Phase = wal.PhaseSidecarWritten
	}
	if en.Phase == wal.PhaseSidecarWritten {
		if err := idx.Move(ctx, en.Key, en.AuxKey, en.Attrs); err != nil {
			return err
		}
		if err := e.sidecars.Remove(ctx, en.Key); err != nil {
			return err
		}
		if err := e.store.Delete(ctx, en.Key); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseIndexUpdated); err != nil {
			return err
		}
	}
	return e.wal.Advance(en.Seq, wal.PhaseCommitted)
}

// finishUpdateAttrs drives an UPDATE_ATTRS from en.Phase to commit.
func (e *Element) finishUpdateAttrs(ctx context.Context, en wal.Entry, idx index.Writer) error {
	if en.Phase == wal.PhaseSidecarWritten {
		if err := idx.Upsert(ctx, en.Key, en.Attrs); err != nil {
			return err
		}
		if err := e.wal.Advance(en.Seq, wal.PhaseIndexUpdated); err != nil {
			return err
		}
	}
	return e.wal.Advance(en.Seq, wal.PhaseCommitted)
}
