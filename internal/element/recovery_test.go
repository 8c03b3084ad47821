package element

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/payload"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

var recoverData = []byte("bytes that must survive the crash")

// plantStore leaves the disk exactly as a crash during a STORE would: the
// WAL holds the entry at phase, and every effect up to and including the
// one phase proves is on disk. At INTENDED the object is already written,
// matching a crash while the OBJECT_WRITTEN record was in flight.
func plantStore(t *testing.T, env *elemEnv, phase wal.Phase) (string, *sidecar.Attrs) {
	t.Helper()
	ctx := context.Background()

	at := time.Now()
	key, err := sidecar.DeriveKey("crash.txt", "alice", at)
	require.NoError(t, err)
	fileID := uuid.NewString()
	encoded, info, err := env.codec.Encode(fileID, recoverData)
	require.NoError(t, err)
	now := float64(at.UnixNano()) / 1e9
	a := &sidecar.Attrs{
		FileID:      fileID,
		Name:        "crash.txt",
		Owner:       "alice",
		Size:        int64(len(recoverData)),
		Checksum:    payload.Checksum(recoverData),
		Mode:        sidecar.ModeRW,
		CreatedAt:   now,
		ModifiedAt:  now,
		Compression: info.Compression,
		EncodedSize: info.EncodedSize,
		Encrypted:   info.Encrypted,
	}

	seq, err := env.wal.Append(wal.Entry{Op: wal.OpStore, Key: key, Attrs: a})
	require.NoError(t, err)

	require.NoError(t, env.store.Put(ctx, key, encoded))
	if phase == wal.PhaseIntended {
		return key, a
	}
	require.NoError(t, env.wal.Advance(seq, wal.PhaseObjectWritten))
	if phase == wal.PhaseObjectWritten {
		return key, a
	}
	require.NoError(t, env.sidecars.Write(ctx, key, a))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseSidecarWritten))
	if phase == wal.PhaseSidecarWritten {
		return key, a
	}
	require.NoError(t, env.idx.Upsert(ctx, key, a))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseIndexUpdated))
	return key, a
}

func TestRecoverStoreRollsForward(t *testing.T) {
	phases := []wal.Phase{wal.PhaseObjectWritten, wal.PhaseSidecarWritten, wal.PhaseIndexUpdated}
	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			env := newElemEnv(t, testKey)
			ctx := context.Background()
			key, a := plantStore(t, env, phase)

			env2 := env.restart(t)
			st, err := env2.el.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Replayed)
			assert.Zero(t, st.RolledBack)

			got, ga, err := env2.el.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, recoverData, got)
			assert.Equal(t, *a, *ga)

			row, err := env2.idx.Get(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, row)
			assert.Equal(t, *a, row.Attrs)
			assert.Zero(t, env2.pendingCount(t))
		})
	}
}

func TestRecoverStoreRollsBackAtIntent(t *testing.T) {
	env := newElemEnv(t, nil)
	ctx := context.Background()
	key, _ := plantStore(t, env, wal.PhaseIntended)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Replayed)
	assert.Equal(t, 1, st.RolledBack)
	assert.Equal(t, 1.0, testutil.ToFloat64(env2.met.WALRecovered.WithLabelValues("rolled_back")))

	// No trace of the aborted store remains.
	_, err = env2.store.Get(ctx, key)
	assert.ErrorIs(t, err, backend.ErrNotFound)
	_, err = env2.sidecars.Read(ctx, key)
	assert.ErrorIs(t, err, backend.ErrNotFound)
	row, err := env2.idx.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Zero(t, env2.pendingCount(t))
}

// plantDelete commits a healthy store, then leaves a DELETE at phase.
func plantDelete(t *testing.T, env *elemEnv, phase wal.Phase) (string, sidecar.Attrs) {
	t.Helper()
	ctx := context.Background()

	rec, err := env.el.Store(ctx, StoreRequest{Name: "doomed.txt", Owner: "alice", Data: recoverData})
	require.NoError(t, err)
	a := rec.Attrs

	seq, err := env.wal.Append(wal.Entry{Op: wal.OpDelete, Key: rec.Key, Attrs: &a})
	require.NoError(t, err)

	require.NoError(t, env.sidecars.Remove(ctx, rec.Key))
	if phase == wal.PhaseIntended {
		return rec.Key, a
	}
	require.NoError(t, env.wal.Advance(seq, wal.PhaseSidecarWritten))
	if phase == wal.PhaseSidecarWritten {
		return rec.Key, a
	}
	require.NoError(t, env.store.Delete(ctx, rec.Key))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseObjectWritten))
	if phase == wal.PhaseObjectWritten {
		return rec.Key, a
	}
	require.NoError(t, env.idx.Delete(ctx, rec.Key))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseIndexUpdated))
	return rec.Key, a
}

func TestRecoverDeleteRestoresSidecarAtIntent(t *testing.T) {
	env := newElemEnv(t, nil)
	ctx := context.Background()
	key, a := plantDelete(t, env, wal.PhaseIntended)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RolledBack)

	// The file exists again, sidecar rebuilt from the intent snapshot.
	got, ga, err := env2.el.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, recoverData, got)
	assert.Equal(t, a, *ga)
}

func TestRecoverDeleteRollsForward(t *testing.T) {
	phases := []wal.Phase{wal.PhaseSidecarWritten, wal.PhaseObjectWritten, wal.PhaseIndexUpdated}
	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			env := newElemEnv(t, nil)
			ctx := context.Background()
			key, _ := plantDelete(t, env, phase)

			env2 := env.restart(t)
			st, err := env2.el.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Replayed)

			_, _, err = env2.el.Get(ctx, key)
			assert.ErrorIs(t, err, backend.ErrNotFound)
			_, err = env2.store.Get(ctx, key)
			assert.ErrorIs(t, err, backend.ErrNotFound)
			row, err := env2.idx.Get(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, row)
			assert.Zero(t, env2.pendingCount(t))
		})
	}
}

// plantRename commits a healthy store, then leaves a RENAME at phase.
func plantRename(t *testing.T, env *elemEnv, phase wal.Phase) (oldKey, newKey string, na *sidecar.Attrs) {
	t.Helper()
	ctx := context.Background()

	rec, err := env.el.Store(ctx, StoreRequest{Name: "before.txt", Owner: "alice", Data: recoverData})
	require.NoError(t, err)

	at := time.Now()
	newKey, err = sidecar.DeriveKey("after.txt", "alice", at)
	require.NoError(t, err)
	na = rec.Attrs.Clone()
	na.Name = "after.txt"
	na.ModifiedAt = float64(at.UnixNano()) / 1e9

	seq, err := env.wal.Append(wal.Entry{Op: wal.OpRename, Key: rec.Key, AuxKey: newKey, Attrs: na})
	require.NoError(t, err)

	encoded, err := env.store.Get(ctx, rec.Key)
	require.NoError(t, err)
	require.NoError(t, env.store.Put(ctx, newKey, encoded))
	if phase == wal.PhaseIntended {
		return rec.Key, newKey, na
	}
	require.NoError(t, env.wal.Advance(seq, wal.PhaseObjectWritten))
	if phase == wal.PhaseObjectWritten {
		return rec.Key, newKey, na
	}
	require.NoError(t, env.sidecars.Write(ctx, newKey, na))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseSidecarWritten))
	if phase == wal.PhaseSidecarWritten {
		return rec.Key, newKey, na
	}
	require.NoError(t, env.idx.Move(ctx, rec.Key, newKey, na))
	require.NoError(t, env.sidecars.Remove(ctx, rec.Key))
	require.NoError(t, env.store.Delete(ctx, rec.Key))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseIndexUpdated))
	return rec.Key, newKey, na
}

func TestRecoverRenameRollsBackAtIntent(t *testing.T) {
	env := newElemEnv(t, testKey)
	ctx := context.Background()
	oldKey, newKey, _ := plantRename(t, env, wal.PhaseIntended)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RolledBack)

	// The copy at the new key is gone; the original is untouched.
	_, err = env2.store.Get(ctx, newKey)
	assert.ErrorIs(t, err, backend.ErrNotFound)
	got, ga, err := env2.el.Get(ctx, oldKey)
	require.NoError(t, err)
	assert.Equal(t, recoverData, got)
	assert.Equal(t, "before.txt", ga.Name)
}

func TestRecoverRenameRollsForward(t *testing.T) {
	phases := []wal.Phase{wal.PhaseObjectWritten, wal.PhaseSidecarWritten, wal.PhaseIndexUpdated}
	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			env := newElemEnv(t, testKey)
			ctx := context.Background()
			oldKey, newKey, na := plantRename(t, env, phase)

			env2 := env.restart(t)
			st, err := env2.el.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Replayed)

			got, ga, err := env2.el.Get(ctx, newKey)
			require.NoError(t, err)
			assert.Equal(t, recoverData, got)
			assert.Equal(t, *na, *ga)

			_, _, err = env2.el.Get(ctx, oldKey)
			assert.ErrorIs(t, err, backend.ErrNotFound)
			oldRow, err := env2.idx.Get(ctx, oldKey)
			require.NoError(t, err)
			assert.Nil(t, oldRow)
			newRow, err := env2.idx.Get(ctx, newKey)
			require.NoError(t, err)
			require.NotNil(t, newRow)
			assert.Equal(t, *na, newRow.Attrs)
		})
	}
}

// plantSetMode commits a healthy store, then leaves an UPDATE_ATTRS at
// phase. At INTENDED the new sidecar is already on disk, matching a crash
// while the SIDECAR_WRITTEN record was in flight.
func plantSetMode(t *testing.T, env *elemEnv, phase wal.Phase) (string, *sidecar.Attrs) {
	t.Helper()
	ctx := context.Background()

	rec, err := env.el.Store(ctx, StoreRequest{Name: "moody.txt", Owner: "alice", Data: recoverData})
	require.NoError(t, err)

	na := rec.Attrs.Clone()
	na.Mode = sidecar.ModeRO
	na.ModifiedAt = float64(time.Now().UnixNano()) / 1e9

	seq, err := env.wal.Append(wal.Entry{Op: wal.OpUpdateAttrs, Key: rec.Key, Attrs: na})
	require.NoError(t, err)

	require.NoError(t, env.sidecars.Write(ctx, rec.Key, na))
	if phase == wal.PhaseIntended {
		return rec.Key, na
	}
	require.NoError(t, env.wal.Advance(seq, wal.PhaseSidecarWritten))
	if phase == wal.PhaseSidecarWritten {
		return rec.Key, na
	}
	require.NoError(t, env.idx.Upsert(ctx, rec.Key, na))
	require.NoError(t, env.wal.Advance(seq, wal.PhaseIndexUpdated))
	return rec.Key, na
}

func TestRecoverUpdateAttrsRollsBackAtIntent(t *testing.T) {
	env := newElemEnv(t, nil)
	ctx := context.Background()
	key, na := plantSetMode(t, env, wal.PhaseIntended)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RolledBack)
	assert.Zero(t, env2.pendingCount(t))

	// The sidecar kept the new mode; the row still has the old one. That
	// is a stale-index anomaly, and the next sweep finishes the update.
	onDisk, err := env2.sidecars.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, na.Mode, onDisk.Mode)
	row, err := env2.idx.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, sidecar.ModeRW, row.Attrs.Mode)
}

func TestRecoverUpdateAttrsRollsForward(t *testing.T) {
	env := newElemEnv(t, nil)
	ctx := context.Background()
	key, na := plantSetMode(t, env, wal.PhaseSidecarWritten)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Replayed)

	row, err := env2.idx.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, *na, row.Attrs)
}

func TestRecoverNothingPending(t *testing.T) {
	env := newElemEnv(t, nil)
	ctx := context.Background()

	_, err := env.el.Store(ctx, StoreRequest{Name: "fine.txt", Owner: "alice", Data: []byte("x")})
	require.NoError(t, err)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Replayed)
	assert.Zero(t, st.RolledBack)
}

func TestRecoverResolvesSeveralEntries(t *testing.T) {
	env := newElemEnv(t, nil)
	ctx := context.Background()

	k1, _ := plantStore(t, env, wal.PhaseObjectWritten)
	k2, _ := plantSetMode(t, env, wal.PhaseSidecarWritten)
	k3, _ := plantStore(t, env, wal.PhaseIntended)

	env2 := env.restart(t)
	st, err := env2.el.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Replayed)
	assert.Equal(t, 1, st.RolledBack)
	assert.Zero(t, env2.pendingCount(t))

	_, _, err = env2.el.Get(ctx, k1)
	assert.NoError(t, err)
	_, _, err = env2.el.Get(ctx, k2)
	assert.NoError(t, err)
	_, err = env2.store.Get(ctx, k3)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}
