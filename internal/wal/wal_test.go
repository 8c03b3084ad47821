package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/sidecar"
)

func testWAL(t *testing.T, dir string, maxBytes int64) *WAL {
	t.Helper()
	w, err := Open(Config{
		Dir:             dir,
		SegmentMaxBytes: maxBytes,
		Log:             zerolog.Nop(),
		Metrics:         metrics.NewWith(prometheus.NewRegistry(), "test"),
	})
	require.NoError(t, err)
	return w
}

func testAttrs(name string) *sidecar.Attrs {
	return &sidecar.Attrs{
		FileID:      "file-" + name,
		Name:        name,
		Owner:       "alice",
		Size:        11,
		Checksum:    "deadbeef",
		Mode:        sidecar.ModeRW,
		CreatedAt:   1756000000,
		ModifiedAt:  1756000000,
		Compression: "zstd",
		EncodedSize: 9,
	}
}

func driveToTerminal(t *testing.T, w *WAL, seq int64, op Op) {
	t.Helper()
	for _, p := range chains[op][1:] {
		require.NoError(t, w.Advance(seq, p))
	}
}

func TestStoreChainCommit(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	seq, err := w.Append(Entry{Op: OpStore, Key: "2025/08/24/10/a.pdf", Attrs: testAttrs("a.pdf")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, 1.0, testutil.ToFloat64(w.met.WALPendingEntries))

	pending := w.ReplayUncommitted()
	require.Len(t, pending, 1)
	assert.Equal(t, PhaseIntended, pending[0].Phase)
	assert.Equal(t, "a.pdf", pending[0].Attrs.Name)

	require.NoError(t, w.Advance(seq, PhaseObjectWritten))
	require.NoError(t, w.Advance(seq, PhaseSidecarWritten))
	require.NoError(t, w.Advance(seq, PhaseIndexUpdated))
	require.NoError(t, w.Advance(seq, PhaseCommitted))

	assert.Empty(t, w.ReplayUncommitted())
	assert.Equal(t, 0.0, testutil.ToFloat64(w.met.WALPendingEntries))
}

func TestAppendConflict(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	key := "2025/08/24/10/a.pdf"
	seq, err := w.Append(Entry{Op: OpStore, Key: key, Attrs: testAttrs("a.pdf")})
	require.NoError(t, err)

	_, err = w.Append(Entry{Op: OpDelete, Key: key})
	assert.ErrorIs(t, err, ErrConflict)

	// A distinct key is not serialized against the first.
	_, err = w.Append(Entry{Op: OpStore, Key: "2025/08/24/10/b.pdf", Attrs: testAttrs("b.pdf")})
	require.NoError(t, err)

	driveToTerminal(t, w, seq, OpStore)
	_, err = w.Append(Entry{Op: OpDelete, Key: key})
	require.NoError(t, err)
}

func TestRenameGuardsBothKeys(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	oldKey := "2025/08/24/10/a.pdf"
	newKey := "2025/08/24/11/b.pdf"
	_, err := w.Append(Entry{Op: OpRename, Key: newKey, AuxKey: oldKey, Attrs: testAttrs("b.pdf")})
	require.NoError(t, err)

	_, err = w.Append(Entry{Op: OpDelete, Key: oldKey})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = w.Append(Entry{Op: OpDelete, Key: newKey})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAppendValidation(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	_, err := w.Append(Entry{Op: "COMPACT", Key: "k"})
	assert.ErrorContains(t, err, "unknown wal op")

	_, err = w.Append(Entry{Op: OpStore})
	assert.ErrorContains(t, err, "empty key")

	_, err = w.Append(Entry{Op: OpRename, Key: "k"})
	assert.ErrorContains(t, err, "rename requires aux key")
}

func TestAdvanceValidation(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	seq, err := w.Append(Entry{Op: OpStore, Key: "k", Attrs: testAttrs("k")})
	require.NoError(t, err)

	// Skipping a phase is rejected.
	err = w.Advance(seq, PhaseSidecarWritten)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Unknown sequence numbers are rejected.
	err = w.Advance(99, PhaseObjectWritten)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	driveToTerminal(t, w, seq, OpStore)

	// Terminal entries cannot advance again.
	err = w.Advance(seq, PhaseCommitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRollbackOnlyFromIntended(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	seq, err := w.Append(Entry{Op: OpStore, Key: "a", Attrs: testAttrs("a")})
	require.NoError(t, err)
	require.NoError(t, w.Advance(seq, PhaseObjectWritten))
	err = w.Advance(seq, PhaseRolledBack)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	seq2, err := w.Append(Entry{Op: OpStore, Key: "b", Attrs: testAttrs("b")})
	require.NoError(t, err)
	require.NoError(t, w.Advance(seq2, PhaseRolledBack))
	pending := w.ReplayUncommitted()
	require.Len(t, pending, 1, "rolled back entry must leave pending")
	assert.Equal(t, seq, pending[0].Seq)

	// The rollback released the key.
	_, err = w.Append(Entry{Op: OpStore, Key: "b", Attrs: testAttrs("b")})
	require.NoError(t, err)
}

func TestDeleteChainOrder(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	seq, err := w.Append(Entry{Op: OpDelete, Key: "k", Attrs: testAttrs("k")})
	require.NoError(t, err)

	// The sidecar is retired before the object on delete.
	err = w.Advance(seq, PhaseObjectWritten)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, w.Advance(seq, PhaseSidecarWritten))
	require.NoError(t, w.Advance(seq, PhaseObjectWritten))
	require.NoError(t, w.Advance(seq, PhaseIndexUpdated))
	require.NoError(t, w.Advance(seq, PhaseCommitted))
}

func TestUpdateAttrsChain(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	seq, err := w.Append(Entry{Op: OpUpdateAttrs, Key: "k", Attrs: testAttrs("k")})
	require.NoError(t, err)

	// Attribute updates never touch the object.
	err = w.Advance(seq, PhaseObjectWritten)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, w.Advance(seq, PhaseSidecarWritten))
	require.NoError(t, w.Advance(seq, PhaseIndexUpdated))
	require.NoError(t, w.Advance(seq, PhaseCommitted))
}

func TestReopenRecoversPending(t *testing.T) {
	dir := t.TempDir()
	w := testWAL(t, dir, 0)

	committed, err := w.Append(Entry{Op: OpStore, Key: "a", Attrs: testAttrs("a")})
	require.NoError(t, err)
	driveToTerminal(t, w, committed, OpStore)

	mid, err := w.Append(Entry{Op: OpStore, Key: "b", Attrs: testAttrs("b")})
	require.NoError(t, err)
	require.NoError(t, w.Advance(mid, PhaseObjectWritten))
	require.NoError(t, w.Advance(mid, PhaseSidecarWritten))

	fresh, err := w.Append(Entry{Op: OpDelete, Key: "c", Attrs: testAttrs("c")})
	require.NoError(t, err)

	require.NoError(t, w.Close())

	w = testWAL(t, dir, 0)
	defer w.Close()

	pending := w.ReplayUncommitted()
	require.Len(t, pending, 2)
	assert.Equal(t, mid, pending[0].Seq)
	assert.Equal(t, PhaseSidecarWritten, pending[0].Phase)
	assert.Equal(t, "b", pending[0].Attrs.Name)
	assert.Equal(t, fresh, pending[1].Seq)
	assert.Equal(t, PhaseIntended, pending[1].Phase)

	// Guarded keys and the sequence counter survive reopen.
	_, err = w.Append(Entry{Op: OpDelete, Key: "b"})
	assert.ErrorIs(t, err, ErrConflict)
	seq, err := w.Append(Entry{Op: OpStore, Key: "d", Attrs: testAttrs("d")})
	require.NoError(t, err)
	assert.Equal(t, fresh+1, seq)
}

func TestTornTailDiscarded(t *testing.T) {
	corruptions := map[string]func(t *testing.T, path string){
		"trailing garbage": func(t *testing.T, path string) {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
			require.NoError(t, err)
			_, err = f.Write([]byte{0x00, 0x00, 0x00, 0x30, 0xde, 0xad})
			require.NoError(t, err)
			require.NoError(t, f.Close())
		},
		"truncated record": func(t *testing.T, path string) {
			info, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, info.Size()-5))
		},
	}

	for name, corrupt := range corruptions {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			w := testWAL(t, dir, 0)

			first, err := w.Append(Entry{Op: OpStore, Key: "a", Attrs: testAttrs("a")})
			require.NoError(t, err)
			_, err = w.Append(Entry{Op: OpStore, Key: "b", Attrs: testAttrs("b")})
			require.NoError(t, err)
			require.NoError(t, w.Close())

			segs, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
			require.NoError(t, err)
			require.Len(t, segs, 1)
			corrupt(t, segs[0])

			w = testWAL(t, dir, 0)
			pending := w.ReplayUncommitted()

			if name == "trailing garbage" {
				// Both intact records survive; only the garbage is dropped.
				require.Len(t, pending, 2)
			} else {
				// The second record was torn and is gone.
				require.Len(t, pending, 1)
				assert.Equal(t, first, pending[0].Seq)
			}

			// The tail was cut at a record boundary, so new appends and a
			// further reopen read back cleanly.
			seq, err := w.Append(Entry{Op: OpStore, Key: "c", Attrs: testAttrs("c")})
			require.NoError(t, err)
			require.NoError(t, w.Close())

			w = testWAL(t, dir, 0)
			defer w.Close()
			found := false
			for _, e := range w.ReplayUncommitted() {
				if e.Seq == seq {
					found = true
					assert.Equal(t, "c", e.Key)
				}
			}
			assert.True(t, found, "entry appended after tail repair must survive reopen")
		})
	}
}

func TestRotationAndTruncate(t *testing.T) {
	dir := t.TempDir()
	// Every record exceeds the threshold, so each append rotates.
	w := testWAL(t, dir, 64)
	defer w.Close()

	for _, key := range []string{"a", "b"} {
		seq, err := w.Append(Entry{Op: OpStore, Key: key, Attrs: testAttrs(key)})
		require.NoError(t, err)
		driveToTerminal(t, w, seq, OpStore)
	}
	pendingSeq, err := w.Append(Entry{Op: OpStore, Key: "c", Attrs: testAttrs("c")})
	require.NoError(t, err)
	before := w.SegmentCount()
	require.Greater(t, before, 1)

	removed, err := w.Truncate(pendingSeq)
	require.NoError(t, err)
	assert.Greater(t, removed, 0)
	assert.Less(t, w.SegmentCount(), before)

	// The pending entry and sequence counter survive truncation and reopen.
	require.NoError(t, w.Close())
	w = testWAL(t, dir, 64)
	pending := w.ReplayUncommitted()
	require.Len(t, pending, 1)
	assert.Equal(t, pendingSeq, pending[0].Seq)
	assert.Equal(t, pendingSeq+1, w.NextSeq())
}

func TestTruncateStopsAtPendingSegment(t *testing.T) {
	w := testWAL(t, t.TempDir(), 64)
	defer w.Close()

	// Oldest entry stays pending; everything after it is committed.
	_, err := w.Append(Entry{Op: OpStore, Key: "a", Attrs: testAttrs("a")})
	require.NoError(t, err)
	seq, err := w.Append(Entry{Op: OpStore, Key: "b", Attrs: testAttrs("b")})
	require.NoError(t, err)
	driveToTerminal(t, w, seq, OpStore)

	before := w.SegmentCount()
	removed, err := w.Truncate(w.NextSeq())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, before, w.SegmentCount())
}

func TestOldestPending(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	defer w.Close()

	_, ok := w.OldestPending()
	assert.False(t, ok)

	first, err := w.Append(Entry{Op: OpStore, Key: "a", Attrs: testAttrs("a")})
	require.NoError(t, err)
	second, err := w.Append(Entry{Op: OpStore, Key: "b", Attrs: testAttrs("b")})
	require.NoError(t, err)

	oldest, ok := w.OldestPending()
	require.True(t, ok)
	assert.Equal(t, first, oldest)

	driveToTerminal(t, w, first, OpStore)
	oldest, ok = w.OldestPending()
	require.True(t, ok)
	assert.Equal(t, second, oldest)
}

func TestClosedWALRejectsOps(t *testing.T) {
	w := testWAL(t, t.TempDir(), 0)
	seq, err := w.Append(Entry{Op: OpStore, Key: "a", Attrs: testAttrs("a")})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	_, err = w.Append(Entry{Op: OpStore, Key: "b"})
	assert.ErrorContains(t, err, "closed")
	err = w.Advance(seq, PhaseObjectWritten)
	assert.ErrorContains(t, err, "closed")
	_, err = w.Truncate(10)
	assert.ErrorContains(t, err, "closed")
	assert.False(t, errors.Is(err, ErrInvalidTransition))
}
