// Package test_utils builds fully wired storage elements on temp dirs for
// multi-component integration tests.
package test_utils

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/db"
	"github.com/shelf-storage/shelf/internal/element"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/lease"
	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/payload"
	"github.com/shelf-storage/shelf/internal/reconcile"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

// LeaseName is the election lease every test replica competes for.
const LeaseName = "shelf-leader"

// TestElement is one storage element wired end to end: folder backend,
// payload codec, WAL, SQLite index, and a SQL lease store. Replicas made
// with NewReplica share the object store and coordination database but keep
// their own WAL and index, like separate daemons pointed at one shelf.
type TestElement struct {
	Name     string
	Dir      string
	Backend  *backend.FolderStore
	Sidecars *sidecar.Manager
	Index    *index.Index
	WAL      *wal.WAL
	Codec    *payload.Codec
	Metrics  *metrics.NodeMetrics
	Element  *element.Element
	Leases   *lease.SQLStore

	objectsRoot string
	coordPath   string
	indexDB     *sql.DB
	coordDB     *sql.DB
	t           *testing.T
}

// NewTestElement creates an isolated element with its own object store and
// coordination database.
func NewTestElement(t *testing.T, name string) *TestElement {
	dir, err := os.MkdirTemp("", "shelf-integration-"+name+"-")
	if err != nil {
		t.Fatalf("Failed to create temp dir for element %s: %v", name, err)
	}
	return newElement(t, name, dir, filepath.Join(dir, "objects"), filepath.Join(dir, "coordination.db"))
}

// NewReplica creates a second element over the same object store and
// coordination database as te, with its own WAL and index.
func (te *TestElement) NewReplica(t *testing.T, name string) *TestElement {
	dir, err := os.MkdirTemp("", "shelf-integration-"+name+"-")
	if err != nil {
		t.Fatalf("Failed to create temp dir for element %s: %v", name, err)
	}
	return newElement(t, name, dir, te.objectsRoot, te.coordPath)
}

func newElement(t *testing.T, name, dir, objectsRoot, coordPath string) *TestElement {
	store := backend.NewFolderStore(objectsRoot)

	indexDB, err := db.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Failed to open index db for element %s: %v", name, err)
	}
	coordDB, err := db.OpenCoordination(coordPath)
	if err != nil {
		t.Fatalf("Failed to open coordination db for element %s: %v", name, err)
	}

	// One master key for the whole test shelf, so every replica can decode
	// every object.
	key := sha256.Sum256([]byte("shelf-test-master-key"))
	codec, err := payload.NewCodec(true, 2, key[:])
	if err != nil {
		t.Fatalf("Failed to build codec for element %s: %v", name, err)
	}

	te := &TestElement{
		Name:        name,
		Dir:         dir,
		Backend:     store,
		Sidecars:    sidecar.NewManager(store),
		Index:       index.New(indexDB),
		Codec:       codec,
		Leases:      lease.NewSQLStore(coordDB),
		objectsRoot: objectsRoot,
		coordPath:   coordPath,
		indexDB:     indexDB,
		coordDB:     coordDB,
		t:           t,
	}
	te.open()
	return te
}

// open (re)opens the WAL and builds the element on top of it. Metrics get a
// fresh private registry so restarts never double-register.
func (te *TestElement) open() {
	te.Metrics = metrics.NewWith(prometheus.NewRegistry(), te.Name)
	w, err := wal.Open(wal.Config{
		Dir:     filepath.Join(te.Dir, "wal"),
		Log:     zerolog.Nop(),
		Metrics: te.Metrics,
	})
	if err != nil {
		te.t.Fatalf("Failed to open wal for element %s: %v", te.Name, err)
	}
	te.WAL = w
	te.Element = element.New(element.Config{
		Backend:  te.Backend,
		Sidecars: te.Sidecars,
		Index:    te.Index,
		WAL:      w,
		Codec:    te.Codec,
		Log:      zerolog.Nop(),
		Metrics:  te.Metrics,
	})
}

// Restart simulates a crash and reboot: the WAL handle is dropped and
// reopened from disk, and a fresh element is built over the same state.
// The caller decides when to run recovery.
func (te *TestElement) Restart() {
	te.WAL.Close()
	te.open()
}

// Cleanup removes all temporary state for this element.
func (te *TestElement) Cleanup() {
	if te.WAL != nil {
		te.WAL.Close()
	}
	if te.indexDB != nil {
		te.indexDB.Close()
	}
	if te.coordDB != nil {
		te.coordDB.Close()
	}
	if te.Dir != "" {
		os.RemoveAll(te.Dir)
	}
}

// Store is a convenience wrapper for storing a file with default attributes.
func (te *TestElement) Store(name, owner string, data []byte) (*index.Record, error) {
	return te.Element.Store(context.Background(), element.StoreRequest{
		Name:  name,
		Owner: owner,
		Data:  data,
	})
}

// Recover runs startup recovery, failing the test on error.
func (te *TestElement) Recover() element.RecoveryStats {
	stats, err := te.Element.Recover(context.Background())
	if err != nil {
		te.t.Fatalf("Recovery on element %s failed: %v", te.Name, err)
	}
	return stats
}

// PendingEntries returns the WAL entries not yet committed or rolled back.
func (te *TestElement) PendingEntries() []wal.Entry {
	return te.WAL.ReplayUncommitted()
}

// AcquireLease takes the shelf leader lease as this element.
func (te *TestElement) AcquireLease(ttl time.Duration) (*lease.Lease, bool) {
	l, ok, err := te.Leases.Acquire(context.Background(), LeaseName, te.Name, ttl)
	if err != nil {
		te.t.Fatalf("Lease acquire on element %s failed: %v", te.Name, err)
	}
	return l, ok
}

// NewSweeper wires a reconciliation sweeper for this element at term,
// repairing through the element and fenced by the shared lease store.
func (te *TestElement) NewSweeper(term int64) *reconcile.Sweeper {
	return reconcile.New(reconcile.Config{
		Backend:    te.Backend,
		Sidecars:   te.Sidecars,
		Index:      te.Index,
		Repairer:   te.Element,
		Exclusions: reconcile.NewExclusions(),
		Leases:     te.Leases,
		LeaseName:  LeaseName,
		NodeID:     te.Name,
		Term:       term,
		Interval:   time.Hour,
		FullEvery:  1,
		Log:        zerolog.Nop(),
		Metrics:    te.Metrics,
	})
}

// InterruptedStore performs a store but stops after the given WAL phase was
// recorded, leaving the on-disk state a crash at that point would leave.
// Returns the key the pending entry guards.
func (te *TestElement) InterruptedStore(name, owner string, data []byte, phase wal.Phase) (string, error) {
	ctx := context.Background()
	at := time.Now()
	key, err := sidecar.DeriveKey(name, owner, at)
	if err != nil {
		return "", err
	}
	fileID := uuid.NewString()
	encoded, info, err := te.Codec.Encode(fileID, data)
	if err != nil {
		return "", err
	}
	now := unixSeconds(at)
	a := &sidecar.Attrs{
		FileID:      fileID,
		Name:        name,
		Owner:       owner,
		Size:        int64(len(data)),
		Checksum:    payload.Checksum(data),
		Mode:        sidecar.ModeRW,
		CreatedAt:   now,
		ModifiedAt:  now,
		Compression: info.Compression,
		EncodedSize: info.EncodedSize,
		Encrypted:   info.Encrypted,
	}

	seq, err := te.WAL.Append(wal.Entry{Op: wal.OpStore, Key: key, Attrs: a})
	if err != nil {
		return "", err
	}
	// Dying at INTENDED means the first side effect landed but its phase
	// advance did not; later phases mean exactly their effects landed.
	if err := te.Backend.Put(ctx, key, encoded); err != nil {
		return "", err
	}
	if phase == wal.PhaseIntended {
		return key, nil
	}
	if err := te.WAL.Advance(seq, wal.PhaseObjectWritten); err != nil {
		return "", err
	}
	if phase == wal.PhaseObjectWritten {
		return key, nil
	}
	if err := te.Sidecars.Write(ctx, key, a); err != nil {
		return "", err
	}
	if err := te.WAL.Advance(seq, wal.PhaseSidecarWritten); err != nil {
		return "", err
	}
	if phase == wal.PhaseSidecarWritten {
		return key, nil
	}
	if err := te.Index.Upsert(ctx, key, a); err != nil {
		return "", err
	}
	if err := te.WAL.Advance(seq, wal.PhaseIndexUpdated); err != nil {
		return "", err
	}
	if phase == wal.PhaseIndexUpdated {
		return key, nil
	}
	return "", fmt.Errorf("cannot interrupt store at phase %s", phase)
}

// InterruptedDelete performs a delete of an existing key but stops after
// the given WAL phase was recorded.
func (te *TestElement) InterruptedDelete(key string, phase wal.Phase) error {
	ctx := context.Background()
	a, err := te.Sidecars.Read(ctx, key)
	if err != nil {
		return err
	}
	seq, err := te.WAL.Append(wal.Entry{Op: wal.OpDelete, Key: key, Attrs: a})
	if err != nil {
		return err
	}
	if err := te.Sidecars.Remove(ctx, key); err != nil {
		return err
	}
	if phase == wal.PhaseIntended {
		return nil
	}
	if err := te.WAL.Advance(seq, wal.PhaseSidecarWritten); err != nil {
		return err
	}
	if phase == wal.PhaseSidecarWritten {
		return nil
	}
	if err := te.Backend.Delete(ctx, key); err != nil {
		return err
	}
	if err := te.WAL.Advance(seq, wal.PhaseObjectWritten); err != nil {
		return err
	}
	if phase == wal.PhaseObjectWritten {
		return nil
	}
	if err := te.Index.Delete(ctx, key); err != nil {
		return err
	}
	if err := te.WAL.Advance(seq, wal.PhaseIndexUpdated); err != nil {
		return err
	}
	if phase == wal.PhaseIndexUpdated {
		return nil
	}
	return fmt.Errorf("cannot interrupt delete at phase %s", phase)
}

// AssertConsistent verifies the key is either fully present (object,
// sidecar, and index row all agree) or fully absent, never in between.
// Returns whether the file is present.
func AssertConsistent(t *testing.T, te *TestElement, key string) bool {
	ctx := context.Background()

	attrs, err := te.Sidecars.Read(ctx, key)
	haveSidecar := err == nil
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("Sidecar read for %s failed: %v", key, err)
	}

	_, err = te.Backend.Get(ctx, key)
	haveObject := err == nil
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("Object read for %s failed: %v", key, err)
	}

	row, err := te.Index.Get(ctx, key)
	if err != nil {
		t.Fatalf("Index read for %s failed: %v", key, err)
	}
	haveRow := row != nil

	if haveSidecar != haveObject || haveSidecar != haveRow {
		t.Errorf("Partial state for %s: sidecar=%v object=%v row=%v",
			key, haveSidecar, haveObject, haveRow)
		return haveSidecar
	}
	if !haveSidecar {
		return false
	}

	if !row.Attrs.Equal(attrs) {
		t.Errorf("Index row for %s diverges from sidecar: row=%+v sidecar=%+v",
			key, row.Attrs, *attrs)
	}
	// Get re-verifies the payload checksum end to end.
	if _, _, err := te.Element.Get(ctx, key); err != nil {
		t.Errorf("Get for present key %s failed: %v", key, err)
	}
	return true
}

// AssertClean acquires a fresh lease term, runs one full sweep, and fails
// the test if the sweep finds any anomaly.
func AssertClean(t *testing.T, te *TestElement) {
	l, ok := te.AcquireLease(time.Minute)
	if !ok {
		t.Fatalf("Cannot acquire lease for clean-state sweep on %s", te.Name)
	}
	defer te.Leases.Release(context.Background(), LeaseName, te.Name, l.Term)

	stats, err := te.NewSweeper(l.Term).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Clean-state sweep on %s failed: %v", te.Name, err)
	}
	if n := stats.MissingIndex + stats.OrphanedIndex + stats.StaleIndex + stats.OrphanedObjects + stats.Corrupted; n != 0 {
		t.Errorf("Sweep found %d anomalies on supposedly clean element %s: %+v", n, te.Name, stats)
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
