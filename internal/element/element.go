// Package element implements the storage element: the facade that runs
// every file operation through the write-ahead log so the object bytes,
// the attribute sidecar, and the metadata index change together or not at
// all. Operations record their intent, perform side effects in a fixed
// order, and advance the log after each effect lands; recovery finishes
// or rolls back whatever a crash interrupted.
package element

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/payload"
	"github.com/shelf-storage/shelf/internal/reconcile"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

// Config wires an Element. All fields are required.
type Config struct {
	Backend  backend.Store
	Sidecars *sidecar.Manager
	Index    *index.Index
	WAL      *wal.WAL
	Codec    *payload.Codec
	Log      zerolog.Logger
	Metrics  *metrics.NodeMetrics
}

// Element is one storage node's view of the shelf. Safe for concurrent
// use; the WAL's per-key guard serializes writers to the same file.
type Element struct {
	store    backend.Store
	sidecars *sidecar.Manager
	idx      *index.Index
	wal      *wal.WAL
	codec    *payload.Codec
	log      zerolog.Logger
	met      *metrics.NodeMetrics
	now      func() time.Time
}

func New(cfg Config) *Element {
	return &Element{
		store:    cfg.Backend,
		sidecars: cfg.Sidecars,
		idx:      cfg.Index,
		wal:      cfg.WAL,
		codec:    cfg.Codec,
		log:      cfg.Log,
		met:      cfg.Metrics,
		now:      time.Now,
	}
}

// StoreRequest describes a new file. Mode defaults to RW.
type StoreRequest struct {
	Name        string
	Owner       string
	ContentType string
	Mode        sidecar.Mode
	Data        []byte
}

// Store persists a new file. The key is derived fresh for every store, so
// concurrent stores of the same name cannot collide; updates are a new
// store plus a delete of the old key.
func (e *Element) Store(ctx context.Context, req StoreRequest) (*index.Record, error) {
	mode := req.Mode
	if mode == "" {
		mode = sidecar.ModeRW
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("store %q: invalid mode %q", req.Name, mode)
	}

	at := e.now()
	key, err := sidecar.DeriveKey(req.Name, req.Owner, at)
	if err != nil {
		return nil, err
	}

	fileID := uuid.NewString()
	encoded, info, err := e.codec.Encode(fileID, req.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}

	now := unixSeconds(at)
	a := &sidecar.Attrs{
		FileID:      fileID,
		Name:        req.Name,
		Owner:       req.Owner,
		Size:        int64(len(req.Data)),
		Checksum:    payload.Checksum(req.Data),
		ContentType: req.ContentType,
		Mode:        mode,
		CreatedAt:   now,
		ModifiedAt:  now,
		Compression: info.Compression,
		EncodedSize: info.EncodedSize,
		Encrypted:   info.Encrypted,
	}

	seq, err := e.wal.Append(wal.Entry{Op: wal.OpStore, Key: key, Attrs: a})
	if err != nil {
		return nil, err
	}

	if err := e.store.Put(ctx, key, encoded); err != nil {
		return nil, e.rollback(ctx, seq, wal.OpStore, key, "", a, err)
	}
	if err := e.wal.Advance(seq, wal.PhaseObjectWritten); err != nil {
		return nil, err
	}
	en := wal.Entry{Seq: seq, Op: wal.OpStore, Key: key, Attrs: a, Phase: wal.PhaseObjectWritten}
	if err := e.finishStore(ctx, en, e.idx); err != nil {
		return nil, e.deferToRedrive(seq, key, err)
	}

	e.met.Operations.WithLabelValues("store").Inc()
	e.log.Info().Str("key", key).Str("owner", req.Owner).Int64("size", a.Size).Msg("stored")
	return &index.Record{Key: key, Attrs: *a}, nil
}

// Get returns the decoded file bytes and attributes. The sidecar decides
// whether the file exists; a sidecar whose object is missing or fails
// verification reports reconcile.ErrCorruption.
func (e *Element) Get(ctx context.Context, key string) ([]byte, *sidecar.Attrs, error) {
	a, err := e.sidecars.Read(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", key, err)
	}

	encoded, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, fmt.Errorf("get %s: object missing: %w", key, reconcile.ErrCorruption)
		}
		return nil, nil, fmt.Errorf("get %s: %w", key, err)
	}

	plain, err := e.codec.Decode(a.FileID, encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w: %v", key, reconcile.ErrCorruption, err)
	}
	if payload.Checksum(plain) != a.Checksum {
		return nil, nil, fmt.Errorf("get %s: checksum mismatch: %w", key, reconcile.ErrCorruption)
	}

	e.met.Operations.WithLabelValues("get").Inc()
	return plain, a, nil
}

// Delete removes a file: sidecar first, so the file stops existing before
// its object and row are cleaned up.
func (e *Element) Delete(ctx context.Context, key string) error {
	a, err := e.sidecars.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if !a.Mode.Mutable() {
		return fmt.Errorf("delete %s: mode %s: %w", key, a.Mode, sidecar.ErrModeViolation)
	}

	seq, err := e.wal.Append(wal.Entry{Op: wal.OpDelete, Key: key, Attrs: a})
	if err != nil {
		return err
	}

	if err := e.sidecars.Remove(ctx, key); err != nil {
		return e.rollback(ctx, seq, wal.OpDelete, key, "", a, err)
	}
	if err := e.wal.Advance(seq, wal.PhaseSidecarWritten); err != nil {
		return err
	}
	en := wal.Entry{Seq: seq, Op: wal.OpDelete, Key: key, Attrs: a, Phase: wal.PhaseSidecarWritten}
	if err := e.finishDelete(ctx, en, e.idx); err != nil {
		return e.deferToRedrive(seq, key, err)
	}

	e.met.Operations.WithLabelValues("delete").Inc()
	e.log.Info().Str("key", key).Msg("deleted")
	return nil
}

// Rename gives a file a new name, which means a new key: the object is
// copied, the new sidecar published, and only then is the old pair
// retired. The file id, and with it the encryption binding, survives.
func (e *Element) Rename(ctx context.Context, key, newName string) (*index.Record, error) {
	a, err := e.sidecars.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("rename %s: %w", key, err)
	}
	if !a.Mode.Mutable() {
		return nil, fmt.Errorf("rename %s: mode %s: %w", key, a.Mode, sidecar.ErrModeViolation)
	}

	at := e.now()
	newKey, err := sidecar.DeriveKey(newName, a.Owner, at)
	if err != nil {
		return nil, err
	}
	na := a.Clone()
	na.Name = newName
	na.ModifiedAt = unixSeconds(at)

	seq, err := e.wal.Append(wal.Entry{Op: wal.OpRename, Key: key, AuxKey: newKey, Attrs: na})
	if err != nil {
		return nil, err
	}

	// Copy the stored bytes verbatim; they are bound to the file id, not
	// the key.
	encoded, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, e.rollback(ctx, seq, wal.OpRename, key, newKey, na, err)
	}
	if err := e.store.Put(ctx, newKey, encoded); err != nil {
		return nil, e.rollback(ctx, seq, wal.OpRename, key, newKey, na, err)
	}
	if err := e.wal.Advance(seq, wal.PhaseObjectWritten); err != nil {
		return nil, err
	}
	en := wal.Entry{Seq: seq, Op: wal.OpRename, Key: key, AuxKey: newKey, Attrs: na, Phase: wal.PhaseObjectWritten}
	if err := e.finishRename(ctx, en, e.idx); err != nil {
		return nil, e.deferToRedrive(seq, key, err)
	}

	e.met.Operations.WithLabelValues("rename").Inc()
	e.log.Info().Str("key", key).Str("new_key", newKey).Msg("renamed")
	return &index.Record{Key: newKey, Attrs: *na}, nil
}

// SetMode hardens a file's storage mode. Modes only move forward; setting
// the current mode again is a no-op.
func (e *Element) SetMode(ctx context.Context, key string, mode sidecar.Mode) (*sidecar.Attrs, error) {
	a, err := e.sidecars.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("set mode %s: %w", key, err)
	}
	if !a.Mode.CanTransitionTo(mode) {
		return nil, fmt.Errorf("set mode %s: %s -> %s: %w", key, a.Mode, mode, sidecar.ErrModeViolation)
	}
	if mode == a.Mode {
		return a, nil
	}

	na := a.Clone()
	na.Mode = mode
	na.ModifiedAt = unixSeconds(e.now())

	seq, err := e.wal.Append(wal.Entry{Op: wal.OpUpdateAttrs, Key: key, Attrs: na})
	if err != nil {
		return nil, err
	}

	if err := e.sidecars.Write(ctx, key, na); err != nil {
		return nil, e.rollback(ctx, seq, wal.OpUpdateAttrs, key, "", na, err)
	}
	if err := e.wal.Advance(seq, wal.PhaseSidecarWritten); err != nil {
		return nil, err
	}
	en := wal.Entry{Seq: seq, Op: wal.OpUpdateAttrs, Key: key, Attrs: na, Phase: wal.PhaseSidecarWritten}
	if err := e.finishUpdateAttrs(ctx, en, e.idx); err != nil {
		return nil, e.deferToRedrive(seq, key, err)
	}

	e.met.Operations.WithLabelValues("update_attrs").Inc()
	e.log.Info().Str("key", key).Str("mode", string(mode)).Msg("mode changed")
	return na, nil
}

// Query searches the metadata index.
func (e *Element) Query(ctx context.Context, f index.Filter) ([]index.Record, error) {
	recs, err := e.idx.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	e.met.Operations.WithLabelValues("query").Inc()
	return recs, nil
}

// rollback undoes an operation that failed before its first phase advance
// and returns the original cause. If the cleanup itself fails the entry
// stays pending and redrive resolves it later.
func (e *Element) rollback(ctx context.Context, seq int64, op wal.Op, key, aux string, a *sidecar.Attrs, cause error) error {
	if err := e.undoIntended(ctx, op, key, aux, a); err != nil {
		e.log.Warn().Err(err).Int64("seq", seq).Str("key", key).Msg("rollback cleanup failed, entry left pending")
		return cause
	}
	if err := e.wal.Advance(seq, wal.PhaseRolledBack); err != nil {
		e.log.Warn().Err(err).Int64("seq", seq).Str("key", key).Msg("rollback not recorded, entry left pending")
	}
	return cause
}

// deferToRedrive reports a mid-chain failure. The WAL entry stays pending
// and the leader's redrive pass finishes the operation.
func (e *Element) deferToRedrive(seq int64, key string, cause error) error {
	e.log.Warn().Err(cause).Int64("seq", seq).Str("key", key).Msg("operation incomplete, left for redrive")
	return fmt.Errorf("operation on %s incomplete, will finish in background: %w", key, cause)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
