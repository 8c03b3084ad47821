// Package wal implements the write-ahead log that makes mutating operations
// crash-atomic. Every operation appends an entry before its first side
// effect, advances the entry through a fixed per-op phase chain as each side
// effect lands, and ends at COMMITTED. Entries that never reach a terminal
// phase are surfaced by ReplayUncommitted for recovery to finish or roll
// back.
package wal

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/sidecar"
)

// Op identifies the kind of mutating operation an entry guards.
type Op string

const (
	OpStore       Op = "STORE"
	OpDelete      Op = "DELETE"
	OpRename      Op = "RENAME"
	OpUpdateAttrs Op = "UPDATE_ATTRS"
)

// Phase is a stage in an entry's lifecycle. The legal order depends on the
// op kind; see chains.
type Phase string

const (
	PhaseIntended       Phase = "INTENDED"
	PhaseObjectWritten  Phase = "OBJECT_WRITTEN"
	PhaseSidecarWritten Phase = "SIDECAR_WRITTEN"
	PhaseIndexUpdated   Phase = "INDEX_UPDATED"
	PhaseCommitted      Phase = "COMMITTED"
	PhaseRolledBack     Phase = "ROLLED_BACK"
)

// chains lists the mandatory phase order per op kind. DELETE retires the
// sidecar before the object so a crash between the two leaves
// object-without-sidecar (repairable), never sidecar-without-object.
var chains = map[Op][]Phase{
	OpStore:       {PhaseIntended, PhaseObjectWritten, PhaseSidecarWritten, PhaseIndexUpdated, PhaseCommitted},
	OpDelete:      {PhaseIntended, PhaseSidecarWritten, PhaseObjectWritten, PhaseIndexUpdated, PhaseCommitted},
	OpRename:      {PhaseIntended, PhaseObjectWritten, PhaseSidecarWritten, PhaseIndexUpdated, PhaseCommitted},
	OpUpdateAttrs: {PhaseIntended, PhaseSidecarWritten, PhaseIndexUpdated, PhaseCommitted},
}

var (
	// ErrConflict is returned by Append when an uncommitted entry already
	// guards one of the requested keys.
	ErrConflict = errors.New("uncommitted entry exists for key")

	// ErrInvalidTransition is returned by Advance when the requested phase
	// is not the next phase in the entry's chain, or the entry is unknown
	// or already terminal.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Entry is one logged operation. At is the unix time of the entry's most
// recent record, so for a pending entry it reflects last activity.
type Entry struct {
	Seq    int64          `json:"seq"`
	Op     Op             `json:"op"`
	Key    string         `json:"key"`
	AuxKey string         `json:"aux_key,omitempty"`
	Phase  Phase          `json:"phase"`
	Attrs  *sidecar.Attrs `json:"attrs,omitempty"`
	At     float64        `json:"at"`
}

// Terminal reports whether the entry needs no further work.
func (e *Entry) Terminal() bool {
	return e.Phase == PhaseCommitted || e.Phase == PhaseRolledBack
}

// Keys returns the object keys the entry guards: its key, plus the rename
// source for RENAME entries.
func (e *Entry) Keys() []string {
	if e.AuxKey != "" {
		return []string{e.Key, e.AuxKey}
	}
	return []string{e.Key}
}

// Config configures a WAL. Metrics must be non-nil.
type Config struct {
	Dir             string
	SegmentMaxBytes int64
	Log             zerolog.Logger
	Metrics         *metrics.NodeMetrics
}

const defaultSegmentMaxBytes = 4 << 20

// WAL is a segmented, CRC-framed log of operation entries. Safe for
// concurrent use.
type WAL struct {
	mu  sync.Mutex
	dir string
	max int64
	log zerolog.Logger
	met *metrics.NodeMetrics

	file     *os.File
	curIndex int
	minIndex int
	curSize  int64

	nextSeq int64
	pending map[int64]*Entry
	byKey   map[string]int64
}

// Open scans the segments in cfg.Dir, rebuilds the set of pending entries,
// and readies the log for appends. A torn record at the tail of the active
// segment is discarded and logged; it is not an error.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = defaultSegmentMaxBytes
	}

	w := &WAL{
		dir:     cfg.Dir,
		max:     cfg.SegmentMaxBytes,
		log:     cfg.Log,
		met:     cfg.Metrics,
		nextSeq: 1,
		pending: make(map[int64]*Entry),
		byKey:   make(map[string]int64),
	}

	segments := listSegments(cfg.Dir)
	bySeq := make(map[int64]*Entry)
	for i, idx := range segments {
		path := segmentPath(cfg.Dir, idx)
		lastGood, torn, err := scanSegment(path, func(e Entry) {
			bySeq[e.Seq] = &e
			if e.Seq >= w.nextSeq {
				w.nextSeq = e.Seq + 1
			}
		})
		if err != nil {
			return nil, err
		}
		if torn {
			w.log.Warn().Str("segment", path).Int64("offset", lastGood).
				Msg("discarding torn wal record")
			if i == len(segments)-1 {
				if err := os.Truncate(path, lastGood); err != nil {
					return nil, fmt.Errorf("truncate torn wal segment: %w", err)
				}
			}
		}
	}
	for seq, e := range bySeq {
		if e.Terminal() {
			continue
		}
		w.pending[seq] = e
		for _, k := range e.Keys() {
			w.byKey[k] = seq
		}
	}

	if len(segments) == 0 {
		w.minIndex, w.curIndex = 0, 0
	} else {
		w.minIndex, w.curIndex = segments[0], segments[len(segments)-1]
	}
	if err := w.openSegment(w.curIndex); err != nil {
		return nil, err
	}

	w.met.WALPendingEntries.Set(float64(len(w.pending)))
	w.log.Info().Int("segments", w.SegmentCount()).Int("pending", len(w.pending)).
		Int64("next_seq", w.nextSeq).Msg("wal opened")
	return w, nil
}

func (w *WAL) openSegment(index int) error {
	path := segmentPath(w.dir, index)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("open wal segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat wal segment: %w", err)
	}
	w.file = f
	w.curSize = info.Size()
	return nil
}

// Append registers intent for a new operation and returns its sequence
// number. The caller sets Op, Key, Attrs, and AuxKey (rename source); the
// log assigns Seq and the INTENDED phase. The record is synced to disk
// before Append returns.
func (w *WAL) Append(e Entry) (int64, error) {
	chain, ok := chains[e.Op]
	if !ok {
		return 0, fmt.Errorf("unknown wal op %q", e.Op)
	}
	if e.Key == "" {
		return 0, fmt.Errorf("wal append: empty key")
	}
	if e.Op == OpRename && e.AuxKey == "" {
		return 0, fmt.Errorf("wal append: rename requires aux key")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, fmt.Errorf("wal is closed")
	}

	for _, k := range e.Keys() {
		if holder, busy := w.byKey[k]; busy {
			w.met.WALConflicts.Inc()
			return 0, fmt.Errorf("%w: %s guarded by entry %d", ErrConflict, k, holder)
		}
	}

	e.Seq = w.nextSeq
	e.Phase = chain[0]
	e.At = nowUnix()
	if err := w.writeRecord(&e); err != nil {
		return 0, err
	}

	w.nextSeq++
	w.pending[e.Seq] = &e
	for _, k := range e.Keys() {
		w.byKey[k] = e.Seq
	}
	w.met.WALAppends.Inc()
	w.met.WALPendingEntries.Set(float64(len(w.pending)))
	w.log.Debug().Int64("seq", e.Seq).Str("op", string(e.Op)).Str("key", e.Key).
		Msg("wal append")
	return e.Seq, nil
}

// Advance moves a pending entry to the given phase, which must be the next
// phase in the entry's op chain. ROLLED_BACK is legal only from INTENDED:
// an entry that produced side effects must be driven forward, not back.
func (w *WAL) Advance(seq int64, phase Phase) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("wal is closed")
	}

	e, ok := w.pending[seq]
	if !ok {
		return fmt.Errorf("%w: no pending entry %d", ErrInvalidTransition, seq)
	}
	if !nextInChain(e.Op, e.Phase, phase) {
		return fmt.Errorf("%w: entry %d (%s) %s -> %s", ErrInvalidTransition, seq, e.Op, e.Phase, phase)
	}

	updated := *e
	updated.Phase = phase
	updated.At = nowUnix()
	if err := w.writeRecord(&updated); err != nil {
		return err
	}

	*e = updated
	if e.Terminal() {
		for _, k := range e.Keys() {
			if w.byKey[k] == seq {
				delete(w.byKey, k)
			}
		}
		delete(w.pending, seq)
	}
	w.met.WALPendingEntries.Set(float64(len(w.pending)))
	w.log.Debug().Int64("seq", seq).Str("phase", string(phase)).Msg("wal advance")
	return nil
}

func nextInChain(op Op, from, to Phase) bool {
	if to == PhaseRolledBack {
		return from == PhaseIntended
	}
	chain := chains[op]
	for i, p := range chain {
		if p == from {
			return i+1 < len(chain) && chain[i+1] == to
		}
	}
	return false
}

// ReplayUncommitted returns a copy of every non-terminal entry, ordered by
// sequence number. Called once at startup before any new mutating operation
// is accepted.
func (w *WAL) ReplayUncommitted() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Entry, 0, len(w.pending))
	for _, e := range w.pending {
		c := *e
		c.Attrs = e.Attrs.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// OldestPending returns the lowest pending sequence number, if any.
func (w *WAL) OldestPending() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var oldest int64
	for seq := range w.pending {
		if oldest == 0 || seq < oldest {
			oldest = seq
		}
	}
	return oldest, oldest != 0
}

// NextSeq returns the sequence number the next append will use.
func (w *WAL) NextSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Truncate removes whole segments whose records all belong to terminal
// entries older than beforeSeq. It never splits a segment, never touches
// the active segment, and stops at the first segment it cannot remove, so
// the surviving log stays contiguous. Returns the number of segments
// removed.
func (w *WAL) Truncate(beforeSeq int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, fmt.Errorf("wal is closed")
	}

	removed := 0
	for idx := w.minIndex; idx < w.curIndex; idx++ {
		ok, err := w.segmentRemovable(idx, beforeSeq)
		if err != nil {
			return removed, err
		}
		if !ok {
			break
		}
		if err := os.Remove(segmentPath(w.dir, idx)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove wal segment: %w", err)
		}
		removed++
		w.minIndex = idx + 1
	}
	if removed > 0 {
		w.met.WALSegmentsTruncated.Add(float64(removed))
		w.log.Info().Int("segments", removed).Int64("before_seq", beforeSeq).
			Msg("wal truncated")
	}
	return removed, nil
}

// segmentRemovable reports whether every record in the segment belongs to a
// terminal entry with seq < beforeSeq. A torn segment is never removable.
func (w *WAL) segmentRemovable(index int, beforeSeq int64) (bool, error) {
	removable := true
	_, torn, err := scanSegment(segmentPath(w.dir, index), func(e Entry) {
		if e.Seq >= beforeSeq {
			removable = false
		}
		if _, busy := w.pending[e.Seq]; busy {
			removable = false
		}
	})
	if err != nil {
		return false, err
	}
	return removable && !torn, nil
}

// SegmentCount returns the number of live segments.
func (w *WAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curIndex - w.minIndex + 1
}

// Close syncs and closes the active segment. Pending entries stay on disk
// for the next Open.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync wal: %w", err)
	}
	return f.Close()
}

// writeRecord appends one framed record to the active segment and syncs it,
// rotating first when the segment is full. Lock held by caller.
func (w *WAL) writeRecord(e *Entry) error {
	if w.curSize >= w.max {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	frame, err := encodeRecord(e)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal record: %w", err)
	}
	w.curSize += int64(len(frame))
	return nil
}

func (w *WAL) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal segment: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close wal segment: %w", err)
	}
	w.curIndex++
	return w.openSegment(w.curIndex)
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
