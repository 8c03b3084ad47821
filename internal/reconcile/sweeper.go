package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shelf-storage/shelf/internal/backend"
	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/lease"
	"github.com/shelf-storage/shelf/internal/metrics"
	"github.com/shelf-storage/shelf/internal/sidecar"
	"github.com/shelf-storage/shelf/internal/wal"
)

// Config wires a Sweeper for one leadership term.
type Config struct {
	Backend    backend.Store
	Sidecars   *sidecar.Manager
	Index      *index.Index
	Repairer   Repairer
	Exclusions *Exclusions

	// Fencing: every sweep and every repair write re-verifies that NodeID
	// still holds the lease at Term.
	Leases    lease.Store
	LeaseName string
	NodeID    string
	Term      int64

	Interval      time.Duration
	FullEvery     int
	KeysPerSecond int

	Log     zerolog.Logger
	Metrics *metrics.NodeMetrics
}

// Stats summarizes one sweep.
type Stats struct {
	Full            bool
	Partitions      int
	Examined        int
	MissingIndex    int
	OrphanedIndex   int
	StaleIndex      int
	OrphanedObjects int
	Corrupted       int
	Repaired        int
	Skipped         int
}

// Sweeper runs reconciliation sweeps for a single leadership term. A new
// leader builds a new Sweeper, so the checkpoint below is term-local and
// the first sweep after any handover is a full one.
type Sweeper struct {
	cfg     Config
	fenced  *index.Fenced
	limiter *rate.Limiter
	check   index.CheckFunc
	log     zerolog.Logger
	met     *metrics.NodeMetrics
	now     func() time.Time

	mu         sync.Mutex
	sweeps     int
	checkpoint time.Time
}

func New(cfg Config) *Sweeper {
	check := func(ctx context.Context, term int64) error {
		return lease.Check(ctx, cfg.Leases, cfg.LeaseName, cfg.NodeID, term)
	}
	limit := rate.Inf
	burst := 0
	if cfg.KeysPerSecond > 0 {
		limit = rate.Limit(cfg.KeysPerSecond)
		burst = cfg.KeysPerSecond
	}
	return &Sweeper{
		cfg:     cfg,
		fenced:  index.NewFenced(cfg.Index, cfg.Term, check),
		limiter: rate.NewLimiter(limit, burst),
		check:   check,
		log:     cfg.Log.With().Int64("term", cfg.Term).Logger(),
		met:     cfg.Metrics,
		now:     time.Now,
	}
}

// Run sweeps immediately, then on every interval tick, until ctx is
// cancelled or leadership is lost.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info().Msg("reconciliation started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		_, err := s.Sweep(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lease.ErrStaleLeader):
			s.log.Warn().Msg("sweep fenced off, stopping reconciliation")
			return err
		default:
			s.log.Warn().Err(err).Msg("sweep failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reconciliation pass and reports what it found. A second
// sweep over unchanged state finds nothing and repairs nothing.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	start := s.now()
	var st Stats

	if err := s.check(ctx, s.cfg.Term); err != nil {
		s.met.StaleLeaderRejections.Inc()
		return st, err
	}

	prefixes, full := s.prefixes(start)
	st.Full = full
	st.Partitions = len(prefixes)
	for _, prefix := range prefixes {
		if err := s.sweepPrefix(ctx, prefix, &st); err != nil {
			return st, err
		}
	}

	s.mu.Lock()
	s.sweeps++
	s.checkpoint = start
	s.mu.Unlock()

	s.met.SweepsRun.Inc()
	s.log.Info().
		Bool("full", st.Full).
		Int("examined", st.Examined).
		Int("repaired", st.Repaired).
		Int("skipped", st.Skipped).
		Int("corrupted", st.Corrupted).
		Dur("took", s.now().Sub(start)).
		Msg("sweep complete")
	return st, nil
}

// prefixes picks what to examine: everything for a full sweep, otherwise
// the hour partitions between the checkpoint and now. New stores land in
// recent partitions; drift elsewhere waits for the periodic full sweep.
func (s *Sweeper) prefixes(now time.Time) ([]string, bool) {
	s.mu.Lock()
	cp := s.checkpoint
	n := s.sweeps
	s.mu.Unlock()

	if cp.IsZero() || s.cfg.FullEvery <= 0 || n%s.cfg.FullEvery == 0 {
		return []string{""}, true
	}
	var out []string
	for h := cp.UTC().Truncate(time.Hour); !h.After(now); h = h.Add(time.Hour) {
		out = append(out, sidecar.PartitionAt(h))
	}
	return out, false
}

func (s *Sweeper) sweepPrefix(ctx context.Context, prefix string, st *Stats) error {
	states := make(map[string]*state)
	get := func(key string) *state {
		if states[key] == nil {
			states[key] = &state{}
		}
		return states[key]
	}

	sc, err := s.cfg.Sidecars.Scan(ctx, prefix)
	if err != nil {
		s.log.Warn().Err(err).Str("prefix", prefix).Msg("sidecar scan failed")
		return nil
	}
	for sc.Next(ctx) {
		key, attrs := sc.Entry()
		get(key).attrs = attrs
	}
	if err := sc.Err(); err != nil {
		s.log.Warn().Err(err).Str("prefix", prefix).Msg("sidecar scan failed")
		return nil
	}
	bad := sc.Bad()
	for key := range bad {
		get(key)
	}

	keys, err := s.cfg.Backend.List(ctx, prefix)
	if err != nil {
		s.log.Warn().Err(err).Str("prefix", prefix).Msg("object list failed")
		return nil
	}
	for _, key := range keys {
		if sidecar.IsSidecarKey(key) {
			continue
		}
		get(key).object = true
	}

	rowKeys, err := s.cfg.Index.Keys(ctx, prefix)
	if err != nil {
		s.log.Warn().Err(err).Str("prefix", prefix).Msg("index list failed")
		return nil
	}
	rows := make(map[string]bool, len(rowKeys))
	for _, key := range rowKeys {
		get(key)
		rows[key] = true
	}

	union := make([]string, 0, len(states))
	for key := range states {
		union = append(union, key)
	}
	sort.Strings(union)

	for _, key := range union {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.met.KeysExamined.Inc()
		st.Examined++
		if s.cfg.Exclusions.Has(key) {
			continue
		}
		if err := s.classify(ctx, key, states[key], rows[key], bad[key], st); err != nil {
			return err
		}
	}
	return nil
}

// classify applies the anomaly table to one key and repairs what it finds.
// It returns an error only when the sweep as a whole must stop.
func (s *Sweeper) classify(ctx context.Context, key string, ks *state, hasRow bool, badErr error, st *Stats) error {
	switch {
	case badErr != nil:
		s.quarantine(ctx, key, ks.object, fmt.Errorf("%w: unreadable sidecar: %v", ErrCorruption, badErr), st)
		return nil

	case ks.attrs != nil && !ks.object:
		s.quarantine(ctx, key, false, fmt.Errorf("%w: sidecar without object", ErrCorruption), st)
		return nil

	case ks.attrs != nil:
		rec, err := s.cfg.Index.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("index read failed")
			return nil
		}
		if rec == nil {
			s.detect(metrics.CategoryMissingIndex, key, st)
			st.MissingIndex++
			return s.repair(ctx, key, st, []string{metrics.CategoryMissingIndex}, func() error {
				return s.cfg.Repairer.RefreshIndex(ctx, key, s.fenced)
			})
		}
		if !rec.Attrs.Equal(ks.attrs) {
			s.detect(metrics.CategoryStaleIndex, key, st)
			st.StaleIndex++
			return s.repair(ctx, key, st, []string{metrics.CategoryStaleIndex}, func() error {
				return s.cfg.Repairer.RefreshIndex(ctx, key, s.fenced)
			})
		}
		return nil

	default:
		// No sidecar: whatever remains is an orphan.
		var categories []string
		if hasRow {
			s.detect(metrics.CategoryOrphanedIndex, key, st)
			st.OrphanedIndex++
			categories = append(categories, metrics.CategoryOrphanedIndex)
		}
		if ks.object {
			s.detect(metrics.CategoryOrphanedObject, key, st)
			st.OrphanedObjects++
			categories = append(categories, metrics.CategoryOrphanedObject)
		}
		if len(categories) == 0 {
			return nil
		}
		return s.repair(ctx, key, st, categories, func() error {
			return s.cfg.Repairer.RetireKey(ctx, key, s.fenced)
		})
	}
}

func (s *Sweeper) detect(category, key string, st *Stats) {
	s.met.AnomaliesDetected.WithLabelValues(category).Inc()
	s.log.Info().Str("key", key).Str("anomaly", category).Msg("anomaly detected")
}

func (s *Sweeper) repair(ctx context.Context, key string, st *Stats, categories []string, fn func() error) error {
	err := fn()
	switch {
	case err == nil:
		for _, c := range categories {
			s.met.RepairsApplied.WithLabelValues(c).Inc()
		}
		st.Repaired++
	case errors.Is(err, wal.ErrConflict):
		// A foreground operation owns the key right now; the next sweep
		// will see the settled state.
		s.log.Debug().Str("key", key).Msg("repair skipped, key busy")
		st.Skipped++
	case errors.Is(err, lease.ErrStaleLeader):
		s.met.StaleLeaderRejections.Inc()
		return err
	default:
		s.log.Warn().Err(err).Str("key", key).Msg("repair failed")
	}
	return nil
}

// quarantine moves a corrupt key's artifacts under the quarantine prefix
// and excludes the key until restart. Nothing is deleted outright; the
// evidence stays available for manual investigation.
func (s *Sweeper) quarantine(ctx context.Context, key string, hasObject bool, reason error, st *Stats) {
	s.met.AnomaliesDetected.WithLabelValues(metrics.CategoryCorruption).Inc()
	st.Corrupted++
	s.log.Error().Str("key", key).Err(reason).Msg("corruption detected, quarantining")

	moved := true
	targets := []string{sidecar.SidecarKey(key)}
	if hasObject {
		targets = append(targets, key)
	}
	for _, t := range targets {
		if err := s.move(ctx, t, backend.QuarantinePrefix+t); err != nil {
			s.log.Warn().Err(err).Str("key", t).Msg("quarantine move failed")
			moved = false
		}
	}
	if !moved {
		// Leave the key unexcluded so the next sweep retries the move.
		return
	}
	s.cfg.Exclusions.Add(key)
	s.met.RepairsApplied.WithLabelValues(metrics.CategoryCorruption).Inc()
	st.Repaired++
}

func (s *Sweeper) move(ctx context.Context, from, to string) error {
	data, err := s.cfg.Backend.Get(ctx, from)
	if errors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.cfg.Backend.Put(ctx, to, data); err != nil {
		return err
	}
	return s.cfg.Backend.Delete(ctx, from)
}
