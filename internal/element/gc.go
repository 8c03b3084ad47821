package element

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelf-storage/shelf/internal/index"
	"github.com/shelf-storage/shelf/internal/lease"
)

// GCConfig wires the WAL janitor for one leadership term.
type GCConfig struct {
	Leases    lease.Store
	LeaseName string
	NodeID    string
	Term      int64

	Interval     time.Duration
	RedriveAfter time.Duration

	Log zerolog.Logger
}

// GC is the leader-only WAL janitor. Each pass re-drives entries that have
// sat pending longer than RedriveAfter, then truncates segments no pending
// entry still needs. Both actions verify the lease first, so a deposed
// leader's janitor stops instead of interfering.
type GC struct {
	el     *Element
	cfg    GCConfig
	fenced *index.Fenced
	log    zerolog.Logger
}

func NewGC(el *Element, cfg GCConfig) *GC {
	check := func(ctx context.Context, term int64) error {
		return lease.Check(ctx, cfg.Leases, cfg.LeaseName, cfg.NodeID, term)
	}
	return &GC{
		el:     el,
		cfg:    cfg,
		fenced: index.NewFenced(el.idx, cfg.Term, check),
		log:    cfg.Log.With().Int64("term", cfg.Term).Logger(),
	}
}

// Run executes GC passes until ctx is cancelled or leadership is lost.
func (g *GC) Run(ctx context.Context) error {
	g.log.Info().Msg("wal gc started")
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		err := g.tick(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lease.ErrStaleLeader):
			g.log.Warn().Msg("wal gc fenced off, stopping")
			return err
		default:
			g.log.Warn().Err(err).Msg("wal gc pass failed")
		}
	}
}

func (g *GC) tick(ctx context.Context) error {
	if err := lease.Check(ctx, g.cfg.Leases, g.cfg.LeaseName, g.cfg.NodeID, g.cfg.Term); err != nil {
		if errors.Is(err, lease.ErrStaleLeader) {
			g.el.met.StaleLeaderRejections.Inc()
		}
		return err
	}
	if err := g.redrive(ctx); err != nil {
		return err
	}
	return g.truncate(ctx)
}

// redrive resolves entries whose operation died mid-chain: the foreground
// caller is gone, but the WAL still proves what happened, so the janitor
// finishes or rolls back exactly as startup recovery would.
func (g *GC) redrive(ctx context.Context) error {
	cutoff := unixSeconds(time.Now().Add(-g.cfg.RedriveAfter))
	for _, en := range g.el.wal.ReplayUncommitted() {
		if en.At > cutoff {
			continue
		}
		outcome, err := g.el.driveEntry(ctx, en, g.fenced)
		if err != nil {
			if errors.Is(err, lease.ErrStaleLeader) {
				g.el.met.StaleLeaderRejections.Inc()
				return err
			}
			g.log.Warn().Err(err).Int64("seq", en.Seq).Str("key", en.Key).Msg("redrive failed")
			continue
		}
		g.el.met.WALRecovered.WithLabelValues(outcome).Inc()
		g.log.Info().
			Int64("seq", en.Seq).
			Str("op", string(en.Op)).
			Str("key", en.Key).
			Str("outcome", outcome).
			Msg("stuck wal entry re-driven")
	}
	return nil
}

// truncate drops WAL segments that hold only resolved entries older than
// every pending operation.
func (g *GC) truncate(ctx context.Context) error {
	cutoff, ok := g.el.wal.OldestPending()
	if !ok {
		cutoff = g.el.wal.NextSeq()
	}
	removed, err := g.el.wal.Truncate(cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		g.log.Info().Int("segments", removed).Int64("before_seq", cutoff).Msg("wal truncated")
	}
	return nil
}
