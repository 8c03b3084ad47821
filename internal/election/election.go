// Package election runs the per-node leader election loop. Followers and
// candidates periodically attempt a conditional lease acquire; the winner
// becomes leader, renews on a fixed interval, and steps down the moment a
// renewal is rejected or the TTL passes without a successful one. The
// background work that must only run on the leader is started and stopped
// through callbacks bound to a leader context.
package election

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelf-storage/shelf/internal/lease"
	"github.com/shelf-storage/shelf/internal/metrics"
)

// State is the node's current role in the election.
type State string

const (
	StateFollower  State = "FOLLOWER"
	StateCandidate State = "CANDIDATE"
	StateLeader    State = "LEADER"
)

// Callbacks are invoked on leadership changes. OnElected runs in its own
// goroutine with a context that is cancelled when leadership is lost;
// OnDemoted runs after that cancellation, from the election loop.
type Callbacks struct {
	OnElected func(ctx context.Context, term int64)
	OnDemoted func(term int64)
}

// Config configures an Elector. RenewInterval must be at most TTL/3, which
// config validation enforces, so a leader gets at least two renewal
// attempts inside its lease window.
type Config struct {
	Name          string
	NodeID        string
	TTL           time.Duration
	RenewInterval time.Duration
	PollInterval  time.Duration
	Store         lease.Store
	Callbacks     Callbacks
	Log           zerolog.Logger
	Metrics       *metrics.NodeMetrics
}

// Elector drives one node's participation in the election.
type Elector struct {
	cfg Config
	log zerolog.Logger
	met *metrics.NodeMetrics

	mu         sync.Mutex
	state      State
	term       int64
	lastRenew  time.Time
	cancelLead context.CancelFunc
}

func New(cfg Config) *Elector {
	return &Elector{
		cfg:   cfg,
		log:   cfg.Log.With().Str("lease", cfg.Name).Logger(),
		met:   cfg.Metrics,
		state: StateFollower,
	}
}

// State returns the node's current role.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Leading returns the current term and true while this node is leader.
func (e *Elector) Leading() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term, e.state == StateLeader
}

// Run loops until ctx is cancelled. A leader releases its lease on the way
// out so a peer can take over without waiting out the TTL.
func (e *Elector) Run(ctx context.Context) error {
	e.log.Info().Str("node", e.cfg.NodeID).Msg("joining election")
	for {
		if _, leading := e.Leading(); leading {
			select {
			case <-ctx.Done():
				e.resign()
				return nil
			case <-time.After(e.cfg.RenewInterval):
				e.renew(ctx)
			}
			continue
		}

		e.tryAcquire(ctx)
		select {
		case <-ctx.Done():
			e.resign()
			return nil
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context) {
	l, ok, err := e.cfg.Store.Acquire(ctx, e.cfg.Name, e.cfg.NodeID, e.cfg.TTL)
	if err != nil {
		e.log.Warn().Err(err).Msg("lease acquire failed")
		e.setState(StateCandidate)
		return
	}
	if !ok {
		// Someone holds a live lease; observe who when possible.
		cur, err := e.cfg.Store.Current(ctx, e.cfg.Name)
		if err == nil && cur != nil {
			e.setState(StateFollower)
		} else {
			e.setState(StateCandidate)
		}
		return
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.state = StateLeader
	e.term = l.Term
	e.lastRenew = time.Now()
	e.cancelLead = cancel
	e.mu.Unlock()

	e.met.IsLeader.Set(1)
	e.met.LeaseTerm.Set(float64(l.Term))
	e.met.LeadershipTransitions.WithLabelValues("elected").Inc()
	e.log.Info().Int64("term", l.Term).Msg("elected leader")

	if e.cfg.Callbacks.OnElected != nil {
		go e.cfg.Callbacks.OnElected(leaderCtx, l.Term)
	}
}

func (e *Elector) renew(ctx context.Context) {
	e.mu.Lock()
	term := e.term
	last := e.lastRenew
	e.mu.Unlock()

	_, err := e.cfg.Store.Renew(ctx, e.cfg.Name, e.cfg.NodeID, term, e.cfg.TTL)
	switch {
	case err == nil:
		e.mu.Lock()
		e.lastRenew = time.Now()
		e.mu.Unlock()
	case errors.Is(err, lease.ErrStaleLeader):
		e.log.Warn().Int64("term", term).Msg("lease lost, stepping down")
		e.stepDown()
	default:
		// Transient coordination failure. Keep leading only while the
		// lease could still be live.
		e.log.Warn().Err(err).Msg("lease renewal failed")
		if time.Since(last) >= e.cfg.TTL {
			e.log.Warn().Int64("term", term).Msg("ttl elapsed without renewal, stepping down")
			e.stepDown()
		}
	}
}

// resign is the graceful variant of stepDown used at shutdown: it also
// releases the lease so a peer can take over immediately.
func (e *Elector) resign() {
	e.mu.Lock()
	leading := e.state == StateLeader
	term := e.term
	e.mu.Unlock()
	if !leading {
		return
	}
	e.stepDown()
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.cfg.Store.Release(releaseCtx, e.cfg.Name, e.cfg.NodeID, term); err != nil {
		e.log.Warn().Err(err).Msg("lease release failed")
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if e.state != StateLeader {
		e.mu.Unlock()
		return
	}
	term := e.term
	cancel := e.cancelLead
	e.state = StateFollower
	e.cancelLead = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.met.IsLeader.Set(0)
	e.met.LeadershipTransitions.WithLabelValues("lost").Inc()
	if e.cfg.Callbacks.OnDemoted != nil {
		e.cfg.Callbacks.OnDemoted(term)
	}
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateLeader {
		e.state = s
	}
}
