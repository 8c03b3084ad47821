package lease

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-process Store for tests and single-node setups. Now may
// be replaced before use to drive expiry from a fake clock.
type MemStore struct {
	Now func() time.Time

	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemStore() *MemStore {
	return &MemStore{
		Now:    time.Now,
		leases: make(map[string]Lease),
	}
}

func (s *MemStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (*Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	cur, exists := s.leases[name]
	if exists && now.Before(cur.Expires) {
		return nil, false, nil
	}
	l := Lease{Name: name, Holder: holder, Term: cur.Term + 1, Expires: now.Add(ttl)}
	s.leases[name] = l
	out := l
	return &out, true, nil
}

func (s *MemStore) Renew(ctx context.Context, name, holder string, term int64, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	cur, exists := s.leases[name]
	if !exists || cur.Holder != holder || cur.Term != term || !now.Before(cur.Expires) {
		return nil, ErrStaleLeader
	}
	cur.Expires = now.Add(ttl)
	s.leases[name] = cur
	out := cur
	return &out, nil
}

// Release expires the lease in place, keeping the row so the term counter
// stays monotonic across voluntary handovers.
func (s *MemStore) Release(ctx context.Context, name, holder string, term int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.leases[name]
	if exists && cur.Holder == holder && cur.Term == term {
		cur.Expires = time.Time{}
		s.leases[name] = cur
	}
	return nil
}

func (s *MemStore) Current(ctx context.Context, name string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.leases[name]
	if !exists || !s.Now().Before(cur.Expires) {
		return nil, nil
	}
	out := cur
	return &out, nil
}

var _ Store = (*MemStore)(nil)
