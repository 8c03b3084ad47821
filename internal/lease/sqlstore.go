package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore keeps leases in the shared coordination database. All replicas
// point at the same file; SQLite's write lock serializes concurrent
// acquires, so the read-increment-write below is atomic across processes.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (*Lease, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin acquire: %w", err)
	}
	defer tx.Rollback()

	now := unixSeconds(s.now())
	var curHolder string
	var curTerm int64
	var expires float64
	err = tx.QueryRowContext(ctx,
		`SELECT holder, term, expires_at FROM leader_lease WHERE name = ?`, name).
		Scan(&curHolder, &curTerm, &expires)

	var term int64
	switch {
	case err == sql.ErrNoRows:
		term = 1
		_, err = tx.ExecContext(ctx,
			`INSERT INTO leader_lease (name, holder, term, expires_at) VALUES (?, ?, ?, ?)`,
			name, holder, term, now+ttl.Seconds())
		if err != nil {
			return nil, false, fmt.Errorf("insert lease: %w", err)
		}
	case err != nil:
		return nil, false, fmt.Errorf("read lease: %w", err)
	case expires > now:
		// Live lease, possibly our own. Acquire never extends; that is
		// Renew's job.
		return nil, false, nil
	default:
		term = curTerm + 1
		_, err = tx.ExecContext(ctx,
			`UPDATE leader_lease SET holder = ?, term = ?, expires_at = ? WHERE name = ?`,
			holder, term, now+ttl.Seconds(), name)
		if err != nil {
			return nil, false, fmt.Errorf("take over lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit acquire: %w", err)
	}
	return &Lease{Name: name, Holder: holder, Term: term, Expires: fromUnix(now + ttl.Seconds())}, true, nil
}

func (s *SQLStore) Renew(ctx context.Context, name, holder string, term int64, ttl time.Duration) (*Lease, error) {
	now := unixSeconds(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE leader_lease SET expires_at = ?
		 WHERE name = ? AND holder = ? AND term = ? AND expires_at > ?`,
		now+ttl.Seconds(), name, holder, term, now)
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("renew %s as %s term %d: %w", name, holder, term, ErrStaleLeader)
	}
	return &Lease{Name: name, Holder: holder, Term: term, Expires: fromUnix(now + ttl.Seconds())}, nil
}

// Release expires the lease in place rather than deleting the row, so the
// term counter survives a voluntary handover and stays monotonic.
func (s *SQLStore) Release(ctx context.Context, name, holder string, term int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leader_lease SET expires_at = 0 WHERE name = ? AND holder = ? AND term = ?`,
		name, holder, term)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *SQLStore) Current(ctx context.Context, name string) (*Lease, error) {
	var holder string
	var term int64
	var expires float64
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, term, expires_at FROM leader_lease WHERE name = ? AND expires_at > ?`,
		name, unixSeconds(s.now())).
		Scan(&holder, &term, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	return &Lease{Name: name, Holder: holder, Term: term, Expires: fromUnix(expires)}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}

var _ Store = (*SQLStore)(nil)
