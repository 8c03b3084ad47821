// Package index maintains the queryable metadata rows derived from attribute
// sidecars. The sidecar is authoritative; every row here can be rebuilt from
// a sidecar scan, and reconciliation does exactly that when they drift.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shelf-storage/shelf/internal/sidecar"
)

const defaultQueryLimit = 100

// Record is one index row: an object key plus the attribute fields mirrored
// from its sidecar.
type Record struct {
	Key   string
	Attrs sidecar.Attrs
}

// Filter narrows a Query. Zero-valued fields do not constrain.
type Filter struct {
	Owner       string
	NamePrefix  string
	ContentType string
	Mode        sidecar.Mode
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Index performs row CRUD against the metadata database.
type Index struct {
	db *sql.DB
}

func New(db *sql.DB) *Index {
	return &Index{db: db}
}

const recordColumns = `object_key, file_id, name, owner, size, checksum,
	COALESCE(content_type, ''), mode, created_at, modified_at, compression,
	encoded_size, encrypted`

// Upsert writes the row for key from its sidecar attributes, replacing any
// existing row for the key or for the same file id.
func (x *Index) Upsert(ctx context.Context, key string, a *sidecar.Attrs) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects
		 (object_key, file_id, name, owner, size, checksum, content_type, mode,
		  created_at, modified_at, compression, encoded_size, encrypted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, a.FileID, a.Name, a.Owner, a.Size, a.Checksum, a.ContentType,
		string(a.Mode), a.CreatedAt, a.ModifiedAt, a.Compression, a.EncodedSize,
		a.Encrypted,
	)
	if err != nil {
		return fmt.Errorf("upsert index row: %w", err)
	}
	return nil
}

// Delete removes the row for key. Deleting an absent row is not an error.
func (x *Index) Delete(ctx context.Context, key string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM objects WHERE object_key = ?`, key); err != nil {
		return fmt.Errorf("delete index row: %w", err)
	}
	return nil
}

// Move rewrites the row at oldKey to newKey with the renamed attributes.
// Both steps run in one transaction; replaying a half-applied move converges
// on the same final row.
func (x *Index) Move(ctx context.Context, oldKey, newKey string, a *sidecar.Attrs) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index move: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM objects WHERE object_key = ?`, oldKey); err != nil {
		tx.Rollback()
		return fmt.Errorf("move index row: %w", err)
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO objects
		 (object_key, file_id, name, owner, size, checksum, content_type, mode,
		  created_at, modified_at, compression, encoded_size, encrypted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newKey, a.FileID, a.Name, a.Owner, a.Size, a.Checksum, a.ContentType,
		string(a.Mode), a.CreatedAt, a.ModifiedAt, a.Compression, a.EncodedSize,
		a.Encrypted,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("move index row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index move: %w", err)
	}
	return nil
}

// Get returns the row for key, or nil when no row exists.
func (x *Index) Get(ctx context.Context, key string) (*Record, error) {
	row := x.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM objects WHERE object_key = ?`, key)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index row: %w", err)
	}
	return rec, nil
}

// Query returns rows matching f, newest first.
func (x *Index) Query(ctx context.Context, f Filter) ([]Record, error) {
	var conds []string
	var args []any
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.NamePrefix != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.NamePrefix)+"%")
	}
	if f.ContentType != "" {
		conds = append(conds, "content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, unixSeconds(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, unixSeconds(f.Until))
	}

	q := `SELECT ` + recordColumns + ` FROM objects`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, object_key LIMIT ?"
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Keys returns every object key with the given prefix, ordered. Used by
// reconciliation to walk the index side of a partition.
func (x *Index) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT object_key FROM objects WHERE object_key LIKE ? ESCAPE '\' ORDER BY object_key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list index keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan index key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Count returns the number of index rows.
func (x *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count index rows: %w", err)
	}
	return n, nil
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var r Record
	var mode string
	err := scan(&r.Key, &r.Attrs.FileID, &r.Attrs.Name, &r.Attrs.Owner,
		&r.Attrs.Size, &r.Attrs.Checksum, &r.Attrs.ContentType, &mode,
		&r.Attrs.CreatedAt, &r.Attrs.ModifiedAt, &r.Attrs.Compression,
		&r.Attrs.EncodedSize, &r.Attrs.Encrypted)
	if err != nil {
		return nil, err
	}
	r.Attrs.Mode = sidecar.Mode(mode)
	return &r, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
