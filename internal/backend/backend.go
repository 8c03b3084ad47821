// Package backend provides the storage backends a shelf element can persist
// objects to: a local directory or an S3-compatible bucket, behind one
// interface, plus a retrying decorator for transient failures.
package backend

import (
	"context"
	"errors"
	"strings"
)

// Store is the backend contract for object storage.
//
// Put must be atomic with respect to concurrent readers: a Get or List issued
// while a Put is in flight sees either nothing or the complete object, never
// partial bytes. Delete of a missing key is not an error. List returns keys
// under prefix in lexicographic order and never returns staging or
// quarantined keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

var ErrNotFound = errors.New("object not found")

// Reserved key prefixes. tmp/ holds staged writes on the folder backend;
// quarantine/ holds sidecars set aside by reconciliation. Neither is visible
// through List.
const (
	TmpPrefix        = "tmp/"
	QuarantinePrefix = "quarantine/"
)

// Hidden reports whether key lives under a reserved prefix.
func Hidden(key string) bool {
	return strings.HasPrefix(key, TmpPrefix) || strings.HasPrefix(key, QuarantinePrefix)
}
