package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shelf-storage/shelf/internal/backend"
)

// Manager reads and writes sidecar documents through the backend. Writes
// inherit the backend's stage-then-publish guarantee, and callers must write
// the sidecar only after the object it describes is published.
type Manager struct {
	store backend.Store
}

// NewManager returns a Manager over store.
func NewManager(store backend.Store) *Manager {
	return &Manager{store: store}
}

// Write publishes the sidecar for objectKey.
func (m *Manager) Write(ctx context.Context, objectKey string, a *Attrs) error {
	if !a.Mode.Valid() {
		return fmt.Errorf("sidecar for %s: %w: mode %q", objectKey, ErrModeViolation, a.Mode)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := m.store.Put(ctx, SidecarKey(objectKey), data); err != nil {
		return fmt.Errorf("write sidecar %s: %w", objectKey, err)
	}
	return nil
}

// Read returns the sidecar for objectKey. Returns backend.ErrNotFound if the
// sidecar is absent.
func (m *Manager) Read(ctx context.Context, objectKey string) (*Attrs, error) {
	data, err := m.store.Get(ctx, SidecarKey(objectKey))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("read sidecar %s: %w", objectKey, err)
	}
	var a Attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", objectKey, err)
	}
	return &a, nil
}

// Remove deletes the sidecar for objectKey. Missing sidecars are not an
// error.
func (m *Manager) Remove(ctx context.Context, objectKey string) error {
	if err := m.store.Delete(ctx, SidecarKey(objectKey)); err != nil {
		return fmt.Errorf("remove sidecar %s: %w", objectKey, err)
	}
	return nil
}

// Scan returns a lazy iterator over the sidecars under prefix, ordered by
// key. Only reconciliation sweeps use it; the request path never lists.
func (m *Manager) Scan(ctx context.Context, prefix string) (*Scanner, error) {
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list sidecars %q: %w", prefix, err)
	}
	return &Scanner{m: m, keys: keys}, nil
}

// Scanner iterates sidecars one fetch at a time, sql.Rows style:
//
//	for sc.Next(ctx) {
//		key, attrs := sc.Entry()
//	}
//	if err := sc.Err(); err != nil { ... }
//
// Sidecars that vanish mid-scan are skipped. Sidecars that fail to parse are
// reported through Bad, not Entry.
type Scanner struct {
	m    *Manager
	keys []string
	i    int

	curKey   string
	curAttrs *Attrs
	bad      map[string]error
	err      error
}

// Next advances to the next readable sidecar.
func (s *Scanner) Next(ctx context.Context) bool {
	for s.i < len(s.keys) {
		key := s.keys[s.i]
		s.i++
		if !IsSidecarKey(key) {
			continue
		}
		objectKey := ObjectKeyOf(key)
		attrs, err := s.m.Read(ctx, objectKey)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue // deleted between list and read
			}
			if ctx.Err() != nil {
				s.err = ctx.Err()
				return false
			}
			if s.bad == nil {
				s.bad = make(map[string]error)
			}
			s.bad[objectKey] = err
			continue
		}
		s.curKey = objectKey
		s.curAttrs = attrs
		return true
	}
	return false
}

// Entry returns the object key and attrs at the current position.
func (s *Scanner) Entry() (string, *Attrs) {
	return s.curKey, s.curAttrs
}

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Bad returns object keys whose sidecars could not be parsed, with the
// per-key error.
func (s *Scanner) Bad() map[string]error {
	return s.bad
}
