// Package sidecar defines the attribute document stored alongside every
// object and the manager that reads and writes those documents. The sidecar
// is the durable source of truth for a file's existence and attributes; the
// metadata index is derived from it, never the other way around.
package sidecar

import (
	"errors"
)

// Mode governs what may still happen to a stored file. Modes only harden.
type Mode string

const (
	ModeEdit Mode = "EDIT" // draft, fully mutable
	ModeRW   Mode = "RW"   // stored, mutable
	ModeRO   Mode = "RO"   // read-only, may still be archived
	ModeAR   Mode = "AR"   // archived, frozen
)

// ErrModeViolation is returned when a file's storage mode forbids the
// requested operation.
var ErrModeViolation = errors.New("storage mode forbids operation")

func (m Mode) Valid() bool {
	switch m {
	case ModeEdit, ModeRW, ModeRO, ModeAR:
		return true
	}
	return false
}

func (m Mode) rank() int {
	switch m {
	case ModeEdit:
		return 0
	case ModeRW:
		return 1
	case ModeRO:
		return 2
	case ModeAR:
		return 3
	}
	return -1
}

// Mutable reports whether content-level operations (delete, rename) are
// allowed in this mode.
func (m Mode) Mutable() bool {
	return m == ModeEdit || m == ModeRW
}

// CanTransitionTo reports whether a mode change to next is legal: modes
// harden monotonically and an archived file never changes again.
func (m Mode) CanTransitionTo(next Mode) bool {
	if !m.Valid() || !next.Valid() {
		return false
	}
	if m == ModeAR {
		return false
	}
	return next.rank() >= m.rank()
}

// Attrs is the attribute sidecar document. Timestamps are unix seconds.
type Attrs struct {
	FileID      string  `json:"file_id"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	Size        int64   `json:"size"`
	Checksum    string  `json:"checksum"`
	ContentType string  `json:"content_type,omitempty"`
	Mode        Mode    `json:"mode"`
	CreatedAt   float64 `json:"created_at"`
	ModifiedAt  float64 `json:"modified_at"`
	Compression string  `json:"compression"`
	EncodedSize int64   `json:"encoded_size"`
	Encrypted   bool    `json:"encrypted"`
}

// Equal reports field equality. Used by reconciliation to detect stale index
// rows.
func (a *Attrs) Equal(b *Attrs) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Clone returns a copy of a.
func (a *Attrs) Clone() *Attrs {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
