package sidecar

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Suffix distinguishes sidecar keys from object keys.
const Suffix = ".attrs.json"

// Validation errors for key inputs.
var (
	ErrInvalidName          = errors.New("invalid logical name")
	ErrInvalidOwner         = errors.New("invalid owner")
	ErrPathTraversalAttempt = errors.New("path traversal attempt detected")
)

var (
	// Logical name: printable, no separators (1-128 chars)
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._()+-]{0,127}$`)

	// Owner: alphanumeric with hyphens, underscores, dots (1-64 chars)
	ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)
)

// ValidateName checks a logical file name before key derivation.
func ValidateName(name string) error {
	if strings.Contains(name, "..") || strings.Contains(name, "\x00") {
		return ErrPathTraversalAttempt
	}
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// ValidateOwner checks an owner identifier before key derivation.
func ValidateOwner(owner string) error {
	if strings.Contains(owner, "..") || strings.Contains(owner, "\x00") {
		return ErrPathTraversalAttempt
	}
	if !ownerPattern.MatchString(owner) {
		return ErrInvalidOwner
	}
	return nil
}

// DeriveKey builds the storage key for a new object:
//
//	YYYY/MM/DD/HH/<slug>-<owner>-<unixnano>-<rand><ext>
//
// The timestamp plus random disambiguator makes collisions practically
// impossible, so no lookup is needed before a write. Keys are derived once
// per store and never reused: updates are delete-plus-recreate under a new
// key.
func DeriveKey(name, owner string, at time.Time) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("name %q: %w", name, err)
	}
	if err := ValidateOwner(owner); err != nil {
		return "", fmt.Errorf("owner %q: %w", owner, err)
	}

	ext := strings.ToLower(path.Ext(name))
	if len(ext) > 10 || !extPattern.MatchString(ext) {
		ext = ""
	}
	base := strings.TrimSuffix(name, path.Ext(name))

	b := make([]byte, 2)
	rand.Read(b)

	at = at.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%02d/%s-%s-%d-%s%s",
		at.Year(), int(at.Month()), at.Day(), at.Hour(),
		slugify(base), slugify(owner), at.UnixNano(), hex.EncodeToString(b), ext), nil
}

var extPattern = regexp.MustCompile(`^(\.[a-z0-9]+)?$`)

// slugify lowercases and replaces anything outside [a-z0-9] with '-'.
func slugify(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			sb.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.TrimSuffix(sb.String(), "-")
	if out == "" {
		return "file"
	}
	return out
}

// SidecarKey returns the sidecar key for an object key.
func SidecarKey(objectKey string) string {
	return objectKey + Suffix
}

// IsSidecarKey reports whether key names a sidecar document.
func IsSidecarKey(key string) bool {
	return strings.HasSuffix(key, Suffix)
}

// ObjectKeyOf strips the sidecar suffix.
func ObjectKeyOf(sidecarKey string) string {
	return strings.TrimSuffix(sidecarKey, Suffix)
}

// HourPartition returns the YYYY/MM/DD/HH/ prefix of a key, or "" if the key
// is too shallow. Incremental reconciliation sweeps are organized around
// these partitions.
func HourPartition(key string) string {
	parts := strings.SplitN(key, "/", 5)
	if len(parts) < 5 {
		return ""
	}
	return strings.Join(parts[:4], "/") + "/"
}

// PartitionAt returns the hour partition prefix for a point in time.
func PartitionAt(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%02d/", t.Year(), int(t.Month()), t.Day(), t.Hour())
}
