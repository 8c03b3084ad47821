// Package config loads shelf node config from YAML. Env overrides take precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted in BackendConfig.Kind.
const (
	BackendFolder = "folder"
	BackendS3     = "s3"
)

// Config holds resolved paths and settings for one storage element.
// Paths use XDG defaults when not set in the file.
type Config struct {
	NodeID      string `yaml:"node_id"`
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"` // metadata index (SQLite)
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the /metrics listener

	Backend BackendConfig `yaml:"backend"`
	Payload PayloadConfig `yaml:"payload"`
	WAL     WALConfig     `yaml:"wal"`
	Lease   LeaseConfig   `yaml:"lease"`
	Sweep   SweepConfig   `yaml:"sweep"`
}

// BackendConfig selects and parameterizes the storage backend.
type BackendConfig struct {
	Kind   string       `yaml:"kind"` // "folder" or "s3"
	Folder FolderConfig `yaml:"folder"`
	S3     S3Config     `yaml:"s3"`
}

type FolderConfig struct {
	Root string `yaml:"root"` // defaults to <data_dir>/objects
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // for S3-compatible stores (MinIO etc.)
	PathStyle    bool   `yaml:"path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
}

// PayloadConfig controls how object bytes are framed at rest.
type PayloadConfig struct {
	Compression      bool   `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"` // zstd level 1 (fastest) .. 4 (best)
	EncryptionKey    string `yaml:"encryption_key"`    // 64 hex chars; empty disables encryption
}

type WALConfig struct {
	Dir                 string `yaml:"dir"`               // defaults to <data_dir>/wal
	SegmentMaxBytes     int64  `yaml:"segment_max_bytes"` // rotation threshold
	GCIntervalSeconds   int    `yaml:"gc_interval_seconds"`
	RedriveAfterSeconds int    `yaml:"redrive_after_seconds"` // age before the leader re-drives a stuck entry
}

// LeaseConfig parameterizes leader election. DBPath must point at the one
// coordination database shared by all replicas.
type LeaseConfig struct {
	DBPath               string `yaml:"db_path"`
	TTLSeconds           int    `yaml:"ttl_seconds"`
	RenewIntervalSeconds int    `yaml:"renew_interval_seconds"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
}

type SweepConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	FullEvery       int `yaml:"full_every"`      // every Nth sweep covers the whole key space
	KeysPerSecond   int `yaml:"keys_per_second"` // sweep pacing
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(xdgConfigHome(), "shelf", "config.yaml")
}

// Load reads config from path (DefaultPath when empty). A missing file uses
// defaults. Env overrides: SHELF_NODE_ID, SHELF_DATA_DIR, SHELF_DB_PATH,
// SHELF_BACKEND, SHELF_S3_BUCKET, SHELF_S3_ACCESS_KEY, SHELF_S3_SECRET_KEY,
// SHELF_LEASE_DB, SHELF_ENCRYPTION_KEY, SHELF_METRICS_ADDR, SHELF_LOG_LEVEL.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	dataHome := xdgDataHome()

	c := defaultConfig(dataHome)

	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Env overrides
	if v := os.Getenv("SHELF_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("SHELF_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHELF_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SHELF_BACKEND"); v != "" {
		c.Backend.Kind = v
	}
	if v := os.Getenv("SHELF_S3_BUCKET"); v != "" {
		c.Backend.S3.Bucket = v
	}
	if v := os.Getenv("SHELF_S3_ACCESS_KEY"); v != "" {
		c.Backend.S3.AccessKey = v
	}
	if v := os.Getenv("SHELF_S3_SECRET_KEY"); v != "" {
		c.Backend.S3.SecretKey = v
	}
	if v := os.Getenv("SHELF_LEASE_DB"); v != "" {
		c.Lease.DBPath = v
	}
	if v := os.Getenv("SHELF_ENCRYPTION_KEY"); v != "" {
		c.Payload.EncryptionKey = v
	}
	if v := os.Getenv("SHELF_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("SHELF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	c.DataDir = resolvePath(c.DataDir, dataHome)
	c.fillDerived()
	return c, nil
}

func defaultConfig(dataHome string) *Config {
	host, _ := os.Hostname()
	return &Config{
		NodeID:      host,
		DataDir:     filepath.Join(dataHome, "shelf"),
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9620",
		Backend: BackendConfig{
			Kind: BackendFolder,
		},
		Payload: PayloadConfig{
			Compression:      true,
			CompressionLevel: 2,
		},
		WAL: WALConfig{
			SegmentMaxBytes:     4 << 20,
			GCIntervalSeconds:   60,
			RedriveAfterSeconds: 300,
		},
		Lease: LeaseConfig{
			TTLSeconds:           15,
			RenewIntervalSeconds: 5,
			PollIntervalSeconds:  2,
		},
		Sweep: SweepConfig{
			IntervalSeconds: 300,
			FullEvery:       12,
			KeysPerSecond:   200,
		},
	}
}

// fillDerived fills paths that default relative to DataDir.
func (c *Config) fillDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "index.db")
	}
	if c.WAL.Dir == "" {
		c.WAL.Dir = filepath.Join(c.DataDir, "wal")
	}
	if c.Lease.DBPath == "" {
		c.Lease.DBPath = filepath.Join(c.DataDir, "coordination.db")
	}
	if c.Backend.Folder.Root == "" {
		c.Backend.Folder.Root = filepath.Join(c.DataDir, "objects")
	}
}

// Validate checks cross-field rules. Call after Load, before wiring.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Backend.Kind {
	case BackendFolder:
		if c.Backend.Folder.Root == "" {
			return fmt.Errorf("backend.folder.root is required")
		}
	case BackendS3:
		if c.Backend.S3.Bucket == "" {
			return fmt.Errorf("backend.s3.bucket is required")
		}
		if c.Backend.S3.Region == "" && c.Backend.S3.Endpoint == "" {
			return fmt.Errorf("backend.s3 needs a region or an endpoint")
		}
	default:
		return fmt.Errorf("backend.kind %q: must be %q or %q", c.Backend.Kind, BackendFolder, BackendS3)
	}
	if c.Payload.CompressionLevel < 1 || c.Payload.CompressionLevel > 4 {
		return fmt.Errorf("payload.compression_level %d: must be 1..4", c.Payload.CompressionLevel)
	}
	if c.Payload.EncryptionKey != "" {
		key, err := hex.DecodeString(c.Payload.EncryptionKey)
		if err != nil {
			return fmt.Errorf("payload.encryption_key: not hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("payload.encryption_key: got %d bytes, want 32", len(key))
		}
	}
	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be positive")
	}
	if c.Lease.RenewIntervalSeconds <= 0 || c.Lease.PollIntervalSeconds <= 0 {
		return fmt.Errorf("lease intervals must be positive")
	}
	// Renewal margin: a leader gets at least two renew attempts (and the
	// coordination round-trips they carry) before the lease can lapse.
	if c.Lease.RenewIntervalSeconds > c.Lease.TTLSeconds/3 {
		return fmt.Errorf("lease.renew_interval_seconds %d too long for ttl %d: want <= ttl/3",
			c.Lease.RenewIntervalSeconds, c.Lease.TTLSeconds)
	}
	if c.WAL.SegmentMaxBytes <= 0 {
		return fmt.Errorf("wal.segment_max_bytes must be positive")
	}
	if c.Sweep.IntervalSeconds <= 0 || c.Sweep.FullEvery < 1 || c.Sweep.KeysPerSecond < 1 {
		return fmt.Errorf("sweep settings must be positive")
	}
	return nil
}

// EncryptionKeyBytes decodes the configured key. Returns nil when encryption
// is disabled. Call Validate first.
func (c *Config) EncryptionKeyBytes() []byte {
	if c.Payload.EncryptionKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Payload.EncryptionKey)
	if err != nil {
		return nil
	}
	return key
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from the config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
