package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FolderStore implements Store using a local directory.
// Put: write to tmp/<unique>.partial, fsync, rename to the final path.
type FolderStore struct {
	root string
}

// NewFolderStore returns a FolderStore rooted at dir.
func NewFolderStore(root string) *FolderStore {
	return &FolderStore{root: root}
}

func tmpName() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b) + ".partial"
}

// Put writes data atomically: stage under tmp/, fsync, rename into place.
func (f *FolderStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	finalPath := filepath.Join(f.root, filepath.FromSlash(key))
	tmpPath := filepath.Join(f.root, "tmp", tmpName())
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("mkdir objects: %w", err)
	}

	fh, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	_, err = fh.Write(data)
	if err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Get reads the object at key. Returns ErrNotFound if missing.
func (f *FolderStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Join(f.root, filepath.FromSlash(key))
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the object at key. Missing keys are not an error.
func (f *FolderStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns keys under prefix in lexicographic order, skipping tmp/ and
// quarantine/.
func (f *FolderStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := f.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FolderStore) list(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(f.root, filepath.FromSlash(prefix))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		full := prefix + e.Name()
		if prefix != "" && prefix[len(prefix)-1] != '/' {
			full = prefix + "/" + e.Name()
		}
		if Hidden(full + "/") {
			continue
		}
		if e.IsDir() {
			sub, err := f.list(ctx, full+"/")
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
		} else {
			keys = append(keys, full)
		}
	}
	return keys, nil
}
