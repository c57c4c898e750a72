// Package cache stores downloaded source files on disk under deterministic
// keys. Entries are written once and never rewritten.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("invalid cache key")

// Cache provides file-based storage for raw source payloads.
type Cache struct {
	dir string
}

// Entry describes a stored payload.
type Entry struct {
	Path   string
	Size   int64
	SHA256 string
}

// New creates the cache root directory if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the file path for a slash-separated key such as
// "gsod/2023/725030-14732.csv".
func (c *Cache) Path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(c.dir, filepath.FromSlash(key)), nil
}

// Has reports whether a completed entry exists for key.
func (c *Cache) Has(key string) bool {
	path, err := c.Path(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Get returns the stored bytes for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	path, err := c.Path(key)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores data under key. The payload is written to a temporary file in
// the same directory and renamed into place, so readers only ever observe
// complete entries. If the key already exists the existing entry is kept.
func (c *Cache) Put(key string, data []byte) (Entry, error) {
	path, err := c.Path(key)
	if err != nil {
		return Entry{}, err
	}
	if existing, err := os.ReadFile(path); err == nil {
		return entryFor(path, existing), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Entry{}, fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return Entry{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Entry{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return Entry{}, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return Entry{}, fmt.Errorf("commit %s: %w", key, err)
	}

	return entryFor(path, data), nil
}

func entryFor(path string, data []byte) Entry {
	sum := sha256.Sum256(data)
	return Entry{Path: path, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}
}
