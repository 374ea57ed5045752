package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// GenericDiskCache implements GenericCache on the filesystem.
// Each key is a file below cacheDir; writes go through a temp file and a rename
// so readers never observe a partially written entry.
type GenericDiskCache struct {
	cacheDir string
}

// NewGenericDisk creates a new disk cache rooted at cacheDir
func NewGenericDisk(cacheDir string) *GenericDiskCache {
	return &GenericDiskCache{
		cacheDir: cacheDir,
	}
}

func (d *GenericDiskCache) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.cacheDir, filepath.FromSlash(cleaned)), nil
}

// Get retrieves cached data if it exists
func (d *GenericDiskCache) Get(key string) ([]byte, error) {
	cachePath, err := d.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cachePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set stores data in the cache
func (d *GenericDiskCache) Set(key string, data []byte) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".entry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, cachePath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	logrus.Debugf("Cached entry: %s", cachePath)
	return nil
}

// Delete removes a single entry
func (d *GenericDiskCache) Delete(key string) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(cachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List walks the directory of prefix and returns the keys of every entry
func (d *GenericDiskCache) List(prefix string) ([]string, error) {
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	root := filepath.Join(d.cacheDir, filepath.FromSlash(cleaned))

	var keys []string
	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".entry-") {
			return nil
		}
		rel, err := filepath.Rel(d.cacheDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// DeletePrefix removes the directory holding every key below prefix
func (d *GenericDiskCache) DeletePrefix(prefix string) error {
	cleaned, err := CleanKey(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(d.cacheDir, filepath.FromSlash(cleaned)))
}

// Init ensures the cache directory exists
func (d *GenericDiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}
