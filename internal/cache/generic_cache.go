// Handles persistence of raw cache entries
package cache

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidKey is returned when a key is empty or tries to escape its namespace
var ErrInvalidKey = errors.New("invalid cache key")

// GenericCache interface for caching operations.
// Keys are slash separated paths; the first segment is usually a namespace
// such as a cache store name.
type GenericCache interface {
	// retrieves cached data if it exists.
	// returns nil, nil when not found
	Get(key string) ([]byte, error)
	// stores data at the specified key. Replaces any previous value atomically
	Set(key string, value []byte) error
	// removes a single key. Removing a missing key is not an error
	Delete(key string) error
	// lists every key below prefix (recursively), sorted
	List(prefix string) ([]string, error)
	// removes every key below prefix
	DeletePrefix(prefix string) error
	// initializes the cache (e.g., creates necessary directories)
	Init() error
}

// Open creates the backend named by kind ("disk" or "memory") and initializes it
func Open(kind, folder string) (GenericCache, error) {
	var c GenericCache
	switch kind {
	case "disk", "":
		if folder == "" {
			return nil, errors.New("disk cache requires a folder")
		}
		c = NewGenericDisk(folder)
	case "memory":
		c = NewGenericMemory()
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", kind)
	}

	if err := c.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s cache: %w", kind, err)
	}
	return c, nil
}

// CleanKey normalizes a key and rejects keys escaping the cache root
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// cleanPrefix is like CleanKey but accepts the empty prefix (everything)
func cleanPrefix(prefix string) (string, error) {
	if strings.Trim(prefix, "/ ") == "" {
		return "", nil
	}
	return CleanKey(prefix)
}

func hasKeyPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}
