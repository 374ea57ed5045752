package cache

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// GenericMemoryCache implements GenericCache in process memory.
// Mostly useful for tests and for ephemeral deployments.
type GenericMemoryCache struct {
	entries *xsync.MapOf[string, []byte]
}

// NewGenericMemory creates an empty memory cache
func NewGenericMemory() *GenericMemoryCache {
	return &GenericMemoryCache{
		entries: xsync.NewMapOf[string, []byte](),
	}
}

func (m *GenericMemoryCache) Get(key string) ([]byte, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	value, ok := m.entries.Load(cleaned)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (m *GenericMemoryCache) Set(key string, value []byte) error {
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	m.entries.Store(cleaned, append([]byte(nil), value...))
	return nil
}

func (m *GenericMemoryCache) Delete(key string) error {
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	m.entries.Delete(cleaned)
	return nil
}

func (m *GenericMemoryCache) List(prefix string) ([]string, error) {
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	m.entries.Range(func(key string, _ []byte) bool {
		if hasKeyPrefix(key, cleaned) {
			keys = append(keys, key)
		}
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

func (m *GenericMemoryCache) DeletePrefix(prefix string) error {
	cleaned, err := CleanKey(prefix)
	if err != nil {
		return err
	}
	m.entries.Range(func(key string, _ []byte) bool {
		if hasKeyPrefix(key, cleaned) {
			m.entries.Delete(key)
		}
		return true
	})
	return nil
}

// Init is a no-op for memory caches
func (m *GenericMemoryCache) Init() error {
	return nil
}
