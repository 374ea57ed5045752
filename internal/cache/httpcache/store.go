// Package httpcache stores captured HTTP responses in named, versioned stores
// on top of a cache.GenericCache.
package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-agent/internal/cache"
)

const storeMarker = ".store"

var (
	// ErrStoreNotFound is returned by Lookup for a store that was never opened
	ErrStoreNotFound = errors.New("cache store not found")
	// ErrInvalidRequest is returned for requests that cannot be keyed
	ErrInvalidRequest = errors.New("request cannot be used as a cache key")
	// ErrInvalidStoreName is returned for names that would clash with reserved namespaces
	ErrInvalidStoreName = errors.New("invalid cache store name")
	// ErrNotStorable is returned by Put for responses rejected by Storable
	ErrNotStorable = errors.New("response cannot be stored")
)

// Storage is the set of named cache stores of one origin.
// It holds no state of its own: every store lives in the backend and is
// reopened by name whenever it is needed.
type Storage struct {
	backend cache.GenericCache
	keyer   Keyer
}

// NewStorage creates a Storage on top of backend
func NewStorage(backend cache.GenericCache, keyer Keyer) *Storage {
	return &Storage{
		backend: backend,
		keyer:   keyer,
	}
}

// ValidateStoreName checks that name can be used as a store name
func ValidateStoreName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

// Open returns the named store, creating it if needed
func (s *Storage) Open(ctx context.Context, name string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}

	marker, err := s.backend.Get(name + "/" + storeMarker)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", name, err)
	}
	if marker == nil {
		created := []byte(time.Now().UTC().Format(time.RFC3339))
		if err := s.backend.Set(name+"/"+storeMarker, created); err != nil {
			return nil, fmt.Errorf("failed to create store %s: %w", name, err)
		}
		logrus.Debugf("Created cache store %s", name)
	}

	return s.store(name), nil
}

// Lookup returns the named store without creating it
func (s *Storage) Lookup(ctx context.Context, name string) (*Store, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return s.store(name), nil
}

// Has reports whether the named store exists
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateStoreName(name); err != nil {
		return false, err
	}
	marker, err := s.backend.Get(name + "/" + storeMarker)
	if err != nil {
		return false, err
	}
	return marker != nil, nil
}

// Delete removes the named store and every entry in it.
// It reports whether the store existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := s.backend.DeletePrefix(name); err != nil {
		return false, fmt.Errorf("failed to delete store %s: %w", name, err)
	}
	logrus.Infof("Deleted cache store %s", name)
	return true, nil
}

// Names lists every existing store, sorted
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.backend.List("")
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}

	var names []string
	for _, key := range keys {
		name, rest, found := strings.Cut(key, "/")
		if found && rest == storeMarker && ValidateStoreName(name) == nil {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Storage) store(name string) *Store {
	return &Store{
		name:    name,
		backend: s.backend,
		keyer:   s.keyer,
	}
}

// Store is one named cache store. Entries are only replaced by an explicit Put.
type Store struct {
	name    string
	backend cache.GenericCache
	keyer   Keyer
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

func (s *Store) entryKey(req *http.Request) (string, error) {
	requestKey, err := s.keyer.GenerateKey(req)
	if err != nil {
		return "", fmt.Errorf("failed to generate cache key: %w", err)
	}
	return s.name + "/" + requestKey, nil
}

// lookupKey returns the key of the entry matching req, following the Vary
// header names recorded for its URL
func (s *Store) lookupKey(req *http.Request) (string, error) {
	key, err := s.entryKey(req)
	if err != nil {
		return "", err
	}
	index, err := s.backend.Get(varyIndexKey(key))
	if err != nil {
		return "", fmt.Errorf("failed to get vary index: %w", err)
	}
	if names := parseVaryIndex(index); len(names) > 0 {
		return variantKey(key, names, req), nil
	}
	return key, nil
}

// Match returns the response stored for req, or nil, nil when there is none.
// A response stored with a Vary header only matches requests with the same
// values for the varying headers.
func (s *Store) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.lookupKey(req)
	if err != nil {
		return nil, err
	}

	data, err := s.backend.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	// Associate the original request with the response
	resp.Request = req

	logrus.Debugf("Cache hit in %s for %s %s", s.name, req.Method, req.URL.String())
	return resp, nil
}

// Put stores resp for req. The body of resp is read but left readable.
func (s *Store) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !Storable(resp) {
		return fmt.Errorf("%w: status %d, vary %q", ErrNotStorable, resp.StatusCode, resp.Header.Get("Vary"))
	}
	key, err := s.entryKey(req)
	if err != nil {
		return err
	}

	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// The last stored response decides which headers the URL varies on
	names, _ := VaryHeaders(resp)
	if len(names) > 0 {
		if err := s.backend.Set(varyIndexKey(key), []byte(strings.Join(names, "\n"))); err != nil {
			return fmt.Errorf("failed to set vary index: %w", err)
		}
		key = variantKey(key, names, req)
	} else if err := s.backend.Delete(varyIndexKey(key)); err != nil {
		return fmt.Errorf("failed to clear vary index: %w", err)
	}

	if err := s.backend.Set(key, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Delete removes the entry matching req
func (s *Store) Delete(ctx context.Context, req *http.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := s.lookupKey(req)
	if err != nil {
		return err
	}
	return s.backend.Delete(key)
}

// Keys lists the request keys stored in this store
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.backend.List(s.name)
	if err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		rel := strings.TrimPrefix(key, s.name+"/")
		if rel == storeMarker || strings.HasSuffix(rel, varyIndexSuffix) {
			continue
		}
		entries = append(entries, rel)
	}
	return entries, nil
}
