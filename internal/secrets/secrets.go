// Package secrets provides read-only access to credential material
// (webhook signing secret, long-lived GitHub token). The backing store
// is external; this package only ever holds in-memory copies. Values
// are never logged and never written to disk.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the contract every secret backend must satisfy. Get returns
// the current value of the named secret or an error -- there is no
// "empty secret" success case.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// ---------------------------------------------------------------------------
// Env backend
// ---------------------------------------------------------------------------

// EnvStore reads secrets from process environment variables. Secret
// names map to variable names verbatim.
type EnvStore struct{}

var _ Store = EnvStore{}

func (EnvStore) Get(_ context.Context, name string) ([]byte, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, fmt.Errorf("secret %s: environment variable not set", name)
	}
	return []byte(v), nil
}

// ---------------------------------------------------------------------------
// File backend
// ---------------------------------------------------------------------------

// FileStore reads secrets from files under a single directory, one file
// per secret. This matches mounted-secret layouts (Kubernetes secret
// volumes, docker secrets).
type FileStore struct {
	// Dir is the directory containing one file per secret.
	Dir string
}

var _ Store = FileStore{}

func (s FileStore) Get(_ context.Context, name string) ([]byte, error) {
	// Reject names that could escape the secret directory.
	if strings.ContainsAny(name, `/\`) || name == ".." {
		return nil, fmt.Errorf("secret %s: invalid name", name)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}
	trimmed := strings.TrimRight(string(data), "\r\n")
	if trimmed == "" {
		return nil, fmt.Errorf("secret %s: file is empty", name)
	}
	return []byte(trimmed), nil
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

// Cache wraps a Store and memoizes successful lookups so warm
// invocations do not re-fetch on every request. Failed lookups are not
// cached. Invalidate drops every entry; callers wire it to a rotation
// signal (the serve command uses SIGHUP).
type Cache struct {
	store Store

	mu     sync.RWMutex
	values map[string][]byte
}

var _ Store = (*Cache)(nil)

// NewCache creates a Cache backed by store.
func NewCache(store Store) *Cache {
	return &Cache{
		store:  store,
		values: make(map[string][]byte),
	}
}

// Get returns the cached value for name, fetching it from the backing
// store on first use.
func (c *Cache) Get(ctx context.Context, name string) ([]byte, error) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err := c.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
	return v, nil
}

// Invalidate discards all cached values. The next Get for each name
// fetches a fresh copy from the backing store.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	clear(c.values)
	c.mu.Unlock()
}
