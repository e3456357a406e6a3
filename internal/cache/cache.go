// Package cache persists raw fetch payloads across runs. Entries are never
// expired; removing them is left to the operator.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/cityranker/citystats/internal/store"
)

// Cache stores raw payloads by key.
type Cache interface {
	// Get returns the payload for key. ok is false on a miss.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Put(ctx context.Context, key string, data []byte) error
}

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Slug turns a key into a filesystem-safe name.
func Slug(key string) string {
	return strings.Trim(slugPattern.ReplaceAllString(key, "_"), "_")
}

// FileCache keeps one file per key under Dir.
type FileCache struct {
	Dir string
	Ext string
}

// NewFileCache returns a FileCache rooted at dir. ext is appended to every
// slugged key, e.g. ".html".
func NewFileCache(dir, ext string) *FileCache {
	return &FileCache{Dir: dir, Ext: ext}
}

// Path returns the file that holds key.
func (c *FileCache) Path(key string) string {
	return filepath.Join(c.Dir, Slug(key)+c.Ext)
}

func (c *FileCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.Path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: read %s", key)
	}
	return data, true, nil
}

// Put writes through a temp file and renames it into place so concurrent
// writers of the same key never leave a torn file behind.
func (c *FileCache) Put(_ context.Context, key string, data []byte) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "cache: mkdir %s", c.Dir)
	}
	tmp, err := os.CreateTemp(c.Dir, ".tmp-*")
	if err != nil {
		return eris.Wrap(err, "cache: create temp")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "cache: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "cache: close %s", key)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), c.Path(key)), "cache: rename %s", key)
}

// StoreCache keeps entries in the store's cache table. Keys are namespaced
// so several caches can share one table.
type StoreCache struct {
	store     store.Store
	namespace string
}

// NewStoreCache returns a Cache backed by st.
func NewStoreCache(st store.Store, namespace string) *StoreCache {
	return &StoreCache{store: st, namespace: namespace}
}

func (c *StoreCache) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + "|" + k
}

func (c *StoreCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.store.GetCacheEntry(ctx, c.key(key))
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: get %s", key)
	}
	return data, data != nil, nil
}

func (c *StoreCache) Put(ctx context.Context, key string, data []byte) error {
	return eris.Wrapf(c.store.SetCacheEntry(ctx, c.key(key), data), "cache: put %s", key)
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, string, []byte) error         { return nil }
