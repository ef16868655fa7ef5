// Package artifactcache implements the local, content-addressed
// artifact cache: built artifacts are stored as single files named by
// their cache key, written atomically (temp file + rename) so a
// concurrent reader never observes a partial write, and evicted by
// least-recent-access order under a configurable size budget (spec.md
// §4.7, §4.11).
package artifactcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/tacgomes/morph-sub000"
)

// Cache is the local artifact cache rooted at dir.
type Cache struct {
	dir string

	mu sync.Mutex
}

// New returns a Cache rooted at dir, creating it if absent.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, morph.Wrapf(err, "creating artifact cache dir %s", dir)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key)
}

// Has reports whether key is present, bumping its access time so it is
// not picked as an eviction candidate ahead of artifacts that have
// genuinely gone unused for longer.
func (c *Cache) Has(key string) bool {
	path := c.path(key)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	now := time.Now()
	os.Chtimes(path, now, now)
	return true
}

// Open returns a reader for the artifact stored under key, bumping its
// access time as Has does. The caller must Close it.
func (c *Cache) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil, &morph.CacheError{Op: "open", Key: key, Err: err}
	}
	now := time.Now()
	os.Chtimes(c.path(key), now, now)
	return f, nil
}

// Put stores the contents read from r under key, writing to a
// temporary file in the same directory and renaming into place so a
// concurrent Open never sees a half-written artifact (grounded in the
// teacher's atomic-write idiom for its local build cache).
func (c *Cache) Put(ctx context.Context, key string, r io.Reader) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tmp := filepath.Join(c.dir, ".tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return &morph.CacheError{Op: "put", Key: key, Err: err}
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		return &morph.CacheError{Op: "put", Key: key, Err: err}
	}
	if err = f.Sync(); err != nil {
		return &morph.CacheError{Op: "put", Key: key, Err: err}
	}
	if err = f.Close(); err != nil {
		return &morph.CacheError{Op: "put", Key: key, Err: err}
	}
	if err = os.Rename(tmp, c.path(key)); err != nil {
		return &morph.CacheError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Remove deletes the artifact stored under key, if present.
func (c *Cache) Remove(key string) error {
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return &morph.CacheError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// entry is one cached artifact's key, size and last-access time, used
// to drive eviction ordering.
type entry struct {
	key        string
	size       int64
	accessedAt time.Time
}

// Entry is one cached artifact's key and size, exposed to callers
// (internal/gc) that account for cache usage without needing access
// to the cache's internal layout.
type Entry struct {
	Key  string
	Size int64
}

// List returns every cached artifact's key and size, for diagnostics
// and GC accounting.
func (c *Cache) List() ([]Entry, error) {
	internal, err := c.listInternal()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(internal))
	for _, e := range internal {
		entries = append(entries, Entry{Key: e.key, Size: e.size})
	}
	return entries, nil
}

func (c *Cache) listInternal() ([]entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, morph.Wrapf(err, "listing artifact cache %s", c.dir)
	}
	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || filepathIsTemp(de.Name()) || de.Name() == gcLockName {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{key: de.Name(), size: info.Size(), accessedAt: info.ModTime()})
	}
	return entries, nil
}

func filepathIsTemp(name string) bool {
	return len(name) >= 5 && name[:5] == ".tmp-"
}

// gcLockName is the file EvictLRU locks; it lives in the cache
// directory but is not a cache entry.
const gcLockName = ".gc.lock"

// EvictLRU removes the least-recently-accessed artifacts until the
// cache's total size is at or below budget, holding an exclusive flock
// so two eviction sweeps never run at once; Put does not take this
// lock (spec.md §4.11's GC sweep, grounded in the original's
// disk-usage-driven cache trimming).
func (c *Cache) EvictLRU(budget int64) error {
	lock := flock.New(filepath.Join(c.dir, gcLockName))
	if err := lock.Lock(); err != nil {
		return morph.Wrapf(err, "locking artifact cache for gc")
	}
	defer lock.Unlock()

	entries, err := c.listInternal()
	if err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= budget {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].accessedAt.Before(entries[j].accessedAt) })
	for _, e := range entries {
		if total <= budget {
			break
		}
		if err := c.Remove(e.key); err != nil {
			return err
		}
		total -= e.size
	}
	return nil
}
