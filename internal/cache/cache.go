// Package cache implements the two-tier string cache behind the host
// registry: a fixed-capacity in-memory LRU in front of a directory holding
// one file per key.
//
// Files are named by the 64-bit murmur3 hash of the key and hold exactly
// the bytes last saved for that key. Save, Remove and Clear always touch
// both tiers.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	"github.com/lc/hostd/internal/filesys"
	"github.com/lc/hostd/internal/log"
)

const (
	// DefaultCapacity is the memory tier size used for non-positive capacities.
	DefaultCapacity = 100

	fileSuffix = ".cache"
	filePerm   = 0o600
	dirPerm    = 0o755
)

// Cache is a two-tier key/value cache safe for concurrent use.
type Cache struct {
	mem *lru.Cache[string, string]
	fs  filesys.FileOps

	mu  sync.RWMutex // protects dir
	dir string
}

// New creates a cache with the given memory capacity persisting into dir.
// An empty dir disables the disk tier. The directory is created lazily.
func New(dir string, capacity int, fsys filesys.FileOps) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if fsys == nil {
		fsys = filesys.OS()
	}
	mem, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating memory tier: %w", err)
	}
	return &Cache{mem: mem, fs: fsys, dir: dir}, nil
}

// Dir returns the disk tier directory.
func (c *Cache) Dir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dir
}

// SetDir moves the disk tier to dir. Existing files are left in place.
func (c *Cache) SetDir(dir string) {
	c.mu.Lock()
	c.dir = dir
	c.mu.Unlock()
}

// SetCapacity resizes the memory tier, evicting the least recently used
// entries if it shrinks. It returns the number of evicted entries.
func (c *Cache) SetCapacity(capacity int) int {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return c.mem.Resize(capacity)
}

// Path returns the file holding key on disk.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.Dir(), FileName(key))
}

// FileName returns the disk-tier file name for key.
func FileName(key string) string {
	return strconv.FormatUint(murmur3.Sum64([]byte(key)), 10) + fileSuffix
}

// Save stores value under key in memory and on disk. The memory tier is
// updated even when the disk write fails.
func (c *Cache) Save(key, value string) error {
	c.mem.Add(key, value)

	dir := c.Dir()
	if dir == "" {
		return nil
	}
	if err := c.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	path := filepath.Join(dir, FileName(key))
	if err := filesys.AtomicWrite(c.fs, path, []byte(value), filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Load returns the value for key, reading through to disk on a memory miss
// and backfilling the memory tier.
func (c *Cache) Load(key string) (string, bool) {
	if v, ok := c.mem.Get(key); ok {
		return v, true
	}

	dir := c.Dir()
	if dir == "" {
		return "", false
	}
	path := filepath.Join(dir, FileName(key))
	data, err := c.fs.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("cache: reading %s: %v", path, err)
		}
		return "", false
	}
	if len(data) == 0 {
		return "", false
	}

	v := string(data)
	c.mem.Add(key, v)
	log.Debugf("cache: disk hit for %q", key)
	return v, true
}

// Remove deletes key from both tiers. A missing file is not an error.
func (c *Cache) Remove(key string) error {
	c.mem.Remove(key)

	dir := c.Dir()
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, FileName(key))
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Clear empties both tiers, deleting every cache file in the directory.
func (c *Cache) Clear() error {
	c.mem.Purge()

	dir := c.Dir()
	if dir == "" {
		return nil
	}
	entries, err := c.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("listing %s: %w", dir, err)
	}

	var errs error
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := c.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("removing %s: %w", path, err))
			continue
		}
		removed++
	}
	log.Debugf("cache: cleared %d files from %s", removed, dir)
	return errs
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int { return c.mem.Len() }
