// Package cache is the local block cache: block files on disk under a byte
// budget, with their metadata in a bbolt index. Dirty blocks hold local
// writes that are not yet published and are never evicted.
package cache

import (
	"container/list"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

// Key identifies a block of a database within a container.
type Key struct {
	Container string
	Database  string
	Index     int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Container, k.Database, k.Index)
}

// Entry describes a cached block.
type Entry struct {
	Key        Key
	Size       int64
	Checksum   string
	Dirty      bool
	Pins       int
	LastAccess time.Time
}

// Config configures a Cache.
type Config struct {
	Directory string
	Capacity  int64
	Metrics   types.MetricsCollector
	Logger    zerolog.Logger
}

type item struct {
	key     Key
	rec     record
	element *list.Element
	busy    int // puts in flight
}

const stripeCount = 64

// Cache is safe for concurrent use. Only one process may open a cache
// directory at a time.
type Cache struct {
	mu        sync.Mutex
	directory string
	capacity  int64
	size      int64
	items     map[Key]*item
	lru       *list.List // front is most recently used
	db        *bolt.DB
	metrics   types.MetricsCollector
	logger    zerolog.Logger

	hits      uint64
	misses    uint64
	evictions uint64
	closed    bool

	// stripes order readers and writers of the same block file; mu only
	// guards the metadata above and is never held across block file I/O
	stripes  [stripeCount]sync.RWMutex
	readFile func(name string) ([]byte, error)
}

// Open opens or creates the cache in cfg.Directory and loads its index.
func Open(cfg Config) (*Cache, error) {
	if cfg.Directory == "" {
		return nil, bverrors.NewError(bverrors.ErrCodeMissingConfig, "cache directory not set").WithComponent("cache")
	}
	if cfg.Capacity <= 0 {
		return nil, bverrors.NewError(bverrors.ErrCodeInvalidConfig, "cache capacity must be positive").WithComponent("cache")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Directory, "blocks"), 0750); err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to create cache directory").WithComponent("cache")
	}

	db, err := openIndex(filepath.Join(cfg.Directory, indexFile))
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, bverrors.Newf(bverrors.ErrCodeLockHeld, "cache %s is in use by another process", cfg.Directory).
			WithComponent("cache")
	}
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to open cache index").WithComponent("cache")
	}

	c := &Cache{
		directory: cfg.Directory,
		capacity:  cfg.Capacity,
		items:     make(map[Key]*item),
		lru:       list.New(),
		db:        db,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "cache").Logger(),
		readFile:  os.ReadFile,
	}
	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	c.logger.Debug().Int("entries", len(c.items)).Int64("size", c.size).Msg("cache opened")
	return c, nil
}

// load rebuilds the in-memory LRU from the index. Clean entries whose block
// file is gone are dropped; a dirty entry without its file is corruption.
func (c *Cache) load() error {
	var stale []Key
	var loaded []*item

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			key, err := parseIndexKey(k)
			if err != nil {
				return err
			}
			var rec record
			if err := decMode.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("entry %s: %w", key, err)
			}
			st, err := os.Stat(c.blockPath(key))
			if err != nil || st.Size() != rec.Size {
				if rec.Dirty {
					return fmt.Errorf("dirty block %s is missing or truncated", key)
				}
				stale = append(stale, key)
				return nil
			}
			// pins do not survive a restart
			rec.Pins = 0
			loaded = append(loaded, &item{key: key, rec: rec})
			return nil
		})
	})
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to load cache index").WithComponent("cache")
	}

	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].rec.LastAccess.After(loaded[j].rec.LastAccess)
	})
	for _, it := range loaded {
		it.element = c.lru.PushBack(it.key)
		c.items[it.key] = it
		c.size += it.rec.Size
	}

	if len(stale) > 0 {
		c.logger.Warn().Int("entries", len(stale)).Msg("dropping index entries without block files")
		return c.db.Update(func(tx *bolt.Tx) error {
			for _, key := range stale {
				if err := deleteRecord(tx, key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return nil
}

func hashName(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func (c *Cache) blockPath(key Key) string {
	return filepath.Join(c.directory, "blocks", hashName(key.Container), hashName(key.Database),
		fmt.Sprintf("%d.blk", key.Index))
}

func (c *Cache) stripe(key Key) *sync.RWMutex {
	h := blake3.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", key.Container, key.Database, key.Index)
	return &c.stripes[binary.LittleEndian.Uint64(h.Sum(nil))%stripeCount]
}

func (c *Cache) containerDir(container string) string {
	return filepath.Join(c.directory, "blocks", hashName(container))
}

// Get returns a copy of the cached block and its metadata. ok is false on a
// miss. Reads of different blocks, and of the same block, run in parallel.
func (c *Cache) Get(key Key) (data []byte, entry Entry, ok bool, err error) {
	stripe := c.stripe(key)
	stripe.RLock()
	defer stripe.RUnlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, Entry{}, false, errClosed()
	}
	it, exists := c.items[key]
	if !exists {
		c.misses++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(key.Container, 0)
		}
		return nil, Entry{}, false, nil
	}
	entry = it.entry()
	c.mu.Unlock()

	data, err = c.readFile(c.blockPath(key))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !entry.Dirty {
			// evicted while we were reading
			if cur, ok := c.items[key]; ok && cur == it {
				c.removeLocked(it)
			}
			c.misses++
			return nil, Entry{}, false, nil
		}
		return nil, Entry{}, false, bverrors.Wrap(err, bverrors.ErrCodeStorageRead, "failed to read cached block").
			WithComponent("cache").WithDetail("block", key.String())
	}

	if cur, ok := c.items[key]; ok && cur == it {
		it.rec.LastAccess = time.Now()
		c.lru.MoveToFront(it.element)
		entry.LastAccess = it.rec.LastAccess
	}
	c.hits++
	if c.metrics != nil {
		c.metrics.RecordCacheHit(key.Container, int64(len(data)))
	}
	return data, entry, true, nil
}

// Lookup returns the metadata of key without touching its recency.
func (c *Cache) Lookup(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.entry(), true
}

// PutOptions qualifies a Put.
type PutOptions struct {
	// Dirty marks the block as a local write awaiting publication.
	Dirty bool
	// Checksum is the published checksum a clean block was fetched as.
	Checksum string
}

// Put stores data for key and evicts clean entries to stay within the
// budget. A clean put never replaces a dirty entry. The block file and its
// index record are written outside the cache-wide lock.
func (c *Cache) Put(key Key, data []byte, opts PutOptions) error {
	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed()
	}
	existing, exists := c.items[key]
	if exists && existing.rec.Dirty && !opts.Dirty {
		c.mu.Unlock()
		c.logger.Debug().Str("block", key.String()).Msg("keeping dirty block over clean put")
		return nil
	}
	if exists {
		// keep eviction away from the file we are about to replace
		existing.busy++
	}
	c.mu.Unlock()

	rec := record{
		Size:       int64(len(data)),
		Dirty:      opts.Dirty,
		LastAccess: time.Now(),
	}
	if !opts.Dirty {
		rec.Checksum = opts.Checksum
	}

	err := writeFileAtomic(c.blockPath(key), data)
	if err != nil {
		err = bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to write cached block").
			WithComponent("cache").WithDetail("block", key.String())
	} else if err = c.db.Update(func(tx *bolt.Tx) error { return putRecord(tx, key, rec) }); err != nil {
		err = bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to update cache index").WithComponent("cache")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if exists {
		existing.busy--
	}
	if err != nil {
		return err
	}

	if cur, ok := c.items[key]; ok {
		c.size -= cur.rec.Size
		rec.Pins = cur.rec.Pins
		cur.rec = rec
		c.lru.MoveToFront(cur.element)
	} else {
		it := &item{key: key, rec: rec}
		it.element = c.lru.PushFront(key)
		c.items[key] = it
	}
	c.size += rec.Size

	return c.evictLocked()
}

// Delete drops key whatever its state, e.g. when a database is truncated.
func (c *Cache) Delete(keys ...Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*item
	for _, key := range keys {
		if it, ok := c.items[key]; ok {
			victims = append(victims, it)
		}
	}
	return c.dropLocked(victims)
}

// Pin protects key from eviction until a matching Unpin.
func (c *Cache) Pin(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return bverrors.Newf(bverrors.ErrCodeBlockNotFound, "block %s not cached", key).WithComponent("cache")
	}
	it.rec.Pins++
	return nil
}

// Unpin releases one pin of key and evicts if the budget is exceeded.
func (c *Cache) Unpin(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || it.rec.Pins == 0 {
		return bverrors.Newf(bverrors.ErrCodeInvalidState, "block %s is not pinned", key).WithComponent("cache")
	}
	it.rec.Pins--
	return c.evictLocked()
}

// Entries lists the entries of container ordered by database and index.
func (c *Cache) Entries(container string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	for key, it := range c.items {
		if key.Container == container {
			out = append(out, it.entry())
		}
	}
	sortEntries(out)
	return out
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.items),
		Size:      c.size,
		Capacity:  c.capacity,
	}
	for _, it := range c.items {
		if it.rec.Dirty {
			stats.Dirty++
		}
		if it.rec.Pins > 0 {
			stats.Pinned++
		}
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	stats.Utilization = float64(c.size) / float64(c.capacity)
	return stats
}

// Sync makes dirty blocks and the index durable.
func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed()
	}
	return c.syncLocked()
}

func (c *Cache) syncLocked() error {
	for key, it := range c.items {
		if !it.rec.Dirty {
			continue
		}
		if err := fsyncFile(c.blockPath(key)); err != nil {
			return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to sync cached block").
				WithComponent("cache").WithDetail("block", key.String())
		}
	}
	// persist access times so LRU order survives a restart
	err := c.db.Update(func(tx *bolt.Tx) error {
		for key, it := range c.items {
			if err := putRecord(tx, key, it.rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		err = c.db.Sync()
	}
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to sync cache index").WithComponent("cache")
	}
	return nil
}

// Close syncs and closes the index.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	syncErr := c.syncLocked()
	c.closed = true
	if err := c.db.Close(); err != nil {
		return err
	}
	return syncErr
}

func (it *item) entry() Entry {
	return Entry{
		Key:        it.key,
		Size:       it.rec.Size,
		Checksum:   it.rec.Checksum,
		Dirty:      it.rec.Dirty,
		Pins:       it.rec.Pins,
		LastAccess: it.rec.LastAccess,
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Key, entries[j].Key
		if a.Container != b.Container {
			return a.Container < b.Container
		}
		if a.Database != b.Database {
			return a.Database < b.Database
		}
		return a.Index < b.Index
	})
}

func errClosed() error {
	return bverrors.NewError(bverrors.ErrCodeInvalidState, "cache is closed").WithComponent("cache")
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func fsyncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
