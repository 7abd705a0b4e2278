package cache

import (
	"errors"
	"io/fs"
	"os"

	bolt "go.etcd.io/bbolt"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// candidatesLocked walks the LRU from the back and returns the clean,
// unpinned entries whose removal brings the cache within budget. It may
// return less than needed when nothing else is evictable.
func (c *Cache) candidatesLocked() []*item {
	excess := c.size - c.capacity
	if excess <= 0 {
		return nil
	}
	var victims []*item
	for e := c.lru.Back(); e != nil && excess > 0; e = e.Prev() {
		it := c.items[e.Value.(Key)]
		if it.rec.Dirty || it.rec.Pins > 0 || it.busy > 0 {
			continue
		}
		victims = append(victims, it)
		excess -= it.rec.Size
	}
	return victims
}

// EvictCandidates returns the keys eviction would remove right now, least
// recently used first.
func (c *Cache) EvictCandidates() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	victims := c.candidatesLocked()
	keys := make([]Key, len(victims))
	for i, it := range victims {
		keys[i] = it.key
	}
	return keys
}

func (c *Cache) evictLocked() error {
	victims := c.candidatesLocked()
	if len(victims) == 0 {
		if c.size > c.capacity {
			c.logger.Debug().Int64("size", c.size).Int64("capacity", c.capacity).
				Msg("cache over budget with nothing evictable")
		}
		return nil
	}
	if err := c.dropLocked(victims); err != nil {
		return err
	}
	c.evictions += uint64(len(victims))
	c.logger.Debug().Int("evicted", len(victims)).Int64("size", c.size).Msg("evicted clean blocks")
	return nil
}

func (c *Cache) removeLocked(it *item) {
	c.lru.Remove(it.element)
	delete(c.items, it.key)
	c.size -= it.rec.Size
}

// dropLocked removes block files and index records of victims.
func (c *Cache) dropLocked(victims []*item) error {
	if len(victims) == 0 {
		return nil
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		for _, it := range victims {
			if err := deleteRecord(tx, it.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to update cache index").WithComponent("cache")
	}
	for _, it := range victims {
		if err := os.Remove(c.blockPath(it.key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn().Err(err).Str("block", it.key.String()).Msg("failed to remove block file")
		}
		c.removeLocked(it)
	}
	return nil
}

// Flush returns the dirty keys of container, ordered by database and index.
// The entries stay dirty until MarkClean.
func (c *Cache) Flush(container string) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []Entry
	for key, it := range c.items {
		if key.Container == container && it.rec.Dirty {
			entries = append(entries, it.entry())
		}
	}
	sortEntries(entries)
	keys := make([]Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// MarkClean records that keys were published with the given checksums.
func (c *Cache) MarkClean(keys []Key, checksums []string) error {
	if len(keys) != len(checksums) {
		return bverrors.Newf(bverrors.ErrCodeValidationFailed, "%d keys but %d checksums", len(keys), len(checksums)).
			WithComponent("cache")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var updated []*item
	err := c.db.Update(func(tx *bolt.Tx) error {
		for i, key := range keys {
			it, ok := c.items[key]
			if !ok {
				return bverrors.Newf(bverrors.ErrCodeBlockNotFound, "block %s not cached", key)
			}
			rec := it.rec
			rec.Dirty = false
			rec.Checksum = checksums[i]
			if err := putRecord(tx, key, rec); err != nil {
				return err
			}
			updated = append(updated, it)
		}
		return nil
	})
	if err != nil {
		if _, ok := bverrors.As(err); ok {
			return err
		}
		return bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to update cache index").WithComponent("cache")
	}
	for i, it := range updated {
		it.rec.Dirty = false
		it.rec.Checksum = checksums[i]
	}
	return c.evictLocked()
}

// Clean releases every clean, unpinned entry of container, or of all
// containers when container is empty. Dirty entries are untouched.
func (c *Cache) Clean(container string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*item
	for key, it := range c.items {
		if container != "" && key.Container != container {
			continue
		}
		if it.rec.Dirty || it.rec.Pins > 0 || it.busy > 0 {
			continue
		}
		victims = append(victims, it)
	}
	if err := c.dropLocked(victims); err != nil {
		return 0, err
	}
	c.logger.Info().Str("container", container).Int("released", len(victims)).Msg("released clean blocks")
	return len(victims), nil
}

// Purge forgets everything cached for container, dirty blocks and layouts
// included. Used when the container is destroyed.
func (c *Cache) Purge(container string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*item
	for key, it := range c.items {
		if key.Container == container {
			victims = append(victims, it)
		}
	}
	if err := c.dropLocked(victims); err != nil {
		return err
	}
	if err := c.clearLayoutsLocked(container); err != nil {
		return err
	}
	if err := os.RemoveAll(c.containerDir(container)); err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeStorageWrite, "failed to remove container blocks").WithComponent("cache")
	}
	return nil
}
