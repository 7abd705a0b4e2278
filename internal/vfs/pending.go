package vfs

import (
	"context"

	"github.com/objectfs/blockvfs/internal/blockstore"
	"github.com/objectfs/blockvfs/internal/cache"
	"github.com/objectfs/blockvfs/internal/manifest"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// PublishPending publishes the dirty blocks and layouts the cache holds for
// the container of store and marks them clean. It returns the manifest now
// current and the number of blocks published. Local changes made against a
// manifest that is no longer the latest are a CONFLICT_MANIFEST.
func PublishPending(ctx context.Context, store manifest.Store, manifests *manifest.Manager, c *cache.Cache, author string) (*manifest.Manifest, int, error) {
	container := store.Path().String()

	latest, err := manifests.Refresh(ctx, store)
	if err != nil {
		return nil, 0, err
	}

	layouts, err := c.Layouts(container)
	if err != nil {
		return nil, 0, err
	}
	keys := c.Flush(container)
	if len(layouts) == 0 && len(keys) == 0 {
		return latest, 0, nil
	}

	changes := make(map[string]manifest.Change)
	for name, layout := range layouts {
		if layout.Base != latest.Version {
			return nil, 0, bverrors.Newf(bverrors.ErrCodeManifestConflict,
				"local changes to %s were made against version %d but %d is current", name, layout.Base, latest.Version).
				WithComponent("vfs").WithOperation("publish").
				WithDetail("database", name)
		}
		changes[name] = manifest.Change{Size: layout.Size, Blocks: map[int64][]byte{}}
	}

	var included, stale []cache.Key
	for _, key := range keys {
		ch, ok := changes[key.Database]
		if !ok {
			db, published := latest.Database(key.Database)
			if !published {
				stale = append(stale, key)
				continue
			}
			ch = manifest.Change{Size: db.Size, Blocks: map[int64][]byte{}}
			changes[key.Database] = ch
		}
		if key.Index >= blockCount(ch.Size, latest.BlockSize) {
			stale = append(stale, key)
			continue
		}
		data, _, ok, err := c.Get(key)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, bverrors.Newf(bverrors.ErrCodeCorruptIndex, "dirty block %s vanished from the cache", key).
				WithComponent("vfs")
		}
		ch.Blocks[key.Index] = data
		included = append(included, key)
	}

	// blocks dropped by a shrink and not rewritten since read as zeros; the
	// zero block is uploaded once and referenced by checksum elsewhere
	zero := make([]byte, latest.BlockSize)
	zeroSum := blockstore.Checksum(zero)
	zeroQueued := false
	for name, layout := range layouts {
		ch := changes[name]
		for i := blockCount(min(layout.Low, ch.Size), latest.BlockSize); i < blockCount(ch.Size, latest.BlockSize); i++ {
			if _, ok := ch.Blocks[i]; ok {
				continue
			}
			if !zeroQueued {
				ch.Blocks[i] = zero
				zeroQueued = true
				continue
			}
			if ch.Checksums == nil {
				ch.Checksums = make(map[int64]string)
			}
			ch.Checksums[i] = zeroSum
		}
		changes[name] = ch
	}

	next, err := manifests.Publish(ctx, store, latest, changes, author)
	if err != nil {
		return nil, 0, err
	}

	sums := make([]string, len(included))
	for i, key := range included {
		sums[i] = next.Databases[key.Database].Blocks[key.Index]
	}
	if err := c.MarkClean(included, sums); err != nil {
		return nil, 0, err
	}
	if err := c.Delete(stale...); err != nil {
		return nil, 0, err
	}
	for name := range layouts {
		if err := c.ClearLayout(container, name); err != nil {
			return nil, 0, err
		}
	}
	return next, len(included), nil
}
