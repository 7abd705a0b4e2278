package cache

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// Layout is the local view of a database with unpublished changes: its
// logical size and the manifest version the changes were made against.
// Low is the smallest size the database had since Base; blocks at or past
// it that were not rewritten since are zero, whatever Base recorded.
type Layout struct {
	Size int64  `cbor:"size"`
	Base uint64 `cbor:"base"`
	Low  int64  `cbor:"low"`
}

// Layout returns the stored layout of database.
func (c *Cache) Layout(container, database string) (Layout, bool, error) {
	var layout Layout
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(layoutsBucket).Get(layoutKey(container, database))
		if v == nil {
			return nil
		}
		found = true
		return decMode.Unmarshal(v, &layout)
	})
	if err != nil {
		return Layout{}, false, bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to read layout").WithComponent("cache")
	}
	return layout, found, nil
}

// SetLayout records the layout of database.
func (c *Cache) SetLayout(container, database string, layout Layout) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return putLayout(tx, container, database, layout)
	})
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to write layout").WithComponent("cache")
	}
	return nil
}

// ClearLayout forgets the layout of database once it is published.
func (c *Cache) ClearLayout(container, database string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(layoutsBucket).Delete(layoutKey(container, database))
	})
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to clear layout").WithComponent("cache")
	}
	return nil
}

// Layouts returns every stored layout of container keyed by database.
func (c *Cache) Layouts(container string) (map[string]Layout, error) {
	out := make(map[string]Layout)
	prefix := layoutKey(container, "")
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(layoutsBucket).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var layout Layout
			if err := decMode.Unmarshal(v, &layout); err != nil {
				return err
			}
			out[string(k[len(prefix):])] = layout
		}
		return nil
	})
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to read layouts").WithComponent("cache")
	}
	return out, nil
}

func (c *Cache) clearLayoutsLocked(container string) error {
	prefix := layoutKey(container, "")
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(layoutsBucket)
		var keys [][]byte
		cur := b.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return bverrors.Wrap(err, bverrors.ErrCodeCorruptIndex, "failed to clear layouts").WithComponent("cache")
	}
	return nil
}
