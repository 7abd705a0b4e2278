package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	layoutsBucket = []byte("layouts")
)

const indexFile = "index.db"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// record is the persisted form of an entry.
type record struct {
	Size       int64     `cbor:"size"`
	Checksum   string    `cbor:"checksum,omitempty"`
	Dirty      bool      `cbor:"dirty,omitempty"`
	Pins       int       `cbor:"pins,omitempty"`
	LastAccess time.Time `cbor:"last_access"`
}

func (k Key) indexKey() []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%020d", k.Container, k.Database, k.Index))
}

func parseIndexKey(b []byte) (Key, error) {
	parts := strings.Split(string(b), "\x00")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed index key %q", b)
	}
	index, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed index key %q: %w", b, err)
	}
	return Key{Container: parts[0], Database: parts[1], Index: index}, nil
}

func layoutKey(container, database string) []byte {
	return []byte(container + "\x00" + database)
}

func openIndex(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, NoSync: true})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, layoutsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func putRecord(tx *bolt.Tx, key Key, rec record) error {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(entriesBucket).Put(key.indexKey(), data)
}

func deleteRecord(tx *bolt.Tx, key Key) error {
	return tx.Bucket(entriesBucket).Delete(key.indexKey())
}

func putLayout(tx *bolt.Tx, container, database string, layout Layout) error {
	data, err := encMode.Marshal(layout)
	if err != nil {
		return err
	}
	return tx.Bucket(layoutsBucket).Put(layoutKey(container, database), data)
}
