// Package manifest loads, publishes and resolves container manifests. A
// manifest maps each database of a container to its logical size and the
// ordered checksums of its blocks; versions are immutable once published.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

// Database is the published layout of one database file.
type Database struct {
	Size   int64    `json:"size"`
	Blocks []string `json:"blocks"`
}

// Manifest is one published version of a container. Callers must treat it
// as read-only.
type Manifest struct {
	Container string              `json:"container"`
	Version   uint64              `json:"version"`
	BlockSize int64               `json:"block_size"`
	Databases map[string]Database `json:"databases"`
	Author    string              `json:"author,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Names returns the database names in sorted order.
func (m *Manifest) Names() []string {
	names := lo.Keys(m.Databases)
	sort.Strings(names)
	return names
}

// Database returns the layout of name.
func (m *Manifest) Database(name string) (Database, bool) {
	db, ok := m.Databases[name]
	return db, ok
}

// Block returns the checksum of block index of database, if present.
func (m *Manifest) Block(database string, index int64) (string, bool) {
	db, ok := m.Databases[database]
	if !ok || index < 0 || index >= int64(len(db.Blocks)) {
		return "", false
	}
	return db.Blocks[index], true
}

// TotalBlocks counts block references over all databases.
func (m *Manifest) TotalBlocks() int {
	return lo.SumBy(lo.Values(m.Databases), func(db Database) int { return len(db.Blocks) })
}

func (m *Manifest) validate() error {
	if m.BlockSize <= 0 {
		return fmt.Errorf("manifest %d has invalid block size %d", m.Version, m.BlockSize)
	}
	for name, db := range m.Databases {
		want := blockCount(db.Size, m.BlockSize)
		if int64(len(db.Blocks)) != want {
			return fmt.Errorf("database %s of size %d lists %d blocks, want %d", name, db.Size, len(db.Blocks), want)
		}
	}
	return nil
}

func decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Databases == nil {
		m.Databases = map[string]Database{}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encode(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func blockCount(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}
