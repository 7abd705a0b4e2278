// Package types holds the interfaces and value types shared between the
// storage backends, the block cache and the manifest layer.
package types

import (
	"time"
)

// ObjectInfo represents metadata about an object
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Dirty       int     `json:"dirty"`
	Pinned      int     `json:"pinned"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Range represents a byte range
type Range struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// BlockRange returns the inclusive first and last block indices covering
// r for blocks of blockSize bytes. last < first when r is empty.
func (r Range) BlockRange(blockSize int64) (first, last int64) {
	if r.Size <= 0 {
		return r.Offset / blockSize, r.Offset/blockSize - 1
	}
	return r.Offset / blockSize, (r.Offset+r.Size+blockSize-1)/blockSize - 1
}
