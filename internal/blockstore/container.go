package blockstore

import (
	"time"
)

// Compression codecs for stored blocks.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// FormatVersion is written into every container descriptor.
const FormatVersion = 1

// Container is the descriptor stored at <prefix>/container.json. BlockSize
// never changes after creation.
type Container struct {
	Path          string    `json:"path"`
	Alias         string    `json:"alias,omitempty"`
	BlockSize     int64     `json:"block_size"`
	Compression   string    `json:"compression"`
	Created       time.Time `json:"created"`
	FormatVersion int       `json:"format_version"`
}
