package blockstore

import (
	"fmt"
	"path"
	"strings"
)

// Path addresses a container: a bucket and an optional key prefix inside it.
type Path struct {
	Bucket string
	Prefix string
}

// ParsePath splits "bucket/prefix/..." into its bucket and prefix.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return Path{}, fmt.Errorf("empty bucket path")
	}
	bucket, prefix, _ := strings.Cut(s, "/")
	if prefix != "" {
		cleaned := path.Clean(prefix)
		if cleaned != prefix || strings.HasPrefix(cleaned, "..") || strings.Contains(prefix, "/../") {
			return Path{}, fmt.Errorf("invalid prefix in bucket path %q", s)
		}
	}
	return Path{Bucket: bucket, Prefix: prefix}, nil
}

// String returns the "bucket/prefix" form.
func (p Path) String() string {
	if p.Prefix == "" {
		return p.Bucket
	}
	return p.Bucket + "/" + p.Prefix
}

// Key joins elem below the container prefix.
func (p Path) Key(elem ...string) string {
	if p.Prefix != "" {
		elem = append([]string{p.Prefix}, elem...)
	}
	return strings.Join(elem, "/")
}

const (
	descriptorName = "container.json"
	lockName       = "lock.json"
	manifestsDir   = "manifests"
	blocksDir      = "blocks"
	claimsDir      = "claims"
)

func (p Path) descriptorKey() string { return p.Key(descriptorName) }
func (p Path) lockKey() string       { return p.Key(lockName) }
func (p Path) claimKey(session string) string {
	if session == "" {
		session = "_"
	}
	return p.Key(claimsDir, session)
}
func (p Path) blockKey(sum string) string {
	return p.Key(blocksDir, sum)
}
func (p Path) manifestKey(version uint64) string {
	return p.Key(manifestsDir, fmt.Sprintf("%020d.json", version))
}
