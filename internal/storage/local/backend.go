// Package local implements types.Backend on a directory tree. It backs the
// "local" storage module and the end-to-end tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
	"github.com/objectfs/blockvfs/pkg/types"
)

const tmpPrefix = ".tmp-"

// Backend stores each object as a file below root; key separators map to
// directories.
type Backend struct {
	root   string
	logger zerolog.Logger
}

var _ types.Backend = (*Backend)(nil)

// NewBackend creates root if needed and returns a backend on it.
func NewBackend(root string, logger zerolog.Logger) (*Backend, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &Backend{
		root:   root,
		logger: logger.With().Str("component", "local-backend").Str("root", root).Logger(),
	}, nil
}

func (b *Backend) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", bverrors.Newf(bverrors.ErrCodePathInvalid, "invalid object key %q", key).WithComponent("local")
	}
	if strings.HasPrefix(filepath.Base(clean), tmpPrefix) {
		return "", bverrors.Newf(bverrors.ErrCodePathInvalid, "reserved object key %q", key).WithComponent("local")
	}
	return filepath.Join(b.root, clean), nil
}

// GetObject reads an object or a byte range of it. size <= 0 reads to the end.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, translate(err, "GetObject", key)
	}
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, translate(err, "GetObject", key)
	}
	defer f.Close()

	if size <= 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, translate(err, "GetObject", key)
		}
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, translate(err, "GetObject", key)
		}
		return data, nil
	}

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, translate(err, "GetObject", key)
	}
	return buf[:n], nil
}

// PutObject atomically replaces an object.
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return translate(err, "PutObject", key)
	}
	p, err := b.path(key)
	if err != nil {
		return err
	}
	tmp, err := b.writeTemp(p, data)
	if err != nil {
		return translate(err, "PutObject", key)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return translate(err, "PutObject", key)
	}
	return nil
}

// PutObjectIfAbsent publishes data under key only if key does not exist.
// The hard link fails atomically when another writer got there first.
func (b *Backend) PutObjectIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return translate(err, "PutObject", key)
	}
	p, err := b.path(key)
	if err != nil {
		return err
	}
	tmp, err := b.writeTemp(p, data)
	if err != nil {
		return translate(err, "PutObject", key)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return bverrors.Newf(bverrors.ErrCodeObjectExists, "object %s already exists", key).
				WithComponent("local").WithOperation("PutObject")
		}
		return translate(err, "PutObject", key)
	}
	return nil
}

func (b *Backend) writeTemp(p string, data []byte) (string, error) {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// DeleteObject removes an object. Deleting a missing key is not an error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return translate(err, "DeleteObject", key)
	}
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return translate(err, "DeleteObject", key)
	}
	return nil
}

// HeadObject retrieves metadata about an object
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, translate(err, "HeadObject", key)
	}
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, translate(err, "HeadObject", key)
	}
	if st.IsDir() {
		return nil, bverrors.Newf(bverrors.ErrCodeObjectNotFound, "object not found: %s", key).WithComponent("local")
	}
	return &types.ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

// ListObjects lists objects whose key starts with prefix, sorted by key.
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	var objects []types.ObjectInfo

	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, types.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, translate(err, "ListObjects", prefix)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	if limit > 0 && len(objects) > limit {
		objects = objects[:limit]
	}
	return objects, nil
}

// HealthCheck verifies the root directory is accessible
func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.root); err != nil {
		return translate(err, "HealthCheck", b.root)
	}
	return nil
}

func translate(err error, operation, key string) error {
	var code bverrors.ErrorCode
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = bverrors.ErrCodeObjectNotFound
	case errors.Is(err, fs.ErrPermission):
		code = bverrors.ErrCodeAccessDenied
	case errors.Is(err, context.Canceled):
		code = bverrors.ErrCodeOperationCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = bverrors.ErrCodeOperationTimeout
	case operation == "PutObject" || operation == "DeleteObject":
		code = bverrors.ErrCodeStorageWrite
	default:
		code = bverrors.ErrCodeStorageRead
	}
	return bverrors.Wrap(err, code, fmt.Sprintf("%s failed for %s", operation, key)).
		WithComponent("local").
		WithOperation(operation)
}
