package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/blockvfs/internal/blockstore"
	"github.com/objectfs/blockvfs/internal/cache"
	"github.com/objectfs/blockvfs/internal/manifest"
	"github.com/objectfs/blockvfs/internal/vfs"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// DatabaseInfo summarizes one database of a manifest.
type DatabaseInfo struct {
	Name   string
	Size   int64
	Blocks int
}

// Listing is the result of List.
type Listing struct {
	Container blockstore.Container
	Version   uint64
	Author    string
	Published time.Time
	Databases []DatabaseInfo
}

// UploadOptions configures Upload.
type UploadOptions struct {
	// Database names the uploaded database; defaults to the file's base name.
	Database string
	// Create creates the container first when it does not exist.
	Create bool
	// BlockSize is used with Create; zero means the configured default.
	BlockSize int64
}

// UploadResult describes a published upload.
type UploadResult struct {
	Container string
	Database  string
	Size      int64
	Blocks    int
	Version   uint64
}

// DownloadOptions configures Download.
type DownloadOptions struct {
	// Database restricts the download to one database.
	Database string
	// Output additionally writes the database to this local file; it
	// requires Database.
	Output string
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	Version uint64
	Fetched int
	Cached  int
	Bytes   int64
}

// ManifestReport is the result of Manifest.
type ManifestReport struct {
	Manifest *manifest.Manifest
	History  []uint64
}

func (c *Coordinator) blockSize(requested int64) (int64, error) {
	bs := requested
	if bs == 0 {
		bs = c.cfg.BlockSizeBytes()
	}
	if bs <= 0 || bs&(bs-1) != 0 {
		return 0, bverrors.Newf(bverrors.ErrCodeValidationFailed, "block size %d is not a power of two", bs).
			WithComponent("daemon")
	}
	return bs, nil
}

// Create creates the container at bucketPath with manifest version 0. It
// fails with CONFLICT_CONTAINER_EXISTS when the container exists.
func (c *Coordinator) Create(ctx context.Context, bucketPath string, blockSize int64) (*blockstore.Container, error) {
	var desc *blockstore.Container
	err := c.run("create", bucketPath, func() error {
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		desc, err = c.create(ctx, client, blockSize, id.Account)
		return err
	})
	return desc, err
}

func (c *Coordinator) create(ctx context.Context, client *blockstore.Client, blockSize int64, author string) (*blockstore.Container, error) {
	bs, err := c.blockSize(blockSize)
	if err != nil {
		return nil, err
	}
	if err := client.CreateContainer(ctx, blockstore.Container{
		Alias:       c.cfg.VFS.Alias,
		BlockSize:   bs,
		Compression: c.cfg.Storage.Compression,
	}); err != nil {
		return nil, err
	}
	if _, err := c.manifests.Initialize(ctx, client, bs, author); err != nil {
		return nil, err
	}
	return client.Container(ctx)
}

// Destroy deletes every object of the container and purges its local cache
// entries. Destroying a missing container succeeds.
func (c *Coordinator) Destroy(ctx context.Context, bucketPath string) error {
	return c.run("destroy", bucketPath, func() error {
		if _, err := c.identity(ctx); err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		if err := client.DeleteContainer(ctx); err != nil {
			return err
		}
		container := client.Path().String()
		c.manifests.Forget(container)

		cc, err := c.Cache()
		if err != nil {
			return err
		}
		return cc.Purge(container)
	})
}

// Upload splits localFile into zero-padded blocks, stores them and
// publishes the next manifest version.
func (c *Coordinator) Upload(ctx context.Context, bucketPath, localFile string, opts UploadOptions) (*UploadResult, error) {
	var result *UploadResult
	err := c.run("upload", bucketPath, func() error {
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}

		f, err := os.Open(localFile)
		if err != nil {
			return bverrors.Wrap(err, bverrors.ErrCodeStorageRead, "failed to open upload source").
				WithComponent("daemon").WithDetail("file", localFile)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return bverrors.Wrap(err, bverrors.ErrCodeStorageRead, "failed to stat upload source").WithComponent("daemon")
		}

		name := opts.Database
		if name == "" {
			name = filepath.Base(localFile)
		}

		desc, err := client.Container(ctx)
		if bverrors.HasCode(err, bverrors.ErrCodeContainerNotFound) && opts.Create {
			desc, err = c.create(ctx, client, opts.BlockSize, id.Account)
		}
		if err != nil {
			return err
		}

		return c.locked(ctx, client, id, func() error {
			result, err = c.upload(ctx, client, f, st.Size(), desc.BlockSize, name, id.Account)
			return err
		})
	})
	return result, err
}

func (c *Coordinator) upload(ctx context.Context, client *blockstore.Client, f io.ReaderAt, size, bs int64, name, author string) (*UploadResult, error) {
	base, err := c.manifests.Refresh(ctx, client)
	if err != nil {
		return nil, err
	}

	count := (size + bs - 1) / bs
	sums := make([]string, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for i := int64(0); i < count; i++ {
		i := i
		g.Go(func() error {
			buf := make([]byte, bs)
			if _, err := f.ReadAt(buf, i*bs); err != nil && !errors.Is(err, io.EOF) {
				return bverrors.Wrap(err, bverrors.ErrCodeStorageRead, "failed to read upload source").
					WithComponent("daemon").WithDetail("block", i)
			}
			sum, err := client.PutBlock(gctx, buf)
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	checksums := make(map[int64]string, count)
	for i, sum := range sums {
		checksums[int64(i)] = sum
	}
	next, err := c.manifests.Publish(ctx, client, base, map[string]manifest.Change{
		name: {Size: size, Checksums: checksums},
	}, author)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		Container: client.Path().String(),
		Database:  name,
		Size:      size,
		Blocks:    int(count),
		Version:   next.Version,
	}, nil
}

// UploadPending publishes the dirty blocks and layouts the local cache holds
// for the container. It returns the current manifest and the number of
// blocks published.
func (c *Coordinator) UploadPending(ctx context.Context, bucketPath string) (*manifest.Manifest, int, error) {
	var (
		current   *manifest.Manifest
		published int
	)
	err := c.run("upload_pending", bucketPath, func() error {
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		if _, err := client.Container(ctx); err != nil {
			return err
		}
		cc, err := c.Cache()
		if err != nil {
			return err
		}
		return c.locked(ctx, client, id, func() error {
			current, published, err = vfs.PublishPending(ctx, client, c.manifests, cc, id.Account)
			return err
		})
	})
	return current, published, err
}

// Download materializes the blocks of the latest manifest into the local
// cache as clean entries.
func (c *Coordinator) Download(ctx context.Context, bucketPath string, opts DownloadOptions) (*DownloadResult, error) {
	var result *DownloadResult
	err := c.run("download", bucketPath, func() error {
		if opts.Output != "" && opts.Database == "" {
			return bverrors.NewError(bverrors.ErrCodeValidationFailed, "an output file needs a database name").WithComponent("daemon")
		}
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		if _, err := client.Container(ctx); err != nil {
			return err
		}
		cc, err := c.Cache()
		if err != nil {
			return err
		}
		return c.locked(ctx, client, id, func() error {
			result, err = c.download(ctx, client, cc, opts)
			return err
		})
	})
	return result, err
}

type blockRef struct {
	database string
	index    int64
	sum      string
	size     int64
}

func (c *Coordinator) download(ctx context.Context, client *blockstore.Client, cc *cache.Cache, opts DownloadOptions) (*DownloadResult, error) {
	latest, err := c.manifests.Refresh(ctx, client)
	if err != nil {
		return nil, err
	}
	container := client.Path().String()

	names := latest.Names()
	if opts.Database != "" {
		if _, ok := latest.Database(opts.Database); !ok {
			return nil, bverrors.Newf(bverrors.ErrCodeDatabaseNotFound, "database %s is not in version %d", opts.Database, latest.Version).
				WithComponent("daemon").WithDetail("container", container)
		}
		names = []string{opts.Database}
	}

	var refs []blockRef
	for _, name := range names {
		db := latest.Databases[name]
		for i, sum := range db.Blocks {
			refs = append(refs, blockRef{database: name, index: int64(i), sum: sum, size: db.Size})
		}
	}

	var out *output
	if opts.Output != "" {
		out, err = createOutput(opts.Output)
		if err != nil {
			return nil, err
		}
		defer out.abort()
	}

	result := &DownloadResult{Version: latest.Version}
	fetched := make([]bool, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency())
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			key := cache.Key{Container: container, Database: ref.database, Index: ref.index}
			data, entry, ok, err := cc.Get(key)
			if err != nil {
				return err
			}
			switch {
			case ok && !entry.Dirty && entry.Checksum == ref.sum:
			case ok && entry.Dirty:
				// unpublished local change; the cache keeps it
				if out == nil {
					return nil
				}
				if data, err = client.GetBlock(gctx, ref.sum); err != nil {
					return err
				}
			default:
				if data, err = client.GetBlock(gctx, ref.sum); err != nil {
					return err
				}
				if err := cc.Put(key, data, cache.PutOptions{Checksum: ref.sum}); err != nil {
					return err
				}
				fetched[i] = true
			}
			if out != nil {
				return out.writeBlock(data, ref.index, latest.BlockSize, ref.size)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if out != nil {
		if err := out.commit(latest.Databases[opts.Database].Size); err != nil {
			return nil, err
		}
	}

	for _, f := range fetched {
		if f {
			result.Fetched++
			result.Bytes += latest.BlockSize
		} else {
			result.Cached++
		}
	}
	return result, nil
}

// List reports the databases of the latest manifest.
func (c *Coordinator) List(ctx context.Context, bucketPath string) (*Listing, error) {
	var listing *Listing
	err := c.run("list", bucketPath, func() error {
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		desc, err := client.Container(ctx)
		if err != nil {
			return err
		}
		return c.locked(ctx, client, id, func() error {
			latest, err := c.manifests.Refresh(ctx, client)
			if err != nil {
				return err
			}
			listing = &Listing{
				Container: *desc,
				Version:   latest.Version,
				Author:    latest.Author,
				Published: latest.Timestamp,
				Databases: lo.Map(latest.Names(), func(name string, _ int) DatabaseInfo {
					db := latest.Databases[name]
					return DatabaseInfo{Name: name, Size: db.Size, Blocks: len(db.Blocks)}
				}),
			}
			return nil
		})
	})
	return listing, err
}

// Manifest returns a manifest with the container's version history. A nil
// version selects the latest.
func (c *Coordinator) Manifest(ctx context.Context, bucketPath string, version *uint64) (*ManifestReport, error) {
	var report *ManifestReport
	err := c.run("manifest", bucketPath, func() error {
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		if _, err := client.Container(ctx); err != nil {
			return err
		}
		return c.locked(ctx, client, id, func() error {
			history, err := c.manifests.History(ctx, client)
			if err != nil {
				return err
			}
			var man *manifest.Manifest
			if version == nil {
				man, err = c.manifests.Refresh(ctx, client)
			} else {
				man, err = c.manifests.Version(ctx, client, *version)
			}
			if err != nil {
				return err
			}
			report = &ManifestReport{Manifest: man, History: history}
			return nil
		})
	})
	return report, err
}

// Clean releases the clean cache entries of the container at bucketPath,
// or of every container when bucketPath is empty. Dirty entries stay.
func (c *Coordinator) Clean(ctx context.Context, bucketPath string) (int, error) {
	var released int
	err := c.run("clean", bucketPath, func() error {
		id, err := c.identity(ctx)
		if err != nil {
			return err
		}
		cc, err := c.Cache()
		if err != nil {
			return err
		}
		if bucketPath == "" {
			released, err = cc.Clean("")
			return err
		}
		client, err := c.Client(ctx, bucketPath)
		if err != nil {
			return err
		}
		return c.locked(ctx, client, id, func() error {
			released, err = cc.Clean(client.Path().String())
			return err
		})
	})
	return released, err
}

func (c *Coordinator) concurrency() int {
	if n := c.cfg.Storage.Concurrency; n > 0 {
		return n
	}
	return 4
}
